package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter - token bucket
//
// Ведро наполняется со скоростью rate токенов/сек до емкости burst.
// Каждый запрос потребляет 1 токен.
type RateLimiter struct {
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
	lastUsed   time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// newRateLimiter создает limiter с полным ведром.
// rate <= 0 → 10 req/sec, burst < rate → burst = rate.
func newRateLimiter(rate, burst float64, now func() time.Time) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = rate * 2
	}
	if burst < rate {
		burst = rate
	}

	t := now()
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: t,
		lastUsed:   t,
		now:        now,
	}
}

// refill пополняет токены; вызывается под lock
func (rl *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(rl.lastRefill).Seconds()
	if elapsed > 0 {
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.burst {
			rl.tokens = rl.burst
		}
		rl.lastRefill = now
	}
}

// Take забирает токен, а при его отсутствии возвращает время
// до появления следующего (для заголовка Retry-After)
func (rl *RateLimiter) Take() (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.refill(now)
	rl.lastUsed = now

	if rl.tokens >= 1 {
		rl.tokens--
		return true, 0
	}
	return false, rl.waitTime()
}

func (rl *RateLimiter) waitTime() time.Duration {
	return time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
}

func (rl *RateLimiter) idleSince() time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.lastUsed
}

// ============================================================
// KeyedLimiter - отдельное ведро на ключ (пользователя)
// ============================================================

// KeyedLimiter создает RateLimiter на каждый ключ при первом обращении.
// Ведра, не использовавшиеся дольше idleTTL, удаляются в Cleanup.
type KeyedLimiter struct {
	rate     float64
	burst    float64
	idleTTL  time.Duration
	limiters map[string]*RateLimiter
	now      func() time.Time
	mu       sync.Mutex
}

// NewKeyedLimiter создает limiter с параметрами ведра на один ключ
func NewKeyedLimiter(rate, burst float64, idleTTL time.Duration) *KeyedLimiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &KeyedLimiter{
		rate:     rate,
		burst:    burst,
		idleTTL:  idleTTL,
		limiters: make(map[string]*RateLimiter),
		now:      time.Now,
	}
}

// bucket возвращает ведро ключа, создавая его при необходимости
func (kl *KeyedLimiter) bucket(key string) *RateLimiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	rl, ok := kl.limiters[key]
	if !ok {
		rl = newRateLimiter(kl.rate, kl.burst, kl.now)
		kl.limiters[key] = rl
	}
	return rl
}

// Allow забирает токен из ведра ключа
func (kl *KeyedLimiter) Allow(key string) (bool, time.Duration) {
	return kl.bucket(key).Take()
}

// size возвращает количество отслеживаемых ключей
func (kl *KeyedLimiter) size() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

// Cleanup удаляет простаивающие ведра, возвращает число удаленных
func (kl *KeyedLimiter) Cleanup() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	cutoff := kl.now().Add(-kl.idleTTL)
	removed := 0
	for key, rl := range kl.limiters {
		if rl.idleSince().Before(cutoff) {
			delete(kl.limiters, key)
			removed++
		}
	}
	return removed
}

// RunCleanup периодически вызывает Cleanup до отмены контекста
func (kl *KeyedLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			kl.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}
