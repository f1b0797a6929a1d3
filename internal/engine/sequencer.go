package engine

import (
	"context"
	"strconv"
	"sync"
)

// FNV-1a 32-bit
const (
	fnvOffset32 = 2166136261
	fnvPrime32  = 16777619
)

// fnvHash - FNV-1a без аллокаций
func fnvHash(s string) uint32 {
	h := uint32(fnvOffset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime32
	}
	return h
}

// Sequencer - шардированные очереди single-writer для изменений стакана.
//
// Каждый товар детерминированно попадает в один шард (FNV-1a по product id),
// у шарда ровно одна горутина. Все place/cancel одного товара выполняются
// строго последовательно в порядке поступления. Разные товары в разных
// шардах не блокируют друг друга.
type Sequencer struct {
	shards []*laneShard

	mu      sync.RWMutex // защищает stopped и отправку в каналы
	stopped bool
	wg      sync.WaitGroup
}

// laneShard - очередь одного шарда
type laneShard struct {
	label string
	tasks chan *laneTask
}

// laneTask - задача в очереди шарда
type laneTask struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// NewSequencer создает и запускает sequencer
//
// shards - количество шардов (минимум 1)
// queueSize - буфер очереди на шард (минимум 1)
func NewSequencer(shards, queueSize int) *Sequencer {
	if shards < 1 {
		shards = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	s := &Sequencer{shards: make([]*laneShard, shards)}
	for i := range s.shards {
		s.shards[i] = &laneShard{
			label: strconv.Itoa(i),
			tasks: make(chan *laneTask, queueSize),
		}
	}

	s.wg.Add(shards)
	for _, sh := range s.shards {
		go s.worker(sh)
	}

	return s
}

// ShardIndex возвращает индекс шарда для товара
func (s *Sequencer) ShardIndex(productID string) int {
	return int(fnvHash(productID) % uint32(len(s.shards)))
}

// NumShards возвращает количество шардов
func (s *Sequencer) NumShards() int {
	return len(s.shards)
}

// Submit ставит fn в очередь товара и ждет результата.
//
// Если ctx отменен до начала выполнения - задача пропускается и
// возвращается ctx.Err(). Начатая задача выполняется до конца:
// Submit ждет ее завершения даже после отмены ctx.
func (s *Sequencer) Submit(ctx context.Context, productID string, fn func(ctx context.Context) error) error {
	task := &laneTask{
		ctx:  ctx,
		fn:   fn,
		done: make(chan error, 1),
	}
	shard := s.shards[s.ShardIndex(productID)]

	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrEngineStopped
	}
	select {
	case shard.tasks <- task:
		LaneQueueLength.WithLabelValues(shard.label).Inc()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	return <-task.done
}

// worker - единственный исполнитель задач шарда
func (s *Sequencer) worker(shard *laneShard) {
	defer s.wg.Done()

	for task := range shard.tasks {
		LaneQueueLength.WithLabelValues(shard.label).Dec()

		if err := task.ctx.Err(); err != nil {
			task.done <- err
			continue
		}
		task.done <- task.fn(task.ctx)
	}
}

// Stop закрывает очереди и ждет завершения уже поставленных задач.
// После Stop любой Submit возвращает ErrEngineStopped.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, sh := range s.shards {
		close(sh.tasks)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
