package crypto

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Ошибки учетных данных
var (
	ErrEmptyPassword      = errors.New("password cannot be empty")
	ErrPasswordTooLong    = errors.New("password exceeds maximum length of 72 bytes")
	ErrInvalidHash        = errors.New("invalid password hash format")
	ErrEmptyUsername      = errors.New("username cannot be empty")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// DefaultCost - стоимость bcrypt по умолчанию
const DefaultCost = 12

// MaxPasswordLength - ограничение bcrypt
const MaxPasswordLength = 72

// HashPassword хеширует пароль bcrypt; cost вне [MinCost, MaxCost] приводится к границе
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	if len(password) > MaxPasswordLength {
		return "", ErrPasswordTooLong
	}

	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("generate hash: %w", err)
	}
	return string(hash), nil
}

// Credentials - пара логин / bcrypt-хеш для basic auth служебных эндпоинтов
type Credentials struct {
	username string
	hash     []byte
}

// NewCredentials проверяет формат хеша и возвращает учетные данные
func NewCredentials(username, passwordHash string) (*Credentials, error) {
	if username == "" {
		return nil, ErrEmptyUsername
	}
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return nil, ErrInvalidHash
	}
	return &Credentials{username: username, hash: []byte(passwordHash)}, nil
}

// Verify сравнивает логин за постоянное время и пароль через bcrypt
func (c *Credentials) Verify(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.username)) == 1

	// bcrypt выполняется и при неверном логине
	passErr := bcrypt.CompareHashAndPassword(c.hash, []byte(password))

	if !userOK || passErr != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Username возвращает логин
func (c *Credentials) Username() string {
	return c.username
}
