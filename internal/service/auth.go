package service

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidKey = errors.New("invalid gateway key")

// AuthService checks the key the chat gateway presents before it may act
// on behalf of a member. Only a bcrypt hash of the key is configured.
type AuthService struct {
	keyHash []byte
}

func NewAuthService(keyHash string) *AuthService {
	return &AuthService{keyHash: []byte(strings.TrimSpace(keyHash))}
}

func (s *AuthService) Authenticate(key string) error {
	if len(s.keyHash) == 0 || key == "" {
		return ErrInvalidKey
	}
	if err := bcrypt.CompareHashAndPassword(s.keyHash, []byte(key)); err != nil {
		return ErrInvalidKey
	}
	return nil
}

// HashKey produces the value to configure as the gateway key hash.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash key: %w", err)
	}
	return string(hash), nil
}
