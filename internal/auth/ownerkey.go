// Package auth issues and verifies owner capability keys for rooms.
//
// A key is minted once when a room is created and returned to the creator in
// plaintext exactly once. Only its bcrypt hash is stored inside the room
// state, so a leaked state blob cannot be replayed as ownership proof.
package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"reviewroom/api/internal/util"
)

// ErrInvalidOwnerKey reports a key that does not match the stored hash.
var ErrInvalidOwnerKey = errors.New("invalid owner key")

// MintOwnerKey generates a fresh capability key and its storable hash.
func MintOwnerKey() (key, hash string, err error) {
	key = util.NewSecret()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash owner key: %w", err)
	}
	return key, string(h), nil
}

// VerifyOwnerKey checks a presented key against the stored hash.
func VerifyOwnerKey(hash, key string) error {
	if hash == "" || key == "" {
		return ErrInvalidOwnerKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		return ErrInvalidOwnerKey
	}
	return nil
}
