// Package password hashes and verifies account credentials.
package password

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Hasher turns a plaintext password into a storable hash and checks
// candidates against it.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
}

// New returns a hasher that hashes with the algorithm named ("bcrypt" or
// "argon2id") and verifies hashes of either kind.
func New(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "bcrypt":
		return NewMulti(NewBcrypt(bcrypt.DefaultCost)), nil
	case algorithmID:
		a, err := NewArgon2(DefaultArgon2Config())
		if err != nil {
			return nil, err
		}
		return NewMulti(a), nil
	default:
		return nil, fmt.Errorf("unknown password hasher %q", name)
	}
}

type Bcrypt struct {
	cost int
}

func NewBcrypt(cost int) *Bcrypt {
	return &Bcrypt{cost: cost}
}

func (b *Bcrypt) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), b.cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(hash), nil
}

func (b *Bcrypt) Verify(password, encodedHash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Multi hashes with its primary hasher and verifies both bcrypt and
// argon2id hashes.
type Multi struct {
	primary Hasher
}

func NewMulti(primary Hasher) *Multi {
	return &Multi{primary: primary}
}

func (m *Multi) Hash(password string) (string, error) {
	return m.primary.Hash(password)
}

func (m *Multi) Verify(password, encodedHash string) (bool, error) {
	if strings.HasPrefix(encodedHash, "$"+algorithmID+"$") {
		return (&Argon2{}).Verify(password, encodedHash)
	}
	return (&Bcrypt{}).Verify(password, encodedHash)
}
