// Package tokens seals OAuth credentials at rest and keeps a user's access
// token fresh.
package tokens

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/fenrick/miro-bridge/internal/domain"
)

// Sealer encrypts token material with ChaCha20-Poly1305. Keys are ordered:
// the first seals, every key is tried to open, which lets operators rotate
// keys without re-encrypting stored rows up front.
type Sealer struct {
	aeads []cipher.AEAD
}

// NewSealer builds a Sealer from 32-byte keys. An empty key list yields a
// passthrough sealer for development.
func NewSealer(keys [][]byte) (*Sealer, error) {
	s := &Sealer{}
	for i, k := range keys {
		if len(k) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("op=tokens.NewSealer: key %d has %d bytes, want %d", i, len(k), chacha20poly1305.KeySize)
		}
		aead, err := chacha20poly1305.New(k)
		if err != nil {
			return nil, fmt.Errorf("op=tokens.NewSealer: %w", err)
		}
		s.aeads = append(s.aeads, aead)
	}
	return s, nil
}

// Seal encrypts plaintext with the primary key, prefixing the nonce. Without
// keys the plaintext passes through unchanged.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if len(s.aeads) == 0 {
		return plaintext, nil
	}
	aead := s.aeads[0]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("op=tokens.Seal: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts sealed bytes, trying each key in order. Fails with
// ErrInvalidToken when no key matches.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(s.aeads) == 0 {
		return sealed, nil
	}
	for _, aead := range s.aeads {
		ns := aead.NonceSize()
		if len(sealed) < ns {
			continue
		}
		if pt, err := aead.Open(nil, sealed[:ns], sealed[ns:], nil); err == nil {
			return pt, nil
		}
	}
	return nil, fmt.Errorf("op=tokens.Open: %w", domain.ErrInvalidToken)
}
