// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package identity provides the ed25519 signing provider consumed by
// verification agents. Keys and signatures are raw byte slices so callers can
// source them from any DID or key-management layer.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// PublicKeyLen is the length of an ed25519 public key in bytes.
	PublicKeyLen = ed25519.PublicKeySize
	// SignatureLen is the length of an ed25519 signature in bytes.
	SignatureLen = ed25519.SignatureSize
)

var (
	ErrInvalidPublicKeyLen = errors.New("invalid public key length")
	ErrInvalidSignatureLen = errors.New("invalid signature length")
)

// Identity is an ed25519 keypair used to sign messages.
type Identity struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// Generate creates a new random identity.
func Generate() (*Identity, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return &Identity{
		private: private,
		public:  public,
	}, nil
}

// Sign returns the signature of [message] under this identity's private key.
func (i *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(i.private, message)
}

// PublicKey returns the raw public key bytes.
func (i *Identity) PublicKey() []byte {
	return i.public
}

// Verify reports whether [signature] is a valid signature of [message] under
// [publicKey]. Malformed key or signature encodings are errors, not negative
// results.
func Verify(publicKey, message, signature []byte) (bool, error) {
	if len(publicKey) != PublicKeyLen {
		return false, fmt.Errorf("%w: expected %d, got %d",
			ErrInvalidPublicKeyLen, PublicKeyLen, len(publicKey))
	}
	if len(signature) != SignatureLen {
		return false, fmt.Errorf("%w: expected %d, got %d",
			ErrInvalidSignatureLen, SignatureLen, len(signature))
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature), nil
}
