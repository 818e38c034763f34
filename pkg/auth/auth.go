// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth provides the password hashing used for stored credentials.
// It supports plain text, salted SHA256, and bcrypt.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// HashAlgorithm defines the password hashing algorithm type
type HashAlgorithm string

const (
	// HashPlain represents plain text passwords (not recommended for production)
	HashPlain HashAlgorithm = "plain"
	// HashSHA256 represents SHA256 hashed passwords
	HashSHA256 HashAlgorithm = "sha256"
	// HashBcrypt represents bcrypt hashed passwords (recommended)
	HashBcrypt HashAlgorithm = "bcrypt"
)

// ParseAlgorithm validates name and returns the matching HashAlgorithm.
// An empty name selects bcrypt.
func ParseAlgorithm(name string) (HashAlgorithm, error) {
	switch a := HashAlgorithm(name); a {
	case "":
		return HashBcrypt, nil
	case HashPlain, HashSHA256, HashBcrypt:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", name)
	}
}

// Credential is a stored secret. The plain password is never kept unless the
// algorithm is HashPlain.
type Credential struct {
	Hash      string        `json:"password_hash" yaml:"password_hash"`
	Salt      string        `json:"salt,omitempty" yaml:"salt,omitempty"`
	Algorithm HashAlgorithm `json:"algorithm" yaml:"algorithm"`
}

// Verify reports whether password matches the credential.
func (c Credential) Verify(password string) bool {
	return VerifyPassword(password, c.Hash, c.Salt, c.Algorithm)
}

// Hasher creates credentials with a fixed algorithm.
type Hasher struct {
	Algorithm HashAlgorithm
	// BcryptCost overrides bcrypt.DefaultCost when non-zero.
	BcryptCost int
}

// NewCredential hashes password. SHA256 credentials get a fresh random salt.
func (h Hasher) NewCredential(password string) (Credential, error) {
	algorithm := h.Algorithm
	if algorithm == "" {
		algorithm = HashBcrypt
	}
	var salt string
	if algorithm == HashSHA256 {
		salt = uuid.NewString()
	}
	var (
		hash string
		err  error
	)
	if algorithm == HashBcrypt && h.BcryptCost != 0 {
		hash, err = bcryptHash(password, h.BcryptCost)
	} else {
		hash, err = HashPassword(password, salt, algorithm)
	}
	if err != nil {
		return Credential{}, err
	}
	return Credential{Hash: hash, Salt: salt, Algorithm: algorithm}, nil
}

// HashPassword creates a hash of the password using the specified algorithm
func HashPassword(password, salt string, algorithm HashAlgorithm) (string, error) {
	switch algorithm {
	case HashPlain:
		return password, nil
	case HashSHA256:
		sum := sha256.Sum256([]byte(salt + password))
		return hex.EncodeToString(sum[:]), nil
	case HashBcrypt:
		return bcryptHash(password, bcrypt.DefaultCost)
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

func bcryptHash(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword verifies a password against a hash using the specified algorithm
func VerifyPassword(password, hash, salt string, algorithm HashAlgorithm) bool {
	switch algorithm {
	case HashPlain:
		return subtle.ConstantTimeCompare([]byte(password), []byte(hash)) == 1
	case HashSHA256:
		expected, err := HashPassword(password, salt, HashSHA256)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(expected), []byte(hash)) == 1
	case HashBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	default:
		return false
	}
}
