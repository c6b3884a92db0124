/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package encryption

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	jose "github.com/go-jose/go-jose/v4"
	"golang.org/x/crypto/hkdf"
)

// secretInfo is the HKDF info label bound into every derived secret.
const secretInfo = "huddle-handshake-v1"

// ECDH is the default key-exchange primitive. It is stateless and safe for
// concurrent use.
type ECDH struct{}

// NewECDH returns the P-256 key-exchange primitive.
func NewECDH() *ECDH {
	return &ECDH{}
}

// SharedSecret derives the 32-byte session secret shared with the holder of
// remotePublic.
//
// The derivation is:
//  1. Raw ECDH between localPrivate and remotePublic (P-256 x-coordinate)
//  2. HKDF-SHA-256 with empty salt and info = label || both public points in
//     lexical order, so both ends derive the same secret
//
// localPublic must belong to localPrivate; a mismatch means the stored
// identity is corrupt and is reported as an error.
func (e *ECDH) SharedSecret(localPrivate, localPublic, remotePublic string) (string, error) {
	privJWK, err := parseJWK(localPrivate)
	if err != nil {
		return "", fmt.Errorf("local private key: %w", err)
	}
	priv, err := jwkToECDHPrivateKey(privJWK)
	if err != nil {
		return "", fmt.Errorf("local private key: %w", err)
	}

	localJWK, err := parseJWK(localPublic)
	if err != nil {
		return "", fmt.Errorf("local public key: %w", err)
	}
	local, err := jwkToECDHPublicKey(localJWK)
	if err != nil {
		return "", fmt.Errorf("local public key: %w", err)
	}
	if !priv.PublicKey().Equal(local) {
		return "", fmt.Errorf("local public key does not match private key")
	}

	remoteJWK, err := parseJWK(remotePublic)
	if err != nil {
		return "", fmt.Errorf("remote public key: %w", err)
	}
	remote, err := jwkToECDHPublicKey(remoteJWK)
	if err != nil {
		return "", fmt.Errorf("remote public key: %w", err)
	}

	raw, err := priv.ECDH(remote)
	if err != nil {
		return "", fmt.Errorf("failed to derive ECDH shared secret: %w", err)
	}

	a, b := local.Bytes(), remote.Bytes()
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	info := make([]byte, 0, len(secretInfo)+len(a)+len(b))
	info = append(info, secretInfo...)
	info = append(info, a...)
	info = append(info, b...)

	secret := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, info), secret); err != nil {
		return "", fmt.Errorf("failed to expand shared secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(secret), nil
}

// Decrypt opens a compact dir+A256GCM JWE with a secret from SharedSecret.
func (e *ECDH) Decrypt(ciphertext, secret string) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	plaintext, err := unwrapWithSharedSecret(ciphertext, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Encrypt seals plaintext for the peer holding the same secret. The server
// side of the handshake uses it to issue challenges.
func (e *ECDH) Encrypt(plaintext, secret string) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	return wrapWithSharedSecret([]byte(plaintext), key)
}

func decodeSecret(secret string) ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("invalid shared secret encoding: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("shared secret must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// wrapWithSharedSecret encrypts payload using dir + A256GCM.
func wrapWithSharedSecret(payload []byte, sharedSecret []byte) (string, error) {
	recipient := jose.Recipient{
		Algorithm: jose.DIRECT,
		Key:       sharedSecret,
	}

	encrypter, err := jose.NewEncrypter(jose.A256GCM, recipient, nil)
	if err != nil {
		return "", fmt.Errorf("error creating encrypter: %w", err)
	}

	jweObj, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("error encrypting payload: %w", err)
	}

	return jweObj.CompactSerialize()
}

// unwrapWithSharedSecret decrypts a compact JWE using the shared secret.
func unwrapWithSharedSecret(jweString string, sharedSecret []byte) ([]byte, error) {
	jweObj, err := jose.ParseEncrypted(jweString,
		[]jose.KeyAlgorithm{jose.DIRECT},
		[]jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return nil, fmt.Errorf("error parsing JWE: %w", err)
	}

	plaintext, err := jweObj.Decrypt(sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("error decrypting JWE: %w", err)
	}

	return plaintext, nil
}
