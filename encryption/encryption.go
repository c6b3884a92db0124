/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package encryption implements the key-exchange primitive used by the
// session handshake: P-256 ECDH, HKDF-SHA-256 secret derivation, and
// dir+A256GCM JWE for the challenge.
package encryption

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/bytedance/sonic"
)

// JWK represents a JSON Web Key. Only EC P-256 keys are used.
type JWK struct {
	Kty string `json:"kty"`           // Key type
	Crv string `json:"crv,omitempty"` // Curve
	X   string `json:"x,omitempty"`   // X coordinate
	Y   string `json:"y,omitempty"`   // Y coordinate
	D   string `json:"d,omitempty"`   // Private scalar
	Kid string `json:"kid,omitempty"` // Key ID
}

// KeyPair holds a P-256 identity key pair serialised as JWK JSON strings.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// GenerateKeyPair generates a new P-256 identity key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	pub := ecdsaPublicKeyToJWK(&priv.PublicKey)
	private := *pub
	private.D = base64.RawURLEncoding.EncodeToString(padTo32Bytes(priv.D.Bytes()))

	pubJSON, err := sonic.Marshal(pub)
	if err != nil {
		return nil, err
	}
	privJSON, err := sonic.Marshal(&private)
	if err != nil {
		return nil, err
	}
	return &KeyPair{PrivateKey: string(privJSON), PublicKey: string(pubJSON)}, nil
}

// parseJWK decodes a JWK from its JSON form.
func parseJWK(s string) (*JWK, error) {
	var jwk JWK
	if err := sonic.UnmarshalString(s, &jwk); err != nil {
		return nil, fmt.Errorf("invalid JWK: %w", err)
	}
	if jwk.Kty != "EC" || jwk.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported key type/curve: %s/%s (expected EC/P-256)", jwk.Kty, jwk.Crv)
	}
	return &jwk, nil
}

// ecdsaPublicKeyToJWK converts an ECDSA P-256 public key to a JWK.
func ecdsaPublicKeyToJWK(pub *ecdsa.PublicKey) *JWK {
	return &JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(padTo32Bytes(pub.X.Bytes())),
		Y:   base64.RawURLEncoding.EncodeToString(padTo32Bytes(pub.Y.Bytes())),
	}
}

// jwkToECDHPublicKey converts a JWK (EC P-256) to an ecdh.PublicKey.
func jwkToECDHPublicKey(jwk *JWK) (*ecdh.PublicKey, error) {
	xBytes, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("error decoding X coordinate: %w", err)
	}

	yBytes, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	if err != nil {
		return nil, fmt.Errorf("error decoding Y coordinate: %w", err)
	}

	// Uncompressed point: 0x04 || x || y
	pubBytes := make([]byte, 1+32+32)
	pubBytes[0] = 0x04
	copy(pubBytes[1:], padTo32Bytes(xBytes))
	copy(pubBytes[33:], padTo32Bytes(yBytes))

	return ecdh.P256().NewPublicKey(pubBytes)
}

// jwkToECDHPrivateKey converts a private JWK (EC P-256) to an ecdh.PrivateKey.
func jwkToECDHPrivateKey(jwk *JWK) (*ecdh.PrivateKey, error) {
	if jwk.D == "" {
		return nil, fmt.Errorf("JWK has no private component")
	}
	d, err := base64.RawURLEncoding.DecodeString(jwk.D)
	if err != nil {
		return nil, fmt.Errorf("error decoding private scalar: %w", err)
	}
	if new(big.Int).SetBytes(d).Sign() == 0 {
		return nil, fmt.Errorf("private scalar is zero")
	}
	return ecdh.P256().NewPrivateKey(padTo32Bytes(d))
}

// padTo32Bytes left-pads b with zeros to 32 bytes.
func padTo32Bytes(b []byte) []byte {
	if len(b) >= 32 {
		return b
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}
