// Package keydir implements the persistent peer key directory: local
// identity lifecycle, peer descriptor import, and the secret-key cache
// consulted on every inbound decode.
package keydir

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
)

// generateX25519Keypair produces a fresh local identity keypair: an Ed25519
// signing key is generated first, its public half is converted to its
// X25519 Montgomery-form counterpart via the edwards25519 birational
// mapping, and its private seed is converted via the SHA-512 seed-hash-and-
// clamp construction, the standard way to derive a Diffie-Hellman keypair
// from a signing identity.
func generateX25519Keypair() (pub, priv [32]byte, err error) {
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return pub, priv, fmt.Errorf("keydir: generate ed25519 seed: %w", err)
	}

	priv = ed25519SeedToX25519(edPriv.Seed())

	pub, err = ed25519PubToX25519(edPub)
	if err != nil {
		return pub, priv, fmt.Errorf("keydir: derive x25519 public key: %w", err)
	}
	return pub, priv, nil
}

// ed25519SeedToX25519 hashes an Ed25519 seed with SHA-512 and clamps the
// result per the X25519 spec.
func ed25519SeedToX25519(seed []byte) [32]byte {
	var x25519Priv [32]byte
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	copy(x25519Priv[:], h[:32])
	return x25519Priv
}

// ed25519PubToX25519 converts a raw 32-byte Ed25519 public key to its X25519
// Montgomery-form counterpart by interpreting it as an Edwards point and
// taking its Montgomery u-coordinate.
func ed25519PubToX25519(ed25519Pub []byte) ([32]byte, error) {
	var x25519Pub [32]byte
	if len(ed25519Pub) != ed25519.PublicKeySize {
		return x25519Pub, fmt.Errorf("keydir: invalid Ed25519 public key length: %d", len(ed25519Pub))
	}
	edPoint, err := new(edwards25519.Point).SetBytes(ed25519Pub)
	if err != nil {
		return x25519Pub, fmt.Errorf("keydir: invalid Ed25519 public key: %w", err)
	}
	copy(x25519Pub[:], edPoint.BytesMontgomery())
	return x25519Pub, nil
}
