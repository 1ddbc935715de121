package gamenet

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Packet protection uses XChaCha20-Poly1305. The nonce is NonceBytes long
// with the packet sequence in the trailing eight bytes; the sequence is
// carried in the clear in the packet header, so both sides derive the same
// nonce without extra wire bytes.

func sequenceNonce(sequence uint64) [NonceBytes]byte {
	var nonce [NonceBytes]byte
	binary.BigEndian.PutUint64(nonce[NonceBytes-8:], sequence)
	return nonce
}

// encryptPacket seals plaintext with the given key, deriving the nonce from
// the packet sequence. The returned slice is plaintext length plus the
// authentication tag.
func encryptPacket(key *[KeyBytes]byte, sequence uint64, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}
	nonce := sequenceNonce(sequence)
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// decryptPacket opens a sealed packet payload. Fails if the ciphertext was
// tampered with or was sealed under a different key or sequence.
func decryptPacket(key *[KeyBytes]byte, sequence uint64, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}
	nonce := sequenceNonce(sequence)
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open packet: %w", err)
	}
	return plaintext, nil
}

// RandomBytes fills buf with cryptographically secure random bytes.
func RandomBytes(buf []byte) error {
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("read random bytes: %w", err)
	}
	return nil
}

// randomUint64 returns a cryptographically secure random 64-bit value,
// used for the insecure-connect client salt.
func randomUint64() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand.Read only fails when the platform RNG is broken.
		panic(fmt.Sprintf("random source unavailable: %v", err))
	}
	return binary.BigEndian.Uint64(buf[:])
}
