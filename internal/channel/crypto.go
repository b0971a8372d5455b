package channel

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "devsentry channel v1"

// sessionKeys holds the two directional AEADs derived from the handshake.
type sessionKeys struct {
	send cipher.AEAD
	recv cipher.AEAD
	raw  []byte // retained only so Close can zeroize
}

// handshake runs an unauthenticated-endpoint X25519 exchange over the
// transport and derives directional ChaCha20-Poly1305 keys with HKDF. The
// transport itself is a private pipe to a process we spawned, so endpoint
// identity comes from possession of the pipe; the AEAD protects integrity
// and confidentiality of everything that follows.
func handshake(rw io.ReadWriter, initiator bool) (*sessionKeys, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("generate channel key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive channel public key: %w", err)
	}

	var peer [32]byte
	if initiator {
		if _, err := rw.Write(pub); err != nil {
			return nil, fmt.Errorf("send handshake: %w", err)
		}
		if _, err := io.ReadFull(rw, peer[:]); err != nil {
			return nil, fmt.Errorf("read handshake: %w", err)
		}
	} else {
		if _, err := io.ReadFull(rw, peer[:]); err != nil {
			return nil, fmt.Errorf("read handshake: %w", err)
		}
		if _, err := rw.Write(pub); err != nil {
			return nil, fmt.Errorf("send handshake: %w", err)
		}
	}

	shared, err := curve25519.X25519(priv[:], peer[:])
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}

	keys := make([]byte, 2*chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, fmt.Errorf("derive session keys: %w", err)
	}
	// The initiator sends with the first key; the responder mirrors.
	a, b := keys[:chacha20poly1305.KeySize], keys[chacha20poly1305.KeySize:]
	if !initiator {
		a, b = b, a
	}
	send, err := chacha20poly1305.New(a)
	if err != nil {
		return nil, err
	}
	recv, err := chacha20poly1305.New(b)
	if err != nil {
		return nil, err
	}
	return &sessionKeys{send: send, recv: recv, raw: keys}, nil
}

// zeroize discards key material.
func (k *sessionKeys) zeroize() {
	for i := range k.raw {
		k.raw[i] = 0
	}
	k.send, k.recv = nil, nil
}

// nonceFor encodes a per-direction message counter into an AEAD nonce.
func nonceFor(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}
