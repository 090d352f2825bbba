package filestore

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte content fingerprint.
type Digest [32]byte

// Equal compares in constant time.
func (d Digest) Equal(other Digest) bool {
	return subtle.ConstantTimeCompare(d[:], other[:]) == 1
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Verifier computes content digests. Digest must be deterministic.
type Verifier interface {
	Digest(data []byte) Digest
}

// Blake3Verifier is a keyed BLAKE3 verifier. Without the key a digest
// cannot be recomputed for substituted content.
type Blake3Verifier struct {
	key [32]byte
}

// NewBlake3Verifier creates a verifier keyed with a 32-byte key.
func NewBlake3Verifier(key []byte) (*Blake3Verifier, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("blake3 key must be 32 bytes, got %d", len(key))
	}
	v := &Blake3Verifier{}
	copy(v.key[:], key)
	return v, nil
}

// Digest implements Verifier.
func (v *Blake3Verifier) Digest(data []byte) Digest {
	hasher, err := blake3.NewKeyed(v.key[:])
	if err != nil {
		panic("filestore: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var d Digest
	copy(d[:], hasher.Sum(nil))
	return d
}
