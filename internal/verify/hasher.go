package verify

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	sha256simd "github.com/minio/sha256-simd"
)

// Hasher computes the proof-of-work digest of a serialized header.
type Hasher interface {
	Name() string
	Sum(header []byte) chainhash.Hash
}

// MiningHasher is sha256d via btcd's chainhash.
type MiningHasher struct{}

func (MiningHasher) Name() string { return "mining" }

func (MiningHasher) Sum(header []byte) chainhash.Hash {
	return chainhash.DoubleHashH(header)
}

// SIMDHasher is sha256d via minio/sha256-simd, which uses SHA-NI or AVX
// where the CPU offers it.
type SIMDHasher struct{}

func (SIMDHasher) Name() string { return "enhanced" }

func (SIMDHasher) Sum(header []byte) chainhash.Hash {
	first := sha256simd.Sum256(header)
	return chainhash.Hash(sha256simd.Sum256(first[:]))
}

// HasherFor picks the hasher matching a kernel variant name.
func HasherFor(variant string) Hasher {
	if variant == "enhanced" {
		return SIMDHasher{}
	}
	return MiningHasher{}
}
