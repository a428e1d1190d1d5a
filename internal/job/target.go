package job

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// diff1Target is the pool difficulty-1 target, 0x00000000ffff0000...
var diff1Target = new(big.Int).Lsh(big.NewInt(0xffff), 208)

// DifficultyToTarget converts a pool share difficulty to a target.
// Non-positive difficulties map to the difficulty-1 target.
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 {
		return new(big.Int).Set(diff1Target)
	}

	quo := new(big.Float).SetPrec(256).Quo(
		new(big.Float).SetPrec(256).SetInt(diff1Target),
		new(big.Float).SetPrec(256).SetFloat64(difficulty),
	)

	target, _ := quo.Int(nil)
	if target.Sign() <= 0 {
		target.SetInt64(1)
	}
	return target
}

// TargetToDifficulty is the inverse of DifficultyToTarget.
func TargetToDifficulty(target *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		return 0
	}
	d, _ := new(big.Float).Quo(
		new(big.Float).SetInt(diff1Target),
		new(big.Float).SetInt(target),
	).Float64()
	return d
}

// HashMeetsTarget reports whether the little-endian digest is at or below target.
func HashMeetsTarget(digest chainhash.Hash, target *big.Int) bool {
	if target == nil {
		return false
	}
	return blockchain.HashToBig(&digest).Cmp(target) <= 0
}

// DigestDifficulty is the share difficulty a digest actually achieved.
func DigestDifficulty(digest chainhash.Hash) float64 {
	v := blockchain.HashToBig(&digest)
	if v.Sign() == 0 {
		return 0
	}
	return TargetToDifficulty(v)
}
