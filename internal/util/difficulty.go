package util

import (
	"math"
	"math/big"
)

var (
	// MaxTarget is the largest representable target (difficulty ~0)
	MaxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	// Diff1Target is the difficulty 1 target
	Diff1Target = new(big.Int).SetBytes([]byte{
		0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	})
)

// DifficultyToTarget converts a share difficulty to its target. A share's
// work value must be numerically at or below this bound to count at the
// given difficulty.
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 || math.IsNaN(difficulty) || math.IsInf(difficulty, 0) {
		return new(big.Int).Set(MaxTarget)
	}

	diff1 := new(big.Float).SetInt(Diff1Target)
	target, _ := new(big.Float).Quo(diff1, big.NewFloat(difficulty)).Int(nil)
	if target.Sign() == 0 {
		return big.NewInt(1)
	}
	if target.Cmp(MaxTarget) > 0 {
		return new(big.Int).Set(MaxTarget)
	}
	return target
}

// TargetToDifficulty converts a target back to a difficulty for reporting
func TargetToDifficulty(target *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		return 0
	}
	diff1 := new(big.Float).SetInt(Diff1Target)
	diff, _ := new(big.Float).Quo(diff1, new(big.Float).SetInt(target)).Float64()
	return diff
}

// CompactToTarget expands a compact "bits" target representation
func CompactToTarget(compact uint32) *big.Int {
	exponent := compact >> 24
	mantissa := compact & 0x007fffff

	var target *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		target = big.NewInt(int64(mantissa))
	} else {
		target = big.NewInt(int64(mantissa))
		target.Lsh(target, 8*(uint(exponent)-3))
	}

	if compact&0x00800000 != 0 {
		target.Neg(target)
	}

	return target
}

// TargetToCompact converts a target to its compact representation
func TargetToCompact(target *big.Int) uint32 {
	if target.Sign() == 0 {
		return 0
	}

	negative := target.Sign() < 0
	if negative {
		target = new(big.Int).Neg(target)
	}

	bytes := target.Bytes()
	size := uint32(len(bytes))

	var compact uint32
	if size <= 3 {
		compact = uint32(target.Uint64()) << (8 * (3 - size))
	} else {
		compact = uint32(new(big.Int).Rsh(target, 8*(uint(size)-3)).Uint64())
	}

	if compact&0x00800000 != 0 {
		compact >>= 8
		size++
	}

	compact |= size << 24
	if negative {
		compact |= 0x00800000
	}

	return compact
}

// HashrateFromDifficulty estimates hashes/sec from accumulated share
// difficulty over a window: H = sum(diff) * 2^32 / seconds.
func HashrateFromDifficulty(totalDifficulty, windowSeconds float64) float64 {
	if windowSeconds <= 0 {
		return 0
	}
	return totalDifficulty * math.Pow(2, 32) / windowSeconds
}
