package task

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
)

// ConfidenceDecimals is the number of fixed-point decimals of a scaled confidence.
const ConfidenceDecimals = 18

var confidenceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(ConfidenceDecimals), nil)

// ScaleConfidence returns round(c * 1e18), rounding half up. c is taken at
// its shortest decimal representation, so 0.9 scales to exactly 9e17.
func ScaleConfidence(c float64) (*big.Int, error) {
	if math.IsNaN(c) || math.IsInf(c, 0) || c < 0 || c > 1 {
		return nil, fmt.Errorf("%w: %v", ErrConfidenceRange, c)
	}
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(c, 'g', -1, 64))
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrConfidenceRange, c)
	}
	r.Mul(r, new(big.Rat).SetInt(confidenceScale))

	// floor((2*num + den) / (2*den)) for non-negative values.
	num := new(big.Int).Lsh(r.Num(), 1)
	num.Add(num, r.Denom())
	den := new(big.Int).Lsh(r.Denom(), 1)
	return num.Quo(num, den), nil
}

// UnscaleConfidence converts a fixed-point confidence back to the nearest float.
func UnscaleConfidence(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	out, _ := new(big.Rat).SetFrac(v, confidenceScale).Float64()
	return out
}
