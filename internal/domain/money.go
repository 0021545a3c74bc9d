package domain

import "math"

// PlatformFeeRate is the flat marketplace commission applied to every order
// line's gross amount.
const PlatformFeeRate = 0.10

// TotalTolerance absorbs floating-point rounding when cross-checking a
// client-supplied total against the server-side recomputation.
const TotalTolerance = 0.01

func RoundToCents(v float64) float64 {
	return math.Round(v*100) / 100
}

func LineTotal(unitPrice float64, quantity int) float64 {
	return RoundToCents(unitPrice * float64(quantity))
}

// SplitFee divides a gross amount into platform fee and seller net. The fee
// is rounded to cents and net is derived as the remainder, so fee + net
// reconstructs gross exactly.
func SplitFee(gross float64) (fee, net float64) {
	fee = RoundToCents(gross * PlatformFeeRate)
	net = RoundToCents(gross - fee)
	return fee, net
}
