package rt

import (
	"encoding/binary"
	"math"
	"math/bits"
)

// Float80 is an x87 extended precision value in memory order: a 64-bit
// mantissa with an explicit integer bit followed by the sign and 15-bit
// exponent.
type Float80 [10]byte

const float80Bias = 16383

// Float80FromFloat64 converts f exactly.
func Float80FromFloat64(f float64) Float80 {
	b := math.Float64bits(f)
	se := uint16(b>>63) << 15
	exp := int(b>>52) & 0x7FF
	frac := b & (1<<52 - 1)

	var mant uint64
	switch {
	case exp == 0 && frac == 0:
	case exp == 0x7FF:
		se |= 0x7FFF
		mant = 1<<63 | frac<<11
	case exp == 0:
		lz := bits.LeadingZeros64(frac)
		mant = frac << lz
		se |= uint16(float80Bias + 63 - 1074 - lz)
	default:
		mant = 1<<63 | frac<<11
		se |= uint16(exp - 1023 + float80Bias)
	}

	var x Float80
	binary.LittleEndian.PutUint64(x[:8], mant)
	binary.LittleEndian.PutUint16(x[8:], se)
	return x
}

// Float64 rounds x to the nearest double.
func (x Float80) Float64() float64 {
	mant := binary.LittleEndian.Uint64(x[:8])
	se := binary.LittleEndian.Uint16(x[8:])
	neg := se&0x8000 != 0
	exp := int(se & 0x7FFF)

	var f float64
	switch {
	case exp == 0 && mant == 0:
		f = 0
	case exp == 0x7FFF:
		if mant<<1 == 0 {
			f = math.Inf(1)
		} else {
			return math.Float64frombits(uint64(se>>15)<<63 | 0x7FF<<52 | 1<<51 | (mant<<1)>>12)
		}
	default:
		f = math.Ldexp(float64(mant), exp-float80Bias-63)
	}
	if neg {
		f = math.Copysign(f, -1)
	}
	return f
}

// Bytes returns the value padded to its 16-byte memory slot.
func (x Float80) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, x[:])
	return b
}

// Float80FromUint64 converts v exactly; extended precision has a 64-bit
// mantissa.
func Float80FromUint64(v uint64) Float80 {
	var x Float80
	if v == 0 {
		return x
	}
	lz := bits.LeadingZeros64(v)
	binary.LittleEndian.PutUint64(x[:8], v<<lz)
	binary.LittleEndian.PutUint16(x[8:], uint16(float80Bias+63-lz))
	return x
}

// Int64 truncates x toward zero. Out of range values and NaNs produce the
// x87 integer indefinite value, math.MinInt64.
func (x Float80) Int64() int64 {
	mant := binary.LittleEndian.Uint64(x[:8])
	se := binary.LittleEndian.Uint16(x[8:])
	exp := int(se & 0x7FFF)
	if exp == 0x7FFF {
		return math.MinInt64
	}
	shift := float80Bias + 63 - exp
	if shift >= 64 || mant == 0 {
		return 0
	}
	if shift <= 0 {
		return math.MinInt64
	}
	v := mant >> shift
	if se&0x8000 != 0 {
		if v > 1<<63 {
			return math.MinInt64
		}
		return -int64(v)
	}
	if v > math.MaxInt64 {
		return math.MinInt64
	}
	return int64(v)
}
