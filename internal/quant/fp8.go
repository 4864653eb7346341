package quant

import (
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-quiver/internal/config"
)

// ErrUnsupportedFormat is returned when a conversion is requested to or from
// a representation the codec does not recognize.
var ErrUnsupportedFormat = errors.New("unsupported representation")

// Quantize divides src by scale and encodes into the narrow format f,
// saturating to the format's finite range instead of wrapping. It returns the
// number of saturated elements. dst and src must have equal length.
func Quantize(dst []uint8, src []float32, scale float32, f config.Format) (int, error) {
	if len(dst) != len(src) {
		return 0, fmt.Errorf("quantize: dst len %d != src len %d", len(dst), len(src))
	}
	inv := 1.0 / scale
	saturated := 0
	switch f {
	case config.FormatFP8E5M2:
		for i, v := range src {
			b, sat := encodeE5M2(v * inv)
			dst[i] = b
			if sat {
				saturated++
			}
		}
	case config.FormatFP8E4M3:
		for i, v := range src {
			b, sat := encodeE4M3(v * inv)
			dst[i] = b
			if sat {
				saturated++
			}
		}
	default:
		return 0, fmt.Errorf("%w: %s is not a narrow format", ErrUnsupportedFormat, f)
	}
	return saturated, nil
}

// Dequantize widens src from the narrow format f and multiplies by scale.
// The round trip through Quantize is lossy; it is used for verification and
// readback only.
func Dequantize(dst []float32, src []uint8, scale float32, f config.Format) error {
	if len(dst) != len(src) {
		return fmt.Errorf("dequantize: dst len %d != src len %d", len(dst), len(src))
	}
	switch f {
	case config.FormatFP8E5M2:
		for i, b := range src {
			dst[i] = decodeE5M2(b) * scale
		}
	case config.FormatFP8E4M3:
		for i, b := range src {
			dst[i] = decodeE4M3(b) * scale
		}
	default:
		return fmt.Errorf("%w: %s is not a narrow format", ErrUnsupportedFormat, f)
	}
	return nil
}

// encodeE5M2 converts to the 1-5-2 format. e5m2 shares fp16's exponent range:
// max finite 57344, min normal 2^-14, min subnormal 2^-16. Rounds to nearest
// even; finite overflow saturates to max finite.
func encodeE5M2(f float32) (uint8, bool) {
	b := math.Float32bits(f)
	sign := uint8(b>>24) & 0x80
	mag := b & 0x7fffffff
	if mag > 0x7f800000 {
		return sign | 0x7f, false // NaN
	}
	if mag == 0x7f800000 {
		return sign | 0x7c, false // Inf is representable
	}
	exp := int(mag>>23) - 127
	if exp >= -14 {
		// Normal range: keep 2 mantissa bits, drop 21 with round-to-nearest-even.
		const drop = 21
		mant := mag & 0x7fffff
		lsb := (mant >> drop) & 1
		mant += 1<<(drop-1) - 1 + lsb
		if mant >= 1<<23 {
			mant -= 1 << 23
			exp++
		}
		if exp > 15 {
			return sign | 0x7b, true // past 57344
		}
		return sign | uint8((exp+15)<<2) | uint8(mant>>drop), false
	}
	// Subnormal range: steps of 2^-16.
	q := math.RoundToEven(float64(math.Float32frombits(mag)) * 65536.0)
	if q == 0 {
		return sign, false
	}
	return sign | uint8(q), false
}

// decodeE5M2 widens from the 1-5-2 bit layout. Exponent bits 0 are
// subnormal, steps of 2^-16; they must be decoded as such rather than
// reinterpreted through an fp16 widening that drops subnormals.
func decodeE5M2(b uint8) float32 {
	sign := float32(1)
	if b&0x80 != 0 {
		sign = -1
	}
	exp := int(b>>2) & 0x1f
	mant := int(b & 3)
	if exp == 0x1f {
		if mant != 0 {
			return float32(math.NaN())
		}
		return sign * float32(math.Inf(1))
	}
	if exp == 0 {
		return sign * float32(mant) * float32(math.Ldexp(1, -16))
	}
	return sign * (1 + float32(mant)/4) * float32(math.Ldexp(1, exp-15))
}

// encodeE4M3 converts to the 1-4-3 format (no infinities, 0x7f is NaN, max
// finite 448, min normal 2^-6, min subnormal 2^-9). Rounds to nearest even;
// overflow and infinities saturate to max finite.
func encodeE4M3(f float32) (uint8, bool) {
	b := math.Float32bits(f)
	sign := uint8(b>>24) & 0x80
	mag := b & 0x7fffffff
	if mag > 0x7f800000 {
		return sign | 0x7f, false // NaN
	}
	if mag == 0x7f800000 {
		return sign | 0x7e, true // no Inf encoding; clamp to 448
	}
	exp := int(mag>>23) - 127
	if exp >= -6 {
		const drop = 20
		mant := mag & 0x7fffff
		lsb := (mant >> drop) & 1
		mant += 1<<(drop-1) - 1 + lsb
		if mant >= 1<<23 {
			mant -= 1 << 23
			exp++
		}
		if exp > 8 || (exp == 8 && mant>>drop == 7) {
			return sign | 0x7e, true // would collide with NaN or exceed 448
		}
		return sign | uint8((exp+7)<<3) | uint8(mant>>drop), false
	}
	// Subnormal range: steps of 2^-9.
	q := math.RoundToEven(float64(math.Float32frombits(mag)) * 512.0)
	if q == 0 {
		return sign, false
	}
	return sign | uint8(q), false
}

func decodeE4M3(b uint8) float32 {
	sign := float32(1)
	if b&0x80 != 0 {
		sign = -1
	}
	exp := int(b>>3) & 0xf
	mant := int(b & 7)
	if exp == 0xf && mant == 7 {
		return float32(math.NaN())
	}
	if exp == 0 {
		return sign * float32(mant) * float32(math.Ldexp(1, -9))
	}
	return sign * (1 + float32(mant)/8) * float32(math.Ldexp(1, exp-7))
}
