package model

import (
	"fmt"
	"math"
)

// DType identifies the element type of a tensor. The set is closed:
// unknown names are rejected at parse time rather than coerced.
type DType uint8

const (
	// BOOL represents a boolean type
	BOOL DType = iota
	// U8 represents an unsigned byte type
	U8
	// I8 represents a signed byte type
	I8
	// I16 represents a 16-bit signed integer type
	I16
	// U16 represents a 16-bit unsigned integer type
	U16
	// F16 represents a half-precision floating point type
	F16
	// BF16 represents a brain floating point type
	BF16
	// I32 represents a 32-bit signed integer type
	I32
	// U32 represents a 32-bit unsigned integer type
	U32
	// F32 represents a 32-bit floating point type
	F32
	// F64 represents a 64-bit floating point type
	F64
	// I64 represents a 64-bit signed integer type
	I64
	// U64 represents a 64-bit unsigned integer type
	U64
)

var (
	dTypeToSize = [...]uint64{
		BOOL: 1,
		U8:   1,
		I8:   1,
		I16:  2,
		U16:  2,
		F16:  2,
		BF16: 2,
		I32:  4,
		U32:  4,
		F32:  4,
		F64:  8,
		I64:  8,
		U64:  8,
	}
	dTypeToString = [...]string{
		BOOL: "BOOL",
		U8:   "U8",
		I8:   "I8",
		I16:  "I16",
		U16:  "U16",
		F16:  "F16",
		BF16: "BF16",
		I32:  "I32",
		U32:  "U32",
		F32:  "F32",
		F64:  "F64",
		I64:  "I64",
		U64:  "U64",
	}
	stringToDType = func() map[string]DType {
		m := make(map[string]DType, len(dTypeToString))
		for dt, s := range dTypeToString {
			m[s] = DType(dt)
		}
		return m
	}()
)

// ParseDType resolves a dtype name from a container header or manifest
func ParseDType(s string) (DType, error) {
	dt, ok := stringToDType[s]
	if !ok {
		return 0, fmt.Errorf("unknown dtype %q", s)
	}
	return dt, nil
}

// Size returns the byte size of one element of this type
func (dt DType) Size() uint64 {
	if int(dt) >= len(dTypeToSize) {
		return 0
	}
	return dTypeToSize[dt]
}

func (dt DType) String() string {
	if int(dt) >= len(dTypeToString) {
		return fmt.Sprintf("DType(%d)", uint8(dt))
	}
	return dTypeToString[dt]
}

// ShapeBytes returns the byte length implied by a shape of this dtype.
// ok is false when the product does not fit in a uint64, which no real
// tensor does and which an unchecked product could wrap into a plausible
// small value.
func ShapeBytes(shape []uint64, dt DType) (n uint64, ok bool) {
	n = dt.Size()
	for _, d := range shape {
		if d == 0 {
			return 0, true
		}
		if n > math.MaxUint64/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// MarshalText serializes the dtype under its container format name
func (dt DType) MarshalText() ([]byte, error) {
	if int(dt) >= len(dTypeToString) {
		return nil, fmt.Errorf("invalid dtype %d", uint8(dt))
	}
	return []byte(dTypeToString[dt]), nil
}

// UnmarshalText parses a dtype name, rejecting unknown variants
func (dt *DType) UnmarshalText(text []byte) error {
	parsed, err := ParseDType(string(text))
	if err != nil {
		return err
	}
	*dt = parsed
	return nil
}
