// Package cloudproto implements the cloud wire protocol (C2): the typed
// value model shared by telemetry, attributes, and action parameters, the
// outbound command envelope, and the inbound mailbox decoder.
package cloudproto

import (
	"fmt"
	"math"

	"github.com/ccoveille/go-safecast"
	"github.com/montagao/iot-device-agent/internal/agent/agenterr"
)

// ValueType tags the variant carried by a Value. It is used uniformly for
// telemetry samples, attribute values, and action in/out parameters.
type ValueType int

const (
	TypeBool ValueType = iota
	TypeI8
	TypeI16
	TypeI32
	TypeI64
	TypeU8
	TypeU16
	TypeU32
	TypeU64
	TypeF32
	TypeF64
	TypeString
	TypeRaw
	TypeLocation
)

func (t ValueType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeI8:
		return "i8"
	case TypeI16:
		return "i16"
	case TypeI32:
		return "i32"
	case TypeI64:
		return "i64"
	case TypeU8:
		return "u8"
	case TypeU16:
		return "u16"
	case TypeU32:
		return "u32"
	case TypeU64:
		return "u64"
	case TypeF32:
		return "f32"
	case TypeF64:
		return "f64"
	case TypeString:
		return "string"
	case TypeRaw:
		return "raw"
	case TypeLocation:
		return "location"
	default:
		return "unknown"
	}
}

func (t ValueType) isSignedInt() bool {
	switch t {
	case TypeI8, TypeI16, TypeI32, TypeI64:
		return true
	}
	return false
}

func (t ValueType) isUnsignedInt() bool {
	switch t {
	case TypeU8, TypeU16, TypeU32, TypeU64:
		return true
	}
	return false
}

func (t ValueType) isFloat() bool {
	return t == TypeF32 || t == TypeF64
}

// Value is the tagged-variant payload. The zero Value is TypeBool(false);
// callers should always go through a constructor.
type Value struct {
	typ ValueType
	b   bool
	i   int64
	u   uint64
	f   float64
	s   string
	raw []byte
	loc *Location
}

func BoolValue(v bool) Value                { return Value{typ: TypeBool, b: v} }
func IntValue(t ValueType, v int64) Value   { return Value{typ: t, i: v} }
func UintValue(t ValueType, v uint64) Value { return Value{typ: t, u: v} }
func FloatValue(t ValueType, v float64) Value {
	return Value{typ: t, f: v}
}
func StringValue(v string) Value  { return Value{typ: TypeString, s: v} }
func RawValue(v []byte) Value     { return Value{typ: TypeRaw, raw: v} }
func LocationValue(l Location) Value { return Value{typ: TypeLocation, loc: &l} }

func (v Value) Type() ValueType { return v.typ }

func (v Value) Bool() (bool, bool) {
	if v.typ != TypeBool {
		return false, false
	}
	return v.b, true
}

func (v Value) Int() (int64, bool) {
	switch {
	case v.typ.isSignedInt():
		return v.i, true
	case v.typ.isUnsignedInt():
		return int64(v.u), true
	}
	return 0, false
}

func (v Value) Uint() (uint64, bool) {
	if v.typ.isUnsignedInt() {
		return v.u, true
	}
	return 0, false
}

func (v Value) Float() (float64, bool) {
	switch {
	case v.typ.isFloat():
		return v.f, true
	case v.typ.isSignedInt():
		return float64(v.i), true
	case v.typ.isUnsignedInt():
		return float64(v.u), true
	}
	return 0, false
}

func (v Value) String() (string, bool) {
	if v.typ != TypeString {
		return "", false
	}
	return v.s, true
}

func (v Value) Raw() ([]byte, bool) {
	if v.typ != TypeRaw {
		return nil, false
	}
	return v.raw, true
}

func (v Value) Location() (*Location, bool) {
	if v.typ != TypeLocation {
		return nil, false
	}
	return v.loc, true
}

// intRange gives the [min, max] representable by a signed integer ValueType.
func intRange(t ValueType) (int64, int64) {
	switch t {
	case TypeI8:
		return -1 << 7, 1<<7 - 1
	case TypeI16:
		return -1 << 15, 1<<15 - 1
	case TypeI32:
		return -1 << 31, 1<<31 - 1
	default:
		return -1 << 63, 1<<63 - 1
	}
}

// checkSignedRange uses go-safecast's narrowing conversions to detect
// overflow the same way the dispatcher rejects an out-of-range action
// parameter: widen/narrow at the wire boundary, never silently truncate.
func checkSignedRange(target ValueType, v int64) error {
	var err error
	switch target {
	case TypeI8:
		_, err = safecast.ToInt8(v)
	case TypeI16:
		_, err = safecast.ToInt16(v)
	case TypeI32:
		_, err = safecast.ToInt32(v)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", agenterr.ErrBadParameter, err)
	}
	return nil
}

func uintMax(t ValueType) uint64 {
	switch t {
	case TypeU8:
		return 1<<8 - 1
	case TypeU16:
		return 1<<16 - 1
	case TypeU32:
		return 1<<32 - 1
	default:
		return 1<<64 - 1
	}
}

// CastTo converts v to target, the way C3's parameter validation does:
// numeric widening is always permitted; narrowing that would lose range is
// rejected with agenterr.ErrBadParameter. Non-numeric types never convert
// into each other.
func (v Value) CastTo(target ValueType) (Value, error) {
	if v.typ == target {
		return v, nil
	}

	switch {
	case target.isSignedInt():
		if u, isUnsigned := v.Uint(); isUnsigned && u > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: %d out of range for %s", agenterr.ErrBadParameter, u, target)
		}
		i, ok := v.Int()
		if !ok {
			return Value{}, fmt.Errorf("%w: cannot convert %s to %s", agenterr.ErrBadParameter, v.typ, target)
		}
		if err := checkSignedRange(target, i); err != nil {
			return Value{}, err
		}
		lo, hi := intRange(target)
		if i < lo || i > hi {
			return Value{}, fmt.Errorf("%w: %d out of range for %s", agenterr.ErrBadParameter, i, target)
		}
		return IntValue(target, i), nil

	case target.isUnsignedInt():
		if v.typ.isSignedInt() && v.i < 0 {
			return Value{}, fmt.Errorf("%w: negative value cannot convert to %s", agenterr.ErrBadParameter, target)
		}
		u, ok := v.Uint()
		if !ok {
			if iv, iok := v.Int(); iok {
				u, ok = uint64(iv), true
			}
		}
		if !ok {
			return Value{}, fmt.Errorf("%w: cannot convert %s to %s", agenterr.ErrBadParameter, v.typ, target)
		}
		if u > uintMax(target) {
			return Value{}, fmt.Errorf("%w: %d out of range for %s", agenterr.ErrBadParameter, u, target)
		}
		return UintValue(target, u), nil

	case target.isFloat():
		f, ok := v.Float()
		if !ok {
			return Value{}, fmt.Errorf("%w: cannot convert %s to %s", agenterr.ErrBadParameter, v.typ, target)
		}
		return FloatValue(target, f), nil

	default:
		return Value{}, fmt.Errorf("%w: cannot convert %s to %s", agenterr.ErrBadParameter, v.typ, target)
	}
}
