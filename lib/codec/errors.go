// Package codec implements the little-endian key/item wire format:
// reflection-driven marshal/unmarshal of fixed-layout structs tagged
// with byte offsets, the same `bin:"off=...,siz=..."` convention used
// throughout the teacher corpus's own struct definitions. Every
// on-disk integer in this filesystem is little-endian, so unlike the
// teacher's codec this one has no big-endian leintType.
package codec

import (
	"fmt"
	"reflect"
)

// InvalidTypeError reports a Go type that the codec cannot handle:
// no Marshaler/Unmarshaler/StaticSizer, and not a supported reflect.Kind.
type InvalidTypeError struct {
	Type reflect.Type
	Err  error
}

func (e *InvalidTypeError) Error() string { return fmt.Sprintf("%v: %v", e.Type, e.Err) }
func (e *InvalidTypeError) Unwrap() error { return e.Err }

// MarshalError wraps a failure from a type's own MarshalBinary.
type MarshalError struct {
	Type   reflect.Type
	Method string
	Err    error
}

func (e *MarshalError) Error() string {
	return fmt.Sprintf("(%v).%s: %v", e.Type, e.Method, e.Err)
}
func (e *MarshalError) Unwrap() error { return e.Err }

// UnmarshalError wraps a failure from a type's own UnmarshalBinary.
type UnmarshalError struct {
	Type   reflect.Type
	Method string
	Err    error
}

func (e *UnmarshalError) Error() string {
	return fmt.Sprintf("(%v).%s: %v", e.Type, e.Method, e.Err)
}
func (e *UnmarshalError) Unwrap() error { return e.Err }

func needNBytes(dat []byte, n int) error {
	if len(dat) < n {
		return fmt.Errorf("need at least %d bytes, only have %d", n, len(dat))
	}
	return nil
}
