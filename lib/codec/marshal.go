package codec

import (
	"encoding"
	"fmt"
	"reflect"
)

type Marshaler = encoding.BinaryMarshaler

var intKind2Type = map[reflect.Kind]reflect.Type{
	reflect.Uint8:  reflect.TypeOf(U8(0)),
	reflect.Int8:   reflect.TypeOf(I8(0)),
	reflect.Uint16: reflect.TypeOf(U16(0)),
	reflect.Int16:  reflect.TypeOf(I16(0)),
	reflect.Uint32: reflect.TypeOf(U32(0)),
	reflect.Int32:  reflect.TypeOf(I32(0)),
	reflect.Uint64: reflect.TypeOf(U64(0)),
	reflect.Int64:  reflect.TypeOf(I64(0)),
}

// Marshal serializes obj to its wire representation, using obj's own
// MarshalBinary if it has one, else falling back to reflection over
// plain integers/arrays/tagged structs.
func Marshal(obj any) ([]byte, error) {
	if mar, ok := obj.(Marshaler); ok {
		dat, err := mar.MarshalBinary()
		if err != nil {
			err = &MarshalError{Type: reflect.TypeOf(obj), Method: "MarshalBinary", Err: err}
		}
		return dat, err
	}
	return marshalReflect(obj)
}

func marshalReflect(obj any) ([]byte, error) {
	val := reflect.ValueOf(obj)
	switch val.Kind() {
	case reflect.Uint8, reflect.Int8, reflect.Uint16, reflect.Int16,
		reflect.Uint32, reflect.Int32, reflect.Uint64, reflect.Int64:
		typ := intKind2Type[val.Kind()]
		dat, err := val.Convert(typ).Interface().(Marshaler).MarshalBinary()
		if err != nil {
			err = &MarshalError{Type: typ, Method: "MarshalBinary", Err: err}
		}
		return dat, err
	case reflect.Ptr:
		return Marshal(val.Elem().Interface())
	case reflect.Array:
		var ret []byte
		for i := 0; i < val.Len(); i++ {
			bs, err := Marshal(val.Index(i).Interface())
			ret = append(ret, bs...)
			if err != nil {
				return ret, err
			}
		}
		return ret, nil
	case reflect.Struct:
		return getStructHandler(val.Type()).Marshal(val)
	default:
		panic(&InvalidTypeError{
			Type: val.Type(),
			Err:  fmt.Errorf("kind %v is not a supported statically-sized kind", val.Kind()),
		})
	}
}
