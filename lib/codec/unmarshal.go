package codec

import (
	"errors"
	"fmt"
	"reflect"
)

type Unmarshaler interface {
	UnmarshalBinary([]byte) (int, error)
}

// Unmarshal parses dat into dstPtr (which must be a pointer), using
// dstPtr's own UnmarshalBinary if it has one, else falling back to
// reflection over plain integers/arrays/tagged structs. It returns
// the number of bytes of dat consumed.
func Unmarshal(dat []byte, dstPtr any) (int, error) {
	if unmar, ok := dstPtr.(Unmarshaler); ok {
		n, err := unmar.UnmarshalBinary(dat)
		if err != nil {
			err = &UnmarshalError{Type: reflect.TypeOf(dstPtr), Method: "UnmarshalBinary", Err: err}
		}
		return n, err
	}
	return unmarshalReflect(dat, dstPtr)
}

func unmarshalReflect(dat []byte, dstPtr any) (int, error) {
	ptrVal := reflect.ValueOf(dstPtr)
	if ptrVal.Kind() != reflect.Ptr {
		panic(&InvalidTypeError{Type: ptrVal.Type(), Err: errors.New("not a pointer")})
	}
	dst := ptrVal.Elem()

	switch dst.Kind() {
	case reflect.Uint8, reflect.Int8, reflect.Uint16, reflect.Int16,
		reflect.Uint32, reflect.Int32, reflect.Uint64, reflect.Int64:
		typ := intKind2Type[dst.Kind()]
		tmp := reflect.New(typ)
		n, err := Unmarshal(dat, tmp.Interface())
		dst.Set(tmp.Elem().Convert(dst.Type()))
		return n, err
	case reflect.Ptr:
		elem := reflect.New(dst.Type().Elem())
		n, err := Unmarshal(dat, elem.Interface())
		dst.Set(elem.Convert(dst.Type()))
		return n, err
	case reflect.Array:
		var n int
		for i := 0; i < dst.Len(); i++ {
			_n, err := Unmarshal(dat[n:], dst.Index(i).Addr().Interface())
			n += _n
			if err != nil {
				return n, err
			}
		}
		return n, nil
	case reflect.Struct:
		return getStructHandler(dst.Type()).Unmarshal(dat, dst)
	default:
		panic(&InvalidTypeError{
			Type: ptrVal.Type(),
			Err:  fmt.Errorf("kind %v is not a supported statically-sized kind", dst.Kind()),
		})
	}
}
