package codec

import "encoding/binary"

// U8/I8/U16/.../I64 are fixed-width little-endian integer wrappers
// used internally whenever a plain Go int type (not already wrapped
// by a domain type with its own MarshalBinary) appears as a struct
// field; they give every integer width a StaticSizer/Marshaler pair
// without needing a distinct named domain type for each one.
type (
	U8  uint8
	I8  int8
	U16 uint16
	I16 int16
	U32 uint32
	I32 int32
	U64 uint64
	I64 int64
)

func (U8) BinaryStaticSize() int  { return 1 }
func (U16) BinaryStaticSize() int { return 2 }
func (U32) BinaryStaticSize() int { return 4 }
func (U64) BinaryStaticSize() int { return 8 }
func (I8) BinaryStaticSize() int  { return 1 }
func (I16) BinaryStaticSize() int { return 2 }
func (I32) BinaryStaticSize() int { return 4 }
func (I64) BinaryStaticSize() int { return 8 }

func (v U8) MarshalBinary() ([]byte, error) { return []byte{byte(v)}, nil }
func (v *U8) UnmarshalBinary(dat []byte) (int, error) {
	if err := needNBytes(dat, 1); err != nil {
		return 0, err
	}
	*v = U8(dat[0])
	return 1, nil
}

func (v I8) MarshalBinary() ([]byte, error) { return []byte{byte(v)}, nil }
func (v *I8) UnmarshalBinary(dat []byte) (int, error) {
	if err := needNBytes(dat, 1); err != nil {
		return 0, err
	}
	*v = I8(dat[0])
	return 1, nil
}

func (v U16) MarshalBinary() ([]byte, error) {
	bs := make([]byte, 2)
	binary.LittleEndian.PutUint16(bs, uint16(v))
	return bs, nil
}
func (v *U16) UnmarshalBinary(dat []byte) (int, error) {
	if err := needNBytes(dat, 2); err != nil {
		return 0, err
	}
	*v = U16(binary.LittleEndian.Uint16(dat))
	return 2, nil
}

func (v I16) MarshalBinary() ([]byte, error) { return U16(v).MarshalBinary() }
func (v *I16) UnmarshalBinary(dat []byte) (int, error) {
	var u U16
	n, err := u.UnmarshalBinary(dat)
	*v = I16(u)
	return n, err
}

func (v U32) MarshalBinary() ([]byte, error) {
	bs := make([]byte, 4)
	binary.LittleEndian.PutUint32(bs, uint32(v))
	return bs, nil
}
func (v *U32) UnmarshalBinary(dat []byte) (int, error) {
	if err := needNBytes(dat, 4); err != nil {
		return 0, err
	}
	*v = U32(binary.LittleEndian.Uint32(dat))
	return 4, nil
}

func (v I32) MarshalBinary() ([]byte, error) { return U32(v).MarshalBinary() }
func (v *I32) UnmarshalBinary(dat []byte) (int, error) {
	var u U32
	n, err := u.UnmarshalBinary(dat)
	*v = I32(u)
	return n, err
}

func (v U64) MarshalBinary() ([]byte, error) {
	bs := make([]byte, 8)
	binary.LittleEndian.PutUint64(bs, uint64(v))
	return bs, nil
}
func (v *U64) UnmarshalBinary(dat []byte) (int, error) {
	if err := needNBytes(dat, 8); err != nil {
		return 0, err
	}
	*v = U64(binary.LittleEndian.Uint64(dat))
	return 8, nil
}

func (v I64) MarshalBinary() ([]byte, error) { return U64(v).MarshalBinary() }
func (v *I64) UnmarshalBinary(dat []byte) (int, error) {
	var u U64
	n, err := u.UnmarshalBinary(dat)
	*v = I64(u)
	return n, err
}
