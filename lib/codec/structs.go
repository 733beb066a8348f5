package codec

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// End is an embeddable marker: tagging a zero-size `End` field with
// `bin:"off=N"` documents (and is checked against) the struct's total
// size, so that adding a field without updating a size constant
// elsewhere fails loudly instead of silently shifting the wire
// layout.
type End struct{}

var endType = reflect.TypeOf(End{})

type fieldTag struct {
	skip bool
	off  int
	siz  int
}

func parseFieldTag(raw string) (fieldTag, error) {
	var tag fieldTag
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "-" {
			return fieldTag{skip: true}, nil
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return fieldTag{}, fmt.Errorf("option %q is not a key=value pair", part)
		}
		n, err := strconv.ParseInt(kv[1], 0, 0)
		if err != nil {
			return fieldTag{}, err
		}
		switch kv[0] {
		case "off":
			tag.off = int(n)
		case "siz":
			tag.siz = int(n)
		default:
			return fieldTag{}, fmt.Errorf("unrecognized tag option %q", kv[0])
		}
	}
	return tag, nil
}

type structField struct {
	name string
	fieldTag
}

type structHandler struct {
	name   string
	Size   int
	fields []structField
}

func (h structHandler) Unmarshal(dat []byte, dst reflect.Value) (int, error) {
	if err := needNBytes(dat, h.Size); err != nil {
		return 0, fmt.Errorf("struct %s: %w", h.name, err)
	}
	var n int
	for i, f := range h.fields {
		if f.skip {
			continue
		}
		got, err := Unmarshal(dat[n:], dst.Field(i).Addr().Interface())
		if err != nil {
			if got >= 0 {
				n += got
			}
			return n, fmt.Errorf("struct %s field %d %q: %w", h.name, i, f.name, err)
		}
		if got != f.siz {
			return n, fmt.Errorf("struct %s field %d %q: consumed %d bytes, expected %d",
				h.name, i, f.name, got, f.siz)
		}
		n += got
	}
	return n, nil
}

func (h structHandler) Marshal(val reflect.Value) ([]byte, error) {
	ret := make([]byte, 0, h.Size)
	for i, f := range h.fields {
		if f.skip {
			continue
		}
		bs, err := Marshal(val.Field(i).Interface())
		ret = append(ret, bs...)
		if err != nil {
			return ret, fmt.Errorf("struct %s field %d %q: %w", h.name, i, f.name, err)
		}
	}
	return ret, nil
}

func genStructHandler(typ reflect.Type) (structHandler, error) {
	var h structHandler
	h.name = typ.String()

	var cur, end int
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if f.Anonymous && f.Type != endType {
			return h, fmt.Errorf("struct %s field %d %q: embedded fields are not supported", h.name, i, f.Name)
		}
		tag, err := parseFieldTag(f.Tag.Get("bin"))
		if err != nil {
			return h, fmt.Errorf("struct %s field %d %q: %w", h.name, i, f.Name, err)
		}
		if tag.skip {
			h.fields = append(h.fields, structField{name: f.Name, fieldTag: tag})
			continue
		}
		if tag.off != cur {
			return h, fmt.Errorf("struct %s field %d %q: tag says off=%#x but computed offset is %#x",
				h.name, i, f.Name, tag.off, cur)
		}
		if f.Type == endType {
			end = cur
		}
		sz, err := staticSize(f.Type)
		if err != nil {
			return h, fmt.Errorf("struct %s field %d %q: %w", h.name, i, f.Name, err)
		}
		if tag.siz != sz {
			return h, fmt.Errorf("struct %s field %d %q: tag says siz=%#x but StaticSize is %#x",
				h.name, i, f.Name, tag.siz, sz)
		}
		cur += tag.siz
		h.fields = append(h.fields, structField{name: f.Name, fieldTag: tag})
	}
	h.Size = cur
	if h.Size != end {
		return h, fmt.Errorf("struct %s: computed size %d does not match tagged End offset %d", h.name, h.Size, end)
	}
	return h, nil
}

var structCache = make(map[reflect.Type]structHandler)

func getStructHandler(typ reflect.Type) structHandler {
	if h, ok := structCache[typ]; ok {
		return h
	}
	h, err := genStructHandler(typ)
	if err != nil {
		panic(&InvalidTypeError{Type: typ, Err: err})
	}
	structCache[typ] = h
	return h
}
