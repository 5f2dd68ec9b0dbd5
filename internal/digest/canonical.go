package digest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
	"sort"
)

// Canonical produces the deterministic byte encoding of value that every
// hash over a typed value in cachecore is computed from: struct fields in
// declaration order, map keys sorted lexicographically, strings as raw
// UTF-8 bytes, integers little-endian. Two equal values, regardless of
// construction order, always encode identically.
func Canonical(value interface{}) ([]byte, error) {
	var buf bytes.Buffer
	v := reflect.ValueOf(value)
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v reflect.Value) error {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return encodeValue(buf, v.Elem())

	case reflect.String:
		buf.WriteString(v.String())
		return nil

	case reflect.Bool:
		if v.Bool() {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return binary.Write(buf, binary.LittleEndian, v.Int())

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return binary.Write(buf, binary.LittleEndian, v.Uint())

	case reflect.Float32, reflect.Float64:
		return binary.Write(buf, binary.LittleEndian, v.Float())

	case reflect.Slice, reflect.Array:
		// []byte is encoded as raw bytes, not element-by-element.
		if v.Type().Elem().Kind() == reflect.Uint8 && v.Kind() == reflect.Slice {
			buf.Write(v.Bytes())
			return nil
		}
		n := v.Len()
		if err := binary.Write(buf, binary.LittleEndian, int64(n)); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := encodeValue(buf, v.Index(i)); err != nil {
				return err
			}
		}
		return nil

	case reflect.Map:
		keys := v.MapKeys()
		strKeys := make([]string, 0, len(keys))
		byKey := make(map[string]reflect.Value, len(keys))
		for _, k := range keys {
			if k.Kind() != reflect.String {
				return fmt.Errorf("%w: map key kind %s", ErrUnsupportedType, k.Kind())
			}
			strKeys = append(strKeys, k.String())
			byKey[k.String()] = v.MapIndex(k)
		}
		sort.Strings(strKeys)
		if err := binary.Write(buf, binary.LittleEndian, int64(len(strKeys))); err != nil {
			return err
		}
		for _, k := range strKeys {
			buf.WriteString(k)
			if err := encodeValue(buf, byKey[k]); err != nil {
				return err
			}
		}
		return nil

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if field.PkgPath != "" {
				// unexported field, not part of the schema
				continue
			}
			if err := encodeValue(buf, v.Field(i)); err != nil {
				return fmt.Errorf("field %s: %w", field.Name, err)
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, v.Kind())
	}
}
