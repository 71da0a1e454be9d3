// Package manifest parses package manifest JSON while retaining the byte
// offset of every key and value, so diagnostics can point at exact source
// ranges instead of just a file name.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Kind discriminates the shape of a parsed Value.
type Kind int

const (
	KindObject Kind = iota
	KindArray
	KindString
	KindNumber
	KindBool
	KindNull
)

// Entry is a single key/value pair of a JSON object, in source order.
type Entry struct {
	Key    string
	KeyLoc Location
	Value  *Value
}

// Value is one JSON node together with the source range it was parsed from.
type Value struct {
	Kind Kind
	Loc  Location

	Str    string
	Num    float64
	Bool   bool
	Object []Entry
	Array  []*Value
}

// Field returns the value bound to key in an object Value, and whether it
// was present. Lookup is linear; manifests are small enough that this never
// matters.
func (v *Value) Field(key string) (*Value, bool) {
	if v == nil || v.Kind != KindObject {
		return nil, false
	}
	for _, e := range v.Object {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// FieldLoc returns the source location of a key within an object Value.
func (v *Value) FieldLoc(key string) (Location, bool) {
	if v == nil || v.Kind != KindObject {
		return Location{}, false
	}
	for _, e := range v.Object {
		if e.Key == key {
			return e.KeyLoc, true
		}
	}
	return Location{}, false
}

// IsString reports whether v is a non-nil JSON string.
func (v *Value) IsString() bool { return v != nil && v.Kind == KindString }

// IsArray reports whether v is a non-nil JSON array.
func (v *Value) IsArray() bool { return v != nil && v.Kind == KindArray }

// IsObject reports whether v is a non-nil JSON object.
func (v *Value) IsObject() bool { return v != nil && v.Kind == KindObject }

// IsBool reports whether v is a non-nil JSON boolean.
func (v *Value) IsBool() bool { return v != nil && v.Kind == KindBool }

// parseTree decodes data into a Value tree, attaching a byte Location to
// every node. It relies on json.Decoder's streaming Token API rather than
// Unmarshal, since Unmarshal discards source positions entirely.
func parseTree(file string, data []byte) (*Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := parseValue(file, data, dec)
	if err != nil {
		return nil, err
	}
	// Reject trailing garbage after the top-level value.
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected trailing content after top-level value")
	}
	return v, nil
}

// skipSeparators advances off past whitespace and any ',' or ':' the decoder
// has not consumed yet, so a token's Location starts at the token itself.
func skipSeparators(data []byte, off int64) int64 {
	for int(off) < len(data) {
		switch data[off] {
		case ' ', '\t', '\n', '\r', ',', ':':
			off++
		default:
			return off
		}
	}
	return off
}

func parseValue(file string, data []byte, dec *json.Decoder) (*Value, error) {
	before := skipSeparators(data, dec.InputOffset())
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	after := dec.InputOffset()
	loc := Location{File: file, Offset: int(before), Length: int(after - before)}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return parseObject(file, data, dec, loc)
		case '[':
			return parseArray(file, data, dec, loc)
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", t)
		}
	case string:
		return &Value{Kind: KindString, Loc: loc, Str: t}, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return &Value{Kind: KindNumber, Loc: loc, Num: f}, nil
	case bool:
		return &Value{Kind: KindBool, Loc: loc, Bool: t}, nil
	case nil:
		return &Value{Kind: KindNull, Loc: loc}, nil
	default:
		return nil, fmt.Errorf("unexpected token %v", tok)
	}
}

func parseObject(file string, data []byte, dec *json.Decoder, start Location) (*Value, error) {
	obj := &Value{Kind: KindObject, Loc: start}
	for dec.More() {
		keyBefore := skipSeparators(data, dec.InputOffset())
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		keyAfter := dec.InputOffset()
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", keyTok)
		}
		keyLoc := Location{File: file, Offset: int(keyBefore), Length: int(keyAfter - keyBefore)}

		val, err := parseValue(file, data, dec)
		if err != nil {
			return nil, err
		}
		obj.Object = append(obj.Object, Entry{Key: key, KeyLoc: keyLoc, Value: val})
	}
	// Consume the closing '}'.
	end := dec.InputOffset()
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	obj.Loc.Length = int(dec.InputOffset()) - obj.Loc.Offset
	_ = end
	return obj, nil
}

func parseArray(file string, data []byte, dec *json.Decoder, start Location) (*Value, error) {
	arr := &Value{Kind: KindArray, Loc: start}
	for dec.More() {
		val, err := parseValue(file, data, dec)
		if err != nil {
			return nil, err
		}
		arr.Array = append(arr.Array, val)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	arr.Loc.Length = int(dec.InputOffset()) - arr.Loc.Offset
	return arr, nil
}
