// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

// Package luajson converts between Lua values and JSON.
//
// JSON objects become string-keyed tables and JSON arrays become
// sequences. JSON null becomes [Null], a sentinel distinct from nil,
// so that arrays containing nulls keep their length.
package luajson

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/go-json-experiment/json/jsontext"
	"github.com/tailscale/hujson"
	luma "luma.256lights.llc/pkg"
)

// Null is the Lua value that [Unmarshal] produces for a JSON null
// and that [Marshal] turns back into a JSON null.
// It is the NULL light userdata, following the lua-cjson convention.
const Null = luma.LightUserData(0)

// Marshal returns the JSON encoding of v.
//
// Tables whose keys are exactly the integers 1 through their length
// encode as arrays; any other non-empty table encodes as an object
// with its members in sorted order.
// An empty table encodes as an empty object.
// Functions, threads, full userdata, and non-finite numbers
// cannot be encoded and report an error.
func Marshal(l *luma.Lua, v luma.Value) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := MarshalEncode(l, jsontext.NewEncoder(buf), v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// MarshalEncode writes the JSON encoding of v to enc
// under the same rules as [Marshal].
func MarshalEncode(l *luma.Lua, enc *jsontext.Encoder, v luma.Value) error {
	return marshalValue(l, enc, v, nil)
}

func marshalValue(l *luma.Lua, enc *jsontext.Encoder, v luma.Value, ancestors []*luma.Table) error {
	switch v := v.(type) {
	case nil:
		if err := enc.WriteToken(jsontext.Null); err != nil {
			return fmt.Errorf("marshal lua value: %w", err)
		}
		return nil
	case luma.Boolean:
		if err := enc.WriteToken(jsontext.Bool(bool(v))); err != nil {
			return fmt.Errorf("marshal lua value: %w", err)
		}
		return nil
	case luma.Integer:
		if err := enc.WriteToken(jsontext.Int(int64(v))); err != nil {
			return fmt.Errorf("marshal lua value: %w", err)
		}
		return nil
	case luma.Number:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("marshal lua value: cannot encode %v", f)
		}
		if err := enc.WriteToken(jsontext.Float(f)); err != nil {
			return fmt.Errorf("marshal lua value: %w", err)
		}
		return nil
	case luma.LightUserData:
		if v != Null {
			return fmt.Errorf("marshal lua value: cannot encode light userdata")
		}
		if err := enc.WriteToken(jsontext.Null); err != nil {
			return fmt.Errorf("marshal lua value: %w", err)
		}
		return nil
	case *luma.String:
		b, err := v.Bytes()
		if err != nil {
			return fmt.Errorf("marshal lua value: %w", err)
		}
		if err := enc.WriteToken(jsontext.String(string(b))); err != nil {
			return fmt.Errorf("marshal lua value: %w", err)
		}
		return nil
	case *luma.Table:
		return marshalTable(l, enc, v, ancestors)
	default:
		return fmt.Errorf("marshal lua value: cannot encode %v", luma.ValueType(v))
	}
}

func marshalTable(l *luma.Lua, enc *jsontext.Encoder, t *luma.Table, ancestors []*luma.Table) error {
	for _, anc := range ancestors {
		eq, err := l.RawEquals(anc, t)
		if err != nil {
			return fmt.Errorf("marshal lua table: %w", err)
		}
		if eq {
			return fmt.Errorf("marshal lua table: cycle detected")
		}
	}
	ancestors = append(ancestors, t)

	n, err := t.RawLength()
	if err != nil {
		return fmt.Errorf("marshal lua table: %w", err)
	}
	count := int64(0)
	dense := true
	err = t.ForEach(func(key, value luma.Value) error {
		count++
		if i, ok := key.(luma.Integer); !ok || i < 1 || int64(i) > n {
			dense = false
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("marshal lua table: %w", err)
	}

	if dense && count == n && n > 0 {
		if err := enc.WriteToken(jsontext.BeginArray); err != nil {
			return fmt.Errorf("marshal lua table: %w", err)
		}
		for i := int64(1); i <= n; i++ {
			elem, err := t.RawGet(luma.Integer(i))
			if err != nil {
				return fmt.Errorf("marshal lua table: index %d: %w", i, err)
			}
			if err := marshalValue(l, enc, elem, ancestors); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		if err := enc.WriteToken(jsontext.EndArray); err != nil {
			return fmt.Errorf("marshal lua table: %w", err)
		}
		return nil
	}

	type member struct {
		name  string
		value luma.Value
	}
	var members []member
	err = t.ForEach(func(key, value luma.Value) error {
		name, err := memberName(key)
		if err != nil {
			return err
		}
		members = append(members, member{name, value})
		return nil
	})
	if err != nil {
		return fmt.Errorf("marshal lua table: %w", err)
	}
	slices.SortFunc(members, func(a, b member) int {
		return strings.Compare(a.name, b.name)
	})
	if err := enc.WriteToken(jsontext.BeginObject); err != nil {
		return fmt.Errorf("marshal lua table: %w", err)
	}
	for _, m := range members {
		if err := enc.WriteToken(jsontext.String(m.name)); err != nil {
			return fmt.Errorf("marshal lua table: %s: %w", m.name, err)
		}
		if err := marshalValue(l, enc, m.value, ancestors); err != nil {
			return fmt.Errorf("%s: %w", m.name, err)
		}
	}
	if err := enc.WriteToken(jsontext.EndObject); err != nil {
		return fmt.Errorf("marshal lua table: %w", err)
	}
	return nil
}

func memberName(key luma.Value) (string, error) {
	switch key := key.(type) {
	case *luma.String:
		b, err := key.Bytes()
		if err != nil {
			return "", err
		}
		return string(b), nil
	case luma.Integer:
		return strconv.FormatInt(int64(key), 10), nil
	case luma.Number:
		return strconv.FormatFloat(float64(key), 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("cannot encode %v table key", luma.ValueType(key))
	}
}

// Unmarshal parses data as a single JSON value
// and converts it to a Lua value.
// Data after the top-level value is an error.
func Unmarshal(l *luma.Lua, data []byte) (luma.Value, error) {
	dec := jsontext.NewDecoder(bytes.NewReader(data))
	v, err := UnmarshalDecode(l, dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.ReadToken(); err != io.EOF {
		return nil, fmt.Errorf("unmarshal json: data after top-level value")
	}
	return v, nil
}

// UnmarshalLenient is like [Unmarshal]
// but accepts the HuJSON extensions
// (comments and trailing commas) in data.
func UnmarshalLenient(l *luma.Lua, data []byte) (luma.Value, error) {
	std, err := hujson.Standardize(slices.Clone(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal json: %w", err)
	}
	return Unmarshal(l, std)
}

// UnmarshalDecode reads the next JSON value from dec
// and converts it to a Lua value.
func UnmarshalDecode(l *luma.Lua, dec *jsontext.Decoder) (luma.Value, error) {
	switch k := dec.PeekKind(); k {
	case 'n':
		if _, err := dec.ReadToken(); err != nil {
			return nil, fmt.Errorf("unmarshal json: %w", err)
		}
		return Null, nil
	case 't', 'f':
		tok, err := dec.ReadToken()
		if err != nil {
			return nil, fmt.Errorf("unmarshal json: %w", err)
		}
		return luma.Boolean(tok.Bool()), nil
	case '"':
		tok, err := dec.ReadToken()
		if err != nil {
			return nil, fmt.Errorf("unmarshal json: %w", err)
		}
		s, err := l.CreateString(tok.String())
		if err != nil {
			return nil, fmt.Errorf("unmarshal json: %w", err)
		}
		return s, nil
	case '0':
		tok, err := dec.ReadToken()
		if err != nil {
			return nil, fmt.Errorf("unmarshal json: %w", err)
		}
		return numberValue(tok), nil
	case '[':
		if _, err := dec.ReadToken(); err != nil {
			return nil, fmt.Errorf("unmarshal json: %w", err)
		}
		t, err := l.CreateTable()
		if err != nil {
			return nil, fmt.Errorf("unmarshal json: %w", err)
		}
		for dec.PeekKind() != ']' {
			elem, err := UnmarshalDecode(l, dec)
			if err != nil {
				return nil, err
			}
			if err := t.Append(elem); err != nil {
				return nil, fmt.Errorf("unmarshal json: %w", err)
			}
		}
		if _, err := dec.ReadToken(); err != nil {
			return nil, fmt.Errorf("unmarshal json: %w", err)
		}
		return t, nil
	case '{':
		if _, err := dec.ReadToken(); err != nil {
			return nil, fmt.Errorf("unmarshal json: %w", err)
		}
		t, err := l.CreateTable()
		if err != nil {
			return nil, fmt.Errorf("unmarshal json: %w", err)
		}
		for dec.PeekKind() != '}' {
			keyTok, err := dec.ReadToken()
			if err != nil {
				return nil, fmt.Errorf("unmarshal json: %w", err)
			}
			key, err := l.CreateString(keyTok.String())
			if err != nil {
				return nil, fmt.Errorf("unmarshal json: %w", err)
			}
			value, err := UnmarshalDecode(l, dec)
			if err != nil {
				return nil, fmt.Errorf("unmarshal json: %s: %w", keyTok.String(), err)
			}
			if err := t.RawSet(key, value); err != nil {
				return nil, fmt.Errorf("unmarshal json: %s: %w", keyTok.String(), err)
			}
		}
		if _, err := dec.ReadToken(); err != nil {
			return nil, fmt.Errorf("unmarshal json: %w", err)
		}
		return t, nil
	default:
		if _, err := dec.ReadToken(); err != nil {
			return nil, fmt.Errorf("unmarshal json: %w", err)
		}
		return nil, fmt.Errorf("unmarshal json: unexpected %v token", k)
	}
}

// numberValue picks the Lua representation of a JSON number.
// Numbers written without a fraction or exponent
// become integers when they fit.
func numberValue(tok jsontext.Token) luma.Value {
	raw := tok.String()
	if !strings.ContainsAny(raw, ".eE") {
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return luma.Integer(i)
		}
	}
	return luma.Number(tok.Float())
}

// Open builds the json module table:
// an encode function, a decode function, and the null sentinel.
// Callers typically assign it to a global
// or stash it in package.loaded.
func Open(l *luma.Lua) (*luma.Table, error) {
	t, err := l.CreateTableWithCapacity(0, 3)
	if err != nil {
		return nil, fmt.Errorf("open json module: %w", err)
	}
	encode, err := l.CreateFunction(func(l *luma.Lua, args luma.Values) (luma.Values, error) {
		data, err := Marshal(l, args.Get(0))
		if err != nil {
			return nil, err
		}
		s, err := l.CreateString(string(data))
		if err != nil {
			return nil, err
		}
		return luma.Values{s}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("open json module: %w", err)
	}
	decode, err := l.CreateFunction(func(l *luma.Lua, args luma.Values) (luma.Values, error) {
		src, err := luma.FromValue[[]byte](l, args.Get(0))
		if err != nil {
			return nil, err
		}
		v, err := Unmarshal(l, src)
		if err != nil {
			return nil, err
		}
		return luma.Values{v}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("open json module: %w", err)
	}
	for _, m := range []struct {
		name  string
		value luma.Value
	}{
		{"encode", encode},
		{"decode", decode},
		{"null", Null},
	} {
		if err := luma.TableSet(t, m.name, m.value); err != nil {
			return nil, fmt.Errorf("open json module: %w", err)
		}
	}
	return t, nil
}
