package canonical

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrNonEncodable signals a value that has no canonical representation, such
// as a non-finite number or a non-JSON-like type. It indicates a caller bug.
var ErrNonEncodable = errors.New("canonical: value cannot be encoded")

// Encode renders v as a byte-stable string: object keys sorted
// lexicographically, array order preserved, no whitespace. Two semantically
// equal values produce identical output regardless of map iteration order or
// of a parse-then-reserialize round trip.
func Encode(v any) (string, error) {
	var b strings.Builder
	if err := encode(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func encode(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case string:
		return encodeString(b, t)
	case json.Number:
		b.WriteString(t.String())
	case float64:
		return encodeFloat(b, t)
	case float32:
		return encodeFloat(b, float64(t))
	case int:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int8:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int16:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case uint:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint8:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint16:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint32:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		b.WriteString(strconv.FormatUint(t, 10))
	case map[string]any:
		return encodeObject(b, t)
	case []any:
		return encodeArray(b, t)
	default:
		// Typed structs, slices, and maps round-trip through encoding/json
		// into the dynamic shapes handled above.
		dyn, err := toDynamic(t)
		if err != nil {
			return err
		}
		return encode(b, dyn)
	}
	return nil
}

func encodeObject(b *strings.Builder, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := encodeString(b, k); err != nil {
			return err
		}
		b.WriteByte(':')
		if err := encode(b, m[k]); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func encodeArray(b *strings.Builder, list []any) error {
	b.WriteByte('[')
	for i, v := range list {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := encode(b, v); err != nil {
			return err
		}
	}
	b.WriteByte(']')
	return nil
}

func encodeString(b *strings.Builder, s string) error {
	quoted, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNonEncodable, err)
	}
	b.Write(quoted)
	return nil
}

func encodeFloat(b *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: non-finite number %v", ErrNonEncodable, f)
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNonEncodable, err)
	}
	b.Write(raw)
	return nil
}

func toDynamic(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNonEncodable, err)
	}

	// UseNumber keeps numeric literals textually intact so re-encoded values
	// stay byte-identical with their source form.
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var dyn any
	if err := dec.Decode(&dyn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNonEncodable, err)
	}
	return dyn, nil
}
