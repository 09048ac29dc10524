package eql

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cipherstash/pgproxy/internal/pgwire"
)

// pgEpoch is the Postgres binary date/timestamp epoch (2000-01-01), fixed
// by the wire protocol independently of any client library.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// PlaintextFromWire parses a bound-parameter value in the wire format the
// client actually used — text or binary, per Bind's per-parameter format
// code — into a Plaintext of the given semantic type. A nil data slice
// denotes SQL NULL.
func PlaintextFromWire(data []byte, t PlaintextType, formatCode int16) (*Plaintext, error) {
	if formatCode == pgwire.FormatBinary {
		return plaintextFromWireBinary(data, t)
	}
	return PlaintextFromWireText(data, t)
}

// PlaintextToWire renders a decrypted Plaintext back into the wire format
// the client asked for in its result format code, the inverse of
// PlaintextFromWire. Returns nil for SQL NULL.
func PlaintextToWire(p *Plaintext, formatCode int16) ([]byte, error) {
	if formatCode == pgwire.FormatBinary {
		return plaintextToWireBinary(p)
	}
	return PlaintextToWireText(p), nil
}

// PlaintextFromWireText parses a value received in Postgres text wire
// format into a Plaintext of the given semantic type. A nil data slice
// denotes SQL NULL.
func PlaintextFromWireText(data []byte, t PlaintextType) (*Plaintext, error) {
	if data == nil {
		return &Plaintext{Type: t, Null: true}, nil
	}
	s := string(data)
	switch t {
	case TypeBoolean:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("parse boolean literal %q: %w", s, err)
		}
		return &Plaintext{Type: t, Bool: b}, nil
	case TypeSmallInt, TypeInt, TypeBigInt:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse integer literal %q: %w", s, err)
		}
		return &Plaintext{Type: t, Int64: i}, nil
	case TypeFloat8, TypeNumeric:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("parse numeric literal %q: %w", s, err)
		}
		return &Plaintext{Type: t, Float64: f}, nil
	case TypeJSONB:
		return &Plaintext{Type: t, JSONBytes: data}, nil
	default: // TypeText, TypeDate, TypeTimestamp: carried as their literal text
		return &Plaintext{Type: t, Str: s}, nil
	}
}

// PlaintextToWireText renders a decrypted Plaintext back into Postgres
// text wire format, the inverse of PlaintextFromWireText. Returns nil for
// SQL NULL.
func PlaintextToWireText(p *Plaintext) []byte {
	if p == nil || p.Null {
		return nil
	}
	switch p.Type {
	case TypeBoolean:
		if p.Bool {
			return []byte("t")
		}
		return []byte("f")
	case TypeSmallInt, TypeInt, TypeBigInt:
		return []byte(strconv.FormatInt(p.Int64, 10))
	case TypeFloat8, TypeNumeric:
		return []byte(strconv.FormatFloat(p.Float64, 'g', -1, 64))
	case TypeJSONB:
		return p.JSONBytes
	default:
		return []byte(p.Str)
	}
}

// plaintextFromWireBinary parses a value received in Postgres binary wire
// format, per the fixed-width encodings the protocol defines for each
// scalar type (booleans as a single byte, integers big-endian two's
// complement, floats as IEEE 754 bits, date/timestamp as an offset from
// the Postgres epoch). Binary numeric is a variable-length digit-group
// encoding this proxy does not decode; a binary-format numeric parameter
// is rejected rather than silently misparsed.
func plaintextFromWireBinary(data []byte, t PlaintextType) (*Plaintext, error) {
	if data == nil {
		return &Plaintext{Type: t, Null: true}, nil
	}
	switch t {
	case TypeBoolean:
		if len(data) != 1 {
			return nil, fmt.Errorf("binary boolean: expected 1 byte, got %d", len(data))
		}
		return &Plaintext{Type: t, Bool: data[0] != 0}, nil
	case TypeSmallInt:
		if len(data) != 2 {
			return nil, fmt.Errorf("binary smallint: expected 2 bytes, got %d", len(data))
		}
		return &Plaintext{Type: t, Int64: int64(int16(binary.BigEndian.Uint16(data)))}, nil
	case TypeInt:
		if len(data) != 4 {
			return nil, fmt.Errorf("binary int: expected 4 bytes, got %d", len(data))
		}
		return &Plaintext{Type: t, Int64: int64(int32(binary.BigEndian.Uint32(data)))}, nil
	case TypeBigInt:
		if len(data) != 8 {
			return nil, fmt.Errorf("binary bigint: expected 8 bytes, got %d", len(data))
		}
		return &Plaintext{Type: t, Int64: int64(binary.BigEndian.Uint64(data))}, nil
	case TypeFloat8:
		if len(data) != 8 {
			return nil, fmt.Errorf("binary float8: expected 8 bytes, got %d", len(data))
		}
		return &Plaintext{Type: t, Float64: math.Float64frombits(binary.BigEndian.Uint64(data))}, nil
	case TypeDate:
		if len(data) != 4 {
			return nil, fmt.Errorf("binary date: expected 4 bytes, got %d", len(data))
		}
		days := int32(binary.BigEndian.Uint32(data)) // #nosec G115 -- reinterpreting wire bits, not a value conversion
		return &Plaintext{Type: t, Str: pgEpoch.AddDate(0, 0, int(days)).Format("2006-01-02")}, nil
	case TypeTimestamp:
		if len(data) != 8 {
			return nil, fmt.Errorf("binary timestamp: expected 8 bytes, got %d", len(data))
		}
		micros := int64(binary.BigEndian.Uint64(data))
		ts := pgEpoch.Add(time.Duration(micros) * time.Microsecond)
		return &Plaintext{Type: t, Str: ts.Format("2006-01-02 15:04:05.999999")}, nil
	case TypeJSONB:
		// Binary format for json/jsonb is the same UTF-8 bytes as text.
		return &Plaintext{Type: t, JSONBytes: data}, nil
	case TypeNumeric:
		return nil, fmt.Errorf("binary-format numeric parameters are not supported")
	default: // TypeText: binary format is the raw UTF-8 bytes, same as text
		return &Plaintext{Type: t, Str: string(data)}, nil
	}
}

// plaintextToWireBinary is the inverse of plaintextFromWireBinary, used
// when the client's result format code for a decrypted column requests
// binary rather than text.
func plaintextToWireBinary(p *Plaintext) ([]byte, error) {
	if p == nil || p.Null {
		return nil, nil
	}
	switch p.Type {
	case TypeBoolean:
		if p.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeSmallInt:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(int16(p.Int64)))
		return buf, nil
	case TypeInt:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(int32(p.Int64)))
		return buf, nil
	case TypeBigInt:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(p.Int64))
		return buf, nil
	case TypeFloat8:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(p.Float64))
		return buf, nil
	case TypeDate:
		tm, err := time.Parse("2006-01-02", p.Str)
		if err != nil {
			return nil, fmt.Errorf("format date %q for binary result: %w", p.Str, err)
		}
		days := int32(tm.Sub(pgEpoch).Hours() / 24) // #nosec G115 -- day offsets fit comfortably in int32
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(days))
		return buf, nil
	case TypeTimestamp:
		tm, err := time.Parse("2006-01-02 15:04:05.999999", p.Str)
		if err != nil {
			return nil, fmt.Errorf("format timestamp %q for binary result: %w", p.Str, err)
		}
		micros := tm.Sub(pgEpoch).Microseconds()
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(micros))
		return buf, nil
	case TypeJSONB:
		return p.JSONBytes, nil
	case TypeNumeric:
		return nil, fmt.Errorf("binary-format numeric results are not supported")
	default: // TypeText: binary format is the raw UTF-8 bytes, same as text
		return []byte(p.Str), nil
	}
}
