package eql

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/cipherstash/pgproxy/internal/pgwire"
)

func TestPlaintextFromWireTextRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		typ  PlaintextType
		text string
	}{
		{"boolean true", TypeBoolean, "true"},
		{"boolean false", TypeBoolean, "false"},
		{"int", TypeInt, "42"},
		{"bigint negative", TypeBigInt, "-9000000000"},
		{"float", TypeFloat8, "3.5"},
		{"text", TypeText, "hello world"},
		{"date", TypeDate, "2026-07-30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := PlaintextFromWireText([]byte(tt.text), tt.typ)
			if err != nil {
				t.Fatalf("PlaintextFromWireText: %v", err)
			}
			if p.Null {
				t.Fatalf("expected non-null plaintext")
			}
			back := PlaintextToWireText(p)
			if back == nil {
				t.Fatalf("PlaintextToWireText returned nil")
			}
			// Boolean and float render differently than their input text
			// ("true"/"false" -> "t"/"f"); only assert round-trip equality
			// for the types whose text representation is canonical.
			if tt.typ == TypeText || tt.typ == TypeDate || tt.typ == TypeInt || tt.typ == TypeBigInt {
				if string(back) != tt.text {
					t.Errorf("round trip = %q, want %q", back, tt.text)
				}
			}
		})
	}
}

func TestPlaintextFromWireTextNull(t *testing.T) {
	p, err := PlaintextFromWireText(nil, TypeText)
	if err != nil {
		t.Fatalf("PlaintextFromWireText: %v", err)
	}
	if !p.Null {
		t.Errorf("expected Null=true for a nil data slice")
	}
	if got := PlaintextToWireText(p); got != nil {
		t.Errorf("PlaintextToWireText(null) = %v, want nil", got)
	}
}

func TestPlaintextFromWireTextInvalidInt(t *testing.T) {
	if _, err := PlaintextFromWireText([]byte("not-a-number"), TypeInt); err == nil {
		t.Fatal("expected an error for a malformed integer literal")
	}
}

func TestPlaintextFromWireTextInvalidBoolean(t *testing.T) {
	if _, err := PlaintextFromWireText([]byte("maybe"), TypeBoolean); err == nil {
		t.Fatal("expected an error for a malformed boolean literal")
	}
}

func TestPlaintextToWireTextBooleanRendering(t *testing.T) {
	if got := PlaintextToWireText(&Plaintext{Type: TypeBoolean, Bool: true}); string(got) != "t" {
		t.Errorf("got %q, want %q", got, "t")
	}
	if got := PlaintextToWireText(&Plaintext{Type: TypeBoolean, Bool: false}); string(got) != "f" {
		t.Errorf("got %q, want %q", got, "f")
	}
}

func TestPlaintextJSONB(t *testing.T) {
	p, err := PlaintextFromWireText([]byte(`{"a":1}`), TypeJSONB)
	if err != nil {
		t.Fatalf("PlaintextFromWireText: %v", err)
	}
	if string(p.JSONBytes) != `{"a":1}` {
		t.Errorf("JSONBytes = %s", p.JSONBytes)
	}
	if got := string(PlaintextToWireText(p)); got != `{"a":1}` {
		t.Errorf("PlaintextToWireText = %s", got)
	}
}

func TestPlaintextFromWireDispatchesOnFormatCode(t *testing.T) {
	textInt := []byte("42")
	p, err := PlaintextFromWire(textInt, TypeInt, pgwire.FormatText)
	if err != nil {
		t.Fatalf("PlaintextFromWire(text): %v", err)
	}
	if p.Int64 != 42 {
		t.Errorf("Int64 = %d, want 42", p.Int64)
	}

	binInt := make([]byte, 4)
	binary.BigEndian.PutUint32(binInt, 42)
	p, err = PlaintextFromWire(binInt, TypeInt, pgwire.FormatBinary)
	if err != nil {
		t.Fatalf("PlaintextFromWire(binary): %v", err)
	}
	if p.Int64 != 42 {
		t.Errorf("Int64 = %d, want 42", p.Int64)
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		p    *Plaintext
	}{
		{"boolean true", &Plaintext{Type: TypeBoolean, Bool: true}},
		{"boolean false", &Plaintext{Type: TypeBoolean, Bool: false}},
		{"smallint", &Plaintext{Type: TypeSmallInt, Int64: -1234}},
		{"int", &Plaintext{Type: TypeInt, Int64: 123456}},
		{"bigint", &Plaintext{Type: TypeBigInt, Int64: -9000000000}},
		{"float8", &Plaintext{Type: TypeFloat8, Float64: 3.5}},
		{"text", &Plaintext{Type: TypeText, Str: "hello"}},
		{"jsonb", &Plaintext{Type: TypeJSONB, JSONBytes: []byte(`{"a":1}`)}},
		{"date", &Plaintext{Type: TypeDate, Str: "2026-07-30"}},
		{"timestamp", &Plaintext{Type: TypeTimestamp, Str: "2026-07-30 12:34:56"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := PlaintextToWire(tt.p, pgwire.FormatBinary)
			if err != nil {
				t.Fatalf("PlaintextToWire: %v", err)
			}
			back, err := PlaintextFromWire(wire, tt.p.Type, pgwire.FormatBinary)
			if err != nil {
				t.Fatalf("PlaintextFromWire: %v", err)
			}
			switch tt.p.Type {
			case TypeBoolean:
				if back.Bool != tt.p.Bool {
					t.Errorf("Bool = %v, want %v", back.Bool, tt.p.Bool)
				}
			case TypeSmallInt, TypeInt, TypeBigInt:
				if back.Int64 != tt.p.Int64 {
					t.Errorf("Int64 = %d, want %d", back.Int64, tt.p.Int64)
				}
			case TypeFloat8:
				if back.Float64 != tt.p.Float64 {
					t.Errorf("Float64 = %v, want %v", back.Float64, tt.p.Float64)
				}
			case TypeJSONB:
				if string(back.JSONBytes) != string(tt.p.JSONBytes) {
					t.Errorf("JSONBytes = %s, want %s", back.JSONBytes, tt.p.JSONBytes)
				}
			default:
				if back.Str != tt.p.Str {
					t.Errorf("Str = %q, want %q", back.Str, tt.p.Str)
				}
			}
		})
	}
}

func TestBinaryFloat8BitPattern(t *testing.T) {
	wire, err := plaintextToWireBinary(&Plaintext{Type: TypeFloat8, Float64: math.Pi})
	if err != nil {
		t.Fatalf("plaintextToWireBinary: %v", err)
	}
	if len(wire) != 8 {
		t.Fatalf("len(wire) = %d, want 8", len(wire))
	}
	if math.Float64frombits(binary.BigEndian.Uint64(wire)) != math.Pi {
		t.Errorf("bit pattern did not round-trip")
	}
}

func TestBinaryNumericRejected(t *testing.T) {
	if _, err := plaintextFromWireBinary([]byte{0, 0, 0, 0}, TypeNumeric); err == nil {
		t.Error("expected binary-format numeric parameters to be rejected")
	}
	if _, err := plaintextToWireBinary(&Plaintext{Type: TypeNumeric, Float64: 1.5}); err == nil {
		t.Error("expected binary-format numeric results to be rejected")
	}
}

func TestBinaryNullRoundTrip(t *testing.T) {
	p, err := PlaintextFromWire(nil, TypeInt, pgwire.FormatBinary)
	if err != nil {
		t.Fatalf("PlaintextFromWire: %v", err)
	}
	if !p.Null {
		t.Errorf("expected Null=true for a nil data slice")
	}
	wire, err := PlaintextToWire(p, pgwire.FormatBinary)
	if err != nil {
		t.Fatalf("PlaintextToWire: %v", err)
	}
	if wire != nil {
		t.Errorf("PlaintextToWire(null) = %v, want nil", wire)
	}
}
