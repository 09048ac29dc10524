package pgwire

import (
	"bytes"
	"testing"
)

func TestParseMessageRoundTrip(t *testing.T) {
	m := &ParseMessage{Statement: "s1", Query: "SELECT $1", ParamOIDs: []uint32{23, 25}}
	got, err := ParseParseMessage(BuildParseMessage(m))
	if err != nil {
		t.Fatalf("ParseParseMessage: %v", err)
	}
	if got.Statement != m.Statement || got.Query != m.Query {
		t.Errorf("got %+v, want %+v", got, m)
	}
	if len(got.ParamOIDs) != 2 || got.ParamOIDs[0] != 23 || got.ParamOIDs[1] != 25 {
		t.Errorf("ParamOIDs = %v, want [23 25]", got.ParamOIDs)
	}
}

func TestBindMessageRoundTrip(t *testing.T) {
	m := &BindMessage{
		Portal:            "p1",
		Statement:         "s1",
		ParamFormatCodes:  []int16{0, 1},
		ParamValues:       [][]byte{[]byte("hello"), nil},
		ResultFormatCodes: []int16{0},
	}
	got, err := ParseBindMessage(BuildBindMessage(m))
	if err != nil {
		t.Fatalf("ParseBindMessage: %v", err)
	}
	if got.Portal != m.Portal || got.Statement != m.Statement {
		t.Errorf("got %+v, want %+v", got, m)
	}
	if len(got.ParamValues) != 2 || string(got.ParamValues[0]) != "hello" || got.ParamValues[1] != nil {
		t.Errorf("ParamValues = %v, want [hello, nil]", got.ParamValues)
	}
	if len(got.ResultFormatCodes) != 1 || got.ResultFormatCodes[0] != 0 {
		t.Errorf("ResultFormatCodes = %v, want [0]", got.ResultFormatCodes)
	}
}

func TestBindMessageNoParams(t *testing.T) {
	m := &BindMessage{Portal: "", Statement: "s1"}
	got, err := ParseBindMessage(BuildBindMessage(m))
	if err != nil {
		t.Fatalf("ParseBindMessage: %v", err)
	}
	if len(got.ParamValues) != 0 {
		t.Errorf("ParamValues = %v, want empty", got.ParamValues)
	}
}

func TestCloseMessageRoundTrip(t *testing.T) {
	buf := NewBuffer(8)
	_ = buf.WriteByte('S')
	buf.WriteString("s1")

	got, err := ParseCloseMessage(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseCloseMessage: %v", err)
	}
	if got.Kind != 'S' || got.Name != "s1" {
		t.Errorf("got %+v, want {Kind: 'S', Name: \"s1\"}", got)
	}
}

func TestExecuteMessageRoundTrip(t *testing.T) {
	buf := NewBuffer(16)
	buf.WriteString("p1")
	buf.WriteInt32(42)

	portal, maxRows, err := ParseExecuteMessage(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseExecuteMessage: %v", err)
	}
	if portal != "p1" || maxRows != 42 {
		t.Errorf("portal=%q maxRows=%d, want p1/42", portal, maxRows)
	}
}

func TestRowDescriptionRoundTrip(t *testing.T) {
	buf := NewBuffer(64)
	buf.WriteInt16(2)
	buf.WriteString("id")
	buf.WriteInt32(16384)
	buf.WriteInt16(1)
	buf.WriteInt32(23)
	buf.WriteInt16(4)
	buf.WriteInt32(-1)
	buf.WriteInt16(0)
	buf.WriteString("email")
	buf.WriteInt32(16384)
	buf.WriteInt16(2)
	buf.WriteInt32(25)
	buf.WriteInt16(-1)
	buf.WriteInt32(-1)
	buf.WriteInt16(0)

	fields, err := ParseRowDescription(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseRowDescription: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("got %d fields, want 2", len(fields))
	}
	if fields[0].Name != "id" || fields[0].DataTypeOID != 23 {
		t.Errorf("fields[0] = %+v", fields[0])
	}
	if fields[1].Name != "email" || fields[1].DataTypeOID != 25 || fields[1].ColumnAttr != 2 {
		t.Errorf("fields[1] = %+v", fields[1])
	}
}

func TestDataRowRoundTrip(t *testing.T) {
	values := [][]byte{[]byte("42"), nil, []byte("hello")}
	cols, err := ParseDataRow(BuildDataRow(values))
	if err != nil {
		t.Fatalf("ParseDataRow: %v", err)
	}
	if len(cols) != 3 {
		t.Fatalf("got %d cols, want 3", len(cols))
	}
	if !bytes.Equal(cols[0], []byte("42")) || cols[1] != nil || !bytes.Equal(cols[2], []byte("hello")) {
		t.Errorf("cols = %v", cols)
	}
}

func TestFormatCodeAt(t *testing.T) {
	tests := []struct {
		name  string
		codes []int16
		i     int
		want  int16
	}{
		{"empty list broadcasts text", nil, 0, FormatText},
		{"single-element list broadcasts that code", []int16{FormatBinary}, 3, FormatBinary},
		{"per-slot list indexes directly", []int16{FormatText, FormatBinary}, 1, FormatBinary},
		{"per-slot list, other index", []int16{FormatText, FormatBinary}, 0, FormatText},
		{"out-of-range index falls back to text", []int16{FormatText, FormatBinary}, 5, FormatText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatCodeAt(tt.codes, tt.i); got != tt.want {
				t.Errorf("FormatCodeAt(%v, %d) = %d, want %d", tt.codes, tt.i, got, tt.want)
			}
		})
	}
}
