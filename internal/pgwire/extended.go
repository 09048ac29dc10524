package pgwire

// Extended query protocol message parsing and construction (Parse, Bind,
// Describe, Close, RowDescription, DataRow). These are the messages the
// proxy must decode to find encrypted parameters, literals, and result
// columns rather than treat the stream as an opaque byte pipe.

// ParseMessage is the payload of a frontend Parse ('P') message.
type ParseMessage struct {
	Statement string
	Query     string
	ParamOIDs []uint32
}

// ParseParseMessage decodes a Parse message payload.
func ParseParseMessage(payload []byte) (*ParseMessage, error) {
	buf := NewBuffer(0)
	buf.buf = payload

	stmt, err := buf.ReadString()
	if err != nil {
		return nil, err
	}
	query, err := buf.ReadString()
	if err != nil {
		return nil, err
	}
	n, err := buf.ReadInt16()
	if err != nil {
		return nil, err
	}
	oids := make([]uint32, n)
	for i := range oids {
		v, err := buf.ReadInt32()
		if err != nil {
			return nil, err
		}
		oids[i] = uint32(v) // #nosec G115 -- OIDs are unsigned on the wire
	}
	return &ParseMessage{Statement: stmt, Query: query, ParamOIDs: oids}, nil
}

// BuildParseMessage encodes a Parse message payload.
func BuildParseMessage(m *ParseMessage) []byte {
	buf := NewBuffer(len(m.Statement) + len(m.Query) + 8 + 4*len(m.ParamOIDs))
	buf.WriteString(m.Statement)
	buf.WriteString(m.Query)
	buf.WriteInt16(int16(len(m.ParamOIDs))) // #nosec G115 -- bounded by protocol param limit
	for _, oid := range m.ParamOIDs {
		buf.WriteInt32(int32(oid)) // #nosec G115 -- reinterpreting OID bits, not a value conversion
	}
	return buf.Bytes()
}

// FormatCodeAt resolves the format code for parameter/column i from a
// Bind message's format-code list, per the protocol's broadcast rule: an
// empty list means text for every slot, a single-element list applies
// that one code to every slot, and any other length is one code per slot.
func FormatCodeAt(codes []int16, i int) int16 {
	switch len(codes) {
	case 0:
		return FormatText
	case 1:
		return codes[0]
	default:
		if i < len(codes) {
			return codes[i]
		}
		return FormatText
	}
}

// BindMessage is the payload of a frontend Bind ('B') message.
type BindMessage struct {
	Portal            string
	Statement         string
	ParamFormatCodes  []int16
	ParamValues       [][]byte // nil element denotes SQL NULL
	ResultFormatCodes []int16
}

// ParseBindMessage decodes a Bind message payload.
func ParseBindMessage(payload []byte) (*BindMessage, error) {
	buf := NewBuffer(0)
	buf.buf = payload

	m := &BindMessage{}
	var err error
	if m.Portal, err = buf.ReadString(); err != nil {
		return nil, err
	}
	if m.Statement, err = buf.ReadString(); err != nil {
		return nil, err
	}

	nFormats, err := buf.ReadInt16()
	if err != nil {
		return nil, err
	}
	m.ParamFormatCodes = make([]int16, nFormats)
	for i := range m.ParamFormatCodes {
		if m.ParamFormatCodes[i], err = buf.ReadInt16(); err != nil {
			return nil, err
		}
	}

	nParams, err := buf.ReadInt16()
	if err != nil {
		return nil, err
	}
	m.ParamValues = make([][]byte, nParams)
	for i := range m.ParamValues {
		n, err := buf.ReadInt32()
		if err != nil {
			return nil, err
		}
		if n < 0 {
			m.ParamValues[i] = nil
			continue
		}
		v, err := buf.ReadBytes(int(n))
		if err != nil {
			return nil, err
		}
		m.ParamValues[i] = v
	}

	nResultFormats, err := buf.ReadInt16()
	if err != nil {
		return nil, err
	}
	m.ResultFormatCodes = make([]int16, nResultFormats)
	for i := range m.ResultFormatCodes {
		if m.ResultFormatCodes[i], err = buf.ReadInt16(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// BuildBindMessage encodes a Bind message payload.
func BuildBindMessage(m *BindMessage) []byte {
	size := len(m.Portal) + len(m.Statement) + 8
	for _, v := range m.ParamValues {
		size += 4 + len(v)
	}
	buf := NewBuffer(size)
	buf.WriteString(m.Portal)
	buf.WriteString(m.Statement)

	buf.WriteInt16(int16(len(m.ParamFormatCodes))) // #nosec G115 -- bounded by protocol param limit
	for _, f := range m.ParamFormatCodes {
		buf.WriteInt16(f)
	}

	buf.WriteInt16(int16(len(m.ParamValues))) // #nosec G115 -- bounded by protocol param limit
	for _, v := range m.ParamValues {
		if v == nil {
			buf.WriteInt32(-1)
			continue
		}
		buf.WriteInt32(int32(len(v))) // #nosec G115 -- bounded by message size limit
		buf.WriteBytes(v)
	}

	buf.WriteInt16(int16(len(m.ResultFormatCodes))) // #nosec G115 -- bounded by protocol column limit
	for _, f := range m.ResultFormatCodes {
		buf.WriteInt16(f)
	}
	return buf.Bytes()
}

// CloseMessage is the payload of a frontend Close or Describe message:
// both share the "kind byte ('S' or 'P') + name" shape.
type CloseMessage struct {
	Kind byte // 'S' (prepared statement) or 'P' (portal)
	Name string
}

// ParseCloseMessage decodes a Close or Describe message payload.
func ParseCloseMessage(payload []byte) (*CloseMessage, error) {
	buf := NewBuffer(0)
	buf.buf = payload
	kind, err := buf.ReadByte()
	if err != nil {
		return nil, err
	}
	name, err := buf.ReadString()
	if err != nil {
		return nil, err
	}
	return &CloseMessage{Kind: kind, Name: name}, nil
}

// ParseExecuteMessage decodes an Execute message payload.
func ParseExecuteMessage(payload []byte) (portal string, maxRows int32, err error) {
	buf := NewBuffer(0)
	buf.buf = payload
	if portal, err = buf.ReadString(); err != nil {
		return "", 0, err
	}
	maxRows, err = buf.ReadInt32()
	return portal, maxRows, err
}

// RowField describes one column in a RowDescription message.
type RowField struct {
	Name         string
	TableOID     uint32
	ColumnAttr   int16
	DataTypeOID  uint32
	DataTypeSize int16
	TypeModifier int32
	FormatCode   int16
}

// ParseRowDescription decodes a RowDescription message payload.
func ParseRowDescription(payload []byte) ([]RowField, error) {
	buf := NewBuffer(0)
	buf.buf = payload
	n, err := buf.ReadInt16()
	if err != nil {
		return nil, err
	}
	fields := make([]RowField, n)
	for i := range fields {
		f := &fields[i]
		if f.Name, err = buf.ReadString(); err != nil {
			return nil, err
		}
		v, err := buf.ReadInt32()
		if err != nil {
			return nil, err
		}
		f.TableOID = uint32(v) // #nosec G115 -- OIDs are unsigned on the wire
		if f.ColumnAttr, err = buf.ReadInt16(); err != nil {
			return nil, err
		}
		if v, err = buf.ReadInt32(); err != nil {
			return nil, err
		}
		f.DataTypeOID = uint32(v) // #nosec G115 -- OIDs are unsigned on the wire
		if f.DataTypeSize, err = buf.ReadInt16(); err != nil {
			return nil, err
		}
		if f.TypeModifier, err = buf.ReadInt32(); err != nil {
			return nil, err
		}
		if f.FormatCode, err = buf.ReadInt16(); err != nil {
			return nil, err
		}
	}
	return fields, nil
}

// ParseDataRow decodes a DataRow message payload into its column values,
// nil denoting SQL NULL.
func ParseDataRow(payload []byte) ([][]byte, error) {
	buf := NewBuffer(0)
	buf.buf = payload
	n, err := buf.ReadInt16()
	if err != nil {
		return nil, err
	}
	cols := make([][]byte, n)
	for i := range cols {
		ln, err := buf.ReadInt32()
		if err != nil {
			return nil, err
		}
		if ln < 0 {
			cols[i] = nil
			continue
		}
		v, err := buf.ReadBytes(int(ln))
		if err != nil {
			return nil, err
		}
		cols[i] = v
	}
	return cols, nil
}

// BuildDataRow encodes a DataRow message payload.
func BuildDataRow(values [][]byte) []byte {
	size := 2
	for _, v := range values {
		size += 4 + len(v)
	}
	buf := NewBuffer(size)
	buf.WriteInt16(int16(len(values))) // #nosec G115 -- bounded by protocol column limit
	for _, v := range values {
		if v == nil {
			buf.WriteInt32(-1)
			continue
		}
		buf.WriteInt32(int32(len(v))) // #nosec G115 -- bounded by message size limit
		buf.WriteBytes(v)
	}
	return buf.Bytes()
}
