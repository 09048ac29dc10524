package eql

import (
	"encoding/json"
	"fmt"
)

// CiphertextVersion is the wire version of the ciphertext record this proxy
// produces. Bumped whenever the record shape changes.
const CiphertextVersion = 2

// Ciphertext is the structured record transported in an encrypted column:
// the opaque ciphertext payload plus whatever index terms the column's
// configuration asked for. It serializes to the canonical ciphertext JSON
// object (`v`, `i`, `c`, plus per-index-kind fields).
type Ciphertext struct {
	Version    int
	Identifier Identifier
	Ciphertext string // opaque, base64-ish payload from the KMS client

	// Index terms, present only for the kinds the column configuration
	// requested. Each is already in the form the server-side eql_v2.*
	// functions expect (opaque strings from the KMS client's perspective).
	Equality   string // IndexEquality term ("hm")
	OreTerm    string // IndexOrder term ("ob")
	MatchTerms []string
	SteVec     json.RawMessage // IndexSteVec / IndexJSONPath structured term tree
}

// wireRecord is the canonical JSON shape of a Ciphertext on the wire.
type wireRecord struct {
	Version int             `json:"v"`
	Ident   Identifier      `json:"i"`
	C       string          `json:"c"`
	HM      string          `json:"hm,omitempty"`
	OB      string          `json:"ob,omitempty"`
	Match   []string        `json:"m,omitempty"`
	SV      json.RawMessage `json:"sv,omitempty"`
}

// MarshalJSON produces the canonical ciphertext wire record.
func (ct *Ciphertext) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRecord{
		Version: ct.Version,
		Ident:   ct.Identifier,
		C:       ct.Ciphertext,
		HM:      ct.Equality,
		OB:      ct.OreTerm,
		Match:   ct.MatchTerms,
		SV:      ct.SteVec,
	})
}

// UnmarshalJSON parses the canonical ciphertext wire record.
func (ct *Ciphertext) UnmarshalJSON(data []byte) error {
	var rec wireRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("parse ciphertext record: %w", err)
	}
	ct.Version = rec.Version
	ct.Identifier = rec.Ident
	ct.Ciphertext = rec.C
	ct.Equality = rec.HM
	ct.OreTerm = rec.OB
	ct.MatchTerms = rec.Match
	ct.SteVec = rec.SV
	return nil
}

// jsonbVersionByte is the one-byte header PostgreSQL prepends to jsonb
// values in binary wire format (protocol version of the jsonb encoding
// itself, always 1 today).
const jsonbVersionByte = 0x01

// EncodeColumnBytes serializes a ciphertext for the wire: bare JSON when
// nativeIsJSONB is false, or PostgreSQL jsonb binary format (version byte
// + JSON) when it is true. The format code is not consulted.
func EncodeColumnBytes(ct *Ciphertext, nativeIsJSONB bool) ([]byte, error) {
	body, err := ct.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal ciphertext: %w", err)
	}
	if !nativeIsJSONB {
		return body, nil
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, jsonbVersionByte)
	out = append(out, body...)
	return out, nil
}

// DecodeColumnBytes parses a ciphertext previously produced by
// EncodeColumnBytes, stripping the jsonb version byte when present.
func DecodeColumnBytes(raw []byte, nativeIsJSONB bool) (*Ciphertext, error) {
	body := raw
	if nativeIsJSONB {
		if len(raw) == 0 || raw[0] != jsonbVersionByte {
			return nil, fmt.Errorf("decode ciphertext: missing jsonb version byte")
		}
		body = raw[1:]
	}
	var ct Ciphertext
	if err := ct.UnmarshalJSON(body); err != nil {
		return nil, err
	}
	return &ct, nil
}
