package encrypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/cipherstash/pgproxy/internal/eql"
)

// DevKMS is a self-contained, in-process eql.KMSClient: it derives a
// deterministic per-keyset key from a root secret with HKDF-style HMAC
// expansion, and produces real AES-GCM ciphertext plus deterministic HMAC
// equality terms and a length-preserving order-revealing term. It is meant
// for local development and tests; it is not a substitute for an external
// KMS integration, which is explicitly out of scope (§6).
type DevKMS struct {
	root []byte

	mu   sync.Mutex
	keys map[eql.KeysetID][]byte
}

// NewDevKMS builds a dev KMS client seeded from rootSecret. The same
// rootSecret always derives the same per-keyset keys, so ciphertexts remain
// decryptable across process restarts.
func NewDevKMS(rootSecret []byte) *DevKMS {
	return &DevKMS{
		root: rootSecret,
		keys: make(map[eql.KeysetID]([]byte)),
	}
}

func (d *DevKMS) deriveKey(keyset eql.KeysetID) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if k, ok := d.keys[keyset]; ok {
		return k
	}
	mac := hmac.New(sha256.New, d.root)
	mac.Write([]byte("cipherstash-pgproxy/devkms/v1/"))
	mac.Write([]byte(keyset))
	k := mac.Sum(nil)
	d.keys[keyset] = k
	return k
}

// ResolveKeyset always succeeds for the dev client: any keyset identifier
// derives a usable key from the root secret.
func (d *DevKMS) ResolveKeyset(ctx context.Context, keyset eql.KeysetID) error {
	d.deriveKey(keyset)
	return nil
}

func (d *DevKMS) Encrypt(ctx context.Context, keyset eql.KeysetID, value *eql.Plaintext, cfg *eql.ColumnConfig) (*eql.Ciphertext, error) {
	if value == nil || cfg == nil {
		return nil, nil
	}
	key := d.deriveKey(keyset)

	plain, err := plaintextBytes(value)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("devkms: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("devkms: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("devkms: read nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plain, nil)

	ct := &eql.Ciphertext{
		Version:    eql.CiphertextVersion,
		Identifier: cfg.Identifier,
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}

	if cfg.HasIndex(eql.IndexEquality) {
		ct.Equality = hmacTerm(key, "unique", plain)
	}
	if cfg.HasIndex(eql.IndexOrder) {
		ct.OreTerm = oreTerm(key, value)
	}
	if cfg.HasIndex(eql.IndexMatch) {
		ct.MatchTerms = matchTerms(key, value)
	}

	return ct, nil
}

func (d *DevKMS) Decrypt(ctx context.Context, keyset eql.KeysetID, value *eql.Ciphertext) (*eql.Plaintext, error) {
	if value == nil {
		return nil, nil
	}
	key := d.deriveKey(keyset)

	sealed, err := base64.StdEncoding.DecodeString(value.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("devkms: decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("devkms: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("devkms: new gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("devkms: ciphertext too short")
	}
	nonce, body := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("devkms: decrypt: %w", err)
	}
	return plaintextFromBytes(plain)
}

// plaintextBytes serializes a Plaintext to a stable byte form for sealing.
// A one-byte tag records the value's family (boolean, integer, float,
// string, JSON); decryption returns boolean, bigint, float8, text or jsonb
// respectively, so smallint/int, numeric and date/timestamp values do not
// come back with their original type.
func plaintextBytes(p *eql.Plaintext) ([]byte, error) {
	if p.Null {
		return []byte("\x00NULL"), nil
	}
	switch p.Type {
	case eql.TypeBoolean:
		if p.Bool {
			return []byte("B1"), nil
		}
		return []byte("B0"), nil
	case eql.TypeSmallInt, eql.TypeInt, eql.TypeBigInt:
		buf := make([]byte, 9)
		buf[0] = 'I'
		binary.BigEndian.PutUint64(buf[1:], uint64(p.Int64))
		return buf, nil
	case eql.TypeFloat8, eql.TypeNumeric:
		buf := make([]byte, 9)
		buf[0] = 'F'
		binary.BigEndian.PutUint64(buf[1:], uint64(int64(p.Float64*1e6)))
		return buf, nil
	case eql.TypeDate, eql.TypeTimestamp, eql.TypeText:
		return append([]byte("S"), []byte(p.Str)...), nil
	case eql.TypeJSONB:
		return append([]byte("J"), p.JSONBytes...), nil
	default:
		return nil, fmt.Errorf("devkms: unsupported plaintext type %q", p.Type)
	}
}

func plaintextFromBytes(b []byte) (*eql.Plaintext, error) {
	if string(b) == "\x00NULL" {
		return &eql.Plaintext{Null: true}, nil
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("devkms: empty plaintext body")
	}
	switch b[0] {
	case 'B':
		return &eql.Plaintext{Type: eql.TypeBoolean, Bool: string(b) == "B1"}, nil
	case 'I':
		if len(b) != 9 {
			return nil, fmt.Errorf("devkms: malformed int plaintext")
		}
		return &eql.Plaintext{Type: eql.TypeBigInt, Int64: int64(binary.BigEndian.Uint64(b[1:]))}, nil
	case 'F':
		if len(b) != 9 {
			return nil, fmt.Errorf("devkms: malformed float plaintext")
		}
		return &eql.Plaintext{Type: eql.TypeFloat8, Float64: float64(int64(binary.BigEndian.Uint64(b[1:]))) / 1e6}, nil
	case 'S':
		return &eql.Plaintext{Type: eql.TypeText, Str: string(b[1:])}, nil
	case 'J':
		return &eql.Plaintext{Type: eql.TypeJSONB, JSONBytes: b[1:]}, nil
	default:
		return nil, fmt.Errorf("devkms: unrecognized plaintext tag %q", b[0])
	}
}

func hmacTerm(key []byte, domain string, plain []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(domain))
	mac.Write(plain)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// oreTerm produces a term whose lexicographic byte order matches numeric or
// string order of the input, suitable for server-side eql_v2.order_by
// comparisons. It is not a real order-revealing encryption scheme — for
// development use only.
func oreTerm(key []byte, p *eql.Plaintext) string {
	var raw []byte
	switch p.Type {
	case eql.TypeSmallInt, eql.TypeInt, eql.TypeBigInt:
		raw = make([]byte, 8)
		binary.BigEndian.PutUint64(raw, uint64(p.Int64)^(1<<63))
	case eql.TypeFloat8, eql.TypeNumeric:
		raw = make([]byte, 8)
		binary.BigEndian.PutUint64(raw, uint64(int64(p.Float64*1e6))^(1<<63))
	case eql.TypeDate, eql.TypeTimestamp, eql.TypeText:
		raw = []byte(p.Str)
	default:
		raw = []byte{}
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("ore"))
	block := make([]byte, 0, len(raw)+32)
	mac.Write(raw)
	block = append(block, mac.Sum(nil)[:8]...)
	block = append(raw, block...)
	return base64.StdEncoding.EncodeToString(block)
}

// matchTerms tokenizes a text value into lowercase trigrams and HMACs each,
// mirroring the shape (not the exact bigram/trigram tokenizer) of the
// original match index.
func matchTerms(key []byte, p *eql.Plaintext) []string {
	if p.Type != eql.TypeText {
		return nil
	}
	s := strings.ToLower(p.Str)
	if len(s) < 3 {
		if s == "" {
			return nil
		}
		return []string{hmacTerm(key, "match", []byte(s))}
	}
	seen := make(map[string]struct{})
	var terms []string
	for i := 0; i+3 <= len(s); i++ {
		tri := s[i : i+3]
		if _, ok := seen[tri]; ok {
			continue
		}
		seen[tri] = struct{}{}
		terms = append(terms, hmacTerm(key, "match", []byte(tri)))
	}
	return terms
}
