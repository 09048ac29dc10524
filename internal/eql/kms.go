package eql

import "context"

// KeysetID selects which key-management scope encrypts or decrypts a value.
// The empty string denotes the proxy's configured default keyset.
type KeysetID string

// KMSClient is the abstract key-management collaborator (§6): it knows how
// to turn one plaintext into one ciphertext-plus-index-terms record for a
// given column configuration and keyset, and back. Batching across many
// values is the encryption service's (C9) job, not the client's.
type KMSClient interface {
	Encrypt(ctx context.Context, keyset KeysetID, value *Plaintext, cfg *ColumnConfig) (*Ciphertext, error)
	Decrypt(ctx context.Context, keyset KeysetID, value *Ciphertext) (*Plaintext, error)

	// ResolveKeyset validates and primes a keyset identifier, returning an
	// error (EncryptionError Unsupported/KeysetUnavailable, see
	// internal/encrypt) if the keyset is unknown. Called once per keyset at
	// cipher-cache initialization time (§4.9, §5 keyset identifier wiring).
	ResolveKeyset(ctx context.Context, keyset KeysetID) error
}
