// Package encrypt implements the encryption service (C9, §4.9): a batching
// map from (plaintext, column configuration) to (ciphertext + index terms)
// backed by an external key-management client, plus the inverse for
// decryption.
package encrypt

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cipherstash/pgproxy/internal/eql"
)

// Stats is a point-in-time snapshot of the service's counters. Modeled on
// the original implementation's Prometheus counters
// (encryption_requests_total, encrypted_values_total,
// encryption_errors_total, encryption_duration_seconds) without wiring an
// exporter — metrics export is out of scope (§1), but nothing stops a
// future exporter from reading this.
type Stats struct {
	Requests       int64
	ValuesEncrypted int64
	ValuesDecrypted int64
	Errors         int64
	TotalDuration  time.Duration
}

// Service is the encryption pipeline. One Service is shared across all
// sessions; it holds a handle to the KMS client and a per-keyset cipher
// cache, both safe for concurrent use without sessions ever blocking each
// other on I/O (§5).
type Service struct {
	kms   eql.KMSClient
	cache *cipherCache

	requests        atomic.Int64
	valuesEncrypted atomic.Int64
	valuesDecrypted atomic.Int64
	errors          atomic.Int64
	durationNanos   atomic.Int64
}

// New creates an encryption service over the given KMS client collaborator.
func New(kms eql.KMSClient) *Service {
	return &Service{
		kms:   kms,
		cache: newCipherCache(kms),
	}
}

// Stats returns a snapshot of the service's counters.
func (s *Service) Stats() Stats {
	return Stats{
		Requests:        s.requests.Load(),
		ValuesEncrypted: s.valuesEncrypted.Load(),
		ValuesDecrypted: s.valuesDecrypted.Load(),
		Errors:          s.errors.Load(),
		TotalDuration:   time.Duration(s.durationNanos.Load()),
	}
}

// EncryptBatch maps each (plaintext, column config) pair to a ciphertext,
// preserving positional correspondence. A nil plaintext or nil column
// config at position i yields a nil result at position i (§4.9 contract).
func (s *Service) EncryptBatch(ctx context.Context, keyset eql.KeysetID, values []*eql.Plaintext, cfgs []*eql.ColumnConfig) ([]*eql.Ciphertext, error) {
	if len(values) != len(cfgs) {
		return nil, fmt.Errorf("encrypt batch: %d values but %d column configs", len(values), len(cfgs))
	}

	if err := s.cache.ensure(ctx, keyset); err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("%w: %v", ErrKeysetUnavailable, err)
	}

	start := time.Now()
	out := make([]*eql.Ciphertext, len(values))
	encryptedCount := 0

	for i, v := range values {
		cfg := cfgs[i]
		if v == nil || cfg == nil {
			continue
		}
		ct, err := s.kms.Encrypt(ctx, keyset, v, cfg)
		if err != nil {
			s.errors.Add(1)
			return nil, classifyKMSError(err, cfg)
		}
		out[i] = ct
		encryptedCount++
	}

	s.requests.Add(1)
	s.valuesEncrypted.Add(int64(encryptedCount))
	s.durationNanos.Add(int64(time.Since(start)))

	return out, nil
}

// DecryptBatch is the inverse of EncryptBatch: a nil ciphertext at position
// i yields a nil plaintext at position i.
func (s *Service) DecryptBatch(ctx context.Context, keyset eql.KeysetID, values []*eql.Ciphertext) ([]*eql.Plaintext, error) {
	if err := s.cache.ensure(ctx, keyset); err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("%w: %v", ErrKeysetUnavailable, err)
	}

	start := time.Now()
	out := make([]*eql.Plaintext, len(values))
	decryptedCount := 0

	for i, ct := range values {
		if ct == nil {
			continue
		}
		pt, err := s.kms.Decrypt(ctx, keyset, ct)
		if err != nil {
			s.errors.Add(1)
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		out[i] = pt
		decryptedCount++
	}

	s.requests.Add(1)
	s.valuesDecrypted.Add(int64(decryptedCount))
	s.durationNanos.Add(int64(time.Since(start)))

	return out, nil
}

func classifyKMSError(err error, cfg *eql.ColumnConfig) error {
	kind := "unknown"
	for k := range cfg.Indexes {
		kind = string(k)
		break
	}
	return &UnsupportedError{ColumnType: string(cfg.CastAs), IndexKind: kind}
}
