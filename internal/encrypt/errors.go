package encrypt

import "errors"

// Sentinel error kinds surfaced by the encryption service (§4.9, §7).
// Bind-time encryption failures and DataRow decryption failures both wrap
// one of these so the session layer can apply the right propagation policy.
var (
	ErrKeysetUnavailable = errors.New("keyset unavailable")
	ErrUnsupported       = errors.New("unsupported column type or index kind")
	ErrTransport         = errors.New("key management transport error")
)

// UnsupportedError names the column type and index kind that could not be
// serviced, for inclusion in the ErrorResponse sent to the client.
type UnsupportedError struct {
	ColumnType string
	IndexKind  string
}

func (e *UnsupportedError) Error() string {
	return "unsupported: column type " + e.ColumnType + ", index kind " + e.IndexKind
}

func (e *UnsupportedError) Unwrap() error { return ErrUnsupported }
