package encrypt

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/cipherstash/pgproxy/internal/eql"
)

// cipherCache memoizes per-keyset readiness in a concurrent map. The first
// request for a new keyset performs a one-shot ResolveKeyset call against
// the KMS client; concurrent requests for the same keyset wait on that
// in-flight call instead of duplicating it (§4.9, §5).
type cipherCache struct {
	kms    eql.KMSClient
	group  singleflight.Group
	mu     sync.RWMutex
	ready  map[eql.KeysetID]struct{}
}

func newCipherCache(kms eql.KMSClient) *cipherCache {
	return &cipherCache{
		kms:   kms,
		ready: make(map[eql.KeysetID]struct{}),
	}
}

// ensure blocks until the given keyset has been resolved at least once,
// returning the error from the first (and only in-flight) resolution.
func (c *cipherCache) ensure(ctx context.Context, keyset eql.KeysetID) error {
	c.mu.RLock()
	_, ok := c.ready[keyset]
	c.mu.RUnlock()
	if ok {
		return nil
	}

	_, err, _ := c.group.Do(string(keyset), func() (interface{}, error) {
		c.mu.RLock()
		_, ok := c.ready[keyset]
		c.mu.RUnlock()
		if ok {
			return nil, nil
		}
		if err := c.kms.ResolveKeyset(ctx, keyset); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.ready[keyset] = struct{}{}
		c.mu.Unlock()
		return nil, nil
	})
	return err
}
