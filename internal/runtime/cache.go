package runtime

import (
	"fmt"
	"time"

	"github.com/Yiling-J/theine-go"
	"github.com/cespare/xxhash/v2"

	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
)

// ResponseCache stores the values of successful cacheable chains keyed by
// their fingerprint. Cached values are shared between callers and must not be
// mutated.
type ResponseCache interface {
	Get(key uint64) (any, bool)
	Set(key uint64, value any)
	Close()
}

// TheineCache is a ResponseCache backed by theine.
type TheineCache struct {
	cache *theine.Cache[uint64, any]
	ttl   time.Duration
}

// NewTheineCache returns a cache holding at most size entries, each living
// for ttl. A ttl of zero keeps entries until they are evicted.
func NewTheineCache(size int64, ttl time.Duration) (*TheineCache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chainflow: cache size must be positive, got %d", size)
	}
	cache, err := theine.NewBuilder[uint64, any](size).Build()
	if err != nil {
		return nil, fmt.Errorf("build response cache: %w", err)
	}
	return &TheineCache{cache: cache, ttl: ttl}, nil
}

func (c *TheineCache) Get(key uint64) (any, bool) {
	return c.cache.Get(key)
}

func (c *TheineCache) Set(key uint64, value any) {
	if c.ttl > 0 {
		c.cache.SetWithTTL(key, value, 1, c.ttl)
		return
	}
	c.cache.Set(key, value, 1)
}

func (c *TheineCache) Close() {
	c.cache.Close()
}

type chainFingerprint struct {
	Operations []string `json:"ops"`
	Args       [][]any  `json:"args"`
	Headers    Headers  `json:"headers,omitempty"`
}

// fingerprint hashes the operations, arguments and headers of a chain.
// Headers take part because Authorize may depend on them.
func fingerprint(chain Chain, headers Headers) (uint64, error) {
	fp := chainFingerprint{
		Operations: chain.Operations(),
		Args:       make([][]any, len(chain)),
		Headers:    headers,
	}
	for i, req := range chain {
		fp.Args[i] = req.Args
	}
	raw, err := jsoncodec.Marshal(fp)
	if err != nil {
		return 0, fmt.Errorf("fingerprint chain %s: %w", chain.ID(), err)
	}
	return xxhash.Sum64(raw), nil
}
