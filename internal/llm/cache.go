package llm

import (
	"encoding/json"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/longregen/teleprompt/internal/ports"
)

// responseCache holds deterministic responses keyed by the request body.
type responseCache struct {
	cache *ristretto.Cache[string, ports.LLMResponse]
	ttl   time.Duration
}

func newResponseCache(maxEntries int64, ttl time.Duration) (*responseCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, ports.LLMResponse]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &responseCache{cache: cache, ttl: ttl}, nil
}

func (c *responseCache) get(key string) (ports.LLMResponse, bool) {
	return c.cache.Get(key)
}

func (c *responseCache) set(key string, resp ports.LLMResponse) {
	if c.ttl > 0 {
		c.cache.SetWithTTL(key, resp, 1, c.ttl)
	} else {
		c.cache.Set(key, resp, 1)
	}
	c.cache.Wait()
}

func (c *responseCache) close() {
	c.cache.Close()
}

func cacheKey(req ChatCompletionRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
