package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedEmbedder memoizes vectors by model and text. Stage 2 re-embeds the
// same card text for collapsed seeds; indexing re-runs hit the same texts.
type CachedEmbedder struct {
	inner Embedder
	cache *gocache.Cache
}

// NewCached wraps inner with a TTL cache (0 ttl = 1 hour).
func NewCached(inner Embedder, ttl time.Duration) *CachedEmbedder {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedEmbedder{inner: inner, cache: gocache.New(ttl, 2*ttl)}
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(c.inner.ModelID() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	k := c.key(text)
	if v, ok := c.cache.Get(k); ok {
		return v.([]float32), nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(k, vec)
	return vec, nil
}

// EmbedBatch only sends the texts that miss the cache.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	for i, t := range texts {
		if v, ok := c.cache.Get(c.key(t)); ok {
			out[i] = v.([]float32)
			continue
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		out[missIdx[j]] = vec
		if vec != nil {
			c.cache.SetDefault(c.key(missTexts[j]), vec)
		}
	}
	return out, nil
}

func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

func (c *CachedEmbedder) ModelID() string { return c.inner.ModelID() }

// Close closes the wrapped embedder when it holds resources.
func (c *CachedEmbedder) Close() error {
	if closer, ok := c.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
