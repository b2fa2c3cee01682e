package holders

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/maypok86/otter"

	"github.com/curvescan/curvescan/internal/ratelimit"
)

const defaultClassifierCacheSize = 100_000

// CachedClassifier wraps an inner classifier with a bounded per-wallet
// cache. Wallet classes change rarely; a stale entry costs little.
type CachedClassifier struct {
	inner Classifier
	cache otter.Cache[string, WalletClass]
}

// NewCachedClassifier bounds the cache to maxEntries wallets.
func NewCachedClassifier(inner Classifier, maxEntries int) *CachedClassifier {
	if maxEntries <= 0 {
		maxEntries = defaultClassifierCacheSize
	}
	cache, err := otter.MustBuilder[string, WalletClass](maxEntries).
		Cost(func(_ string, _ WalletClass) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("holders: failed to create classifier cache: " + err.Error())
	}
	return &CachedClassifier{inner: inner, cache: cache}
}

// Classify returns the cached class or consults the inner classifier.
// Failures are not cached.
func (c *CachedClassifier) Classify(ctx context.Context, wallet string) (WalletClass, error) {
	if class, ok := c.cache.Get(wallet); ok {
		return class, nil
	}
	class, err := c.inner.Classify(ctx, wallet)
	if err != nil {
		return "", err
	}
	c.cache.Set(wallet, class)
	return class, nil
}

// CacheSize reports the number of cached wallets.
func (c *CachedClassifier) CacheSize() int {
	return c.cache.Size()
}

// HTTPClassifier asks an external wallet-labeling API.
type HTTPClassifier struct {
	baseURL string
	httpc   *http.Client
	limiter *ratelimit.Window
}

// NewHTTPClassifier creates the external classifier client.
func NewHTTPClassifier(baseURL string, httpc *http.Client, limiter *ratelimit.Window) *HTTPClassifier {
	return &HTTPClassifier{baseURL: baseURL, httpc: httpc, limiter: limiter}
}

func (c *HTTPClassifier) Classify(ctx context.Context, wallet string) (WalletClass, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return "", fmt.Errorf("classify: limiter: %w", err)
	}

	u := c.baseURL + "/v1/wallets/" + url.PathEscape(wallet) + "/class"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("classify %s: %w", wallet, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ClassNormal, nil
	default:
		return "", fmt.Errorf("classify %s: status %d", wallet, resp.StatusCode)
	}

	var body struct {
		Class string `json:"class"`
	}
	if err := decodeJSON(resp.Body, &body); err != nil {
		return "", fmt.Errorf("classify %s: %w", wallet, err)
	}
	switch WalletClass(body.Class) {
	case ClassWhale, ClassSniper, ClassBot, ClassInsider, ClassExchange:
		return WalletClass(body.Class), nil
	default:
		return ClassNormal, nil
	}
}
