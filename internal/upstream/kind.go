package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/mapsync/internal/core/model"
	"github.com/mohammed-shakir/mapsync/internal/core/observability"
)

// KindClient resolves the geometry kind of a logical layer from the
// metadata endpoint. Known kinds are cached per layer name so that
// reactivating a layer does not refetch.
type KindClient struct {
	client   *http.Client
	template string
	cache    *lru.Cache[string, model.GeometryKind]
	log      *slog.Logger
}

func NewKindClient(client *http.Client, template string, cacheSize int, log *slog.Logger) (*KindClient, error) {
	c, err := lru.New[string, model.GeometryKind](max(cacheSize, 1))
	if err != nil {
		return nil, fmt.Errorf("kind cache: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &KindClient{client: client, template: template, cache: c, log: log}, nil
}

// URL returns the metadata URL for l.
func (c *KindClient) URL(l model.LogicalLayer) string {
	if l.KindURL != "" {
		return l.KindURL
	}
	return strings.ReplaceAll(c.template, "{layer}", url.PathEscape(l.Name))
}

// Resolve returns the cached or fetched kind. Fetch failures return
// KindUnknown with the error; callers render unknown as points.
func (c *KindClient) Resolve(ctx context.Context, l model.LogicalLayer) (model.GeometryKind, error) {
	if k, ok := c.cache.Get(l.Name); ok {
		observability.IncCacheHit("kind")
		return k, nil
	}
	observability.IncCacheMiss("kind")

	body, err := get(ctx, c.client, "metadata", c.URL(l), "text/plain", 1<<10)
	if err != nil {
		return model.KindUnknown, fmt.Errorf("geometry kind for %q: %w", l.Name, err)
	}
	k := model.ParseGeometryKind(string(body))
	if k == model.KindUnknown {
		c.log.DebugContext(ctx, "metadata returned unrecognised geometry kind", "layer", l.Name, "body", string(body))
		return k, nil
	}
	c.cache.Add(l.Name, k)
	return k, nil
}

// Forget drops the cached kind, e.g. after the server reports a change.
func (c *KindClient) Forget(name string) {
	c.cache.Remove(name)
}
