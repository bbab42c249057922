package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/mapsync/internal/core/model"
	"github.com/mohammed-shakir/mapsync/internal/core/observability"
	"github.com/mohammed-shakir/mapsync/internal/keys"
	"github.com/mohammed-shakir/mapsync/internal/mapper"
	h3mapper "github.com/mohammed-shakir/mapsync/internal/mapper/h3"
)

const maxFootprintCells = 64

type queryEntry struct {
	bound     orb.Bound
	fc        *geojson.FeatureCollection
	truncated bool
}

// QueryClient runs bounding box feature queries against an OGC API
// Features style endpoint: GET {base}/{collection}/items?bbox=&limit=.
// Results are cached by the H3 footprint of the box.
type QueryClient struct {
	client *http.Client
	base   string
	limit  int
	res    int
	mapper mapper.Interface
	cache  *lru.Cache[string, queryEntry]
	log    *slog.Logger
}

func NewQueryClient(client *http.Client, base string, limit, h3Res, cacheSize int, log *slog.Logger) (*QueryClient, error) {
	c, err := lru.New[string, queryEntry](max(cacheSize, 1))
	if err != nil {
		return nil, fmt.Errorf("query cache: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &QueryClient{
		client: client,
		base:   strings.TrimRight(base, "/"),
		limit:  max(limit, 1),
		res:    h3Res,
		mapper: h3mapper.New(),
		cache:  c,
		log:    log,
	}, nil
}

func (c *QueryClient) itemsURL(collection string, b orb.Bound) string {
	q := url.Values{}
	q.Set("bbox", model.BBoxString(b))
	q.Set("limit", strconv.Itoa(c.limit))
	return fmt.Sprintf("%s/%s/items?%s", c.base, url.PathEscape(collection), q.Encode())
}

// Query returns at most Limit features intersecting b.
func (c *QueryClient) Query(ctx context.Context, collection string, b orb.Bound) (*geojson.FeatureCollection, error) {
	key := c.cacheKey(ctx, collection, b)
	if key != "" {
		if e, ok := c.cache.Get(key); ok && servesBound(e, b) {
			observability.IncCacheHit("query")
			return clip(e.fc, b), nil
		}
		observability.IncCacheMiss("query")
	}

	body, err := get(ctx, c.client, "bbox_query", c.itemsURL(collection, b), "application/geo+json", 64<<20)
	if err != nil {
		return nil, fmt.Errorf("bbox query %q: %w", collection, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, fmt.Errorf("decode bbox query %q: %w", collection, err)
	}
	truncated := len(fc.Features) >= c.limit
	if len(fc.Features) > c.limit {
		fc.Features = fc.Features[:c.limit]
	}
	if key != "" {
		c.cache.Add(key, queryEntry{bound: b, fc: fc, truncated: truncated})
	}
	return fc, nil
}

func (c *QueryClient) cacheKey(ctx context.Context, collection string, b orb.Bound) string {
	cells, res, err := c.mapper.Footprint(ctx, b, c.res, maxFootprintCells)
	if err != nil {
		c.log.DebugContext(ctx, "bbox footprint unavailable; query not cached", "bbox", model.BBoxString(b), "err", err)
		return ""
	}
	return keys.QueryKey(collection, res, cells, c.limit)
}

// servesBound reports whether a cached answer is complete for b.
func servesBound(e queryEntry, b orb.Bound) bool {
	if e.bound == b {
		return true
	}
	return !e.truncated && e.bound.Contains(b.Min) && e.bound.Contains(b.Max)
}

func clip(fc *geojson.FeatureCollection, b orb.Bound) *geojson.FeatureCollection {
	out := geojson.NewFeatureCollection()
	for _, f := range fc.Features {
		if f.Geometry != nil && f.Geometry.Bound().Intersects(b) {
			out.Append(f)
		}
	}
	return out
}
