package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/mohammed-shakir/mapsync/internal/surface"
)

// StyleClient fetches base style documents by id.
type StyleClient struct {
	client *http.Client
	urls   map[string]string
}

func NewStyleClient(client *http.Client, urls map[string]string) *StyleClient {
	cp := make(map[string]string, len(urls))
	for k, v := range urls {
		cp[k] = v
	}
	return &StyleClient{client: client, urls: cp}
}

// IDs lists the known style ids, sorted.
func (c *StyleClient) IDs() []string {
	out := make([]string, 0, len(c.urls))
	for id := range c.urls {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *StyleClient) Fetch(ctx context.Context, id string) (surface.StyleDoc, error) {
	u, ok := c.urls[id]
	if !ok {
		return surface.StyleDoc{}, fmt.Errorf("unknown style %q", id)
	}
	body, err := get(ctx, c.client, "style", u, "application/json", 8<<20)
	if err != nil {
		return surface.StyleDoc{}, fmt.Errorf("style %q: %w", id, err)
	}
	var doc surface.StyleDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return surface.StyleDoc{}, fmt.Errorf("decode style %q: %w", id, err)
	}
	if doc.Version != 8 {
		return surface.StyleDoc{}, fmt.Errorf("style %q: unsupported version %d", id, doc.Version)
	}
	for _, l := range doc.Layers {
		if l.Type == "background" {
			continue
		}
		if _, ok := doc.Sources[l.Source]; !ok {
			return surface.StyleDoc{}, fmt.Errorf("style %q: layer %q references missing source %q", id, l.ID, l.Source)
		}
	}
	if doc.Name == "" {
		doc.Name = id
	}
	return doc, nil
}
