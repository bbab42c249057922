// Package keys derives stable surface ids and store keys.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const (
	sourcePrefix = "src-"
	layerPrefix  = "lyr-"
	storePrefix  = "mapsync"
)

// SourceID names the surface source for a tile template. Layers built on
// the same template share one source.
func SourceID(tileTemplate string) string {
	return fmt.Sprintf("%s%016x", sourcePrefix, xxhash.Sum64String(strings.TrimSpace(tileTemplate)))
}

// LayerID names the surface layer rendering a logical layer.
func LayerID(name string) string {
	return layerPrefix + sanitize(strings.TrimSpace(name))
}

// IsLayerID reports whether id was produced by LayerID.
func IsLayerID(id string) bool {
	return strings.HasPrefix(id, layerPrefix)
}

// StoreKey is the persisted key for one desired state slice of a workspace.
func StoreKey(workspace, slice string) string {
	return fmt.Sprintf("%s:%s:%s", storePrefix, sanitize(strings.TrimSpace(workspace)), slice)
}

// QueryKey identifies a bbox query by its H3 footprint.
func QueryKey(collection string, res int, cells []string, limit int) string {
	h := xxhash.New()
	for _, c := range cells {
		_, _ = h.WriteString(c)
		_, _ = h.WriteString(",")
	}
	return fmt.Sprintf("query:%s:%d:%d:n=%d:f=%016x", sanitize(collection), res, limit, len(cells), h.Sum64())
}

func sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case unicode.IsSpace(r):
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// Any other rune (including non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
