package engine

import (
	"net/url"
	"strings"

	"github.com/mohammed-shakir/mapsync/internal/core/model"
)

// TemplateCatalog resolves any plausible layer name against a vector tile
// template containing {layer}. Names with path separators or control
// characters are rejected.
func TemplateCatalog(template string) func(name string) (model.LogicalLayer, bool) {
	return func(name string) (model.LogicalLayer, bool) {
		name = strings.TrimSpace(name)
		if name == "" || strings.ContainsAny(name, "/\\?#") || strings.IndexFunc(name, func(r rune) bool { return r < 0x20 }) >= 0 {
			return model.LogicalLayer{}, false
		}
		return model.LogicalLayer{
			Name:      name,
			SourceURL: strings.ReplaceAll(template, "{layer}", url.PathEscape(name)),
		}, true
	}
}
