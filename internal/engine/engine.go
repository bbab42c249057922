package engine

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/mapsync/internal/core/model"
	"github.com/mohammed-shakir/mapsync/internal/surface"
)

// KindResolver discovers the geometry kind of a logical layer. It must be
// safe to call off the session goroutine.
type KindResolver interface {
	Resolve(ctx context.Context, l model.LogicalLayer) (model.GeometryKind, error)
}

// BBoxQuerier runs the external bounding box feature query.
type BBoxQuerier interface {
	Query(ctx context.Context, collection string, b orb.Bound) (*geojson.FeatureCollection, error)
}

type StyleFetcher interface {
	Fetch(ctx context.Context, id string) (surface.StyleDoc, error)
}

// Saver receives fire-and-forget writes of desired state slices.
type Saver interface {
	SaveLayers(names []string)
	SaveLayerStyles(styles map[string]model.Style)
	SaveAnnotations(anns []model.Annotation)
	SaveBaseStyle(id string)
	SaveCamera(c model.Camera)
	SaveExtrusion(on bool)
}

// Defer runs fetch away from the session goroutine and apply back on it.
type Defer func(fetch, apply func())

// Inline runs both halves synchronously on the caller.
func Inline(fetch, apply func()) {
	fetch()
	apply()
}

type nopSaver struct{}

func (nopSaver) SaveLayers([]string)                  {}
func (nopSaver) SaveLayerStyles(map[string]model.Style) {}
func (nopSaver) SaveAnnotations([]model.Annotation)   {}
func (nopSaver) SaveBaseStyle(string)                 {}
func (nopSaver) SaveCamera(model.Camera)              {}
func (nopSaver) SaveExtrusion(bool)                   {}
