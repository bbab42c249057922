// Package surface describes the capability set the engine needs from the
// external rendering library: sources, layers, paint/layout mutation,
// feature queries, full style replacement, events and the draw tool.
package surface

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/mapsync/internal/core/model"
)

var (
	ErrAlreadyExists   = errors.New("already exists")
	ErrNotFound        = errors.New("not found")
	ErrUnknownProperty = errors.New("unknown property")
	ErrSourceInUse     = errors.New("source in use")
	ErrUnknownMode     = errors.New("unknown draw mode")
)

// OpError records which surface call failed and on what id.
type OpError struct {
	Op  string
	ID  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("surface %s %q: %v", e.Op, e.ID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// IsTransient reports failures that one remove-and-retry is expected to fix.
func IsTransient(err error) bool {
	return errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnknownProperty)
}

// Operation names used in OpError and fault injection.
const (
	OpAddSource     = "addSource"
	OpRemoveSource  = "removeSource"
	OpSetSourceData = "setSourceData"
	OpAddLayer      = "addLayer"
	OpRemoveLayer   = "removeLayer"
	OpSetLayout     = "setLayoutProperty"
	OpSetPaint      = "setPaintProperty"
	OpMoveLayer     = "moveLayer"
	OpSetStyle      = "setStyle"
)

type SourceSpec struct {
	Type    string                     `json:"type"`
	Tiles   []string                   `json:"tiles,omitempty"`
	MinZoom int                        `json:"minzoom,omitempty"`
	MaxZoom int                        `json:"maxzoom,omitempty"`
	Data    *geojson.FeatureCollection `json:"data,omitempty"`
}

type LayerSpec struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Source      string         `json:"source,omitempty"`
	SourceLayer string         `json:"source-layer,omitempty"`
	Filter      []any          `json:"filter,omitempty"`
	Layout      map[string]any `json:"layout,omitempty"`
	Paint       map[string]any `json:"paint,omitempty"`
}

// Visible reports the layout visibility, defaulting to visible.
func (l LayerSpec) Visible() bool {
	if v, ok := l.Layout["visibility"]; ok {
		return v != "none"
	}
	return true
}

// StyleDoc is a base style document.
type StyleDoc struct {
	Version int                   `json:"version"`
	Name    string                `json:"name,omitempty"`
	Sources map[string]SourceSpec `json:"sources"`
	Layers  []LayerSpec           `json:"layers"`
}

type StyleOptions struct {
	Diff bool
}

type EventType string

const (
	EventLoad                EventType = "load"
	EventIdle                EventType = "idle"
	EventStyleLoad           EventType = "style.load"
	EventClick               EventType = "click"
	EventDrawCreate          EventType = "draw.create"
	EventDrawUpdate          EventType = "draw.update"
	EventDrawDelete          EventType = "draw.delete"
	EventDrawSelectionChange EventType = "draw.selectionchange"
)

type Event struct {
	Type     EventType
	Point    orb.Point
	Features []*geojson.Feature
	Action   string
}

type Handler func(Event)

// RenderedFeature is one hit from QueryRenderedFeatures.
type RenderedFeature struct {
	LayerID  string
	SourceID string
	Feature  *geojson.Feature
}

// Draw tool modes.
const (
	DrawSimpleSelect = "simple_select"
	DrawDirectSelect = "direct_select"
	DrawPoint        = "draw_point"
	DrawLineString   = "draw_line_string"
	DrawPolygon      = "draw_polygon"
)

// DrawTool is the primitive freehand drawing control. It renders its own
// features; the engine shadows them with styled layers.
type DrawTool interface {
	Mode() string
	ChangeMode(mode string) error
	Add(f *geojson.Feature)
	Get(id string) (*geojson.Feature, bool)
	Delete(ids ...string)
	Selected() []string
}

// Surface is the single mutable rendering resource. Implementations are
// not required to be safe for concurrent use; callers confine access to
// one goroutine.
type Surface interface {
	AddSource(id string, spec SourceSpec) error
	RemoveSource(id string) error
	GetSource(id string) (SourceSpec, bool)
	SetSourceData(id string, fc *geojson.FeatureCollection) error

	AddLayer(spec LayerSpec, beforeID string) error
	RemoveLayer(id string) error
	GetLayer(id string) (LayerSpec, bool)
	SetLayoutProperty(layerID, name string, value any) error
	SetPaintProperty(layerID, name string, value any) error
	MoveLayer(id, beforeID string) error

	QueryRenderedFeatures(pt orb.Point) []RenderedFeature
	StyleLayers() []LayerSpec
	SetStyle(doc StyleDoc, opts StyleOptions) error

	On(ev EventType, h Handler) (off func())
	Once(ev EventType, h Handler) (off func())

	Draw() DrawTool
	JumpTo(c model.Camera)
}

// FirstSymbolLayer returns the id of the lowest symbol (label) layer in the
// style, or "" when the style has none.
func FirstSymbolLayer(s Surface) string {
	for _, l := range s.StyleLayers() {
		if l.Type == "symbol" {
			return l.ID
		}
	}
	return ""
}
