// Package model defines core domain types shared across the service.
package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

type GeometryKind int

const (
	KindUnknown GeometryKind = iota
	KindPoint
	KindLine
	KindPolygon
)

func (k GeometryKind) String() string {
	switch k {
	case KindPoint:
		return "point"
	case KindLine:
		return "line"
	case KindPolygon:
		return "polygon"
	default:
		return "unknown"
	}
}

// ParseGeometryKind maps a metadata/GeoJSON type name to a kind. Anything
// unrecognised is KindUnknown.
func ParseGeometryKind(s string) GeometryKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "point", "multipoint":
		return KindPoint
	case "line", "linestring", "multilinestring":
		return KindLine
	case "polygon", "multipolygon":
		return KindPolygon
	default:
		return KindUnknown
	}
}

func (k GeometryKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *GeometryKind) UnmarshalText(b []byte) error {
	*k = ParseGeometryKind(string(b))
	return nil
}

// KindOf returns the kind of an orb geometry.
func KindOf(g orb.Geometry) GeometryKind {
	switch g.(type) {
	case orb.Point, orb.MultiPoint:
		return KindPoint
	case orb.LineString, orb.MultiLineString:
		return KindLine
	case orb.Polygon, orb.MultiPolygon, orb.Ring, orb.Bound:
		return KindPolygon
	default:
		return KindUnknown
	}
}

type DrawMode int

const (
	ModeIdle DrawMode = iota
	ModePoint
	ModeLine
	ModePolygon
	ModeBBoxQuery
	ModeSelect
)

var drawModeNames = map[DrawMode]string{
	ModeIdle:      "idle",
	ModePoint:     "point",
	ModeLine:      "line",
	ModePolygon:   "polygon",
	ModeBBoxQuery: "bbox_query",
	ModeSelect:    "select",
}

func (m DrawMode) String() string {
	if s, ok := drawModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseDrawMode validates a UI supplied mode name. The boolean is false for
// unknown names; callers fall back to ModeSelect.
func ParseDrawMode(s string) (DrawMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "idle", "none":
		return ModeIdle, true
	case "point", "draw_point":
		return ModePoint, true
	case "line", "linestring", "draw_line_string":
		return ModeLine, true
	case "polygon", "draw_polygon":
		return ModePolygon, true
	case "bbox", "bbox_query", "bounding_box_query":
		return ModeBBoxQuery, true
	case "select", "simple_select", "direct_select":
		return ModeSelect, true
	default:
		return ModeSelect, false
	}
}

// Style carries color/opacity plus the kind specific fields. Width is used
// by lines, Radius by points; polygons use only color and opacity.
type Style struct {
	Color   string  `json:"color"`
	Opacity float64 `json:"opacity"`
	Width   float64 `json:"width,omitempty"`
	Radius  float64 `json:"radius,omitempty"`
}

const (
	defaultLayerColor      = "#0080ff"
	defaultAnnotationColor = "#3880ff"
)

// DefaultLayerStyle is applied to a logical layer that has no saved style.
func DefaultLayerStyle() Style {
	return Style{Color: defaultLayerColor, Opacity: 0.5, Width: 2, Radius: 4}
}

// DefaultAnnotationStyle infers the starting style for a freshly drawn shape.
func DefaultAnnotationStyle(k GeometryKind) Style {
	switch k {
	case KindPoint:
		return Style{Color: defaultAnnotationColor, Opacity: 0.8, Radius: 5}
	case KindLine:
		return Style{Color: defaultAnnotationColor, Opacity: 0.8, Width: 3}
	default:
		return Style{Color: defaultAnnotationColor, Opacity: 0.5}
	}
}

// LogicalLayer is a named server side dataset exposed as vector tiles.
type LogicalLayer struct {
	Name        string       `json:"name"`
	SourceURL   string       `json:"sourceUrl"`
	SourceLayer string       `json:"sourceLayer,omitempty"`
	KindURL     string       `json:"kindUrl,omitempty"`
	Kind        GeometryKind `json:"geometryKind"`
}

// TileLayer is the layer name inside the vector tiles.
func (l LogicalLayer) TileLayer() string {
	if l.SourceLayer != "" {
		return l.SourceLayer
	}
	return l.Name
}

// Annotation is a user drawn feature.
type Annotation struct {
	ID       string
	Kind     GeometryKind
	Style    Style
	Geometry orb.Geometry
}

type annotationJSON struct {
	ID       string            `json:"id"`
	Kind     GeometryKind      `json:"kind"`
	Style    Style             `json:"style"`
	Geometry *geojson.Geometry `json:"geometry"`
}

func (a Annotation) MarshalJSON() ([]byte, error) {
	out := annotationJSON{ID: a.ID, Kind: a.Kind, Style: a.Style}
	if a.Geometry != nil {
		out.Geometry = geojson.NewGeometry(a.Geometry)
	}
	return json.Marshal(out)
}

func (a *Annotation) UnmarshalJSON(b []byte) error {
	var in annotationJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return fmt.Errorf("decode annotation: %w", err)
	}
	if strings.TrimSpace(in.ID) == "" {
		return fmt.Errorf("annotation id is required")
	}
	if in.Geometry == nil || in.Geometry.Geometry() == nil {
		return fmt.Errorf("annotation %q has no geometry", in.ID)
	}
	*a = Annotation{ID: in.ID, Kind: in.Kind, Style: in.Style, Geometry: in.Geometry.Geometry()}
	if a.Kind == KindUnknown {
		a.Kind = KindOf(a.Geometry)
	}
	return nil
}

// Feature renders the annotation as a GeoJSON feature carrying its id.
func (a Annotation) Feature() *geojson.Feature {
	f := geojson.NewFeature(a.Geometry)
	f.ID = a.ID
	f.Properties["id"] = a.ID
	return f
}

// Camera is the persisted view state.
type Camera struct {
	Center  orb.Point `json:"center"`
	Zoom    float64   `json:"zoom"`
	Bearing float64   `json:"bearing,omitempty"`
	Pitch   float64   `json:"pitch,omitempty"`
}

func DefaultCamera() Camera {
	return Camera{Center: orb.Point{0, 0}, Zoom: 2}
}

type SelectionKind int

const (
	SelectNone SelectionKind = iota
	SelectAnnotation
	SelectLayerFeature
	SelectQueryOverlay
)

func (k SelectionKind) String() string {
	switch k {
	case SelectAnnotation:
		return "annotation"
	case SelectLayerFeature:
		return "layer_feature"
	case SelectQueryOverlay:
		return "query_overlay"
	default:
		return "none"
	}
}

func (k SelectionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *SelectionKind) UnmarshalText(b []byte) error {
	for c := SelectNone; c <= SelectQueryOverlay; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown selection kind %q", b)
}

// Selection is what the delete key acts on. At most one kind is active.
// IDs holds annotation ids or the single logical layer name.
type Selection struct {
	Kind SelectionKind `json:"kind"`
	IDs  []string      `json:"ids,omitempty"`
}

// BBoxString formats a bound as west,south,east,north.
func BBoxString(b orb.Bound) string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.Min[0], b.Min[1], b.Max[0], b.Max[1])
}
