// Package memory is a headless rendering surface. It keeps sources, the
// ordered layer list, the draw tool and camera in memory and emits the same
// events a browser map would, which makes it usable both as the service's
// default surface and as the fixture for engine tests.
package memory

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/mohammed-shakir/mapsync/internal/core/model"
	"github.com/mohammed-shakir/mapsync/internal/surface"
)

type Option func(*Surface)

// WithAutoSettle makes every style replacement emit idle right after
// style.load, as a map with instant tile loading would.
func WithAutoSettle() Option {
	return func(s *Surface) { s.autoSettle = true }
}

// WithHitTolerance sets the distance in degrees within which point and line
// features count as hit.
func WithHitTolerance(d float64) Option {
	return func(s *Surface) { s.hitTol = d }
}

type subscription struct {
	id   int
	h    surface.Handler
	once bool
}

type fault struct {
	op  string
	id  string
	err error
}

type Surface struct {
	mu sync.Mutex

	sources map[string]surface.SourceSpec
	layers  []surface.LayerSpec // bottom to top

	styleName string
	lastDiff  bool
	loaded    bool

	subs   map[surface.EventType][]subscription
	nextID int

	tiles  map[string]*geojson.FeatureCollection
	faults []fault
	calls  map[string]int

	draw   *Drawer
	camera model.Camera

	autoSettle bool
	hitTol     float64
}

var _ surface.Surface = (*Surface)(nil)

func New(opts ...Option) *Surface {
	s := &Surface{
		sources: map[string]surface.SourceSpec{},
		subs:    map[surface.EventType][]subscription{},
		tiles:   map[string]*geojson.FeatureCollection{},
		calls:   map[string]int{},
		camera:  model.DefaultCamera(),
		hitTol:  1e-3,
	}
	s.draw = &Drawer{s: s, mode: surface.DrawSimpleSelect, features: map[string]*geojson.Feature{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FailNext makes the next call of op on id (any id when empty) fail with err.
func (s *Surface) FailNext(op, id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, fault{op: op, id: id, err: err})
}

// Calls returns how many times op was invoked, failed calls included.
func (s *Surface) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// LoadTiles registers the features served by a vector tile template so
// that QueryRenderedFeatures can hit them.
func (s *Surface) LoadTiles(template string, fc *geojson.FeatureCollection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiles[template] = fc
}

// HandlerCount returns the number of live subscriptions for ev.
func (s *Surface) HandlerCount(ev surface.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[ev])
}

func (s *Surface) StyleName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.styleName
}

func (s *Surface) LastStyleDiff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDiff
}

func (s *Surface) Camera() model.Camera {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.camera
}

// check records the call and pops a matching injected fault. Caller holds mu.
func (s *Surface) check(op, id string) error {
	s.calls[op]++
	for i, f := range s.faults {
		if f.op == op && (f.id == "" || f.id == id) {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
			return &surface.OpError{Op: op, ID: id, Err: f.err}
		}
	}
	return nil
}

func opErr(op, id string, err error) error {
	return &surface.OpError{Op: op, ID: id, Err: err}
}

func (s *Surface) AddSource(id string, spec surface.SourceSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(surface.OpAddSource, id); err != nil {
		return err
	}
	if _, ok := s.sources[id]; ok {
		return opErr(surface.OpAddSource, id, surface.ErrAlreadyExists)
	}
	s.sources[id] = spec
	return nil
}

func (s *Surface) RemoveSource(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(surface.OpRemoveSource, id); err != nil {
		return err
	}
	if _, ok := s.sources[id]; !ok {
		return opErr(surface.OpRemoveSource, id, surface.ErrNotFound)
	}
	for _, l := range s.layers {
		if l.Source == id {
			return opErr(surface.OpRemoveSource, id, fmt.Errorf("%w by layer %q", surface.ErrSourceInUse, l.ID))
		}
	}
	delete(s.sources, id)
	return nil
}

func (s *Surface) GetSource(id string) (surface.SourceSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.sources[id]
	return spec, ok
}

func (s *Surface) SetSourceData(id string, fc *geojson.FeatureCollection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(surface.OpSetSourceData, id); err != nil {
		return err
	}
	spec, ok := s.sources[id]
	if !ok {
		return opErr(surface.OpSetSourceData, id, surface.ErrNotFound)
	}
	if spec.Type != "geojson" {
		return opErr(surface.OpSetSourceData, id, fmt.Errorf("source type %q has no data", spec.Type))
	}
	spec.Data = fc
	s.sources[id] = spec
	return nil
}

func (s *Surface) indexOf(id string) int {
	return slices.IndexFunc(s.layers, func(l surface.LayerSpec) bool { return l.ID == id })
}

func (s *Surface) AddLayer(spec surface.LayerSpec, beforeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(surface.OpAddLayer, spec.ID); err != nil {
		return err
	}
	if s.indexOf(spec.ID) >= 0 {
		return opErr(surface.OpAddLayer, spec.ID, surface.ErrAlreadyExists)
	}
	if spec.Type != "background" {
		if _, ok := s.sources[spec.Source]; !ok {
			return opErr(surface.OpAddLayer, spec.ID, fmt.Errorf("source %q: %w", spec.Source, surface.ErrNotFound))
		}
	}
	for name := range spec.Paint {
		if !paintAllowed(spec.Type, name) {
			return opErr(surface.OpAddLayer, spec.ID, fmt.Errorf("paint %q: %w", name, surface.ErrUnknownProperty))
		}
	}
	at := len(s.layers)
	if beforeID != "" {
		at = s.indexOf(beforeID)
		if at < 0 {
			return opErr(surface.OpAddLayer, spec.ID, fmt.Errorf("before layer %q: %w", beforeID, surface.ErrNotFound))
		}
	}
	s.layers = slices.Insert(s.layers, at, cloneLayer(spec))
	return nil
}

func (s *Surface) RemoveLayer(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(surface.OpRemoveLayer, id); err != nil {
		return err
	}
	i := s.indexOf(id)
	if i < 0 {
		return opErr(surface.OpRemoveLayer, id, surface.ErrNotFound)
	}
	s.layers = slices.Delete(s.layers, i, i+1)
	return nil
}

func (s *Surface) GetLayer(id string) (surface.LayerSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return surface.LayerSpec{}, false
	}
	return cloneLayer(s.layers[i]), true
}

func (s *Surface) SetLayoutProperty(layerID, name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(surface.OpSetLayout, layerID); err != nil {
		return err
	}
	i := s.indexOf(layerID)
	if i < 0 {
		return opErr(surface.OpSetLayout, layerID, surface.ErrNotFound)
	}
	if !layoutAllowed(s.layers[i].Type, name) {
		return opErr(surface.OpSetLayout, layerID, fmt.Errorf("layout %q: %w", name, surface.ErrUnknownProperty))
	}
	if s.layers[i].Layout == nil {
		s.layers[i].Layout = map[string]any{}
	}
	s.layers[i].Layout[name] = value
	return nil
}

func (s *Surface) SetPaintProperty(layerID, name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(surface.OpSetPaint, layerID); err != nil {
		return err
	}
	i := s.indexOf(layerID)
	if i < 0 {
		return opErr(surface.OpSetPaint, layerID, surface.ErrNotFound)
	}
	if !paintAllowed(s.layers[i].Type, name) {
		return opErr(surface.OpSetPaint, layerID, fmt.Errorf("paint %q: %w", name, surface.ErrUnknownProperty))
	}
	if s.layers[i].Paint == nil {
		s.layers[i].Paint = map[string]any{}
	}
	s.layers[i].Paint[name] = value
	return nil
}

func (s *Surface) MoveLayer(id, beforeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(surface.OpMoveLayer, id); err != nil {
		return err
	}
	i := s.indexOf(id)
	if i < 0 {
		return opErr(surface.OpMoveLayer, id, surface.ErrNotFound)
	}
	if beforeID != "" && s.indexOf(beforeID) < 0 {
		return opErr(surface.OpMoveLayer, id, fmt.Errorf("before layer %q: %w", beforeID, surface.ErrNotFound))
	}
	l := s.layers[i]
	s.layers = slices.Delete(s.layers, i, i+1)
	at := len(s.layers)
	if beforeID != "" {
		at = s.indexOf(beforeID)
	}
	s.layers = slices.Insert(s.layers, at, l)
	return nil
}

func (s *Surface) StyleLayers() []surface.LayerSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]surface.LayerSpec, len(s.layers))
	for i, l := range s.layers {
		out[i] = cloneLayer(l)
	}
	return out
}

// SetStyle discards every source and layer, installs the document and
// fires style.load. idle follows on Settle, or immediately with auto settle.
func (s *Surface) SetStyle(doc surface.StyleDoc, opts surface.StyleOptions) error {
	s.mu.Lock()
	if err := s.check(surface.OpSetStyle, doc.Name); err != nil {
		s.mu.Unlock()
		return err
	}
	s.sources = make(map[string]surface.SourceSpec, len(doc.Sources))
	for id, src := range doc.Sources {
		s.sources[id] = src
	}
	s.layers = make([]surface.LayerSpec, 0, len(doc.Layers))
	for _, l := range doc.Layers {
		s.layers = append(s.layers, cloneLayer(l))
	}
	s.styleName = doc.Name
	s.lastDiff = opts.Diff
	first := !s.loaded
	s.loaded = true
	auto := s.autoSettle
	s.mu.Unlock()

	s.emit(surface.Event{Type: surface.EventStyleLoad})
	if first {
		s.emit(surface.Event{Type: surface.EventLoad})
	}
	if auto {
		s.Settle()
	}
	return nil
}

// Settle emits idle, signalling that the surface accepts new layers.
func (s *Surface) Settle() {
	s.emit(surface.Event{Type: surface.EventIdle})
}

// Click emits a click at pt.
func (s *Surface) Click(pt orb.Point) {
	s.emit(surface.Event{Type: surface.EventClick, Point: pt})
}

func (s *Surface) On(ev surface.EventType, h surface.Handler) func() {
	return s.subscribe(ev, h, false)
}

func (s *Surface) Once(ev surface.EventType, h surface.Handler) func() {
	return s.subscribe(ev, h, true)
}

func (s *Surface) subscribe(ev surface.EventType, h surface.Handler, once bool) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[ev] = append(s.subs[ev], subscription{id: id, h: h, once: once})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subs[ev] = slices.DeleteFunc(s.subs[ev], func(sub subscription) bool { return sub.id == id })
	}
}

// emit runs handlers without holding mu so they may call back into the surface.
func (s *Surface) emit(e surface.Event) {
	s.mu.Lock()
	subs := slices.Clone(s.subs[e.Type])
	s.subs[e.Type] = slices.DeleteFunc(s.subs[e.Type], func(sub subscription) bool { return sub.once })
	s.mu.Unlock()
	for _, sub := range subs {
		sub.h(e)
	}
}

func (s *Surface) Draw() surface.DrawTool { return s.draw }

// Drawer exposes the concrete draw tool for simulating user input.
func (s *Surface) Drawer() *Drawer { return s.draw }

func (s *Surface) JumpTo(c model.Camera) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.camera = c
}

// QueryRenderedFeatures returns hits at pt, top-most layer first. Hidden
// layers and layers without data are skipped.
func (s *Surface) QueryRenderedFeatures(pt orb.Point) []surface.RenderedFeature {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []surface.RenderedFeature
	for i := len(s.layers) - 1; i >= 0; i-- {
		l := s.layers[i]
		if !l.Visible() {
			continue
		}
		for _, f := range s.layerFeatures(l) {
			if !matchFilter(l.Filter, f) || !drawsGeometry(l.Type, f.Geometry) {
				continue
			}
			if s.hit(f.Geometry, pt) {
				out = append(out, surface.RenderedFeature{LayerID: l.ID, SourceID: l.Source, Feature: f})
			}
		}
	}
	return out
}

func (s *Surface) layerFeatures(l surface.LayerSpec) []*geojson.Feature {
	src, ok := s.sources[l.Source]
	if !ok {
		return nil
	}
	switch src.Type {
	case "geojson":
		if src.Data == nil {
			return nil
		}
		return src.Data.Features
	case "vector":
		var out []*geojson.Feature
		for _, t := range src.Tiles {
			if fc, ok := s.tiles[t]; ok {
				out = append(out, fc.Features...)
			}
		}
		return out
	default:
		return nil
	}
}

func (s *Surface) hit(g orb.Geometry, pt orb.Point) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(geom, pt)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(geom, pt)
	case nil:
		return false
	default:
		return g.Bound().Pad(s.hitTol).Contains(pt)
	}
}

// drawsGeometry mirrors how each layer type renders geometry types.
func drawsGeometry(layerType string, g orb.Geometry) bool {
	k := model.KindOf(g)
	switch layerType {
	case "circle", "symbol":
		return k == model.KindPoint
	case "line":
		return k == model.KindLine || k == model.KindPolygon
	case "fill", "fill-extrusion":
		return k == model.KindPolygon
	default:
		return false
	}
}

// matchFilter supports the legacy ["==", "$type", T] and
// ["in", "$type", T...] forms; any other filter matches everything.
func matchFilter(filter []any, f *geojson.Feature) bool {
	if len(filter) < 3 || filter[1] != "$type" {
		return true
	}
	t := typeName(f.Geometry)
	switch filter[0] {
	case "==":
		return filter[2] == t
	case "in":
		for _, v := range filter[2:] {
			if v == t {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func typeName(g orb.Geometry) string {
	switch model.KindOf(g) {
	case model.KindPoint:
		return "Point"
	case model.KindLine:
		return "LineString"
	case model.KindPolygon:
		return "Polygon"
	default:
		return ""
	}
}

var paintPrefixes = map[string][]string{
	"circle":         {"circle-"},
	"line":           {"line-"},
	"fill":           {"fill-"},
	"fill-extrusion": {"fill-extrusion-"},
	"symbol":         {"text-", "icon-"},
	"background":     {"background-"},
	"raster":         {"raster-"},
}

func paintAllowed(layerType, name string) bool {
	if layerType == "fill" && strings.HasPrefix(name, "fill-extrusion-") {
		return false
	}
	for _, p := range paintPrefixes[layerType] {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func layoutAllowed(layerType, name string) bool {
	if name == "visibility" {
		return true
	}
	switch layerType {
	case "symbol":
		return strings.HasPrefix(name, "text-") || strings.HasPrefix(name, "icon-") || strings.HasPrefix(name, "symbol-")
	case "line":
		return strings.HasPrefix(name, "line-")
	default:
		return false
	}
}

func cloneLayer(l surface.LayerSpec) surface.LayerSpec {
	out := l
	if l.Layout != nil {
		out.Layout = make(map[string]any, len(l.Layout))
		for k, v := range l.Layout {
			out.Layout[k] = v
		}
	}
	if l.Paint != nil {
		out.Paint = make(map[string]any, len(l.Paint))
		for k, v := range l.Paint {
			out.Paint[k] = v
		}
	}
	if l.Filter != nil {
		out.Filter = slices.Clone(l.Filter)
	}
	return out
}
