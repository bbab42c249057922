package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/mapsync/internal/core/model"
	"github.com/mohammed-shakir/mapsync/internal/core/observability"
	"github.com/mohammed-shakir/mapsync/internal/state"
	"github.com/mohammed-shakir/mapsync/internal/surface"
)

// Query overlay ids. One source feeds a point and a line sub-layer.
const (
	OverlaySource = "query-overlay"
	OverlayPoints = "query-overlay-points"
	OverlayLines  = "query-overlay-lines"

	overlayColor = "#ff7a00"
)

var ErrUnknownAnnotation = errors.New("unknown annotation")

// Annotations owns user drawn shapes, their shadow layers and the bbox
// query overlay. All methods run on the session goroutine.
type Annotations struct {
	surf       surface.Surface
	ds         *state.DesiredState
	guard      *Guard
	saver      Saver
	log        *slog.Logger
	run        Defer
	query      BBoxQuerier
	collection string
	newID      func() string

	querySeq uint64
	offs     []func()
}

type AnnotationsOption func(*Annotations)

func WithAnnotationsSaver(s Saver) AnnotationsOption {
	return func(a *Annotations) { a.saver = s }
}

func WithAnnotationsDefer(d Defer) AnnotationsOption {
	return func(a *Annotations) { a.run = d }
}

// WithQuery enables the bounding box branch against collection.
func WithQuery(q BBoxQuerier, collection string) AnnotationsOption {
	return func(a *Annotations) { a.query, a.collection = q, collection }
}

func WithIDGenerator(f func() string) AnnotationsOption {
	return func(a *Annotations) { a.newID = f }
}

// NewAnnotations builds the controller and registers its draw event
// handlers once; Close removes them.
func NewAnnotations(surf surface.Surface, ds *state.DesiredState, log *slog.Logger, opts ...AnnotationsOption) *Annotations {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "annotations")
	a := &Annotations{
		surf:  surf,
		ds:    ds,
		guard: NewGuard(log),
		saver: nopSaver{},
		log:   log,
		run:   Inline,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(a)
	}
	ctx := context.Background()
	a.offs = []func(){
		surf.On(surface.EventDrawCreate, func(e surface.Event) { a.HandleDrawCreate(ctx, e.Features) }),
		surf.On(surface.EventDrawUpdate, func(e surface.Event) { a.handleDrawUpdate(ctx, e.Features) }),
		surf.On(surface.EventDrawDelete, func(e surface.Event) { a.handleDrawDelete(ctx, e.Features) }),
		surf.On(surface.EventDrawSelectionChange, func(e surface.Event) { a.handleSelectionChange(e.Features) }),
	}
	return a
}

func (a *Annotations) Close() {
	for _, off := range a.offs {
		off()
	}
	a.offs = nil
}

// SetMode validates a UI mode name, falling back to select, and arms the
// draw tool accordingly.
func (a *Annotations) SetMode(ctx context.Context, name string) model.DrawMode {
	m, ok := model.ParseDrawMode(name)
	if !ok {
		a.log.WarnContext(ctx, "unknown draw mode; falling back to select", "mode", name)
	}
	a.applyMode(ctx, m)
	return m
}

func (a *Annotations) applyMode(ctx context.Context, m model.DrawMode) {
	a.ds.SetMode(m)
	tool := surface.DrawSimpleSelect
	switch m {
	case model.ModePoint:
		tool = surface.DrawPoint
	case model.ModeLine:
		tool = surface.DrawLineString
	case model.ModePolygon, model.ModeBBoxQuery:
		tool = surface.DrawPolygon
	}
	if err := a.surf.Draw().ChangeMode(tool); err != nil {
		a.log.WarnContext(ctx, "draw tool rejected mode", "mode", tool, "err", err)
	}
}

// HandleDrawCreate reacts to completed shapes. In bbox query mode the first
// polygon becomes a query and nothing else runs.
func (a *Annotations) HandleDrawCreate(ctx context.Context, feats []*geojson.Feature) {
	if a.ds.Mode() == model.ModeBBoxQuery {
		for _, f := range feats {
			if poly, ok := f.Geometry.(orb.Polygon); ok {
				a.bboxQuery(ctx, f, poly.Bound())
				return
			}
		}
	}
	for _, f := range feats {
		if _, err := a.create(ctx, f); err != nil {
			a.log.WarnContext(ctx, "annotation not created", "err", err)
		}
	}
	a.saver.SaveAnnotations(a.ds.Annotations())
}

func (a *Annotations) create(ctx context.Context, f *geojson.Feature) (model.Annotation, error) {
	if f == nil || f.Geometry == nil {
		return model.Annotation{}, errors.New("feature without geometry")
	}
	kind := model.KindOf(f.Geometry)
	if kind == model.KindUnknown {
		return model.Annotation{}, fmt.Errorf("unsupported geometry %s", f.Geometry.GeoJSONType())
	}
	id, _ := f.ID.(string)
	if id == "" {
		id = a.newID()
		f.ID = id
		a.surf.Draw().Add(f)
	}
	ann := model.Annotation{ID: id, Kind: kind, Style: model.DefaultAnnotationStyle(kind), Geometry: f.Geometry}
	a.ds.PutAnnotation(ann)
	if err := a.render(ctx, ann); err != nil {
		return ann, err
	}
	a.log.DebugContext(ctx, "annotation created", "id", id, "kind", kind.String())
	return ann, nil
}

func (a *Annotations) bboxQuery(ctx context.Context, drawn *geojson.Feature, b orb.Bound) {
	if id, ok := drawn.ID.(string); ok && id != "" {
		a.surf.Draw().Delete(id)
	}
	a.applyMode(ctx, model.ModeSelect)
	if a.query == nil {
		a.log.WarnContext(ctx, "bbox query requested but no query endpoint is configured")
		return
	}

	seq := a.BeginQuery()
	var (
		fc  *geojson.FeatureCollection
		err error
	)
	a.run(
		func() { fc, err = a.query.Query(ctx, a.collection, b) },
		func() {
			if aerr := a.ApplyQueryResult(ctx, seq, fc, err); aerr != nil && !errors.Is(aerr, ErrStale) {
				a.log.WarnContext(ctx, "query overlay render failed", "err", aerr)
			}
		},
	)
}

// BeginQuery supersedes any query in flight and returns the new sequence.
func (a *Annotations) BeginQuery() uint64 {
	a.querySeq++
	return a.querySeq
}

// ApplyQueryResult renders the result of query seq unless a newer query or
// a clear happened since. A failed or empty query leaves no overlay.
func (a *Annotations) ApplyQueryResult(ctx context.Context, seq uint64, fc *geojson.FeatureCollection, qerr error) error {
	if seq != a.querySeq {
		observability.IncStale("bbox_query")
		return ErrStale
	}
	if qerr != nil {
		a.log.WarnContext(ctx, "bbox query failed; no overlay", "err", qerr)
		fc = nil
	}
	a.ds.SetOverlay(fc)
	return a.RenderOverlay(ctx)
}

// ClearOverlay drops the overlay and any query in flight.
func (a *Annotations) ClearOverlay(ctx context.Context) {
	a.querySeq++
	a.ds.SetOverlay(nil)
	a.removeOverlay(ctx)
}

// RenderOverlay replaces the overlay layers with the desired overlay.
func (a *Annotations) RenderOverlay(ctx context.Context) error {
	a.removeOverlay(ctx)
	fc := a.ds.Overlay()
	if fc == nil {
		return nil
	}
	err := a.guard.Mutate(ctx, surface.OpAddSource, OverlaySource,
		func() error {
			return a.surf.AddSource(OverlaySource, surface.SourceSpec{Type: "geojson", Data: fc})
		},
		func() { a.removeOverlay(ctx) },
	)
	if err != nil {
		return fmt.Errorf("query overlay: %w", err)
	}
	layers := []surface.LayerSpec{
		{
			ID: OverlayLines, Type: "line", Source: OverlaySource,
			Filter: []any{"in", "$type", "LineString", "Polygon"},
			Paint:  map[string]any{"line-color": overlayColor, "line-width": 2.0, "line-opacity": 0.9},
		},
		{
			ID: OverlayPoints, Type: "circle", Source: OverlaySource,
			Filter: []any{"==", "$type", "Point"},
			Paint:  map[string]any{"circle-color": overlayColor, "circle-radius": 5.0, "circle-opacity": 0.9},
		},
	}
	for _, spec := range layers {
		err := a.guard.Mutate(ctx, surface.OpAddLayer, spec.ID,
			func() error { return a.surf.AddLayer(spec, "") },
			func() { a.guard.Try(ctx, surface.OpRemoveLayer, spec.ID, func() error { return a.surf.RemoveLayer(spec.ID) }) },
		)
		if err != nil {
			return fmt.Errorf("query overlay: %w", err)
		}
	}
	return nil
}

func (a *Annotations) removeOverlay(ctx context.Context) {
	for _, id := range []string{OverlayPoints, OverlayLines} {
		if _, ok := a.surf.GetLayer(id); ok {
			a.guard.Try(ctx, surface.OpRemoveLayer, id, func() error { return a.surf.RemoveLayer(id) })
		}
	}
	if _, ok := a.surf.GetSource(OverlaySource); ok {
		a.guard.Try(ctx, surface.OpRemoveSource, OverlaySource, func() error { return a.surf.RemoveSource(OverlaySource) })
	}
}

// overlayAnchor is the bottom-most overlay layer, or "" without overlay.
func (a *Annotations) overlayAnchor() string {
	for _, l := range a.surf.StyleLayers() {
		if l.ID == OverlayPoints || l.ID == OverlayLines {
			return l.ID
		}
	}
	return ""
}

// render creates the source and shadow layer of ann, directly below the
// query overlay when one exists.
func (a *Annotations) render(ctx context.Context, ann model.Annotation) error {
	fc := geojson.NewFeatureCollection().Append(ann.Feature())
	err := a.guard.Mutate(ctx, surface.OpAddSource, ann.ID,
		func() error { return a.surf.AddSource(ann.ID, surface.SourceSpec{Type: "geojson", Data: fc}) },
		func() { a.unrender(ctx, ann.ID) },
	)
	if err != nil {
		return fmt.Errorf("annotation %q: %w", ann.ID, err)
	}
	spec := surface.LayerSpec{
		ID:     ann.ID,
		Type:   layerType(ann.Kind),
		Source: ann.ID,
		Paint:  paintFor(ann.Kind, ann.Style, model.DefaultAnnotationStyle(ann.Kind)),
	}
	err = a.guard.Mutate(ctx, surface.OpAddLayer, ann.ID,
		func() error { return a.surf.AddLayer(spec, a.overlayAnchor()) },
		func() { a.guard.Try(ctx, surface.OpRemoveLayer, ann.ID, func() error { return a.surf.RemoveLayer(ann.ID) }) },
	)
	if err != nil {
		return fmt.Errorf("annotation %q: %w", ann.ID, err)
	}
	return nil
}

func (a *Annotations) unrender(ctx context.Context, id string) {
	if _, ok := a.surf.GetLayer(id); ok {
		a.guard.Try(ctx, surface.OpRemoveLayer, id, func() error { return a.surf.RemoveLayer(id) })
	}
	if _, ok := a.surf.GetSource(id); ok {
		a.guard.Try(ctx, surface.OpRemoveSource, id, func() error { return a.surf.RemoveSource(id) })
	}
}

// UpdateStyle records, persists and re-renders the annotation with s. The
// shadow layer is replaced rather than mutated.
func (a *Annotations) UpdateStyle(ctx context.Context, id string, s model.Style) error {
	ann, ok := a.ds.Annotation(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAnnotation, id)
	}
	ann.Style = s
	a.ds.PutAnnotation(ann)
	a.saver.SaveAnnotations(a.ds.Annotations())
	a.unrender(ctx, id)
	return a.render(ctx, ann)
}

// handleDrawUpdate is the single edit sync handler for every annotation.
func (a *Annotations) handleDrawUpdate(ctx context.Context, feats []*geojson.Feature) {
	changed := false
	for _, f := range feats {
		id, _ := f.ID.(string)
		if !a.ds.SetAnnotationGeometry(id, f.Geometry) {
			continue
		}
		changed = true
		ann, _ := a.ds.Annotation(id)
		fc := geojson.NewFeatureCollection().Append(ann.Feature())
		err := a.guard.Mutate(ctx, surface.OpSetSourceData, id,
			func() error { return a.surf.SetSourceData(id, fc) },
			func() {
				a.unrender(ctx, id)
				if err := a.render(ctx, ann); err != nil {
					a.log.WarnContext(ctx, "annotation re-render failed", "id", id, "err", err)
				}
			},
		)
		if err != nil {
			a.log.WarnContext(ctx, "annotation edit not synced", "id", id, "err", err)
		}
	}
	if changed {
		a.saver.SaveAnnotations(a.ds.Annotations())
	}
}

// handleDrawDelete follows deletions made through the draw tool itself.
func (a *Annotations) handleDrawDelete(ctx context.Context, feats []*geojson.Feature) {
	ids := make([]string, 0, len(feats))
	for _, f := range feats {
		if id, _ := f.ID.(string); id != "" {
			ids = append(ids, id)
		}
	}
	a.remove(ctx, ids)
}

func (a *Annotations) handleSelectionChange(feats []*geojson.Feature) {
	var ids []string
	for _, f := range feats {
		if id, _ := f.ID.(string); id != "" {
			if _, ok := a.ds.Annotation(id); ok {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) > 0 {
		a.ds.SetSelection(model.Selection{Kind: model.SelectAnnotation, IDs: ids})
		return
	}
	if a.ds.Selection().Kind == model.SelectAnnotation {
		a.ds.SetSelection(model.Selection{})
	}
}

// DeleteSelected deletes the selected annotations from the draw tool, the
// surface and the persisted list.
func (a *Annotations) DeleteSelected(ctx context.Context) int {
	ids := a.surf.Draw().Selected()
	if sel := a.ds.Selection(); sel.Kind == model.SelectAnnotation {
		for _, id := range sel.IDs {
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	a.surf.Draw().Delete(ids...)
	n := a.remove(ctx, ids)
	if a.ds.Selection().Kind == model.SelectAnnotation {
		a.ds.SetSelection(model.Selection{})
	}
	return n
}

func (a *Annotations) remove(ctx context.Context, ids []string) int {
	n := 0
	for _, id := range ids {
		if !a.ds.RemoveAnnotation(id) {
			continue
		}
		a.unrender(ctx, id)
		n++
	}
	if n > 0 {
		a.saver.SaveAnnotations(a.ds.Annotations())
	}
	return n
}

// RenderAll re-creates every desired annotation, e.g. after a style swap.
// Failures are per annotation.
func (a *Annotations) RenderAll(ctx context.Context) []error {
	var errs []error
	for _, ann := range a.ds.Annotations() {
		if _, ok := a.surf.Draw().Get(ann.ID); !ok {
			a.surf.Draw().Add(ann.Feature())
		}
		a.unrender(ctx, ann.ID)
		if err := a.render(ctx, ann); err != nil {
			observability.IncReplayFailure("annotation")
			a.log.WarnContext(ctx, "annotation replay failed", "id", ann.ID, "err", err)
			errs = append(errs, err)
		}
	}
	return errs
}

// Teardown removes all annotation layers, draw features and the overlay
// from the surface without touching desired state.
func (a *Annotations) Teardown(ctx context.Context) {
	var ids []string
	for _, ann := range a.ds.Annotations() {
		a.unrender(ctx, ann.ID)
		ids = append(ids, ann.ID)
	}
	a.surf.Draw().Delete(ids...)
	a.querySeq++
	a.removeOverlay(ctx)
}

// IsAnnotationLayer reports whether id is the shadow layer of an annotation.
func (a *Annotations) IsAnnotationLayer(id string) bool {
	_, ok := a.ds.Annotation(id)
	return ok
}
