package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mohammed-shakir/mapsync/internal/core/model"
	"github.com/mohammed-shakir/mapsync/internal/core/observability"
	"github.com/mohammed-shakir/mapsync/internal/keys"
	"github.com/mohammed-shakir/mapsync/internal/state"
	"github.com/mohammed-shakir/mapsync/internal/surface"
)

const (
	tileMinZoom = 0
	tileMaxZoom = 22
)

// RenderedLayer is what the reconciler believes exists on the surface for
// a logical layer.
type RenderedLayer struct {
	Name     string             `json:"name"`
	LayerID  string             `json:"layerId"`
	SourceID string             `json:"sourceId"`
	Kind     model.GeometryKind `json:"geometryKind"`
}

// Reconciler owns the mapping from logical layers to surface sources and
// layers. Everything except ResolveKind must run on the session goroutine.
type Reconciler struct {
	surf    surface.Surface
	ds      *state.DesiredState
	kinds   KindResolver
	guard   *Guard
	saver   Saver
	log     *slog.Logger
	run     Defer
	handles map[string]RenderedLayer
	known   map[string]model.GeometryKind // learned kinds, kept across deactivation
}

type ReconcilerOption func(*Reconciler)

func WithReconcilerSaver(s Saver) ReconcilerOption {
	return func(r *Reconciler) { r.saver = s }
}

func WithReconcilerDefer(d Defer) ReconcilerOption {
	return func(r *Reconciler) { r.run = d }
}

func NewReconciler(surf surface.Surface, ds *state.DesiredState, kinds KindResolver, log *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "reconciler")
	r := &Reconciler{
		surf:    surf,
		ds:      ds,
		kinds:   kinds,
		guard:   NewGuard(log),
		saver:   nopSaver{},
		log:     log,
		run:     Inline,
		handles: map[string]RenderedLayer{},
		known:   map[string]model.GeometryKind{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Activate makes l rendered and visible and returns its geometry kind.
func (r *Reconciler) Activate(ctx context.Context, l model.LogicalLayer) (model.GeometryKind, error) {
	var (
		kind model.GeometryKind
		err  error
	)
	r.ActivateAsync(ctx, l, func(k model.GeometryKind, e error) { kind, err = k, e })
	return kind, err
}

// ActivateAsync records l as desired and materializes it, resolving the
// geometry kind through the configured Defer. done runs on the session
// goroutine.
func (r *Reconciler) ActivateAsync(ctx context.Context, l model.LogicalLayer, done func(model.GeometryKind, error)) {
	r.ds.Activate(l)
	r.saver.SaveLayers(r.ds.ActiveLayers())

	if k, ok := r.reuse(ctx, l.Name); ok {
		done(k, nil)
		return
	}
	if k := r.cachedKind(l); k != model.KindUnknown {
		done(r.Materialize(ctx, l.Name, k))
		return
	}

	var kind model.GeometryKind
	r.run(
		func() { kind = r.ResolveKind(ctx, l) },
		func() { done(r.Materialize(ctx, l.Name, kind)) },
	)
}

// reuse is the fast path: a live handle whose layer still exists is made
// visible and moved to the top of the user layers.
func (r *Reconciler) reuse(ctx context.Context, name string) (model.GeometryKind, bool) {
	h, ok := r.handles[name]
	if !ok {
		return model.KindUnknown, false
	}
	if !r.present(h) {
		r.log.DebugContext(ctx, "discarding stale layer handle", "layer", name, "layer_id", h.LayerID)
		delete(r.handles, name)
		return model.KindUnknown, false
	}
	r.setVisible(ctx, h.LayerID, true)
	r.moveBelowLabels(ctx, h.LayerID)
	return h.Kind, true
}

func (r *Reconciler) present(h RenderedLayer) bool {
	if _, ok := r.surf.GetLayer(h.LayerID); !ok {
		return false
	}
	_, ok := r.surf.GetSource(h.SourceID)
	return ok
}

func (r *Reconciler) cachedKind(l model.LogicalLayer) model.GeometryKind {
	if desired, ok := r.ds.Layer(l.Name); ok && desired.Kind != model.KindUnknown {
		return desired.Kind
	}
	if l.Kind != model.KindUnknown {
		return l.Kind
	}
	return r.known[l.Name]
}

// ResolveKind returns the known kind of l or asks the metadata endpoint.
// Failures degrade to KindUnknown. Safe to call off the session goroutine.
func (r *Reconciler) ResolveKind(ctx context.Context, l model.LogicalLayer) model.GeometryKind {
	if l.Kind != model.KindUnknown || r.kinds == nil {
		return l.Kind
	}
	k, err := r.kinds.Resolve(ctx, l)
	if err != nil {
		r.log.WarnContext(ctx, "geometry kind lookup failed; rendering as points", "layer", l.Name, "err", err)
		return model.KindUnknown
	}
	return k
}

// Materialize creates the source and layer for name with the given kind.
// It returns ErrStale when name is no longer desired.
func (r *Reconciler) Materialize(ctx context.Context, name string, kind model.GeometryKind) (model.GeometryKind, error) {
	l, ok := r.ds.Layer(name)
	if !ok {
		observability.IncStale("activate")
		r.log.DebugContext(ctx, "layer deactivated before activation completed", "layer", name)
		return model.KindUnknown, ErrStale
	}
	if k, ok := r.reuse(ctx, name); ok {
		return k, nil
	}
	if kind != model.KindUnknown {
		r.ds.SetLayerKind(name, kind)
		r.known[name] = kind
	}

	srcID := keys.SourceID(l.SourceURL)
	if _, ok := r.surf.GetSource(srcID); !ok {
		spec := surface.SourceSpec{Type: "vector", Tiles: []string{l.SourceURL}, MinZoom: tileMinZoom, MaxZoom: tileMaxZoom}
		err := r.guard.Mutate(ctx, surface.OpAddSource, srcID,
			func() error { return r.surf.AddSource(srcID, spec) },
			func() { r.guard.Try(ctx, surface.OpRemoveSource, srcID, func() error { return r.surf.RemoveSource(srcID) }) },
		)
		if err != nil {
			return kind, fmt.Errorf("activate %q: %w", name, err)
		}
	}

	spec := r.layerSpec(l, kind)
	err := r.guard.Mutate(ctx, surface.OpAddLayer, spec.ID,
		func() error { return r.surf.AddLayer(spec, r.anchor()) },
		func() { r.guard.Try(ctx, surface.OpRemoveLayer, spec.ID, func() error { return r.surf.RemoveLayer(spec.ID) }) },
	)
	if err != nil {
		return kind, fmt.Errorf("activate %q: %w", name, err)
	}
	r.handles[name] = RenderedLayer{Name: name, LayerID: spec.ID, SourceID: srcID, Kind: kind}
	r.log.DebugContext(ctx, "layer materialized", "layer", name, "kind", kind.String())
	return kind, nil
}

func (r *Reconciler) layerSpec(l model.LogicalLayer, kind model.GeometryKind) surface.LayerSpec {
	return surface.LayerSpec{
		ID:          keys.LayerID(l.Name),
		Type:        layerType(kind),
		Source:      keys.SourceID(l.SourceURL),
		SourceLayer: l.TileLayer(),
		Layout:      map[string]any{"visibility": "visible"},
		Paint:       paintFor(kind, r.ds.LayerStyle(l.Name), model.DefaultLayerStyle()),
	}
}

// Deactivate hides and then removes the layer of name, and its source when
// no other active layer shares it. Removal failures leave the layer hidden.
func (r *Reconciler) Deactivate(ctx context.Context, name string) {
	l, wasActive := r.ds.Layer(name)
	if wasActive {
		r.ds.Deactivate(name)
		r.saver.SaveLayers(r.ds.ActiveLayers())
	}
	h, ok := r.handles[name]
	delete(r.handles, name)
	if !ok {
		h = RenderedLayer{Name: name, LayerID: keys.LayerID(name)}
		if wasActive {
			h.SourceID = keys.SourceID(l.SourceURL)
		}
	}

	if _, exists := r.surf.GetLayer(h.LayerID); exists {
		r.setVisible(ctx, h.LayerID, false)
		if !r.guard.Try(ctx, surface.OpRemoveLayer, h.LayerID, func() error { return r.surf.RemoveLayer(h.LayerID) }) {
			r.log.WarnContext(ctx, "layer left hidden after failed removal", "layer", name)
			return
		}
	}
	if h.SourceID == "" || r.sourceShared(h.SourceID) {
		return
	}
	if _, exists := r.surf.GetSource(h.SourceID); exists {
		r.guard.Try(ctx, surface.OpRemoveSource, h.SourceID, func() error { return r.surf.RemoveSource(h.SourceID) })
	}
}

func (r *Reconciler) sourceShared(srcID string) bool {
	for _, h := range r.handles {
		if h.SourceID == srcID {
			return true
		}
	}
	return false
}

func (r *Reconciler) setVisible(ctx context.Context, layerID string, on bool) {
	v := "none"
	if on {
		v = "visible"
	}
	r.guard.Try(ctx, surface.OpSetLayout, layerID, func() error {
		return r.surf.SetLayoutProperty(layerID, "visibility", v)
	})
}

// UpdateStyle records s for name and applies it when the layer exists.
func (r *Reconciler) UpdateStyle(ctx context.Context, name string, s model.Style) error {
	r.ds.SetLayerStyle(name, s)
	r.saver.SaveLayerStyles(r.ds.LayerStyles())

	h, ok := r.handles[name]
	if !ok || !r.present(h) {
		return nil
	}
	paint := paintFor(h.Kind, s, model.DefaultLayerStyle())
	for _, prop := range sortedKeys(paint) {
		err := r.guard.Mutate(ctx, surface.OpSetPaint, h.LayerID,
			func() error { return r.surf.SetPaintProperty(h.LayerID, prop, paint[prop]) },
			func() { r.rebuild(ctx, name) },
		)
		if err != nil {
			return fmt.Errorf("update style %q: %w", name, err)
		}
	}
	return nil
}

// rebuild replaces the layer of name in place with a fresh spec.
func (r *Reconciler) rebuild(ctx context.Context, name string) {
	h, ok := r.handles[name]
	l, active := r.ds.Layer(name)
	if !ok || !active {
		return
	}
	below := r.layerAbove(h.LayerID)
	r.guard.Try(ctx, surface.OpRemoveLayer, h.LayerID, func() error { return r.surf.RemoveLayer(h.LayerID) })
	spec := r.layerSpec(l, h.Kind)
	if err := r.surf.AddLayer(spec, below); err != nil {
		r.log.WarnContext(ctx, "layer rebuild failed", "layer", name, "err", err)
		delete(r.handles, name)
	}
}

// layerAbove returns the id of the layer directly above id, or "".
func (r *Reconciler) layerAbove(id string) string {
	ls := r.surf.StyleLayers()
	i := slices.IndexFunc(ls, func(l surface.LayerSpec) bool { return l.ID == id })
	if i < 0 || i+1 >= len(ls) {
		return ""
	}
	return ls[i+1].ID
}

// ReapplyAll re-activates every desired layer after the surface lost its
// state, then applies the recorded z-order. Layers with a known kind are
// created immediately; the rest are created when their kind arrives through
// the configured Defer. One failing layer does not stop the rest; the
// immediate failures are returned.
func (r *Reconciler) ReapplyAll(ctx context.Context) []error {
	for name, h := range r.handles {
		if !r.present(h) {
			delete(r.handles, name)
		}
	}
	var errs []error
	order := r.ds.ActiveLayers()
	var late []model.LogicalLayer
	for i := len(order) - 1; i >= 0; i-- {
		l, ok := r.ds.Layer(order[i])
		if !ok {
			continue
		}
		if _, ok := r.reuse(ctx, l.Name); ok {
			continue
		}
		kind := r.cachedKind(l)
		if kind == model.KindUnknown {
			late = append(late, l)
			continue
		}
		if _, err := r.Materialize(ctx, l.Name, kind); err != nil {
			r.replayFailed(ctx, l.Name, err)
			errs = append(errs, err)
		}
	}
	r.ApplyZOrder(ctx, order)
	for _, l := range late {
		r.materializeLate(ctx, l, nil)
	}
	return errs
}

// materializeLate resolves the kind of l off the session goroutine and
// creates the layer when the answer comes back, restacking the active
// layers afterwards.
func (r *Reconciler) materializeLate(ctx context.Context, l model.LogicalLayer, done func(error)) {
	var kind model.GeometryKind
	r.run(
		func() { kind = r.ResolveKind(ctx, l) },
		func() {
			_, err := r.Materialize(ctx, l.Name, kind)
			switch {
			case errors.Is(err, ErrStale):
			case err != nil:
				r.replayFailed(ctx, l.Name, err)
			default:
				r.ApplyZOrder(ctx, r.ds.ActiveLayers())
			}
			if done != nil {
				done(err)
			}
		},
	)
}

func (r *Reconciler) replayFailed(ctx context.Context, name string, err error) {
	observability.IncReplayFailure("layer")
	r.log.WarnContext(ctx, "layer replay failed", "layer", name, "err", err)
}

// ApplyZOrder stacks the layers of order (most recent first) directly below
// the anchor layer. Names without a layer on the surface are skipped.
func (r *Reconciler) ApplyZOrder(ctx context.Context, order []string) {
	r.ds.SetZOrder(order)
	r.saver.SaveLayers(r.ds.ActiveLayers())
	for i := len(order) - 1; i >= 0; i-- {
		id := keys.LayerID(order[i])
		if _, ok := r.surf.GetLayer(id); !ok {
			r.log.DebugContext(ctx, "z-order skips missing layer", "layer", order[i])
			continue
		}
		r.moveBelowLabels(ctx, id)
	}
}

func (r *Reconciler) moveBelowLabels(ctx context.Context, id string) {
	before := r.anchor()
	r.guard.Try(ctx, surface.OpMoveLayer, id, func() error { return r.surf.MoveLayer(id, before) })
}

// anchor is the layer user layers are stacked beneath: the 3D extrusion
// when present, otherwise the first label layer.
func (r *Reconciler) anchor() string {
	if _, ok := r.surf.GetLayer(ExtrusionLayer); ok {
		return ExtrusionLayer
	}
	return surface.FirstSymbolLayer(r.surf)
}

// Refresh recreates a live layer so its tiles are fetched again, e.g. after
// the server reports new data. The cached kind is forgotten first, also for
// layers that are not active.
func (r *Reconciler) Refresh(ctx context.Context, name string) error {
	var err error
	r.RefreshAsync(ctx, name, func(e error) { err = e })
	return err
}

// RefreshAsync is Refresh with the kind lookup going through the configured
// Defer. done runs on the session goroutine; a layer deactivated meanwhile
// completes with nil.
func (r *Reconciler) RefreshAsync(ctx context.Context, name string, done func(error)) {
	if f, ok := r.kinds.(interface{ Forget(string) }); ok {
		f.Forget(name)
	}
	delete(r.known, name)
	l, ok := r.ds.Layer(name)
	if !ok {
		done(nil)
		return
	}
	h, had := r.handles[name]
	delete(r.handles, name)
	if had {
		r.guard.Try(ctx, surface.OpRemoveLayer, h.LayerID, func() error { return r.surf.RemoveLayer(h.LayerID) })
		if !r.sourceShared(h.SourceID) {
			r.guard.Try(ctx, surface.OpRemoveSource, h.SourceID, func() error { return r.surf.RemoveSource(h.SourceID) })
		}
	}
	l.Kind = model.KindUnknown
	r.ds.SetLayerKind(name, model.KindUnknown)
	r.materializeLate(ctx, l, func(err error) {
		if errors.Is(err, ErrStale) {
			err = nil
		}
		done(err)
	})
}

// Teardown removes every rendered layer and source without touching
// desired state.
func (r *Reconciler) Teardown(ctx context.Context) {
	for name, h := range r.handles {
		r.guard.Try(ctx, surface.OpRemoveLayer, h.LayerID, func() error { return r.surf.RemoveLayer(h.LayerID) })
		delete(r.handles, name)
		if !r.sourceShared(h.SourceID) {
			r.guard.Try(ctx, surface.OpRemoveSource, h.SourceID, func() error { return r.surf.RemoveSource(h.SourceID) })
		}
	}
}

// Handles lists the rendered layers, most recently activated first.
func (r *Reconciler) Handles() []RenderedLayer {
	out := make([]RenderedLayer, 0, len(r.handles))
	for _, name := range r.ds.ActiveLayers() {
		if h, ok := r.handles[name]; ok {
			out = append(out, h)
		}
	}
	return out
}

// LayerName maps a surface layer id back to its logical layer.
func (r *Reconciler) LayerName(layerID string) (string, bool) {
	for name, h := range r.handles {
		if h.LayerID == layerID {
			return name, true
		}
	}
	return "", false
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
