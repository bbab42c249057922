package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/mapsync/internal/core/model"
	"github.com/mohammed-shakir/mapsync/internal/state"
	"github.com/mohammed-shakir/mapsync/internal/surface"
	"github.com/mohammed-shakir/mapsync/internal/surface/memory"
)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeKinds struct {
	mu    sync.Mutex
	kinds map[string]model.GeometryKind
	calls map[string]int
	err   error
}

func newFakeKinds(kv map[string]model.GeometryKind) *fakeKinds {
	return &fakeKinds{kinds: kv, calls: map[string]int{}}
}

func (f *fakeKinds) Resolve(_ context.Context, l model.LogicalLayer) (model.GeometryKind, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[l.Name]++
	if f.err != nil {
		return model.KindUnknown, f.err
	}
	return f.kinds[l.Name], nil
}

func (f *fakeKinds) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

type fakeStyles struct {
	mu   sync.Mutex
	docs map[string]surface.StyleDoc
}

func (f *fakeStyles) Fetch(_ context.Context, id string) (surface.StyleDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return surface.StyleDoc{}, errors.New("style endpoint returned 502")
	}
	return doc, nil
}

type fakeQuery struct {
	mu    sync.Mutex
	fc    *geojson.FeatureCollection
	err   error
	calls int
}

func (f *fakeQuery) Query(context.Context, string, orb.Bound) (*geojson.FeatureCollection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.fc, f.err
}

func (f *fakeQuery) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// manualDefer queues async work until the test releases it.
type manualDefer struct {
	queue []func()
}

func (m *manualDefer) Defer(fetch, apply func()) {
	m.queue = append(m.queue, func() { fetch(); apply() })
}

func (m *manualDefer) runAll() {
	q := m.queue
	m.queue = nil
	for _, f := range q {
		f()
	}
}

func styleDoc(name string) surface.StyleDoc {
	return surface.StyleDoc{
		Version: 8,
		Name:    name,
		Sources: map[string]surface.SourceSpec{"base": {Type: "vector", Tiles: []string{"base/{z}/{x}/{y}"}}},
		Layers: []surface.LayerSpec{
			{ID: "background", Type: "background"},
			{ID: "water", Type: "fill", Source: "base", SourceLayer: "water"},
			{ID: "buildings", Type: "fill", Source: "base", SourceLayer: "building"},
			{ID: "place-labels", Type: "symbol", Source: "base", SourceLayer: "place"},
		},
	}
}

func tileURL(name string) string { return "http://tiles.test/" + name + "/{z}/{x}/{y}.pbf" }

func logical(name string) model.LogicalLayer {
	return model.LogicalLayer{Name: name, SourceURL: tileURL(name)}
}

type rig struct {
	surf   *memory.Surface
	ds     *state.DesiredState
	kinds  *fakeKinds
	styles *fakeStyles
	query  *fakeQuery
	rec    *Reconciler
	ann    *Annotations
	coord  *Coordinator
	sel    *Selector
}

// newRig wires the engine against an auto-settling memory surface with the
// "streets" style loaded. run applies to layer and query fetches; style
// fetches are always inline.
func newRig(t *testing.T, saver Saver, run Defer) *rig {
	t.Helper()
	if saver == nil {
		saver = nopSaver{}
	}
	if run == nil {
		run = Inline
	}
	r := &rig{
		surf: memory.New(memory.WithAutoSettle()),
		ds:   state.New(),
		kinds: newFakeKinds(map[string]model.GeometryKind{
			"roads": model.KindLine, "parcels": model.KindPolygon, "a": model.KindPoint, "b": model.KindPoint, "c": model.KindPoint,
		}),
		styles: &fakeStyles{docs: map[string]surface.StyleDoc{"streets": styleDoc("streets"), "dark": styleDoc("dark")}},
		query:  &fakeQuery{fc: geojson.NewFeatureCollection()},
	}
	log := quietLog()
	r.rec = NewReconciler(r.surf, r.ds, r.kinds, log, WithReconcilerSaver(saver), WithReconcilerDefer(run))
	r.ann = NewAnnotations(r.surf, r.ds, log, WithAnnotationsSaver(saver), WithAnnotationsDefer(run), WithQuery(r.query, "poi"))
	r.coord = NewCoordinator(r.surf, r.ds, r.rec, r.ann, r.styles, log, WithCoordinatorSaver(saver))
	r.sel = NewSelector(r.surf, r.ds, r.rec, r.ann)
	t.Cleanup(r.ann.Close)

	var err error
	r.coord.SwitchStyle(context.Background(), "streets", func(e error) { err = e })
	if err != nil {
		t.Fatalf("load streets: %v", err)
	}
	return r
}

func (r *rig) layerIDs() []string {
	var ids []string
	for _, l := range r.surf.StyleLayers() {
		ids = append(ids, l.ID)
	}
	return ids
}

func (r *rig) indexOf(id string) int {
	return slices.Index(r.layerIDs(), id)
}

func (r *rig) count(id string) int {
	n := 0
	for _, l := range r.layerIDs() {
		if l == id {
			n++
		}
	}
	return n
}

func square(x, y, d float64) orb.Polygon {
	return orb.Polygon{orb.Ring{{x, y}, {x + d, y}, {x + d, y + d}, {x, y + d}, {x, y}}}
}
