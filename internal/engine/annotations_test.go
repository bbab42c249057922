package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/mapsync/internal/core/model"
	"github.com/mohammed-shakir/mapsync/internal/keys"
	"github.com/mohammed-shakir/mapsync/internal/persist"
	"github.com/mohammed-shakir/mapsync/internal/surface"
)

func TestPolygonAnnotation_DefaultsThenRestyleKeepsOneLayer(t *testing.T) {
	r := newRig(t, nil, nil)
	ctx := context.Background()
	r.ann.SetMode(ctx, "polygon")
	if got := r.surf.Draw().Mode(); got != surface.DrawPolygon {
		t.Fatalf("draw mode=%q", got)
	}

	f := r.surf.Drawer().Complete(square(10, 10, 1))
	id, _ := f.ID.(string)
	ann, ok := r.ds.Annotation(id)
	if !ok {
		t.Fatalf("annotation %q not recorded", id)
	}
	if ann.Kind != model.KindPolygon {
		t.Fatalf("kind=%v", ann.Kind)
	}
	l, ok := r.surf.GetLayer(id)
	if !ok || l.Type != "fill" || l.Source != id {
		t.Fatalf("shadow layer=%+v ok=%v", l, ok)
	}
	if l.Paint["fill-color"] != "#3880ff" || l.Paint["fill-opacity"] != 0.5 {
		t.Fatalf("paint=%v", l.Paint)
	}

	if err := r.ann.UpdateStyle(ctx, id, model.Style{Color: "#ff0000", Opacity: 0.9}); err != nil {
		t.Fatalf("restyle: %v", err)
	}
	if n := r.count(id); n != 1 {
		t.Fatalf("layers for %q=%d want 1", id, n)
	}
	l, _ = r.surf.GetLayer(id)
	if l.Paint["fill-color"] != "#ff0000" || l.Paint["fill-opacity"] != 0.9 {
		t.Fatalf("paint after restyle=%v", l.Paint)
	}
}

func TestUpdateStyle_UnknownAnnotation(t *testing.T) {
	r := newRig(t, nil, nil)
	err := r.ann.UpdateStyle(context.Background(), "nope", model.Style{Color: "#000000", Opacity: 1})
	if !errors.Is(err, ErrUnknownAnnotation) {
		t.Fatalf("err=%v", err)
	}
}

func TestSetMode_UnknownFallsBackToSelect(t *testing.T) {
	r := newRig(t, nil, nil)
	ctx := context.Background()
	r.ann.SetMode(ctx, "line")
	if m := r.ann.SetMode(ctx, "lasso"); m != model.ModeSelect {
		t.Fatalf("mode=%v want select", m)
	}
	if r.ds.Mode() != model.ModeSelect || r.surf.Draw().Mode() != surface.DrawSimpleSelect {
		t.Fatalf("ds mode=%v draw mode=%q", r.ds.Mode(), r.surf.Draw().Mode())
	}
}

func TestBBoxMode_QueriesAndCreatesNoAnnotation(t *testing.T) {
	r := newRig(t, nil, nil)
	ctx := context.Background()
	r.query.fc = geojson.NewFeatureCollection().
		Append(geojson.NewFeature(orb.Point{10.5, 10.5})).
		Append(geojson.NewFeature(orb.LineString{{10, 10}, {11, 11}}))

	r.ann.SetMode(ctx, "bbox_query")
	drawn := r.surf.Drawer().Complete(square(10, 10, 1))

	if r.query.Calls() != 1 {
		t.Fatalf("query calls=%d", r.query.Calls())
	}
	if n := len(r.ds.Annotations()); n != 0 {
		t.Fatalf("annotations=%d want 0", n)
	}
	if _, ok := r.surf.Draw().Get(fmt.Sprint(drawn.ID)); ok {
		t.Fatal("drawn query polygon kept")
	}
	if r.ds.Mode() != model.ModeSelect {
		t.Fatalf("mode=%v want select", r.ds.Mode())
	}
	for _, id := range []string{OverlayLines, OverlayPoints} {
		if _, ok := r.surf.GetLayer(id); !ok {
			t.Fatalf("overlay layer %q missing", id)
		}
	}
	if r.indexOf(OverlayPoints) != len(r.layerIDs())-1 {
		t.Fatalf("overlay points not on top: %v", r.layerIDs())
	}
}

func TestPolygonMode_CreatesAnnotationWithoutQuery(t *testing.T) {
	r := newRig(t, nil, nil)
	ctx := context.Background()
	r.ann.SetMode(ctx, "polygon")
	r.surf.Drawer().Complete(square(0, 0, 1))

	if r.query.Calls() != 0 {
		t.Fatalf("query ran in polygon mode")
	}
	if n := len(r.ds.Annotations()); n != 1 {
		t.Fatalf("annotations=%d want 1", n)
	}
	if _, ok := r.surf.GetSource(OverlaySource); ok {
		t.Fatal("overlay present without a query")
	}
}

func TestBBoxQuery_FailureLeavesNoOverlay(t *testing.T) {
	r := newRig(t, nil, nil)
	ctx := context.Background()
	r.query.fc = geojson.NewFeatureCollection().Append(geojson.NewFeature(orb.Point{1, 1}))
	r.ann.SetMode(ctx, "bbox_query")
	r.surf.Drawer().Complete(square(0, 0, 2))
	if _, ok := r.surf.GetSource(OverlaySource); !ok {
		t.Fatal("first overlay missing")
	}

	r.query.err = errors.New("upstream 500")
	r.ann.SetMode(ctx, "bbox_query")
	r.surf.Drawer().Complete(square(0, 0, 2))
	if _, ok := r.surf.GetSource(OverlaySource); ok {
		t.Fatal("overlay kept after failed query")
	}
	if r.ds.Overlay() != nil {
		t.Fatal("desired overlay kept after failed query")
	}
}

func TestClearOverlay_DiscardsQueryInFlight(t *testing.T) {
	m := &manualDefer{}
	r := newRig(t, nil, m.Defer)
	ctx := context.Background()
	r.query.fc = geojson.NewFeatureCollection().Append(geojson.NewFeature(orb.Point{1, 1}))

	r.ann.SetMode(ctx, "bbox_query")
	r.surf.Drawer().Complete(square(0, 0, 2))
	r.ann.ClearOverlay(ctx)
	m.runAll()

	if _, ok := r.surf.GetSource(OverlaySource); ok {
		t.Fatal("cleared query still rendered")
	}
}

func TestNewerQuerySupersedesOlder(t *testing.T) {
	r := newRig(t, nil, nil)
	ctx := context.Background()
	first := r.ann.BeginQuery()
	second := r.ann.BeginQuery()

	one := geojson.NewFeatureCollection().Append(geojson.NewFeature(orb.Point{1, 1}))
	if err := r.ann.ApplyQueryResult(ctx, first, one, nil); !errors.Is(err, ErrStale) {
		t.Fatalf("older result err=%v want ErrStale", err)
	}
	two := geojson.NewFeatureCollection().
		Append(geojson.NewFeature(orb.Point{1, 1})).
		Append(geojson.NewFeature(orb.Point{2, 2}))
	if err := r.ann.ApplyQueryResult(ctx, second, two, nil); err != nil {
		t.Fatal(err)
	}
	if got := len(r.ds.Overlay().Features); got != 2 {
		t.Fatalf("overlay features=%d", got)
	}
}

func TestAnnotationsSitBelowOverlay(t *testing.T) {
	r := newRig(t, nil, nil)
	ctx := context.Background()
	seq := r.ann.BeginQuery()
	if err := r.ann.ApplyQueryResult(ctx, seq, geojson.NewFeatureCollection().Append(geojson.NewFeature(orb.Point{5, 5})), nil); err != nil {
		t.Fatal(err)
	}
	r.ann.SetMode(ctx, "point")
	f := r.surf.Drawer().Complete(orb.Point{1, 1})
	id := f.ID.(string)
	if r.indexOf(id) > r.indexOf(OverlayLines) {
		t.Fatalf("annotation above overlay: %v", r.layerIDs())
	}
}

func TestEditSync_SingleHandlerUpdatesSource(t *testing.T) {
	r := newRig(t, nil, nil)
	ctx := context.Background()
	r.ann.SetMode(ctx, "point")
	var ids []string
	for i := 0; i < 3; i++ {
		f := r.surf.Drawer().Complete(orb.Point{float64(i), 0})
		ids = append(ids, f.ID.(string))
	}
	if n := r.surf.HandlerCount(surface.EventDrawUpdate); n != 1 {
		t.Fatalf("draw.update handlers=%d want 1", n)
	}

	moved := orb.Point{7, 7}
	if err := r.surf.Drawer().Edit(ids[1], moved); err != nil {
		t.Fatal(err)
	}
	src, _ := r.surf.GetSource(ids[1])
	if src.Data == nil || len(src.Data.Features) != 1 || src.Data.Features[0].Geometry != orb.Geometry(moved) {
		t.Fatalf("source data not synced: %+v", src.Data)
	}
	ann, _ := r.ds.Annotation(ids[1])
	if ann.Geometry != orb.Geometry(moved) {
		t.Fatalf("desired geometry=%v", ann.Geometry)
	}
}

func TestDeleteLastAnnotation_ClearsPersistedKey(t *testing.T) {
	store := persist.NewMemStore()
	bridge := persist.NewBridge(store, "ws1", time.Second, quietLog())
	t.Cleanup(func() { _ = bridge.Close(context.Background()) })
	r := newRig(t, bridge, nil)
	ctx := context.Background()
	key := keys.StoreKey("ws1", persist.SliceAnnotations)

	r.ann.SetMode(ctx, "point")
	f := r.surf.Drawer().Complete(orb.Point{1, 1})
	if err := bridge.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := store.MGet(ctx, []string{key})
	if _, ok := got[key]; !ok {
		t.Fatal("annotation list not persisted")
	}

	r.surf.Drawer().Select(f.ID.(string))
	if n := r.ann.DeleteSelected(ctx); n != 1 {
		t.Fatalf("deleted=%d", n)
	}
	if err := bridge.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = store.MGet(ctx, []string{key})
	if _, ok := got[key]; ok {
		t.Fatal("annotation key kept after deleting the last annotation")
	}
	if _, ok := r.surf.GetLayer(f.ID.(string)); ok {
		t.Fatal("shadow layer kept")
	}
}

func TestDrawToolTrash_RemovesAnnotation(t *testing.T) {
	r := newRig(t, nil, nil)
	ctx := context.Background()
	r.ann.SetMode(ctx, "line")
	f := r.surf.Drawer().Complete(orb.LineString{{0, 0}, {1, 1}})
	id := f.ID.(string)
	r.surf.Drawer().Select(id)
	r.surf.Drawer().Trash()
	if _, ok := r.ds.Annotation(id); ok {
		t.Fatal("annotation kept after trash")
	}
	if _, ok := r.surf.GetSource(id); ok {
		t.Fatal("annotation source kept after trash")
	}
}

func TestClose_RemovesHandlers(t *testing.T) {
	r := newRig(t, nil, nil)
	r.ann.Close()
	for _, ev := range []surface.EventType{surface.EventDrawCreate, surface.EventDrawUpdate, surface.EventDrawDelete, surface.EventDrawSelectionChange} {
		if n := r.surf.HandlerCount(ev); n != 0 {
			t.Fatalf("%s handlers=%d", ev, n)
		}
	}
}
