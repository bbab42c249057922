package state

import (
	"slices"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/mapsync/internal/core/model"
	"github.com/mohammed-shakir/mapsync/internal/persist"
)

func TestActivate_MostRecentFirstAndKindKept(t *testing.T) {
	d := New()
	d.Activate(model.LogicalLayer{Name: "a"})
	d.Activate(model.LogicalLayer{Name: "b"})
	d.SetLayerKind("a", model.KindLine)
	d.Activate(model.LogicalLayer{Name: "a"})

	if got := d.ActiveLayers(); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("order=%v", got)
	}
	if l, _ := d.Layer("a"); l.Kind != model.KindLine {
		t.Fatalf("kind lost on reactivation: %v", l.Kind)
	}
}

func TestDeactivate_KeepsStyle(t *testing.T) {
	d := New()
	d.Activate(model.LogicalLayer{Name: "roads"})
	d.SetLayerStyle("roads", model.Style{Color: "#ff0000", Opacity: 1, Width: 5})
	if !d.Deactivate("roads") || d.Deactivate("roads") {
		t.Fatal("deactivate should report change once")
	}
	if d.LayerStyle("roads").Width != 5 {
		t.Fatal("style should survive deactivation")
	}
	if d.LayerStyle("other") != model.DefaultLayerStyle() {
		t.Fatal("unknown layer should get the default style")
	}
}

func TestSetZOrder_IgnoresUnknownKeepsMissing(t *testing.T) {
	d := New()
	for _, n := range []string{"c", "b", "a"} {
		d.Activate(model.LogicalLayer{Name: n})
	}
	d.SetZOrder([]string{"c", "ghost", "a"})
	if got := d.ActiveLayers(); !slices.Equal(got, []string{"c", "a", "b"}) {
		t.Fatalf("order=%v", got)
	}
}

func TestAnnotations_PutReplaceRemove(t *testing.T) {
	d := New()
	d.PutAnnotation(model.Annotation{ID: "1", Geometry: orb.Point{0, 0}})
	d.PutAnnotation(model.Annotation{ID: "2", Geometry: orb.Point{1, 1}})
	d.PutAnnotation(model.Annotation{ID: "1", Geometry: orb.Point{5, 5}})

	anns := d.Annotations()
	if len(anns) != 2 || anns[0].Geometry.(orb.Point) != (orb.Point{5, 5}) {
		t.Fatalf("annotations=%+v", anns)
	}
	if !d.RemoveAnnotation("1") || d.RemoveAnnotation("1") {
		t.Fatal("remove should succeed once")
	}
}

func TestOverlay_EmptyClears(t *testing.T) {
	d := New()
	d.SetOverlay(geojson.NewFeatureCollection())
	if d.Overlay() != nil {
		t.Fatal("empty result must not create an overlay")
	}
}

func TestRestore_DropsUnknownLayersAndInvalidAnnotations(t *testing.T) {
	snap := persist.Snapshot{
		Layers:      []string{"roads", "gone", "parcels"},
		LayerStyles: map[string]model.Style{"roads": {Color: "#111111", Opacity: 1}},
		Annotations: []model.Annotation{{ID: "ok", Geometry: orb.Point{1, 2}}, {ID: "", Geometry: orb.Point{}}},
		BaseStyle:   "dark",
		Camera:      model.Camera{Zoom: 9},
	}
	d := Restore(snap, func(n string) (model.LogicalLayer, bool) {
		return model.LogicalLayer{Name: n}, n != "gone"
	})
	if got := d.ActiveLayers(); !slices.Equal(got, []string{"roads", "parcels"}) {
		t.Fatalf("restored order=%v", got)
	}
	if len(d.Annotations()) != 1 || d.BaseStyle() != "dark" || d.Camera().Zoom != 9 {
		t.Fatalf("restored=%+v", d.Snapshot())
	}
	if d.Mode() != model.ModeSelect {
		t.Fatalf("mode=%v", d.Mode())
	}
}
