package h3mapper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/mapsync/internal/mapper"
)

type Mapper struct{}

var _ mapper.Interface = (*Mapper)(nil)

func New() *Mapper { return &Mapper{} }

func (m *Mapper) CellsForBound(b orb.Bound, res int) ([]string, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	if b.IsEmpty() || b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1] {
		return nil, errors.New("empty bound")
	}
	// Build a rectangular loop (lon,lat in EPSG:4326). v4 wants degrees.
	outer := h3.GeoLoop{
		{Lat: b.Min[1], Lng: b.Min[0]},
		{Lat: b.Min[1], Lng: b.Max[0]},
		{Lat: b.Max[1], Lng: b.Max[0]},
		{Lat: b.Max[1], Lng: b.Min[0]},
	}
	cells, err := polyfill(outer, res)
	if err != nil {
		return nil, err
	}
	if len(cells) == 0 {
		// bound smaller than one cell: use the cell under its center
		c, err := h3.LatLngToCell(h3.LatLng{Lat: b.Center()[1], Lng: b.Center()[0]}, res)
		if err != nil {
			return nil, fmt.Errorf("h3 center cell: %w", err)
		}
		cells = []string{c.String()}
	}
	return cells, nil
}

// fillSlack bounds how many cells a polyfill may produce before coarsening.
const fillSlack = 4

// StartRes returns the finest resolution at or below res whose estimated
// cell count for b stays within maxCells*fillSlack.
func StartRes(b orb.Bound, res, maxCells int) int {
	if maxCells <= 0 || res <= 0 {
		return res
	}
	area := math.Abs(geo.Area(b.ToPolygon())) / 1e6
	for res > 0 {
		cell, err := h3.HexagonAreaAvgKm2(res)
		if err != nil || area/cell <= float64(maxCells*fillSlack) {
			break
		}
		res--
	}
	return res
}

// Footprint covers b with at most maxCells cells. The starting resolution
// is estimated from the area of b so large boxes are never filled at a fine
// resolution; parent cells then coarsen the result the rest of the way.
func (m *Mapper) Footprint(ctx context.Context, b orb.Bound, res, maxCells int) ([]string, int, error) {
	if err := validateRes(res); err != nil {
		return nil, 0, err
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	res = StartRes(b, res, maxCells)
	cells, err := m.CellsForBound(b, res)
	if err != nil {
		return nil, 0, err
	}
	for maxCells > 0 && len(cells) > maxCells && res > 0 {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		res--
		if cells, err = m.toParents(cells, res); err != nil {
			return nil, 0, err
		}
	}
	return cells, res, nil
}

func (m *Mapper) toParents(cells []string, parentRes int) ([]string, error) {
	seen := make(map[string]struct{}, len(cells))
	out := make([]string, 0, len(cells))
	for _, cell := range cells {
		p, err := m.ToParent(cell, parentRes)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// --- helpers ---

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

// polyfill computes unique cells and returns them sorted for determinism.
func polyfill(outer h3.GeoLoop, res int) ([]string, error) {
	indexes, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: outer}, res)
	if err != nil {
		return nil, fmt.Errorf("h3 polyfill: %w", err)
	}

	out := make([]string, 0, len(indexes))
	seen := make(map[string]struct{}, len(indexes))
	for _, idx := range indexes {
		s := idx.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
