// Package mapper converts geographic bounds into H3 cell footprints.
package mapper

import (
	"context"

	"github.com/paulmach/orb"
)

type Interface interface {
	CellsForBound(b orb.Bound, res int) ([]string, error)
	// Footprint covers b with at most maxCells cells, at res or coarser,
	// and returns the resolution used.
	Footprint(ctx context.Context, b orb.Bound, res, maxCells int) ([]string, int, error)
}
