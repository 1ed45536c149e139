package livesource

import (
	"math"

	"github.com/paulmach/orb"
)

type State int

const (
	Unloaded State = iota
	Loading
	Loaded
	LoadFailed
	Closed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case LoadFailed:
		return "failed"
	case Closed:
		return "closed"
	}
	return "unloaded"
}

// AllExtent is the single extent requested by the load everything strategy
var AllExtent = orb.Bound{
	Min: orb.Point{math.Inf(-1), math.Inf(-1)},
	Max: orb.Point{math.Inf(1), math.Inf(1)},
}

// Strategy maps a requested extent to the extents that should be loaded
type Strategy func(extent orb.Bound, resolution float64) []orb.Bound

// All loads everything at once regardless of the requested extent
func All(orb.Bound, float64) []orb.Bound {
	return []orb.Bound{AllExtent}
}

func contains(outer, inner orb.Bound) bool {
	return outer.Min.X() <= inner.Min.X() && outer.Min.Y() <= inner.Min.Y() &&
		outer.Max.X() >= inner.Max.X() && outer.Max.Y() >= inner.Max.Y()
}
