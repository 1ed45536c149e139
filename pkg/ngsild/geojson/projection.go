package geojson

import (
	"fmt"
	"strings"

	ngsierrors "github.com/diwise/ngsi-feature-sync/pkg/ngsild/errors"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

const (
	EPSG4326 string = "EPSG:4326"
	EPSG3857 string = "EPSG:3857"
)

// DefaultDataProjection is the projection of geometries stored in the broker
const DefaultDataProjection string = EPSG4326

type projection struct {
	code      string
	toWGS84   orb.Projection
	fromWGS84 orb.Projection
}

var projections = map[string]projection{}

func init() {
	wgs84 := projection{code: EPSG4326}
	for _, alias := range []string{EPSG4326, "CRS:84", "WGS84", "EPSG:4979"} {
		projections[alias] = wgs84
	}

	mercator := projection{
		code:      EPSG3857,
		toWGS84:   project.Mercator.ToWGS84,
		fromWGS84: project.WGS84.ToMercator,
	}
	for _, alias := range []string{EPSG3857, "EPSG:900913", "EPSG:102100", "EPSG:102113"} {
		projections[alias] = mercator
	}
}

func lookup(code string) (projection, error) {
	p, ok := projections[strings.ToUpper(code)]
	if !ok {
		return projection{}, fmt.Errorf("%s (%w)", code, ngsierrors.ErrUnknownProjection)
	}
	return p, nil
}

// Equivalent reports whether two projection codes name the same projection
func Equivalent(a, b string) bool {
	pa, errA := lookup(a)
	pb, errB := lookup(b)
	return errA == nil && errB == nil && pa.code == pb.code
}

// Transform returns a reprojected copy of g. The input geometry is never
// modified.
func Transform(g orb.Geometry, from, to string) (orb.Geometry, error) {
	if g == nil {
		return nil, nil
	}

	src, err := lookup(from)
	if err != nil {
		return nil, err
	}

	dst, err := lookup(to)
	if err != nil {
		return nil, err
	}

	if src.code == dst.code {
		return g, nil
	}

	out := orb.Clone(g)

	if src.toWGS84 != nil {
		out = project.Geometry(out, src.toWGS84)
	}

	if dst.fromWGS84 != nil {
		out = project.Geometry(out, dst.fromWGS84)
	}

	return out, nil
}
