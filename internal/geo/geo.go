// Package geo provides the spatial primitives behind proximity clustering:
// great-circle distance, centroid of a point set, and EWKB encoding for
// PostGIS geography parameters.
package geo

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// earthRadiusMeters is the IUGG mean Earth radius.
const earthRadiusMeters = 6371008.8

// ErrEmptyInput is returned when a centroid is requested for zero points.
var ErrEmptyInput = eris.New("geo: centroid of empty point set")

// Coordinate is a WGS84 latitude/longitude pair in degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DistanceMeters returns the great-circle distance between a and b in meters
// using the haversine formula on a spherical Earth. Accuracy is within ~0.5%
// of the ellipsoidal distance, which is ample at clustering scales.
func DistanceMeters(a, b Coordinate) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng

	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Centroid returns the arithmetic mean of each axis independently. Ripple
// origins are planar means of the founding members' locations, not geodesic
// midpoints.
func Centroid(points []Coordinate) (Coordinate, error) {
	if len(points) == 0 {
		return Coordinate{}, ErrEmptyInput
	}
	var sumLat, sumLng float64
	for _, p := range points {
		sumLat += p.Latitude
		sumLng += p.Longitude
	}
	n := float64(len(points))
	return Coordinate{Latitude: sumLat / n, Longitude: sumLng / n}, nil
}

// EncodeEWKB encodes c as an SRID-4326 point in EWKB, suitable for
// ST_GeogFromWKB parameters.
func EncodeEWKB(c Coordinate) ([]byte, error) {
	p := geom.NewPointFlat(geom.XY, []float64{c.Longitude, c.Latitude}).SetSRID(4326)
	data, err := ewkb.Marshal(p, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geo: encode point")
	}
	return data, nil
}
