// Package tilemath converts geographic coordinates into slippy-map tile
// indices and enumerates the tiles covering a bounding box.
package tilemath

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxLatitude is the Web-Mercator latitude limit in degrees.
const MaxLatitude = 85.0511287798066

// MaxZoom is the deepest zoom level the enumeration accepts.
const MaxZoom maptile.Zoom = 30

// MaxTiles bounds a single enumeration.
const MaxTiles = 1 << 22

var (
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrInvalidZoom       = errors.New("invalid zoom level")
	ErrTooManyTiles      = errors.New("too many tiles")
)

// BBox builds a bound from (minLon, minLat, maxLon, maxLat) degrees.
func BBox(minLon, minLat, maxLon, maxLat float64) orb.Bound {
	return orb.Bound{
		Min: orb.Point{minLon, minLat},
		Max: orb.Point{maxLon, maxLat},
	}
}

// PointToTile returns the tile column and row containing (lat, lon) at zoom.
// Latitudes outside the Mercator domain fail with ErrInvalidCoordinate.
func PointToTile(lat, lon float64, zoom maptile.Zoom) (uint32, uint32, error) {
	if zoom > MaxZoom {
		return 0, 0, fmt.Errorf("%w: %d exceeds %d", ErrInvalidZoom, zoom, MaxZoom)
	}
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.Abs(lat) > MaxLatitude {
		return 0, 0, fmt.Errorf("%w: latitude %v outside ±%v", ErrInvalidCoordinate, lat, MaxLatitude)
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		return 0, 0, fmt.Errorf("%w: longitude %v outside ±180", ErrInvalidCoordinate, lon)
	}

	n := math.Exp2(float64(zoom))
	latRad := lat * math.Pi / 180

	x := math.Floor((lon + 180) / 360 * n)
	y := math.Floor((1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n)
	if math.IsNaN(y) || math.IsInf(y, 0) {
		return 0, 0, fmt.Errorf("%w: latitude %v has no projection", ErrInvalidCoordinate, lat)
	}

	return clamp(x, n), clamp(y, n), nil
}

// lon=180 and the exact southern limit land one past the last index.
func clamp(v, n float64) uint32 {
	if v < 0 {
		return 0
	}
	if v > n-1 {
		return uint32(n - 1)
	}
	return uint32(v)
}

// BBoxToTiles enumerates every tile intersecting bound at zoom, x outer and
// y inner. An inverted bound yields no tiles.
func BBoxToTiles(bound orb.Bound, zoom maptile.Zoom) ([]maptile.Tile, error) {
	minX, minY, err := PointToTile(bound.Max.Lat(), bound.Min.Lon(), zoom)
	if err != nil {
		return nil, err
	}
	maxX, maxY, err := PointToTile(bound.Min.Lat(), bound.Max.Lon(), zoom)
	if err != nil {
		return nil, err
	}

	if minX > maxX || minY > maxY {
		return []maptile.Tile{}, nil
	}

	count := uint64(maxX-minX+1) * uint64(maxY-minY+1)
	if count > MaxTiles {
		return nil, fmt.Errorf("%w: %d tiles at zoom %d, limit is %d", ErrTooManyTiles, count, zoom, MaxTiles)
	}

	tiles := make([]maptile.Tile, 0, count)
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			tiles = append(tiles, maptile.New(x, y, zoom))
		}
	}
	return tiles, nil
}

// Window drops offset tiles then keeps at most limit; non-positive values
// are ignored.
func Window(tiles []maptile.Tile, offset, limit int) []maptile.Tile {
	if offset > 0 {
		if offset >= len(tiles) {
			return []maptile.Tile{}
		}
		tiles = tiles[offset:]
	}
	if limit > 0 && limit < len(tiles) {
		tiles = tiles[:limit]
	}
	return tiles
}

// Valid reports whether t addresses an existing tile at its zoom.
func Valid(t maptile.Tile) bool {
	if t.Z > MaxZoom {
		return false
	}
	n := uint64(1) << uint(t.Z)
	return uint64(t.X) < n && uint64(t.Y) < n
}
