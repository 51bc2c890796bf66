package tfv

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParsePoint parses a WGS84 position encoded as "<lon> <lat>", optionally
// wrapped as "POINT (<lon> <lat>)".
func ParsePoint(wgs84 string) (Point, error) {
	position := strings.TrimSpace(wgs84)
	if position == "" {
		return Point{}, fmt.Errorf("%w: empty position", ErrInvalidGeometry)
	}

	if prefix := "POINT"; len(position) >= len(prefix) && strings.EqualFold(position[:len(prefix)], prefix) {
		position = strings.TrimSpace(position[len(prefix):])
		if !strings.HasPrefix(position, "(") || !strings.HasSuffix(position, ")") {
			return Point{}, fmt.Errorf("%w: unbalanced point %q", ErrInvalidGeometry, wgs84)
		}
		position = position[1 : len(position)-1]
	}

	parts := strings.Fields(position)
	if len(parts) != 2 {
		return Point{}, fmt.Errorf("%w: expected two coordinates in %q", ErrInvalidGeometry, wgs84)
	}

	lon, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Point{}, fmt.Errorf("%w: bad longitude %q", ErrInvalidGeometry, parts[0])
	}

	lat, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Point{}, fmt.Errorf("%w: bad latitude %q", ErrInvalidGeometry, parts[1])
	}

	if math.IsNaN(lon) || math.IsNaN(lat) || lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return Point{}, fmt.Errorf("%w: position out of range (%g %g)", ErrInvalidGeometry, lon, lat)
	}

	return Point{Longitude: lon, Latitude: lat}, nil
}
