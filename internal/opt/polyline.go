package opt

import (
	"math"
	"strings"

	"fieldroute/internal/model"
)

// EncodePolyline encodes points with the Google encoded polyline algorithm at 1e5 precision.
func EncodePolyline(points []model.GeoPoint) string {
	var b strings.Builder
	var prevLat, prevLng int64
	for _, p := range points {
		lat := int64(math.Round(p.Lat * 1e5))
		lng := int64(math.Round(p.Lng * 1e5))
		encodeValue(&b, lat-prevLat)
		encodeValue(&b, lng-prevLng)
		prevLat, prevLng = lat, lng
	}
	return b.String()
}

func encodeValue(b *strings.Builder, v int64) {
	u := uint64(v) << 1
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		b.WriteByte(byte((0x20 | (u & 0x1f)) + 63))
		u >>= 5
	}
	b.WriteByte(byte(u + 63))
}

// DecodePolyline reverses EncodePolyline.
func DecodePolyline(s string) []model.GeoPoint {
	var out []model.GeoPoint
	var lat, lng int64
	i := 0
	next := func() (int64, bool) {
		var result uint64
		var shift uint
		for i < len(s) {
			c := uint64(s[i]) - 63
			i++
			result |= (c & 0x1f) << shift
			shift += 5
			if c < 0x20 {
				v := int64(result >> 1)
				if result&1 != 0 {
					v = ^v
				}
				return v, true
			}
		}
		return 0, false
	}
	for i < len(s) {
		dLat, ok := next()
		if !ok {
			break
		}
		dLng, ok := next()
		if !ok {
			break
		}
		lat += dLat
		lng += dLng
		out = append(out, model.GeoPoint{Lat: float64(lat) / 1e5, Lng: float64(lng) / 1e5})
	}
	return out
}
