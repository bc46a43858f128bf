package toolgateway

import (
	"regexp"
	"strconv"
	"strings"
)

var latLonRe = regexp.MustCompile(`(?P<lat>-?\d{1,3}(?:\.\d+)?)\s*[, ]\s*(?P<lon>-?\d{1,3}(?:\.\d+)?)`)

// ParseLatLon finds a "lat, lon" pair in free text. Pairs outside the valid
// coordinate ranges are rejected.
func ParseLatLon(text string) (lat, lon float64, ok bool) {
	lat, lon, _, ok = FindLatLon(strings.TrimSpace(text))
	return lat, lon, ok
}

// FindLatLon is ParseLatLon that also returns the byte span of the match
// within text.
func FindLatLon(text string) (lat, lon float64, span [2]int, ok bool) {
	idx := latLonRe.FindStringSubmatchIndex(text)
	if idx == nil {
		return 0, 0, span, false
	}
	latIdx := 2 * latLonRe.SubexpIndex("lat")
	lonIdx := 2 * latLonRe.SubexpIndex("lon")

	lat, err := strconv.ParseFloat(text[idx[latIdx]:idx[latIdx+1]], 64)
	if err != nil {
		return 0, 0, span, false
	}
	lon, err = strconv.ParseFloat(text[idx[lonIdx]:idx[lonIdx+1]], 64)
	if err != nil {
		return 0, 0, span, false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, span, false
	}
	return lat, lon, [2]int{idx[0], idx[1]}, true
}
