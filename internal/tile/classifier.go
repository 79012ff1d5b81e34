// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

package tile

// CostClass is the upstream price band a tile fetch falls into. It is
// derived, never stored: always recomputed from (layer, zoom, cache hit).
type CostClass int

const (
	// Free tiles do not count against premium ceilings. All cache hits
	// are Free regardless of layer and zoom.
	Free CostClass = iota

	// Premium tiles are billed at the higher upstream rate and are
	// subject to much tighter weekly ceilings.
	Premium
)

// String returns the wire form used in the X-Tile-Type header and in
// ledger keys.
func (c CostClass) String() string {
	if c == Premium {
		return "premium"
	}
	return "free"
}

// Classes lists all cost classes, in a stable order, for usage reporting.
var Classes = []CostClass{Free, Premium}

// Classify maps a prospective tile fetch to its cost class.
//
// Rules are evaluated in order, first match wins:
//
//  1. A cache hit is always Free. This is absolute: serving from cache
//     costs nothing upstream, whatever the layer or zoom.
//  2. Outdoor and Light (and Road, which shares their price band) above
//     zoom 16 are Premium.
//  3. Leisure above zoom 5 is Premium.
//  4. Everything else is Free.
//
// The function is pure and total for every valid layer; unknown layers
// must be rejected by ParseKey before classification.
func Classify(layer Layer, zoom int, fromCache bool) CostClass {
	if fromCache {
		return Free
	}
	switch layer {
	case LayerOutdoor, LayerLight, LayerRoad:
		if zoom > 16 {
			return Premium
		}
	case LayerLeisure:
		if zoom > 5 {
			return Premium
		}
	}
	return Free
}
