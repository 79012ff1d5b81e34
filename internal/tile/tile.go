// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

// Package tile defines tile addressing and cost classification for the
// OS Maps raster API.
//
// A tile is addressed by (layer, z, x, y). Layers are the named raster
// styles exposed by the upstream provider; each request against the
// provider is billed per tile, with the price band ("free" or "premium")
// determined by the layer and zoom level. Classification is a pure
// function so that admission control can be tested in isolation.
package tile

import (
	"fmt"
	"strconv"
)

// Layer is a named raster style served by the OS Maps API.
type Layer string

// Raster layers available from the upstream provider. The _3857 layers
// use the Web Mercator grid; Leisure_27700 uses the British National Grid.
const (
	LayerOutdoor Layer = "Outdoor_3857"
	LayerRoad    Layer = "Road_3857"
	LayerLight   Layer = "Light_3857"
	LayerLeisure Layer = "Leisure_27700"
)

// validLayers is the closed set of layers this proxy will serve. Requests
// for anything else are rejected before classification.
var validLayers = map[Layer]bool{
	LayerOutdoor: true,
	LayerRoad:    true,
	LayerLight:   true,
	LayerLeisure: true,
}

// MaxZoom is the deepest zoom level the upstream provider rasterizes.
const MaxZoom = 20

// Valid reports whether l is a layer this proxy serves.
func (l Layer) Valid() bool {
	return validLayers[l]
}

// Mercator reports whether the layer uses the Web Mercator (EPSG:3857)
// tile grid, which bounds x and y by 2^z.
func (l Layer) Mercator() bool {
	return l != LayerLeisure
}

// Key addresses a single raster tile. It is immutable and uniquely
// determines both the cache location and the classification inputs.
type Key struct {
	Layer Layer
	Z     int
	X     int
	Y     int
}

// String returns the canonical layer/z/x/y form used in cache paths and logs.
func (k Key) String() string {
	return string(k.Layer) + "/" + strconv.Itoa(k.Z) + "/" + strconv.Itoa(k.X) + "/" + strconv.Itoa(k.Y)
}

// ParseKey validates raw request parameters and builds a Key.
//
// Unknown layers and out-of-range coordinates are rejected here so that
// nothing downstream (classifier, ledger, upstream client) ever sees an
// invalid tile address.
func ParseKey(layer, z, x, y string) (Key, error) {
	l := Layer(layer)
	if !l.Valid() {
		return Key{}, fmt.Errorf("unknown layer %q", layer)
	}

	zoom, err := strconv.Atoi(z)
	if err != nil || zoom < 0 || zoom > MaxZoom {
		return Key{}, fmt.Errorf("invalid zoom %q", z)
	}

	xi, err := strconv.Atoi(x)
	if err != nil || xi < 0 {
		return Key{}, fmt.Errorf("invalid x %q", x)
	}
	yi, err := strconv.Atoi(y)
	if err != nil || yi < 0 {
		return Key{}, fmt.Errorf("invalid y %q", y)
	}

	// Mercator layers have a square 2^z grid. The BNG leisure grid is
	// rectangular and provider-defined, so only non-negativity is checked.
	if l.Mercator() {
		max := 1 << uint(zoom)
		if xi >= max || yi >= max {
			return Key{}, fmt.Errorf("coordinates %s,%s out of range for zoom %d", x, y, zoom)
		}
	}

	return Key{Layer: l, Z: zoom, X: xi, Y: yi}, nil
}
