// Package wfs3 talks to an OGC API - Features (WFS3) collection endpoint.
package wfs3

import (
	"net/url"
	"strings"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/geo"
)

// FormatJSON is the f= value asking the server for GeoJSON.
const FormatJSON = "json"

func ItemsEndpoint(collectionURL string) string {
	return strings.TrimRight(collectionURL, "/") + "/items"
}

// BuildItemsParams expects a geographic extent.
func BuildItemsParams(bbox geo.Extent) url.Values {
	params := url.Values{}
	params.Set("bbox", bbox.BBox())
	params.Set("f", FormatJSON)
	return params
}
