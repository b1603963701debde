// Package feature decodes GeoJSON FeatureCollection responses of a WFS3 items request.
package feature

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotFeatureCollection = errors.New("response is not a FeatureCollection")

type Feature struct {
	ID           json.RawMessage
	GeometryType string
	Geometry     json.RawMessage
	Properties   Properties
	// Malformed is set when the member was not an object or its properties
	// were not an object. Whatever could not be read is left empty.
	Malformed bool
}

type wireFeature struct {
	ID         json.RawMessage `json:"id,omitempty"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties json.RawMessage `json:"properties"`
}

// Decode returns the features of a FeatureCollection body in response order,
// one per array member. A body that is not JSON, or lacks a "features" array,
// yields ErrNotFeatureCollection.
func Decode(body []byte) ([]Feature, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFeatureCollection, err)
	}
	raw, ok := root["features"]
	if !ok {
		return nil, fmt.Errorf(`%w: missing "features"`, ErrNotFeatureCollection)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf(`%w: "features" must be an array`, ErrNotFeatureCollection)
	}

	out := make([]Feature, 0, len(items))
	for _, it := range items {
		var wf wireFeature
		if err := json.Unmarshal(it, &wf); err != nil {
			out = append(out, Feature{Malformed: true})
			continue
		}
		f := Feature{
			ID:           wf.ID,
			GeometryType: geometryType(wf.Geometry),
			Geometry:     wf.Geometry,
		}
		if len(wf.Properties) > 0 && !bytes.Equal(wf.Properties, []byte("null")) {
			if err := json.Unmarshal(wf.Properties, &f.Properties); err != nil {
				f.Properties = nil
				f.Malformed = true
			}
		}
		out = append(out, f)
	}
	return out, nil
}

func geometryType(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return ""
	}
	return hdr.Type
}
