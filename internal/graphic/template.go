package graphic

import "github.com/mohammed-shakir/wfs3-feature-stream/internal/feature"

type FieldInfo struct {
	FieldName string `json:"fieldName"`
}

// Template is the attribute-inspection (popup) template of a graphic.
type Template struct {
	Title  string      `json:"title"`
	Fields []FieldInfo `json:"fieldInfos"`
}

// BuildTemplate lists every attribute key once, in attribute order.
func BuildTemplate(title string, attrs feature.Properties) Template {
	fields := make([]FieldInfo, 0, len(attrs))
	for _, kv := range attrs {
		fields = append(fields, FieldInfo{FieldName: kv.Key})
	}
	return Template{Title: title, Fields: fields}
}
