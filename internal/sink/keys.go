package sink

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// layerKeys names the Redis keys of one layer. The xxhash suffix keeps layers
// apart whose sanitized names collide.
type layerKeys struct {
	prefix string
}

func newLayerKeys(layer string) layerKeys {
	layer = strings.TrimSpace(layer)
	return layerKeys{
		prefix: fmt.Sprintf("wfs3:%s:h=%016x", sanitizeLayer(layer), xxhash.Sum64String(layer)),
	}
}

func (k layerKeys) generation() string   { return k.prefix + ":gen" }
func (k layerKeys) generationID() string { return k.prefix + ":genid" }
func (k layerKeys) cells() string        { return k.prefix + ":cells" }
func (k layerKeys) updates() string      { return k.prefix + ":updates" }

func (k layerKeys) cell(res int, cell string) string {
	return fmt.Sprintf("%s:cell:%d:%s", k.prefix, res, cell)
}

func sanitizeLayer(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
