// Package filename builds the canonical archive name for a receipt file.
//
// Names look like 20240305T1015_bakery_continente.jpg: the purchase timestamp,
// a category token, a store token and the original extension.
package filename

import (
	"strings"
	"time"
)

const (
	// TimestampLayout formats the leading timestamp segment
	TimestampLayout = "20060102T1504"

	categoryPlaceholder  = "other"
	storePlaceholder     = "loja"
	extensionPlaceholder = ".dat"
)

// Metadata holds the inputs to Compose. Zero values mean "absent".
type Metadata struct {
	Timestamp time.Time
	Category  string
	StoreName string
	Extension string
}

// Compose returns the canonical filename for meta. When meta has no timestamp,
// now is used instead and the second return value is true.
func Compose(meta Metadata, now time.Time) (string, bool) {
	ts := meta.Timestamp
	fallback := ts.IsZero()
	if fallback {
		ts = now
	}

	var b strings.Builder
	b.WriteString(ts.Format(TimestampLayout))
	b.WriteByte('_')
	b.WriteString(Category(meta.Category))
	b.WriteByte('_')
	b.WriteString(Store(meta.StoreName))
	b.WriteString(Extension(meta.Extension))

	return b.String(), fallback
}

// Extension lowercases ext and guarantees exactly one leading dot.
// Empty input yields ".dat".
func Extension(ext string) string {
	ext = strings.TrimLeft(strings.ToLower(strings.TrimSpace(ext)), ".")
	if ext == "" {
		return extensionPlaceholder
	}
	return "." + ext
}
