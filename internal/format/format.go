// Package format defines the transferable data kinds understood by interchange
// and the ranked preference lists used to agree on one of them with a remote
// peer.
//
// A Tag is the canonical, process-wide identifier of a kind. Transports speak
// their own dialects (X11 atom names, Wayland MIME strings); Parse folds those
// dialects onto the canonical tags and Names expands a tag back into every
// alias worth advertising.
package format

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// Tag identifies one transferable kind. Tags compare by value; anything not
// declared below is carried as an opaque tag holding the peer's own name.
type Tag string

const (
	PlainText Tag = "text/plain"
	Utf8Text  Tag = "text/plain;charset=utf-8"
	Bitmap    Tag = "image/bmp"
	Png       Tag = "image/png"
	UriList   Tag = "text/uri-list"
)

// aliases lists the transport-native names for each canonical tag, the
// canonical spelling first.
var aliases = map[Tag][]string{
	Utf8Text:  {"text/plain;charset=utf-8", "UTF8_STRING"},
	PlainText: {"text/plain", "STRING", "TEXT"},
	Bitmap:    {"image/bmp", "image/x-bmp", "image/x-MS-bmp"},
	Png:       {"image/png"},
	UriList:   {"text/uri-list"},
}

var byName = func() map[string]Tag {
	m := make(map[string]Tag)
	for tag, names := range aliases {
		for _, n := range names {
			m[strings.ToLower(n)] = tag
		}
	}
	// Common spellings seen in the wild that are never advertised by us.
	m["text/plain;charset=utf8"] = Utf8Text
	m["text/plain; charset=utf-8"] = Utf8Text
	m["compound_text"] = PlainText
	return m
}()

// Parse maps a transport-native name onto a canonical tag. Unknown names come
// back unchanged as opaque tags.
func Parse(name string) Tag {
	if t, ok := byName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t
	}
	return Tag(name)
}

// ParseAll parses every name, dropping duplicates while keeping the first
// occurrence order.
func ParseAll(names []string) []Tag {
	out := make([]Tag, 0, len(names))
	seen := make(map[Tag]struct{}, len(names))
	for _, n := range names {
		t := Parse(n)
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Names returns every name under which t should be advertised to peers.
func (t Tag) Names() []string {
	if names, ok := aliases[t]; ok {
		return names
	}
	return []string{string(t)}
}

// Supported reports whether t is one of the canonical tags.
func (t Tag) Supported() bool {
	_, ok := aliases[t]
	return ok
}

// IsText reports whether t carries text.
func (t Tag) IsText() bool {
	return t == PlainText || t == Utf8Text || t == UriList
}

// IsImage reports whether t carries a raster image.
func (t Tag) IsImage() bool {
	return t == Bitmap || t == Png
}

func (t Tag) String() string { return string(t) }

// Octets is the opaque tag given to data Detect cannot classify.
const Octets Tag = "application/octet-stream"

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// Detect guesses the kind of raw bytes handed to a copy without an explicit
// format: PNG and BMP by signature, valid UTF-8 as text, anything else as
// Octets.
func Detect(data []byte) Tag {
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return Png
	case len(data) >= 26 && data[0] == 'B' && data[1] == 'M':
		return Bitmap
	case utf8.Valid(data):
		return Utf8Text
	}
	return Octets
}
