package format

import (
	"errors"
	"slices"
)

// ErrNegotiationFailed is returned by Catalog.Resolve when the peer offers
// nothing the caller ranked. The accompanying tag is the catalog default.
var ErrNegotiationFailed = errors.New("no common format")

// Negotiate picks the offered tag ranked best in wanted (wanted[0] is best).
// The order of offered does not matter; duplicates are harmless. It reports
// false when no offered tag appears in wanted, including for an empty offer.
func Negotiate(wanted, offered []Tag) (Tag, bool) {
	best := -1
	for _, t := range offered {
		rank := slices.Index(wanted, t)
		if rank < 0 {
			continue
		}
		if best < 0 || rank < best {
			best = rank
			if rank == 0 {
				break
			}
		}
	}
	if best < 0 {
		return "", false
	}
	return wanted[best], true
}

// Catalog holds the ranked preference lists for each payload family.
type Catalog struct {
	Text    []Tag
	Image   []Tag
	Default Tag
}

// DefaultCatalog prefers UTF-8 over legacy text and PNG over BMP, falling back
// to plain text when a peer offers nothing recognisable.
func DefaultCatalog() Catalog {
	return Catalog{
		Text:    []Tag{Utf8Text, PlainText},
		Image:   []Tag{Png, Bitmap},
		Default: PlainText,
	}
}

// Wanted returns the ranked list to negotiate with when the caller asks for
// kind: kind itself first, then the rest of its family.
func (c Catalog) Wanted(kind Tag) []Tag {
	var family []Tag
	switch {
	case kind.IsImage():
		family = c.Image
	case kind == UriList:
		family = []Tag{UriList}
	case kind.IsText():
		family = c.Text
	}
	out := make([]Tag, 0, len(family)+1)
	out = append(out, kind)
	for _, t := range family {
		if t != kind {
			out = append(out, t)
		}
	}
	return out
}

// Offer returns the tags an owner holding data of kind can serve, kind first.
// Text can always be served as either text tag and images in either encoding;
// opaque kinds are only served as themselves.
func (c Catalog) Offer(kind Tag) []Tag {
	switch {
	case kind == UriList:
		return []Tag{UriList, Utf8Text, PlainText}
	case kind.IsText(), kind.IsImage():
		return c.Wanted(kind)
	default:
		return []Tag{kind}
	}
}

// Resolve negotiates wanted against offered. When nothing matches it returns
// the catalog default along with ErrNegotiationFailed, mirroring the legacy
// behaviour of asking for plain text regardless.
func (c Catalog) Resolve(wanted, offered []Tag) (Tag, error) {
	if t, ok := Negotiate(wanted, offered); ok {
		return t, nil
	}
	return c.Default, ErrNegotiationFailed
}
