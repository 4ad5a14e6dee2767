package x11

import (
	"encoding/binary"
	"fmt"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil"
	"github.com/BurntSushi/xgbutil/xprop"

	"go.klb.dev/interchange/internal/format"
)

// poolSize is how many conversions can be in flight at once.
const poolSize = 8

// atoms holds every atom the transport uses on the hot path, interned once at
// startup so the loop never waits on InternAtom for them.
type atoms struct {
	clipboard xproto.Atom
	primary   xproto.Atom
	targets   xproto.Atom
	timestamp xproto.Atom
	multiple  xproto.Atom
	saveTargs xproto.Atom
	incr      xproto.Atom
	stamp     xproto.Atom

	xdndAware     xproto.Atom
	xdndSelection xproto.Atom
	xdndTypeList  xproto.Atom
	xdndEnter     xproto.Atom
	xdndPosition  xproto.Atom
	xdndStatus    xproto.Atom
	xdndLeave     xproto.Atom
	xdndDrop      xproto.Atom
	xdndFinished  xproto.Atom
	actionCopy    xproto.Atom
	actionMove    xproto.Atom
	actionLink    xproto.Atom

	props []xproto.Atom
}

func internAtoms(xu *xgbutil.XUtil) (atoms, error) {
	var a atoms
	fixed := []struct {
		dst  *xproto.Atom
		name string
	}{
		{&a.clipboard, "CLIPBOARD"},
		{&a.primary, "PRIMARY"},
		{&a.targets, "TARGETS"},
		{&a.timestamp, "TIMESTAMP"},
		{&a.multiple, "MULTIPLE"},
		{&a.saveTargs, "SAVE_TARGETS"},
		{&a.incr, "INCR"},
		{&a.stamp, "INTERCHANGE_TIMESTAMP"},
		{&a.xdndAware, "XdndAware"},
		{&a.xdndSelection, "XdndSelection"},
		{&a.xdndTypeList, "XdndTypeList"},
		{&a.xdndEnter, "XdndEnter"},
		{&a.xdndPosition, "XdndPosition"},
		{&a.xdndStatus, "XdndStatus"},
		{&a.xdndLeave, "XdndLeave"},
		{&a.xdndDrop, "XdndDrop"},
		{&a.xdndFinished, "XdndFinished"},
		{&a.actionCopy, "XdndActionCopy"},
		{&a.actionMove, "XdndActionMove"},
		{&a.actionLink, "XdndActionLink"},
	}
	for _, f := range fixed {
		id, err := xprop.Atm(xu, f.name)
		if err != nil {
			return a, err
		}
		*f.dst = id
	}
	for i := range poolSize {
		id, err := xprop.Atm(xu, fmt.Sprintf("INTERCHANGE_%d", i))
		if err != nil {
			return a, err
		}
		a.props = append(a.props, id)
	}
	// Warm the cache for every canonical format name.
	for _, tag := range []format.Tag{format.Utf8Text, format.PlainText, format.UriList, format.Png, format.Bitmap} {
		for _, n := range tag.Names() {
			if _, err := xprop.Atm(xu, n); err != nil {
				return a, err
			}
		}
	}
	return a, nil
}

// meta reports whether name is a protocol target rather than a data format.
func meta(name string) bool {
	switch name {
	case "TARGETS", "TIMESTAMP", "MULTIPLE", "SAVE_TARGETS", "DELETE", "INSERT_SELECTION", "INSERT_PROPERTY":
		return true
	}
	return false
}

// legacyName is the target name tried first when the peer's own list is not
// known.
func legacyName(tag format.Tag) string {
	switch tag {
	case format.Utf8Text:
		return "UTF8_STRING"
	case format.PlainText:
		return "STRING"
	}
	return tag.Names()[0]
}

// target is one advertised atom and the canonical kind behind it.
type target struct {
	atom xproto.Atom
	tag  format.Tag
}

func lookupTarget(ts []target, a xproto.Atom) (format.Tag, bool) {
	for _, t := range ts {
		if t.atom == a {
			return t.tag, true
		}
	}
	return "", false
}

func targetAtoms(ts []target) []xproto.Atom {
	out := make([]xproto.Atom, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.atom)
	}
	return out
}

// encodeAtoms packs atoms as format-32 property data. xgb speaks the
// little-endian byte order it announces at connection setup.
func encodeAtoms(as []xproto.Atom) []byte {
	buf := make([]byte, 4*len(as))
	for i, a := range as {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(a))
	}
	return buf
}

func decodeAtoms(b []byte) []xproto.Atom {
	out := make([]xproto.Atom, 0, len(b)/4)
	for ; len(b) >= 4; b = b[4:] {
		out = append(out, xproto.Atom(binary.LittleEndian.Uint32(b)))
	}
	return out
}

func encode32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

// ownerToken folds the owner window and its selection timestamp into one
// value that changes whenever ownership does.
func ownerToken(owner xproto.Window, ts xproto.Timestamp) uint64 {
	return uint64(owner)<<32 | uint64(ts)
}
