package x11

import (
	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
)

// server is the part of the X protocol the selection and drag state machines
// speak. Requests that only need the connection for a reply (owner queries,
// pointer grabs) go to the connection directly.
type server interface {
	ChangeProperty(mode byte, win xproto.Window, prop, typ xproto.Atom, format byte, data []byte)
	DeleteProperty(win xproto.Window, prop xproto.Atom)
	GetProperty(del bool, win xproto.Window, prop xproto.Atom, offset, length uint32) (*xproto.GetPropertyReply, error)
	SetEventMask(win xproto.Window, mask uint32)
	ConvertSelection(requestor xproto.Window, sel, target, prop xproto.Atom, when xproto.Timestamp)
	SendEvent(dest xproto.Window, ev []byte)
	UngrabPointer()
}

// xserver sends requests over a live connection without waiting for
// replies, except GetProperty.
type xserver struct{ c *xgb.Conn }

func (x xserver) ChangeProperty(mode byte, win xproto.Window, prop, typ xproto.Atom, format byte, data []byte) {
	n := uint32(len(data))
	if format > 8 {
		n /= uint32(format / 8)
	}
	xproto.ChangeProperty(x.c, mode, win, prop, typ, format, n, data)
}

func (x xserver) DeleteProperty(win xproto.Window, prop xproto.Atom) {
	xproto.DeleteProperty(x.c, win, prop)
}

func (x xserver) GetProperty(del bool, win xproto.Window, prop xproto.Atom, offset, length uint32) (*xproto.GetPropertyReply, error) {
	return xproto.GetProperty(x.c, del, win, prop, xproto.GetPropertyTypeAny, offset, length).Reply()
}

func (x xserver) SetEventMask(win xproto.Window, mask uint32) {
	xproto.ChangeWindowAttributes(x.c, win, xproto.CwEventMask, []uint32{mask})
}

func (x xserver) ConvertSelection(requestor xproto.Window, sel, target, prop xproto.Atom, when xproto.Timestamp) {
	xproto.ConvertSelection(x.c, requestor, sel, target, prop, when)
}

func (x xserver) SendEvent(dest xproto.Window, ev []byte) {
	xproto.SendEvent(x.c, false, dest, xproto.EventMaskNoEvent, string(ev))
}

func (x xserver) UngrabPointer() {
	xproto.UngrabPointer(x.c, xproto.TimeCurrentTime)
}
