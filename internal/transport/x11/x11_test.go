package x11

import (
	"testing"

	"github.com/BurntSushi/xgb/xproto"
	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"

	"go.klb.dev/interchange/internal/format"
)

func TestAtoms_RoundTrip(t *testing.T) {
	in := []xproto.Atom{1, 4, 0xdeadbeef, 300}
	b := encodeAtoms(in)
	require.Len(t, b, 16)
	assert.Equal(t, []byte{4, 0, 0, 0}, b[4:8], "little endian")
	assert.Equal(t, in, decodeAtoms(b))
}

func TestDecodeAtoms_IgnoresTrailingBytes(t *testing.T) {
	assert.Equal(t, []xproto.Atom{7}, decodeAtoms([]byte{7, 0, 0, 0, 9, 9}))
	assert.Empty(t, decodeAtoms(nil))
}

func TestEncode32(t *testing.T) {
	assert.Equal(t, []byte{0x78, 0x56, 0x34, 0x12}, encode32(0x12345678))
}

func TestOwnerToken_DistinguishesOwnerAndTime(t *testing.T) {
	a := ownerToken(10, 500)
	assert.NotEqual(t, a, ownerToken(11, 500))
	assert.NotEqual(t, a, ownerToken(10, 501))
	assert.Equal(t, a, ownerToken(10, 500))
	assert.Zero(t, ownerToken(xproto.WindowNone, 0))
}

func TestChunkSize(t *testing.T) {
	assert.Equal(t, 65535, chunkSize(65535, 0))
	assert.Equal(t, 4096, chunkSize(100, 0), "floor")
	assert.Equal(t, 10, chunkSize(65535, 10), "override")
}

func TestLegacyName(t *testing.T) {
	assert.Equal(t, "UTF8_STRING", legacyName(format.Utf8Text))
	assert.Equal(t, "STRING", legacyName(format.PlainText))
	assert.Equal(t, "image/png", legacyName(format.Png))
	assert.Equal(t, "application/x-thing", legacyName(format.Tag("application/x-thing")))
}

func TestMeta(t *testing.T) {
	for _, n := range []string{"TARGETS", "TIMESTAMP", "MULTIPLE", "SAVE_TARGETS"} {
		assert.True(t, meta(n), n)
	}
	for _, n := range []string{"UTF8_STRING", "image/png", "text/uri-list"} {
		assert.False(t, meta(n), n)
	}
}

func TestLookupTarget(t *testing.T) {
	ts := []target{{atom: 30, tag: format.Utf8Text}, {atom: 31, tag: format.PlainText}}
	tag, ok := lookupTarget(ts, 31)
	require.True(t, ok)
	assert.Equal(t, format.PlainText, tag)
	_, ok = lookupTarget(ts, 99)
	assert.False(t, ok)
	assert.Equal(t, []xproto.Atom{30, 31}, targetAtoms(ts))
}

func TestPoint_PackUnpack(t *testing.T) {
	for _, p := range [][2]int16{{0, 0}, {100, 200}, {-5, 7}, {32767, -32768}} {
		x, y := unpackPoint(packPoint(p[0], p[1]))
		assert.Equal(t, p[0], x)
		assert.Equal(t, p[1], y)
	}
	assert.Equal(t, uint32(100<<16|200), packPoint(100, 200))
}

func TestEnter_FewTypesInline(t *testing.T) {
	d := packEnter(77, 5, []xproto.Atom{10, 11})
	require.Len(t, d, 5)
	assert.Equal(t, uint32(77), d[0])

	version, more, types := unpackEnter(d)
	assert.Equal(t, uint32(5), version)
	assert.False(t, more)
	assert.Equal(t, []xproto.Atom{10, 11}, types)
}

func TestEnter_ManyTypesSetsFlag(t *testing.T) {
	d := packEnter(77, 5, []xproto.Atom{10, 11, 12, 13})
	version, more, types := unpackEnter(d)
	assert.Equal(t, uint32(5), version)
	assert.True(t, more, "the rest is in XdndTypeList")
	assert.Equal(t, []xproto.Atom{10, 11, 12}, types)
}

func TestPad5(t *testing.T) {
	assert.Equal(t, []uint32{1, 2, 0, 0, 0}, pad5([]uint32{1, 2}))
}

func TestWorker_RunsJobsInOrder(t *testing.T) {
	posted := make(chan func(), 16)
	w := newWorker(func(f func()) bool { posted <- f; return true })
	go w.run()
	defer w.close()

	var got []int
	for i := range 5 {
		w.do(func() func() {
			return func() { got = append(got, i) }
		})
	}
	w.do(func() func() { return nil })
	for range 5 {
		(<-posted)()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestWorker_ClosedDropsJobs(t *testing.T) {
	w := newWorker(func(func()) bool { return true })
	w.close()
	w.do(func() func() { panic("must not run") })
	w.run()
	assert.Empty(t, w.jobs)
}
