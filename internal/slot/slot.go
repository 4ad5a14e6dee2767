// Package slot models the logical clipboards a process can own: the primary
// selection and the system clipboard.
package slot

import (
	"fmt"
	"strings"
	"time"

	"go.klb.dev/interchange/internal/format"
)

// ID names a logical clipboard.
type ID int

const (
	Primary ID = iota
	Clipboard
	// Both is an alias that fans out to Clipboard and Primary, in that order.
	Both
)

// Count is the number of physical slots; Both is not one of them.
const Count = 2

// All lists the physical slots.
var All = [Count]ID{Primary, Clipboard}

func (id ID) String() string {
	switch id {
	case Primary:
		return "primary"
	case Clipboard:
		return "clipboard"
	case Both:
		return "both"
	default:
		return fmt.Sprintf("slot(%d)", int(id))
	}
}

// ParseID accepts the String forms plus the X11 selection names.
func ParseID(s string) (ID, error) {
	switch strings.ToLower(s) {
	case "primary", "p":
		return Primary, nil
	case "clipboard", "c", "", "default":
		return Clipboard, nil
	case "both", "b":
		return Both, nil
	}
	return 0, fmt.Errorf("unknown slot %q (want clipboard, primary or both)", s)
}

// Valid reports whether id is a physical slot.
func (id ID) Valid() bool { return id == Primary || id == Clipboard }

// Expand resolves the Both alias into its physical slots in publish order.
func (id ID) Expand() []ID {
	if id == Both {
		return []ID{Clipboard, Primary}
	}
	return []ID{id}
}

// Slot is the local state of one clipboard.
//
// Buffer is only meaningful while Owned is true; once ownership moves to
// another process the buffer is stale and must not be served.
type Slot struct {
	Owned          bool
	Buffer         []byte
	Kind           format.Tag
	DeclaredLength int
	Stamp          time.Time
	// Generation increases on every publish and revoke so in-flight work can
	// tell whether the slot changed underneath it.
	Generation uint64
}

// Table is the fixed set of slots owned by one service instance.
type Table struct {
	slots [Count]Slot
}

// Publish makes this process the owner of id with a private copy of data.
// The previous buffer is left untouched, so anything still holding it keeps a
// consistent frozen copy.
func (t *Table) Publish(id ID, kind format.Tag, data []byte, now time.Time) Slot {
	s := &t.slots[id]
	buf := make([]byte, len(data))
	copy(buf, data)
	*s = Slot{
		Owned:          true,
		Buffer:         buf,
		Kind:           kind,
		DeclaredLength: len(buf),
		Stamp:          now,
		Generation:     s.Generation + 1,
	}
	return *s
}

// Revoke drops local ownership of id. It reports whether id was owned.
func (t *Table) Revoke(id ID) bool {
	s := &t.slots[id]
	was := s.Owned
	*s = Slot{Generation: s.Generation + 1}
	return was
}

// Owned returns the slot when this process owns it.
func (t *Table) Owned(id ID) (Slot, bool) {
	s := t.slots[id]
	if !s.Owned {
		return Slot{Generation: s.Generation}, false
	}
	return s, true
}

// Generation returns the current generation of id.
func (t *Table) Generation(id ID) uint64 { return t.slots[id].Generation }

// Reset revokes every slot.
func (t *Table) Reset() {
	for _, id := range All {
		t.Revoke(id)
	}
}
