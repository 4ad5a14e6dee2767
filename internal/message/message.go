// Package message defines the interchange daemon protocol.
//
// All messages are newline-delimited JSON. Payloads are always base64-encoded
// so that binary content (images, etc.) is safe to embed in JSON strings.
// Each message is exactly one line: <json>\n
//
// A client sends one request and reads its reply. WATCH is the exception: it
// turns the connection into a stream of CHANGED messages, kept alive with
// PING/PONG.
package message

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of message.
type Type string

const (
	TypeAuth           Type = "AUTH"
	TypeOK             Type = "OK"
	TypePublish        Type = "PUBLISH"
	TypePaste          Type = "PASTE"
	TypePasteResult    Type = "PASTE_RESULT"
	TypeTargets        Type = "TARGETS"
	TypeTargetsResult  Type = "TARGETS_RESULT"
	TypeWatch          Type = "WATCH"
	TypeChanged        Type = "CHANGED"
	TypeStatus         Type = "STATUS"
	TypeStatusResponse Type = "STATUS_RESPONSE"
	TypePing           Type = "PING"
	TypePong           Type = "PONG"
	TypeError          Type = "ERROR"
)

// Item is a single clipboard representation.
// Data is always base64-encoded.
type Item struct {
	Format string `json:"format"`
	Data   string `json:"data"` // base64-encoded
}

// NewItem creates an Item from raw bytes in the given format.
func NewItem(format string, data []byte) Item {
	return Item{
		Format: format,
		Data:   base64.StdEncoding.EncodeToString(data),
	}
}

// Decode returns the raw bytes of the item payload.
func (it Item) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(it.Data)
}

// Image describes a decoded image paste.
type Image struct {
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

// SlotInfo is one slot in a STATUS_RESPONSE.
type SlotInfo struct {
	Slot   string    `json:"slot"`
	Owned  bool      `json:"owned"`
	Format string    `json:"format,omitempty"`
	Length int       `json:"length,omitempty"`
	Since  time.Time `json:"since,omitzero"`
}

// PeerInfo describes a client connected to the daemon.
type PeerInfo struct {
	ID          string    `json:"id"`
	Addr        string    `json:"addr"`
	Watching    bool      `json:"watching"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Status is the body of a STATUS_RESPONSE.
type Status struct {
	Version   string     `json:"version,omitempty"`
	Transport string     `json:"transport"`
	Ownership string     `json:"ownership"`
	Slots     []SlotInfo `json:"slots"`
	Reads     int        `json:"reads"`
	Drag      string     `json:"drag,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	Peers     []PeerInfo `json:"peers,omitempty"`
}

// Message is the top-level wire envelope.
type Message struct {
	Type Type `json:"type"`

	// PUBLISH, PASTE, TARGETS, CHANGED and their replies name a slot:
	// clipboard, primary or both.
	Slot string `json:"slot,omitempty"`

	// PASTE asks for Format; PUBLISH and PASTE_RESULT carry one Item.
	Format string `json:"format,omitempty"`
	Items  []Item `json:"items,omitempty"`

	// PASTE_RESULT
	Image   *Image `json:"image,omitempty"`
	Partial bool   `json:"partial,omitempty"`

	// TARGETS_RESULT
	Formats []string `json:"formats,omitempty"`

	// AUTH: token is base64-encoded.
	Payload string `json:"payload,omitempty"`

	// STATUS_RESPONSE
	Status *Status `json:"status,omitempty"`

	// ERROR
	Error string `json:"error,omitempty"`
}

// Encode serialises the message to JSON without a trailing newline.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode deserialises a message from raw JSON bytes.
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("message decode: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("message decode: missing type")
	}
	return &m, nil
}

// Errorf builds an ERROR reply.
func Errorf(format string, args ...any) *Message {
	return &Message{Type: TypeError, Error: fmt.Sprintf(format, args...)}
}

// Err returns the error carried by an ERROR message, or nil.
func (m *Message) Err() error {
	if m.Type != TypeError {
		return nil
	}
	return fmt.Errorf("daemon: %s", m.Error)
}

// Data returns the decoded first item, or nil when there is none.
func (m *Message) Data() ([]byte, error) {
	if len(m.Items) == 0 {
		return nil, nil
	}
	return m.Items[0].Decode()
}
