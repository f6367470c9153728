package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ConfigEntry is one inbound config directive: a dotted path (as its
// component segments) and the value to apply (spec.md §4.G
// `{n:[path…], v: value}`).
type ConfigEntry struct {
	Path []string `cbor:"n"`
	// Value is left as interface{} because its shape depends on the
	// command: a bool to enable/disable a group, a string for some
	// administrative commands. The command table decodes it according to
	// the handler it dispatches to.
	Value interface{} `cbor:"v"`
}

// CommandDocument is the inbound payload the CommandDispatcher parses
// (spec.md §4.G `{ver, ts, sha256, config:[...]}`).
type CommandDocument struct {
	Ver    string        `cbor:"ver"`
	Ts     uint64        `cbor:"ts"`
	SHA256 string        `cbor:"sha256"`
	Config []ConfigEntry `cbor:"config"`
}

// DecodeCommand parses an inbound command document, enforcing the
// top-level sanity checks spec.md §4.G names explicitly: `ver` and
// `sha256` must be text strings, `config` must be an array. Any other
// structural problem (wrong top-level type, a config entry that isn't
// {n,v}) also maps to ErrInvalidArgument, matching "failure at any step
// short-circuits to payload_error" one level up in the dispatcher.
func DecodeCommand(data []byte) (CommandDocument, error) {
	var raw struct {
		Ver    interface{}   `cbor:"ver"`
		Ts     uint64        `cbor:"ts"`
		SHA256 interface{}   `cbor:"sha256"`
		Config []ConfigEntry `cbor:"config"`
	}
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return CommandDocument{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	ver, ok := raw.Ver.(string)
	if !ok {
		return CommandDocument{}, fmt.Errorf("%w: ver must be a string", ErrInvalidArgument)
	}
	sha, ok := raw.SHA256.(string)
	if !ok {
		return CommandDocument{}, fmt.Errorf("%w: sha256 must be a string", ErrInvalidArgument)
	}
	if raw.Config == nil {
		return CommandDocument{}, fmt.Errorf("%w: config must be an array", ErrInvalidArgument)
	}
	return CommandDocument{Ver: ver, Ts: raw.Ts, SHA256: sha, Config: raw.Config}, nil
}

// EncodeCommand serializes a command document, the inverse of
// DecodeCommand. Used by anything constructing a command to deliver to
// an agent (an operator tool, a test) rather than decoding one received
// over a transport.
func EncodeCommand(doc CommandDocument) ([]byte, error) {
	out, err := encMode.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("wire: encode command: %w", err)
	}
	return out, nil
}

// ReplyStatus is the outcome reported back for a processed command
// document (spec.md §4.G `{status: success | payload_error |
// internal_error}`).
type ReplyStatus string

const (
	StatusSuccess       ReplyStatus = "success"
	StatusPayloadError  ReplyStatus = "payload_error"
	StatusInternalError ReplyStatus = "internal_error"
)

// Reply is the CommandDispatcher's response document.
type Reply struct {
	Status ReplyStatus `cbor:"status"`
}

// EncodeReply serializes a Reply.
func EncodeReply(status ReplyStatus) ([]byte, error) {
	out, err := encMode.Marshal(Reply{Status: status})
	if err != nil {
		return nil, fmt.Errorf("wire: encode reply: %w", err)
	}
	return out, nil
}

// DecodeReply parses a Reply, the inverse of EncodeReply.
func DecodeReply(data []byte) (Reply, error) {
	var r Reply
	if err := cbor.Unmarshal(data, &r); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return r, nil
}
