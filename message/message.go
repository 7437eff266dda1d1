// Package message defines the hub protocol messages that are exchanged
// over a hub connection, along with the record-separator framing used
// to delimit them on the wire.
//
// Each message is a JSON object terminated by a single RecordSeparator
// byte. The handshake messages are framed the same way but carry no
// type code. Hub messages are decoded once, at parse time, into one of
// the concrete types of the closed Msg variant.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// RecordSeparator terminates every message sent or received on a hub
// connection.
const RecordSeparator = '\x1e'

// Protocol and ProtocolVersion identify the hub protocol negotiated
// during the handshake.
const (
	Protocol        = "json"
	ProtocolVersion = 1
)

var (
	// ErrMalformed is returned when a frame is not valid JSON.
	ErrMalformed = errors.New("hubconn/message: malformed JSON frame")

	// ErrNotObject is returned when a frame is valid JSON but its top-level
	// value is not an object.
	ErrNotObject = errors.New("hubconn/message: frame is not a JSON object")

	// ErrMissingField is returned when a field required by the message
	// type is absent or has the wrong JSON type.
	ErrMissingField = errors.New("hubconn/message: missing or invalid field")

	// ErrUnknownType is returned when the type code of a frame is outside
	// of the known set of message types.
	ErrUnknownType = errors.New("hubconn/message: unknown message type")
)

// Type is the type code of a hub message.
type Type int

// List of hub message types, as defined by the hub protocol.
const (
	InvocationMsg Type = iota + 1
	StreamItemMsg
	CompletionMsg
	StreamInvocationMsg
	CancelInvocationMsg
	PingMsg
	CloseMsg
)

var typeNames = [...]string{
	InvocationMsg:       "Invocation",
	StreamItemMsg:       "StreamItem",
	CompletionMsg:       "Completion",
	StreamInvocationMsg: "StreamInvocation",
	CancelInvocationMsg: "CancelInvocation",
	PingMsg:             "Ping",
	CloseMsg:            "Close",
}

func (t Type) String() string {
	if t.IsStd() {
		return typeNames[t]
	}
	return fmt.Sprintf("<unknown: %d>", t)
}

// IsStd returns true if t is one of the message types defined by the
// hub protocol.
func (t Type) IsStd() bool {
	return t >= InvocationMsg && t <= CloseMsg
}

// IsServerSent returns true if t is a message type that a server may
// legitimately send to a client. StreamInvocation and CancelInvocation
// only ever flow from the client to the server.
func (t Type) IsServerSent() bool {
	return t.IsStd() && t != StreamInvocationMsg && t != CancelInvocationMsg
}

// Msg is a decoded hub message. The set of implementations is closed,
// it is one of *Invocation, *StreamItem, *Completion, *StreamInvocation,
// *CancelInvocation, *Ping or *Close.
type Msg interface {
	Type() Type
	hubMsg()
}

// Invocation requests the execution of the Target method with the
// provided Arguments. If InvocationID is empty, no Completion is expected
// in return.
type Invocation struct {
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target"`
	Arguments    []json.RawMessage `json:"arguments"`
}

// StreamItem carries one item of a streaming invocation. Streaming is not
// supported by this package, the message is recognized and ignored.
type StreamItem struct {
	InvocationID string          `json:"invocationId,omitempty"`
	Item         json.RawMessage `json:"item,omitempty"`
}

// Completion is the terminal response to an invocation. Result is nil if
// the server did not send a result field; it holds the JSON null literal
// if it sent an explicit null.
type Completion struct {
	InvocationID string          `json:"invocationId"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// HasError returns true if the server sent an error for the invocation.
func (c *Completion) HasError() bool {
	return c.Error != ""
}

// StreamInvocation starts a streaming invocation. Only clients send it.
type StreamInvocation struct {
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target"`
	Arguments    []json.RawMessage `json:"arguments"`
}

// CancelInvocation cancels a streaming invocation. Only clients send it.
type CancelInvocation struct {
	InvocationID string `json:"invocationId"`
}

// Ping is a keep-alive message.
type Ping struct{}

// Close is sent by the server when it closes the connection.
type Close struct {
	Error string `json:"error,omitempty"`
}

func (*Invocation) Type() Type       { return InvocationMsg }
func (*StreamItem) Type() Type       { return StreamItemMsg }
func (*Completion) Type() Type       { return CompletionMsg }
func (*StreamInvocation) Type() Type { return StreamInvocationMsg }
func (*CancelInvocation) Type() Type { return CancelInvocationMsg }
func (*Ping) Type() Type             { return PingMsg }
func (*Close) Type() Type            { return CloseMsg }

func (*Invocation) hubMsg()       {}
func (*StreamItem) hubMsg()       {}
func (*Completion) hubMsg()       {}
func (*StreamInvocation) hubMsg() {}
func (*CancelInvocation) hubMsg() {}
func (*Ping) hubMsg()             {}
func (*Close) hubMsg()            {}

// MarshalJSON encodes the invocation with its type code first, as
// {"type":1,"invocationId":...,"target":...,"arguments":[...]}.
func (m *Invocation) MarshalJSON() ([]byte, error) {
	args := m.Arguments
	if args == nil {
		args = []json.RawMessage{}
	}
	return json.Marshal(struct {
		Type         Type              `json:"type"`
		InvocationID string            `json:"invocationId,omitempty"`
		Target       string            `json:"target"`
		Arguments    []json.RawMessage `json:"arguments"`
	}{m.Type(), m.InvocationID, m.Target, args})
}

// MarshalJSON encodes the completion with its type code first.
func (m *Completion) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type         Type            `json:"type"`
		InvocationID string          `json:"invocationId"`
		Result       json.RawMessage `json:"result,omitempty"`
		Error        string          `json:"error,omitempty"`
	}{m.Type(), m.InvocationID, m.Result, m.Error})
}

// NewInvocation creates an invocation of target, marshaling each value of
// args as a positional argument. If id is empty, the invocation does not
// expect a completion.
func NewInvocation(id, target string, args ...interface{}) (*Invocation, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal argument %d of %s", i, target)
		}
		raw = append(raw, b)
	}
	return &Invocation{
		InvocationID: id,
		Target:       target,
		Arguments:    raw,
	}, nil
}

// HandshakeRequest is the first message sent by a client once the
// connection is established.
type HandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// NewHandshakeRequest returns the handshake request for the JSON hub
// protocol.
func NewHandshakeRequest() *HandshakeRequest {
	return &HandshakeRequest{Protocol: Protocol, Version: ProtocolVersion}
}

// Encode marshals v as JSON and appends the record separator, returning
// the resulting frame.
func Encode(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.Grow(len(b) + 1)
	sb.Write(b)
	sb.WriteByte(RecordSeparator)
	return sb.String(), nil
}

// Split splits a raw payload into its frames. Only segments terminated by
// a RecordSeparator are returned, in order, and empty segments are
// skipped. Any trailing bytes after the last separator are returned as
// rest.
func Split(raw string) (frames []string, rest string) {
	for {
		ix := strings.IndexByte(raw, RecordSeparator)
		if ix < 0 {
			return frames, raw
		}
		if ix > 0 {
			frames = append(frames, raw[:ix])
		}
		raw = raw[ix+1:]
	}
}

// Object is a frame parsed as a JSON object, with its raw field values.
type Object map[string]json.RawMessage

// ParseObject parses frame as a JSON object. It returns ErrMalformed if
// frame is not valid JSON and ErrNotObject if its top-level value is not
// an object.
func ParseObject(frame string) (Object, error) {
	b := []byte(frame)
	if !json.Valid(b) {
		return nil, errors.Wrapf(ErrMalformed, "%q", truncate(frame))
	}
	if t := bytes.TrimLeft(b, " \t\r\n"); len(t) == 0 || t[0] != '{' {
		return nil, errors.Wrapf(ErrNotObject, "%q", truncate(frame))
	}

	var obj Object
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	return obj, nil
}

// Has returns true if the object has a field named key.
func (o Object) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// StringField returns the value of the string field key. It fails with
// ErrMissingField if the field is absent or is not a JSON string.
func (o Object) StringField(key string) (string, error) {
	raw, ok := o[key]
	if !ok {
		return "", errors.Wrapf(ErrMissingField, "%s", key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", errors.Wrapf(ErrMissingField, "%s: not a string", key)
	}
	return s, nil
}

func (o Object) optString(key string) (string, error) {
	if !o.Has(key) {
		return "", nil
	}
	return o.StringField(key)
}

func (o Object) array(key string) ([]json.RawMessage, error) {
	raw, ok := o[key]
	if !ok {
		return nil, errors.Wrapf(ErrMissingField, "%s", key)
	}
	var a []json.RawMessage
	if err := json.Unmarshal(raw, &a); err != nil || a == nil {
		return nil, errors.Wrapf(ErrMissingField, "%s: not an array", key)
	}
	return a, nil
}

// MsgType returns the type code of the object. It fails with
// ErrMissingField if there is no numeric type field.
func (o Object) MsgType() (Type, error) {
	raw, ok := o["type"]
	if !ok {
		return 0, errors.Wrap(ErrMissingField, "type")
	}
	var t int
	if err := json.Unmarshal(raw, &t); err != nil {
		return 0, errors.Wrap(ErrMissingField, "type: not an integer")
	}
	return Type(t), nil
}

// Decode decodes the object into the concrete hub message identified by
// its type code.
func Decode(o Object) (Msg, error) {
	t, err := o.MsgType()
	if err != nil {
		return nil, err
	}

	switch t {
	case InvocationMsg:
		var m Invocation
		if m.Target, err = o.StringField("target"); err != nil {
			return nil, err
		}
		if m.Arguments, err = o.array("arguments"); err != nil {
			return nil, err
		}
		if m.InvocationID, err = o.optString("invocationId"); err != nil {
			return nil, err
		}
		return &m, nil

	case StreamItemMsg:
		var m StreamItem
		if m.InvocationID, err = o.optString("invocationId"); err != nil {
			return nil, err
		}
		m.Item = o["item"]
		return &m, nil

	case CompletionMsg:
		var m Completion
		if m.InvocationID, err = o.StringField("invocationId"); err != nil {
			return nil, err
		}
		if raw, ok := o["result"]; ok {
			m.Result = raw
			if len(m.Result) == 0 {
				m.Result = json.RawMessage("null")
			}
		}
		if m.Error, err = o.optString("error"); err != nil {
			return nil, err
		}
		return &m, nil

	case StreamInvocationMsg:
		var m StreamInvocation
		m.Target, _ = o.optString("target")
		m.InvocationID, _ = o.optString("invocationId")
		return &m, nil

	case CancelInvocationMsg:
		var m CancelInvocation
		m.InvocationID, _ = o.optString("invocationId")
		return &m, nil

	case PingMsg:
		return &Ping{}, nil

	case CloseMsg:
		var m Close
		if m.Error, err = o.optString("error"); err != nil {
			return nil, err
		}
		return &m, nil

	default:
		return nil, errors.Wrapf(ErrUnknownType, "%d", int(t))
	}
}

// Parse parses and decodes a single frame.
func Parse(frame string) (Msg, error) {
	o, err := ParseObject(frame)
	if err != nil {
		return nil, err
	}
	return Decode(o)
}

const maxQuoted = 64

func truncate(s string) string {
	if len(s) <= maxQuoted {
		return s
	}
	return s[:maxQuoted] + "..."
}
