package whirl

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is the envelope exchanged between nodes: one JSON object per line
// on the wire. Body is the raw body object; every body carries a "type"
// discriminator, requests carry "msg_id", and responses carry "in_reply_to".
//
// A Message is immutable once constructed; ownership passes to the channel
// when it is sent.
type Message struct {
	Src  string          `json:"src"`
	Dest string          `json:"dest"`
	Body json.RawMessage `json:"body"`
}

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	return fmt.Sprintf("Message(%s → %s, %s)", m.Src, m.Dest, string(m.Body))
}

// bodyHeader is the portion of a body common to all message types.
type bodyHeader struct {
	Type      string  `json:"type"`
	MsgID     *uint32 `json:"msg_id"`
	InReplyTo *uint32 `json:"in_reply_to"`
}

// A Request is an inbound message that expects a reply. Body is the complete
// body object, including the fields already unpacked into the struct.
type Request struct {
	Src   string          // the node or client that sent the request
	Type  string          // the body type discriminator
	MsgID *uint32         // the sender's correlation ID, nil if absent
	Body  json.RawMessage // the full body, for the handler to unmarshal
}

// String returns a human-friendly rendering of the request.
func (r *Request) String() string {
	return fmt.Sprintf("Request(%s, from=%s, %s)", r.Type, r.Src, string(r.Body))
}

// A Response is an inbound message answering a previous outbound send,
// identified structurally by the presence of an "in_reply_to" field.
type Response struct {
	Src       string          // the node that sent the response
	Type      string          // the body type discriminator
	InReplyTo *uint32         // the correlation ID being answered, nil if absent
	Body      json.RawMessage // the full body, for the handler to unmarshal
}

// String returns a human-friendly rendering of the response.
func (r *Response) String() string {
	return fmt.Sprintf("Response(%s, from=%s, %s)", r.Type, r.Src, string(r.Body))
}

// split classifies m as a request or a response by body shape. A body with an
// "in_reply_to" field is a response; anything else is a request. Exactly one
// of the results is non-nil on success. An unparseable or untyped body is a
// protocol fatal error.
func (m *Message) split() (*Request, *Response, error) {
	var hdr bodyHeader
	if err := json.Unmarshal(m.Body, &hdr); err != nil {
		return nil, nil, fmt.Errorf("invalid message body: %w", err)
	}
	if hdr.Type == "" {
		return nil, nil, errors.New("message body missing type")
	}
	if hdr.InReplyTo != nil {
		return nil, &Response{Src: m.Src, Type: hdr.Type, InReplyTo: hdr.InReplyTo, Body: m.Body}, nil
	}
	return &Request{Src: m.Src, Type: hdr.Type, MsgID: hdr.MsgID, Body: m.Body}, nil, nil
}

// encodeBody marshals body, which must encode to a JSON object, and splices
// in the given correlation fields. Nil fields are omitted.
func encodeBody(body any, msgID, inReplyTo *uint32) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding body: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("body must be a JSON object: %w", err)
	}
	if msgID != nil {
		fields["msg_id"], _ = json.Marshal(*msgID)
	}
	if inReplyTo != nil {
		fields["in_reply_to"], _ = json.Marshal(*inReplyTo)
	}
	return json.Marshal(fields)
}

// Init is the body of the initialization handshake, the first message every
// node receives. NodeIDs is the full cluster membership including the node
// itself.
type Init struct {
	NodeID  string   `json:"node_id"`
	NodeIDs []string `json:"node_ids"`
}

// initOK is the handshake acknowledgment body.
type initOK struct {
	Type string `json:"type"`
}
