package analyzer

import (
	"encoding/json"
	"fmt"
)

// Message type discriminators used on the wire.
const (
	MessageTypeRequest  = "request"
	MessageTypeResponse = "response"
	MessageTypeEvent    = "event"
)

// ProtocolMessage is the base for all wire messages.
type ProtocolMessage struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"` // "request", "response", "event"
}

// Request represents a command sent to the analysis server.
// Requests are immutable after creation.
type Request struct {
	ProtocolMessage
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Response represents the server's reply to a request.
type Response struct {
	ProtocolMessage
	Command    string          `json:"command"`
	RequestSeq int64           `json:"request_seq"`
	Running    bool            `json:"running"`
	Success    bool            `json:"success"`
	Message    string          `json:"message,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Event represents an unsolicited notification from the analysis server.
type Event struct {
	ProtocolMessage
	Event string          `json:"event"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// NewRequest builds a request with the given sequence number, command,
// and arguments. Arguments may be nil, a json.RawMessage, or any value
// that marshals to a JSON object.
func NewRequest(seq int64, command string, args any) (*Request, error) {
	var argsJSON json.RawMessage
	switch v := args.(type) {
	case nil:
	case json.RawMessage:
		argsJSON = v
	default:
		data, err := json.Marshal(args)
		if err != nil {
			return nil, &DecodeError{What: "arguments", Err: err}
		}
		argsJSON = data
	}

	return &Request{
		ProtocolMessage: ProtocolMessage{Seq: seq, Type: MessageTypeRequest},
		Command:         command,
		Arguments:       argsJSON,
	}, nil
}

// EncodeRequest marshals a request into its wire body.
func EncodeRequest(req *Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, &DecodeError{What: "request", Err: err}
	}
	return data, nil
}

// DecodeMessage parses a wire body into a *Response or *Event based on the
// type discriminator. Requests from the server are not part of this protocol
// pairing and are rejected along with unknown types.
func DecodeMessage(data []byte) (any, error) {
	var base ProtocolMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, &DecodeError{What: "message", Err: err}
	}

	switch base.Type {
	case MessageTypeResponse:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, &DecodeError{What: "response", Err: err}
		}
		return &resp, nil

	case MessageTypeEvent:
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, &DecodeError{What: "event", Err: err}
		}
		return &evt, nil

	default:
		return nil, &DecodeError{
			What: "message",
			Err:  fmt.Errorf("unknown message type %q", base.Type),
		}
	}
}

// DecodeBody unmarshals a response body into the shape expected at the call
// site. A mismatch is reported as a *DecodeError, distinct from transport
// and server failures.
func DecodeBody[T any](resp *Response) (T, error) {
	var out T
	if !resp.Success {
		return out, &RemoteError{Command: resp.Command, Message: resp.Message}
	}
	if len(resp.Body) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, &DecodeError{What: resp.Command + " body", Err: err}
	}
	return out, nil
}

// DecodeEventBody unmarshals an event body into the given shape.
func DecodeEventBody[T any](evt *Event) (T, error) {
	var out T
	if len(evt.Body) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(evt.Body, &out); err != nil {
		return out, &DecodeError{What: evt.Event + " body", Err: err}
	}
	return out, nil
}
