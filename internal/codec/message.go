package codec

import "fmt"

// ProtocolVersion is written as the first byte of every message.
const ProtocolVersion byte = 1

// Message kinds, written after the version byte.
const (
	kindRequest  byte = 'Q'
	kindResponse byte = 'R'
	kindEvent    byte = 'E'
)

// Status is the outcome carried by a CallResponse.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// CallRequest asks the worker to invoke one operation. CallID is assigned by
// the session and is never zero.
type CallRequest struct {
	CallID uint64
	Op     string
	Args   []Value
	Kwargs map[string]Value
}

// ErrorDescriptor is the wire form of an error raised on the worker.
type ErrorDescriptor struct {
	Kind    string
	Message string
}

// CallResponse answers exactly one CallRequest.
type CallResponse struct {
	CallID uint64
	Status Status
	Result Value
	Error  *ErrorDescriptor
}

// OK builds a successful response for callID.
func OK(callID uint64, result Value) CallResponse {
	return CallResponse{CallID: callID, Status: StatusOK, Result: result}
}

// Failed builds an error response for callID.
func Failed(callID uint64, kind, message string) CallResponse {
	return CallResponse{CallID: callID, Status: StatusError, Error: &ErrorDescriptor{Kind: kind, Message: message}}
}

// EngineEvent is an unsolicited engine state notice. A worker writes the
// events raised by a call ahead of that call's response.
type EngineEvent struct {
	State   string
	Message string
}

// EncodeEvent serializes ev into a frame payload.
func EncodeEvent(ev EngineEvent) ([]byte, error) {
	return appendValue([]byte{ProtocolVersion, kindEvent}, map[string]any{
		"state":   ev.State,
		"message": ev.Message,
	}, 0)
}

// DecodeEvent parses an event payload.
func DecodeEvent(b []byte) (EngineEvent, error) {
	m, err := decodeEnvelope(b, kindEvent)
	if err != nil {
		return EngineEvent{}, err
	}
	var ev EngineEvent
	if ev.State, err = stringField(m, "state"); err != nil {
		return EngineEvent{}, err
	}
	if ev.Message, err = stringField(m, "message"); err != nil {
		return EngineEvent{}, err
	}
	return ev, nil
}

// IsEvent reports whether payload carries an EngineEvent.
func IsEvent(payload []byte) bool {
	return len(payload) >= 2 && payload[0] == ProtocolVersion && payload[1] == kindEvent
}

// EncodeRequest serializes req into a frame payload.
func EncodeRequest(req CallRequest) ([]byte, error) {
	args := req.Args
	if args == nil {
		args = []Value{}
	}
	kwargs := req.Kwargs
	if kwargs == nil {
		kwargs = map[string]Value{}
	}
	return appendValue([]byte{ProtocolVersion, kindRequest}, map[string]any{
		"id":     req.CallID,
		"op":     req.Op,
		"args":   args,
		"kwargs": kwargs,
	}, 0)
}

// DecodeRequest parses a request payload. When the envelope decodes but a
// field is invalid, the returned request still carries the CallID so the
// caller can answer with an error.
func DecodeRequest(b []byte) (CallRequest, error) {
	m, err := decodeEnvelope(b, kindRequest)
	if err != nil {
		return CallRequest{}, err
	}

	var req CallRequest
	if req.CallID, err = uintField(m, "id"); err != nil {
		return CallRequest{}, err
	}
	if req.Op, err = stringField(m, "op"); err != nil {
		return req, err
	}
	args, ok := m["args"].([]any)
	if !ok {
		return req, decodeErr("request field %q is %T, want list", "args", m["args"])
	}
	req.Args = args
	kwargs, ok := m["kwargs"].(map[string]any)
	if !ok {
		return req, decodeErr("request field %q is %T, want map", "kwargs", m["kwargs"])
	}
	req.Kwargs = kwargs
	return req, nil
}

// EncodeResponse serializes resp into a frame payload.
func EncodeResponse(resp CallResponse) ([]byte, error) {
	m := map[string]any{
		"id":     resp.CallID,
		"status": string(resp.Status),
		"result": resp.Result,
	}
	if resp.Error != nil {
		m["error"] = map[string]any{
			"kind":    resp.Error.Kind,
			"message": resp.Error.Message,
		}
	}
	return appendValue([]byte{ProtocolVersion, kindResponse}, m, 0)
}

// DecodeResponse parses a response payload.
func DecodeResponse(b []byte) (CallResponse, error) {
	m, err := decodeEnvelope(b, kindResponse)
	if err != nil {
		return CallResponse{}, err
	}

	var resp CallResponse
	if resp.CallID, err = uintField(m, "id"); err != nil {
		return CallResponse{}, err
	}
	status, err := stringField(m, "status")
	if err != nil {
		return resp, err
	}
	resp.Status = Status(status)

	switch resp.Status {
	case StatusOK:
		resp.Result = m["result"]
	case StatusError:
		em, ok := m["error"].(map[string]any)
		if !ok {
			return resp, decodeErr("error response without descriptor")
		}
		kind, err := stringField(em, "kind")
		if err != nil {
			return resp, err
		}
		msg, err := stringField(em, "message")
		if err != nil {
			return resp, err
		}
		resp.Error = &ErrorDescriptor{Kind: kind, Message: msg}
	default:
		return resp, decodeErr("unknown response status %q", status)
	}
	return resp, nil
}

func decodeEnvelope(b []byte, kind byte) (map[string]any, error) {
	if len(b) < 2 {
		return nil, decodeErr("truncated message header")
	}
	if b[0] != ProtocolVersion {
		return nil, decodeErr("protocol version %d, want %d", b[0], ProtocolVersion)
	}
	if b[1] != kind {
		return nil, decodeErr("message kind %q, want %q", b[1], kind)
	}
	v, err := Decode(b[2:])
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, decodeErr("message body is %T, want map", v)
	}
	return m, nil
}

func uintField(m map[string]any, key string) (uint64, error) {
	v, ok := m[key].(uint64)
	if !ok {
		return 0, decodeErr("field %q is %T, want uint64", key, m[key])
	}
	return v, nil
}

func stringField(m map[string]any, key string) (string, error) {
	v, ok := m[key].(string)
	if !ok {
		return "", decodeErr("field %q is %T, want string", key, m[key])
	}
	return v, nil
}

func (r CallRequest) String() string {
	return fmt.Sprintf("call#%d %s", r.CallID, r.Op)
}
