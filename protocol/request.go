package protocol

import (
	"fmt"

	"github.com/invopop/jsonschema"
)

// Request is a validated request body.
type Request struct {
	Action       Action
	RegisterData any
	Messages     []any
	Hash         string
}

// RegisterRequest asks the server to admit a new client.
type RegisterRequest struct {
	Action       Action `json:"action" jsonschema:"enum=register"`
	RegisterData any    `json:"registerData" jsonschema:"description=Opaque data handed to the application for approval"`
}

// PostRequest delivers a batch of messages from a live client.
type PostRequest struct {
	Action   Action `json:"action" jsonschema:"enum=post"`
	Messages []any  `json:"messages"`
	Hash     string `json:"hash"`
}

// KeepAliveRequest renews a client's lease.
type KeepAliveRequest struct {
	Action Action `json:"action" jsonschema:"enum=keepAlive"`
	Hash   string `json:"hash"`
}

// DisconnectRequest ends a client's session.
type DisconnectRequest struct {
	Action Action `json:"action" jsonschema:"enum=disconnect"`
	Hash   string `json:"hash"`
}

// ParseRequest validates a decoded request body. The body must name one of
// the four actions and carry that action's required fields; extra fields are
// ignored. Failures wrap ErrProtocol.
func ParseRequest(body map[string]any) (Request, error) {
	raw, ok := body["action"]
	if !ok {
		return Request{}, fmt.Errorf("%w: missing action", ErrProtocol)
	}
	name, ok := raw.(string)
	if !ok {
		return Request{}, fmt.Errorf("%w: action must be a string", ErrProtocol)
	}

	req := Request{Action: Action(name)}
	switch req.Action {
	case ActionRegister:
		data, ok := body["registerData"]
		if !ok {
			return Request{}, fmt.Errorf("%w: register requires registerData", ErrProtocol)
		}
		req.RegisterData = data
		return req, nil
	case ActionPost:
		msgs, ok := body["messages"].([]any)
		if !ok {
			return Request{}, fmt.Errorf("%w: post requires a messages list", ErrProtocol)
		}
		req.Messages = msgs
	case ActionKeepAlive, ActionDisconnect:
	default:
		return Request{}, fmt.Errorf("%w: unknown action %q", ErrProtocol, name)
	}

	hash, ok := body["hash"].(string)
	if !ok {
		return Request{}, fmt.Errorf("%w: %s requires a hash", ErrProtocol, req.Action)
	}
	req.Hash = hash
	return req, nil
}

// Schema reflects the accepted request bodies into a single schema whose
// oneOf lists each action.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	return &jsonschema.Schema{
		Version: jsonschema.Version,
		Title:   "fakeSocket request",
		OneOf: []*jsonschema.Schema{
			r.Reflect(new(RegisterRequest)),
			r.Reflect(new(PostRequest)),
			r.Reflect(new(KeepAliveRequest)),
			r.Reflect(new(DisconnectRequest)),
		},
	}
}
