package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Realtime event types the relay inspects. Everything else is forwarded untouched.
const (
	TypeSessionCreated                = "session.created"
	TypeSessionUpdate                 = "session.update"
	TypeSessionUpdated                = "session.updated"
	TypeInputAudioBufferAppend        = "input_audio_buffer.append"
	TypeInputAudioBufferClear         = "input_audio_buffer.clear"
	TypeResponseOutputItemAdded       = "response.output_item.added"
	TypeResponseOutputItemDone        = "response.output_item.done"
	TypeConversationItemCreate        = "conversation.item.create"
	TypeConversationItemCreated       = "conversation.item.created"
	TypeFunctionCallArgumentsDelta    = "response.function_call_arguments.delta"
	TypeFunctionCallArgumentsDone     = "response.function_call_arguments.done"
	TypeResponseCreate                = "response.create"
	TypeResponseCancel                = "response.cancel"
	TypeResponseDone                  = "response.done"
	TypeInputTranscriptionCompleted   = "conversation.item.input_audio_transcription.completed"
	TypeResponseAudioTranscriptDone   = "response.audio_transcript.done"
	TypeError                         = "error"
	TypeExtensionMiddleTierToolResult = "extension.middle_tier_tool_response"
)

const (
	ItemTypeMessage            = "message"
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"
)

// Kind tags the concrete Frame variant.
type Kind int

const (
	KindPassthrough Kind = iota
	KindSessionCreated
	KindSessionUpdate
	KindSessionUpdated
	KindAudioAppend
	KindOutputItemAdded
	KindOutputItemDone
	KindItemCreated
	KindFunctionCallArguments
	KindResponseDone
	KindInputTranscriptionCompleted
	KindAudioTranscriptDone
	KindError
)

var kindNames = map[Kind]string{
	KindPassthrough:                 "passthrough",
	KindSessionCreated:              TypeSessionCreated,
	KindSessionUpdate:               TypeSessionUpdate,
	KindSessionUpdated:              TypeSessionUpdated,
	KindAudioAppend:                 TypeInputAudioBufferAppend,
	KindOutputItemAdded:             TypeResponseOutputItemAdded,
	KindOutputItemDone:              TypeResponseOutputItemDone,
	KindItemCreated:                 TypeConversationItemCreated,
	KindFunctionCallArguments:       "response.function_call_arguments",
	KindResponseDone:                TypeResponseDone,
	KindInputTranscriptionCompleted: TypeInputTranscriptionCompleted,
	KindAudioTranscriptDone:         TypeResponseAudioTranscriptDone,
	KindError:                       TypeError,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Frame is one decoded realtime event.
type Frame interface {
	Kind() Kind
	// Type is the wire "type" field.
	Type() string
	// Raw is the frame exactly as received.
	Raw() []byte
}

type envelope struct {
	typ string
	raw []byte
}

func (e envelope) Type() string { return e.typ }
func (e envelope) Raw() []byte  { return e.raw }

// Object is a decoded JSON object whose unknown members survive a rewrite.
type Object map[string]json.RawMessage

// Set replaces a member with the JSON encoding of v.
func (o Object) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	o[key] = b
	return nil
}

// String returns a string member, or "" when absent or not a string.
func (o Object) String(key string) string {
	raw, ok := o[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Object decodes a nested object member. Missing or null members yield an empty Object.
func (o Object) Object(key string) (Object, error) {
	raw, ok := o[key]
	if !ok || string(raw) == "null" {
		return Object{}, nil
	}
	var out Object
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, badRequest("expected object", key)
	}
	if out == nil {
		out = Object{}
	}
	return out, nil
}

// Item is the subset of a conversation item the relay reads.
type Item struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
	Role      string `json:"role,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type SessionCreated struct {
	envelope
	Body    Object
	Session Object
}

type SessionUpdate struct {
	envelope
	Body    Object
	Session Object
}

type SessionUpdated struct{ envelope }

type AudioAppend struct {
	envelope
	Audio string
}

type OutputItemAdded struct {
	envelope
	Item Item
}

type OutputItemDone struct {
	envelope
	Item Item
}

type ItemCreated struct {
	envelope
	PreviousItemID string
	Item           Item
}

// FunctionCallArguments covers both the delta and done argument events.
type FunctionCallArguments struct {
	envelope
	CallID string
	Done   bool
}

type ResponseDone struct {
	envelope
	Body     Object
	Response Object
}

type InputTranscriptionCompleted struct {
	envelope
	ItemID     string
	Transcript string
}

type AudioTranscriptDone struct {
	envelope
	ItemID     string
	Transcript string
}

type ErrorEvent struct {
	envelope
	Code    string
	Message string
}

// Passthrough is any frame the relay forwards without inspection.
type Passthrough struct{ envelope }

func (SessionCreated) Kind() Kind              { return KindSessionCreated }
func (SessionUpdate) Kind() Kind               { return KindSessionUpdate }
func (SessionUpdated) Kind() Kind              { return KindSessionUpdated }
func (AudioAppend) Kind() Kind                 { return KindAudioAppend }
func (OutputItemAdded) Kind() Kind             { return KindOutputItemAdded }
func (OutputItemDone) Kind() Kind              { return KindOutputItemDone }
func (ItemCreated) Kind() Kind                 { return KindItemCreated }
func (FunctionCallArguments) Kind() Kind       { return KindFunctionCallArguments }
func (ResponseDone) Kind() Kind                { return KindResponseDone }
func (InputTranscriptionCompleted) Kind() Kind { return KindInputTranscriptionCompleted }
func (AudioTranscriptDone) Kind() Kind         { return KindAudioTranscriptDone }
func (ErrorEvent) Kind() Kind                  { return KindError }
func (Passthrough) Kind() Kind                 { return KindPassthrough }

// Decode parses one text frame from either side of the relay.
func Decode(data []byte) (Frame, error) {
	var body Object
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(body.String("type"))
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}
	env := envelope{typ: typ, raw: data}

	switch typ {
	case TypeSessionCreated:
		session, err := body.Object("session")
		if err != nil {
			return nil, err
		}
		return SessionCreated{envelope: env, Body: body, Session: session}, nil
	case TypeSessionUpdate:
		session, err := body.Object("session")
		if err != nil {
			return nil, err
		}
		return SessionUpdate{envelope: env, Body: body, Session: session}, nil
	case TypeSessionUpdated:
		return SessionUpdated{envelope: env}, nil
	case TypeInputAudioBufferAppend:
		audio := body.String("audio")
		if audio == "" {
			return nil, badRequest("input_audio_buffer.append.audio is required", "audio")
		}
		return AudioAppend{envelope: env, Audio: audio}, nil
	case TypeResponseOutputItemAdded, TypeResponseOutputItemDone:
		item, err := decodeItem(body)
		if err != nil {
			return nil, err
		}
		if typ == TypeResponseOutputItemAdded {
			return OutputItemAdded{envelope: env, Item: item}, nil
		}
		return OutputItemDone{envelope: env, Item: item}, nil
	case TypeConversationItemCreated:
		item, err := decodeItem(body)
		if err != nil {
			return nil, err
		}
		return ItemCreated{envelope: env, PreviousItemID: body.String("previous_item_id"), Item: item}, nil
	case TypeFunctionCallArgumentsDelta, TypeFunctionCallArgumentsDone:
		return FunctionCallArguments{envelope: env, CallID: body.String("call_id"), Done: typ == TypeFunctionCallArgumentsDone}, nil
	case TypeResponseDone:
		response, err := body.Object("response")
		if err != nil {
			return nil, err
		}
		return ResponseDone{envelope: env, Body: body, Response: response}, nil
	case TypeInputTranscriptionCompleted:
		return InputTranscriptionCompleted{envelope: env, ItemID: body.String("item_id"), Transcript: body.String("transcript")}, nil
	case TypeResponseAudioTranscriptDone:
		return AudioTranscriptDone{envelope: env, ItemID: body.String("item_id"), Transcript: body.String("transcript")}, nil
	case TypeError:
		detail, err := body.Object("error")
		if err != nil {
			return nil, err
		}
		return ErrorEvent{envelope: env, Code: detail.String("code"), Message: detail.String("message")}, nil
	default:
		return Passthrough{envelope: env}, nil
	}
}

func decodeItem(body Object) (Item, error) {
	raw, ok := body["item"]
	if !ok {
		return Item{}, badRequest("item is required", "item")
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return Item{}, badRequest("invalid item", "item")
	}
	return item, nil
}

// Encode marshals a rewritten Object back to wire bytes.
func Encode(o Object) ([]byte, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}
