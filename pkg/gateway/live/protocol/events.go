package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// NewEventID returns a client event id in the realtime API's evt_ format.
func NewEventID() string {
	return "evt_" + uuid.New().String()[:12]
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type InputAudioTranscription struct {
	Model string `json:"model"`
}

// ToolSchema is a function tool as advertised to the realtime endpoint.
type ToolSchema struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"`
}

// SessionConfig is the server-controlled session.update payload.
type SessionConfig struct {
	Instructions            string                   `json:"instructions,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	Temperature             *float64                 `json:"temperature,omitempty"`
	MaxResponseOutputTokens *int                     `json:"max_response_output_tokens,omitempty"`
	DisableAudio            *bool                    `json:"disable_audio,omitempty"`
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	Tools                   []ToolSchema             `json:"tools"`
	ToolChoice              string                   `json:"tool_choice"`
}

type SessionUpdateEvent struct {
	Type    string        `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session SessionConfig `json:"session"`
}

type simpleEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

type AudioAppendEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Audio   string `json:"audio"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type MessageItem struct {
	Type    string        `json:"type"`
	Status  string        `json:"status"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type FunctionCallOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type ItemCreateEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Item    any    `json:"item"`
}

// ToolResponseEvent tells the client about a tool result it should render.
type ToolResponseEvent struct {
	Type           string `json:"type"`
	PreviousItemID string `json:"previous_item_id"`
	ToolName       string `json:"tool_name"`
	ToolResult     string `json:"tool_result"`
}

func marshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Only static structs are encoded here; failure is a programming error.
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return b
}

func SessionUpdateFrame(cfg SessionConfig) []byte {
	if cfg.Tools == nil {
		cfg.Tools = []ToolSchema{}
	}
	return marshal(SessionUpdateEvent{Type: TypeSessionUpdate, EventID: NewEventID(), Session: cfg})
}

func ResponseCreateFrame() []byte {
	return marshal(simpleEvent{Type: TypeResponseCreate})
}

func ResponseCancelFrame() []byte {
	return marshal(simpleEvent{Type: TypeResponseCancel})
}

func InputAudioClearFrame() []byte {
	return marshal(simpleEvent{Type: TypeInputAudioBufferClear})
}

func AudioAppendFrame(audioB64 string) []byte {
	return marshal(AudioAppendEvent{Type: TypeInputAudioBufferAppend, Audio: audioB64})
}

// MessageItemFrame replays one history turn. Users speak input_text, the assistant text.
func MessageItemFrame(role, text string) []byte {
	partType := "text"
	if role == "user" {
		partType = "input_text"
	}
	return marshal(ItemCreateEvent{
		Type: TypeConversationItemCreate,
		Item: MessageItem{
			Type:    ItemTypeMessage,
			Status:  "completed",
			Role:    role,
			Content: []ContentPart{{Type: partType, Text: text}},
		},
	})
}

func FunctionCallOutputFrame(callID, output string) []byte {
	return marshal(ItemCreateEvent{
		Type: TypeConversationItemCreate,
		Item: FunctionCallOutputItem{Type: ItemTypeFunctionCallOutput, CallID: callID, Output: output},
	})
}

func ToolResponseFrame(previousItemID, toolName, result string) []byte {
	return marshal(ToolResponseEvent{
		Type:           TypeExtensionMiddleTierToolResult,
		PreviousItemID: previousItemID,
		ToolName:       toolName,
		ToolResult:     result,
	})
}

type errorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type errorEvent struct {
	Type    string      `json:"type"`
	EventID string      `json:"event_id"`
	Error   errorDetail `json:"error"`
}

// ErrorFrame is a relay-originated error sent to a client, for example a
// shutdown warning.
func ErrorFrame(code, message string) []byte {
	return marshal(errorEvent{
		Type:    TypeError,
		EventID: NewEventID(),
		Error:   errorDetail{Type: "relay_error", Code: code, Message: message},
	})
}
