// Package translate rewrites realtime frames crossing the relay boundary.
//
// Outbound frames (client to upstream) get the server-controlled persona, tools
// and generation parameters. Inbound frames (upstream to client) are stripped
// of anything the client must not see, and function-call lifecycle events are
// swallowed so the relay can dispatch them.
package translate

import (
	"encoding/json"
	"fmt"

	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
)

// Options are the server-enforced generation parameters. Nil pointers leave the
// client's value untouched.
type Options struct {
	Temperature             *float64
	MaxResponseOutputTokens *int
	DisableAudio            *bool
	Voice                   string
	TurnDetection           *protocol.TurnDetection
	Transcription           *protocol.InputAudioTranscription
}

// Agent is the persona and tool set currently attached to an upstream link.
type Agent struct {
	Instructions string
	Tools        []protocol.ToolSchema
}

func (a Agent) toolChoice() string {
	if len(a.Tools) > 0 {
		return "auto"
	}
	return "none"
}

func (a Agent) tools() []protocol.ToolSchema {
	if a.Tools == nil {
		return []protocol.ToolSchema{}
	}
	return a.Tools
}

type Translator struct {
	opts Options
}

func New(opts Options) *Translator {
	return &Translator{opts: opts}
}

// Outbound rewrites a client frame for the upstream. Only session.update is
// changed; every other frame is forwarded as received.
func (t *Translator) Outbound(f protocol.Frame, a Agent) ([]byte, error) {
	if u, ok := f.(protocol.SessionUpdate); ok {
		return t.SessionUpdate(u, a)
	}
	return f.Raw(), nil
}

// SessionUpdate overwrites instructions, tools, tool_choice and any configured
// generation parameters. Client instructions never reach the upstream, even
// when the agent has none. Applying it twice yields the same bytes.
func (t *Translator) SessionUpdate(f protocol.SessionUpdate, a Agent) ([]byte, error) {
	body := cloneObject(f.Body)
	session := cloneObject(f.Session)

	sets := []struct {
		key string
		v   any
		on  bool
	}{
		{"instructions", a.Instructions, true},
		{"temperature", t.opts.Temperature, t.opts.Temperature != nil},
		{"max_response_output_tokens", t.opts.MaxResponseOutputTokens, t.opts.MaxResponseOutputTokens != nil},
		{"disable_audio", t.opts.DisableAudio, t.opts.DisableAudio != nil},
		{"tool_choice", a.toolChoice(), true},
		{"tools", a.tools(), true},
	}
	for _, s := range sets {
		if !s.on {
			continue
		}
		if err := session.Set(s.key, s.v); err != nil {
			return nil, err
		}
	}
	if err := body.Set("session", session); err != nil {
		return nil, err
	}
	return protocol.Encode(body)
}

// Attach builds the server-originated session.update sent right after the
// upstream reports session.created, and again on every agent handoff.
func (t *Translator) Attach(a Agent) []byte {
	return protocol.SessionUpdateFrame(protocol.SessionConfig{
		Instructions:            a.Instructions,
		Voice:                   t.opts.Voice,
		Temperature:             t.opts.Temperature,
		MaxResponseOutputTokens: t.opts.MaxResponseOutputTokens,
		DisableAudio:            t.opts.DisableAudio,
		TurnDetection:           t.opts.TurnDetection,
		InputAudioTranscription: t.opts.Transcription,
		Tools:                   a.tools(),
		ToolChoice:              a.toolChoice(),
	})
}

// StripSessionCreated hides the server-side configuration from the client.
func StripSessionCreated(f protocol.SessionCreated) ([]byte, error) {
	body := cloneObject(f.Body)
	session := cloneObject(f.Session)
	session["instructions"] = json.RawMessage(`""`)
	session["tools"] = json.RawMessage(`[]`)
	session["tool_choice"] = json.RawMessage(`"none"`)
	session["max_response_output_tokens"] = json.RawMessage(`null`)
	if err := body.Set("session", session); err != nil {
		return nil, err
	}
	return protocol.Encode(body)
}

// StripFunctionCalls removes function_call entries from response.output. The
// frame is returned unchanged when there is nothing to strip.
func StripFunctionCalls(f protocol.ResponseDone) ([]byte, error) {
	rawOutput, ok := f.Response["output"]
	if !ok {
		return f.Raw(), nil
	}
	var output []json.RawMessage
	if err := json.Unmarshal(rawOutput, &output); err != nil {
		return nil, &protocol.DecodeError{Code: "bad_request", Message: "response.output must be an array", Param: "response.output"}
	}

	kept := make([]json.RawMessage, 0, len(output))
	for _, entry := range output {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(entry, &head); err == nil && head.Type == protocol.ItemTypeFunctionCall {
			continue
		}
		kept = append(kept, entry)
	}
	if len(kept) == len(output) {
		return f.Raw(), nil
	}

	body := cloneObject(f.Body)
	response := cloneObject(f.Response)
	if err := response.Set("output", kept); err != nil {
		return nil, err
	}
	if err := body.Set("response", response); err != nil {
		return nil, err
	}
	return protocol.Encode(body)
}

// Swallowed reports whether an inbound frame belongs to the function-call
// lifecycle and must not reach the client.
func Swallowed(f protocol.Frame) bool {
	switch v := f.(type) {
	case protocol.OutputItemAdded:
		return v.Item.Type == protocol.ItemTypeFunctionCall
	case protocol.OutputItemDone:
		return v.Item.Type == protocol.ItemTypeFunctionCall
	case protocol.ItemCreated:
		return v.Item.Type == protocol.ItemTypeFunctionCall || v.Item.Type == protocol.ItemTypeFunctionCallOutput
	case protocol.FunctionCallArguments:
		return true
	default:
		return false
	}
}

// Inbound rewrites an upstream frame that is not swallowed. Frames that need
// no rewrite are returned as received.
func Inbound(f protocol.Frame) ([]byte, error) {
	switch v := f.(type) {
	case protocol.SessionCreated:
		return StripSessionCreated(v)
	case protocol.ResponseDone:
		return StripFunctionCalls(v)
	default:
		if Swallowed(f) {
			return nil, fmt.Errorf("translate: %s frame is not forwarded", f.Type())
		}
		return f.Raw(), nil
	}
}

func cloneObject(o protocol.Object) protocol.Object {
	out := make(protocol.Object, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}
