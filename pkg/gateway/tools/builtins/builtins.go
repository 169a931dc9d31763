// Package builtins defines the function tools shipped with the sample agents
// and binds them to the loaded agent profiles.
package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/vango-go/vai-relay/pkg/gateway/agents"
	"github.com/vango-go/vai-relay/pkg/gateway/tools"
	"github.com/vango-go/vai-relay/pkg/gateway/tools/knowledge"
	"github.com/vango-go/vai-relay/pkg/gateway/tools/reservations"
	"github.com/vango-go/vai-relay/pkg/gateway/tools/vision"
)

const (
	ToolTransferConversation = "transfer_conversation"
	ToolCamera               = "get_information_from_camera"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04"
)

type Deps struct {
	Reservations     reservations.Repository
	HotelKnowledge   *knowledge.Index
	AirlineKnowledge *knowledge.Index
	Vision           vision.Describer
}

// Register adds every builtin tool to reg and binds each profile's tool list.
// A profile naming a tool that does not exist fails registration.
func Register(reg *tools.Registry, deps Deps, profiles []agents.Profile) error {
	all := append(hotelTools(deps), flightTools(deps)...)
	camera, err := cameraTool(deps.Vision)
	if err != nil {
		return err
	}
	all = append(all, camera, transferTool())
	if err := reg.Register(all...); err != nil {
		return err
	}
	for _, p := range profiles {
		if err := reg.Bind(p.Name, p.Tools); err != nil {
			return err
		}
	}
	return nil
}

type transferArgs struct {
	UserRequest string `json:"user_request" jsonschema:"The customer's request, in their own words, that this agent cannot handle."`
}

func transferTool() *tools.Tool {
	return tools.MustNew(ToolTransferConversation,
		"Transfer the conversation to another agent when the customer asks for something outside this agent's scope.",
		func(_ context.Context, a transferArgs) (tools.Result, error) {
			res := tools.ServerResult(a.UserRequest)
			res.Transfer = a.UserRequest
			return res, nil
		})
}

// CameraArgs is what the model provides; the frames are injected by the dispatcher.
type CameraArgs struct {
	Command string `json:"command" jsonschema:"What to look for or read in the customer's camera view."`
}

type cameraCall struct {
	CameraArgs
	Frames []string `json:"base64_encoded_data"`
}

func cameraTool(d vision.Describer) (*tools.Tool, error) {
	schema, err := jsonschema.For[CameraArgs](&jsonschema.ForOptions{})
	if err != nil {
		return nil, fmt.Errorf("schema for %s: %w", ToolCamera, err)
	}
	t := tools.NewRaw(ToolCamera, "Look at the customer's camera feed to read documents or identify objects they are showing.", schema,
		func(ctx context.Context, raw json.RawMessage) (tools.Result, error) {
			if d == nil {
				return tools.Result{}, errors.New("camera analysis is not configured")
			}
			var c cameraCall
			if err := json.Unmarshal(raw, &c); err != nil {
				return tools.Result{}, fmt.Errorf("%w: %v", tools.ErrInvalidInput, err)
			}
			text, err := d.Describe(ctx, c.Command, c.Frames)
			if err != nil {
				return tools.Result{}, err
			}
			return tools.ServerResult(text), nil
		})
	t.WantsFrames = true
	return t, nil
}

func searchKnowledge(ctx context.Context, ix *knowledge.Index, query string) (tools.Result, error) {
	text, err := ix.Search(ctx, query, knowledge.DefaultTopK)
	if err != nil {
		return tools.Result{}, err
	}
	return tools.ServerResult(text), nil
}

func jsonResult(v any) (tools.Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return tools.Result{}, fmt.Errorf("encode result: %w", err)
	}
	return tools.ServerResult(string(b)), nil
}

func parseDate(field, s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD", tools.ErrInvalidInput, field)
	}
	return t, nil
}

// parseDateTime accepts the formats the model tends to produce.
func parseDateTime(field, s string) (time.Time, error) {
	for _, layout := range []string{dateTimeLayout, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04", dateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD HH:MM", tools.ErrInvalidInput, field)
}
