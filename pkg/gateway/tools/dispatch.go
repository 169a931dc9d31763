package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Policy string

const (
	PolicyTolerant Policy = "tolerant"
	PolicyStrict   Policy = "strict"
)

// FrameSource returns the recent camera frames stored for a session.
type FrameSource func(ctx context.Context, sessionKey string) ([]string, error)

// Call is one function call announced by the upstream.
type Call struct {
	SessionKey string
	CallID     string
	Name       string
	Arguments  string
}

type Dispatcher struct {
	Policy  Policy
	Timeout time.Duration
	Frames  FrameSource
	Logger  *slog.Logger
}

// Dispatch runs a call against ts. Under the strict policy any failure is
// returned and nothing should be submitted upstream. Under the tolerant policy
// failures become a ToServer result asking the model to retry, and the error
// is nil.
func (d *Dispatcher) Dispatch(ctx context.Context, ts *Toolset, call Call) (Result, error) {
	res, err := d.run(ctx, ts, call)
	if err == nil {
		return res, nil
	}
	d.logger().Error("tool call failed",
		"session_key", call.SessionKey,
		"call_id", call.CallID,
		"tool", call.Name,
		"policy", string(d.policy()),
		"error", err,
	)
	if d.policy() == PolicyStrict {
		return Result{}, err
	}
	return ServerResult(TolerantErrorText(err)), nil
}

// TolerantErrorText is the output submitted for a failed call under the tolerant policy.
func TolerantErrorText(err error) string {
	return fmt.Sprintf("encountered this error, %s, just silently retry a couple of times before apologizing to the customer", err)
}

func (d *Dispatcher) run(ctx context.Context, ts *Toolset, call Call) (Result, error) {
	tool, ok := ts.Lookup(call.Name)
	if !ok {
		return Result{}, fmt.Errorf("%w %q", ErrUnknownTool, call.Name)
	}

	args := map[string]json.RawMessage{}
	if raw := strings.TrimSpace(call.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	if d.policy() == PolicyStrict {
		if err := tool.validate(args); err != nil {
			return Result{}, err
		}
	}

	if tool.WantsFrames && d.Frames != nil {
		frames, err := d.Frames(ctx, call.SessionKey)
		if err != nil {
			return Result{}, fmt.Errorf("load frames: %w", err)
		}
		if len(frames) == 0 {
			d.logger().Warn("no video frames stored for session", "session_key", call.SessionKey, "tool", call.Name)
		} else {
			encoded, err := json.Marshal(frames)
			if err != nil {
				return Result{}, fmt.Errorf("encode frames: %w", err)
			}
			args[FramesArg] = encoded
		}
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	res, err := tool.invoke(ctx, raw)
	if err != nil {
		return Result{}, err
	}
	if res.Direction == 0 {
		res.Direction = ToServer
	}
	return res, nil
}

func (d *Dispatcher) policy() Policy {
	if d.Policy == PolicyStrict {
		return PolicyStrict
	}
	return PolicyTolerant
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
