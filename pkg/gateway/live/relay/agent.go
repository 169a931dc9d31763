package relay

import (
	"context"
	"fmt"

	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/live/session"
	"github.com/vango-go/vai-relay/pkg/gateway/tools"
)

// dispatch runs a function call and submits its output. A call that fails
// under the strict policy submits nothing.
func (pp *pipe) dispatch(ctx context.Context, item protocol.Item) error {
	call, ok := pp.sess.PendingCall(item.CallID)
	if !ok {
		pp.log.Warn("function call was not announced", "call_id", item.CallID, "tool", item.Name)
		call = session.ToolCall{CallID: item.CallID}
	}

	ts := pp.e.tools.Toolset(pp.sess.Agent())
	res, err := pp.e.dispatcher.Dispatch(ctx, ts, tools.Call{
		SessionKey: pp.sess.Key,
		CallID:     item.CallID,
		Name:       item.Name,
		Arguments:  item.Arguments,
	})
	if err != nil {
		pp.e.metrics.RecordToolCall(item.Name, "error")
		return nil
	}
	pp.e.metrics.RecordToolCall(item.Name, "ok")

	output := ""
	if res.Direction == tools.ToServer {
		output = res.Text
	}
	if err := pp.send(protocol.FunctionCallOutputFrame(item.CallID, output)); err != nil {
		return err
	}
	pp.sess.ResolveCall(item.CallID)

	if res.Direction == tools.ToClient {
		frame := protocol.ToolResponseFrame(call.PreviousItemID, item.Name, res.Text)
		if pp.owner != nil {
			pp.owner.Outbox.Push(frame)
		} else {
			pp.sess.Broadcast(frame)
		}
	}
	if res.Transfer != "" {
		pp.classify(res.Transfer)
	}
	return nil
}

func (pp *pipe) recordTurn(ctx context.Context, role, text string) {
	pp.sess.AppendTurn(role, text)
	if pp.e.cfg.Mode != config.RelayModeAgent {
		return
	}
	pp.persist(ctx)
	if role == session.RoleUser {
		pp.classify(pp.sess.HistoryText())
	}
}

func (pp *pipe) persist(ctx context.Context) {
	if pp.e.store == nil {
		return
	}
	data, err := pp.sess.MarshalHistory()
	if err == nil {
		err = pp.e.store.Set(ctx, pp.sess.Key, data)
	}
	if err != nil {
		pp.log.Warn("history persist failed", "error", err)
	}
}

// classify asks the classifier about conversation in the background and arms a
// handoff when it names an agent other than the current one.
func (pp *pipe) classify(conversation string) {
	if pp.e.classifier == nil || pp.e.cfg.Mode != config.RelayModeAgent {
		return
	}
	pp.classifyWG.Add(1)
	go func() {
		defer pp.classifyWG.Done()
		name, err := pp.e.classifier.Classify(pp.classifyCtx, conversation)
		if err != nil {
			if pp.classifyCtx.Err() == nil {
				pp.log.Warn("intent classification failed", "error", err)
				pp.e.metrics.RecordClassification("error")
			}
			return
		}
		if name == "" || name == pp.sess.Agent() {
			pp.e.metrics.RecordClassification("no_change")
			return
		}
		pp.e.metrics.RecordClassification("handoff")
		pp.arm(name)
	}()
}

func (pp *pipe) arm(target string) {
	for {
		select {
		case pp.handoffs <- target:
			pp.log.Info("agent handoff armed", "agent", pp.sess.Agent(), "target", target)
			return
		default:
		}
		select {
		case <-pp.handoffs:
		default:
		}
	}
}

func (pp *pipe) applyHandoff() error {
	select {
	case target := <-pp.handoffs:
		return pp.handoff(target)
	default:
		return nil
	}
}

// handoff moves the conversation to target: cancel the response in flight,
// clear buffered input, attach the new persona and tools, replay the history
// and ask for a new response. An unknown target keeps the current agent.
func (pp *pipe) handoff(target string) error {
	from := pp.sess.Agent()
	pp.setState(StateSwitchingAgent)
	defer pp.setState(StateStreaming)

	if err := pp.send(protocol.ResponseCancelFrame()); err != nil {
		return err
	}
	if err := pp.send(protocol.InputAudioClearFrame()); err != nil {
		return err
	}
	prof, err := pp.e.agents.Get(target)
	if err != nil {
		pp.log.Error("agent handoff aborted", "agent", from, "target", target, "error", err)
		pp.e.metrics.RecordHandoff(from, target, "unknown_agent")
		return nil
	}
	pp.sess.SetAgent(prof.Name)
	pp.sess.ClearPendingCalls()

	if err := pp.reattach(); err != nil {
		return err
	}
	if err := pp.send(protocol.ResponseCreateFrame()); err != nil {
		return err
	}
	pp.e.metrics.RecordHandoff(from, prof.Name, "ok")
	pp.log.Info("agent handoff", "from", from, "to", prof.Name)
	return nil
}

// reattach sends the current persona and replays the bounded history.
func (pp *pipe) reattach() error {
	if err := pp.send(pp.e.translator.Attach(pp.agent())); err != nil {
		return err
	}
	for _, t := range pp.sess.HistoryTurns() {
		if err := pp.send(protocol.MessageItemFrame(t.Role, t.Text)); err != nil {
			return fmt.Errorf("replay history: %w", err)
		}
	}
	return nil
}

// reinitialize resets the upstream conversation after the client leg broke.
// Failures are only logged; the link may already be gone.
func (pp *pipe) reinitialize() {
	pp.log.Warn("client transport reset, reinitializing upstream")
	for _, frame := range [][]byte{protocol.ResponseCancelFrame(), protocol.InputAudioClearFrame()} {
		if err := pp.send(frame); err != nil {
			pp.log.Debug("reinitialize skipped", "error", err)
			return
		}
	}
	if err := pp.reattach(); err != nil {
		pp.log.Debug("reinitialize skipped", "error", err)
	}
}
