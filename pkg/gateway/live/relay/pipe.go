package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-relay/pkg/core/live"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/live/session"
	"github.com/vango-go/vai-relay/pkg/gateway/live/translate"
	"github.com/vango-go/vai-relay/pkg/gateway/upstream"
)

// pipe is one upstream link and the state its pumps share. owner is nil when
// the link is shared by every participant of a mixed session.
type pipe struct {
	e     *Engine
	sess  *session.Session
	owner *session.Participant
	conn  Connection
	up    Upstream
	mixer *live.Mixer
	log   *slog.Logger
	state atomic.Int32

	// handoffs holds at most one armed target; a newer classification replaces it.
	handoffs       chan string
	classifyCtx    context.Context
	classifyCancel context.CancelFunc
	classifyWG     sync.WaitGroup
}

func (e *Engine) newPipe(sess *session.Session, owner *session.Participant, c Connection, log *slog.Logger) *pipe {
	ctx, cancel := context.WithCancel(context.Background())
	return &pipe{
		e:              e,
		sess:           sess,
		owner:          owner,
		conn:           c,
		log:            log,
		handoffs:       make(chan string, 1),
		classifyCtx:    ctx,
		classifyCancel: cancel,
	}
}

func (e *Engine) servePipe(ctx context.Context, conn ClientConn, sess *session.Session, p *session.Participant, c Connection, log *slog.Logger) error {
	pp := e.newPipe(sess, p, c, log)
	pp.setState(StateAwaitUpstream)

	up, err := e.dialer.Dial(ctx, c.RequestID)
	if err != nil {
		pp.stop()
		return fmt.Errorf("dial upstream: %w", err)
	}
	pp.up = up
	defer pp.stop()

	writer := session.NewWriter(conn, p.Outbox, e.cfg.Writer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return writer.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		_ = up.Close()
		return nil
	})
	g.Go(func() error { return pp.clientPump(gctx, conn, p) })
	g.Go(func() error { return pp.upstreamPump(gctx) })
	return settle(g.Wait())
}

func (pp *pipe) setState(s State) {
	prev := State(pp.state.Swap(int32(s)))
	if prev == s {
		return
	}
	pp.log.Debug("relay state", "from", prev.String(), "to", s.String())
	if pp.e.onState != nil {
		pp.e.onState(pp.sess.Key, s)
	}
}

// stop cancels classifications in flight, waits for them and closes the link.
func (pp *pipe) stop() {
	pp.classifyCancel()
	pp.classifyWG.Wait()
	if pp.up != nil {
		_ = pp.up.Close()
	}
	pp.setState(StateClosed)
}

func (pp *pipe) send(frame []byte) error {
	if err := pp.up.Send(frame); err != nil {
		if errors.Is(err, upstream.ErrClosed) {
			return errUpstreamGone
		}
		return fmt.Errorf("upstream send: %w", err)
	}
	return nil
}

// clientPump forwards frames read from one client. In mixed mode audio goes to
// the mixer instead of the link.
func (pp *pipe) clientPump(ctx context.Context, conn ClientConn, p *session.Participant) error {
	lim := newAudioLimiter(pp.e.now, pp.e.cfg.MaxAudioFPS, pp.e.cfg.MaxAudioBytesPerSecond, pp.e.cfg.InboundBurstSeconds)
	log := pp.log.With("participant", p.ID)

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || isClientClose(err) {
				return errClientGone
			}
			if pp.e.cfg.Mode == config.RelayModeAgent {
				pp.reinitialize()
			}
			return fmt.Errorf("client read: %w", err)
		}
		pp.e.armReadDeadline(conn)

		if typ != websocket.TextMessage {
			log.Warn("dropping non-text client frame", "message_type", typ)
			continue
		}
		f, err := protocol.Decode(data)
		if err != nil {
			log.Warn("dropping undecodable client frame", "error", err)
			continue
		}
		pp.e.metrics.RecordFrame("client", f.Type())

		if a, ok := f.(protocol.AudioAppend); ok {
			if !lim.Allow(len(a.Audio)) {
				pp.e.metrics.RecordRateLimitHit("live_audio")
				continue
			}
			if pp.mixer != nil {
				pcm, err := live.DecodeAudio(a.Audio)
				if err != nil {
					log.Warn("dropping undecodable audio", "error", err)
					continue
				}
				pp.mixer.Write(p.ID, pcm)
				continue
			}
		}

		out, err := pp.e.translator.Outbound(f, pp.agent())
		if err != nil {
			log.Warn("dropping client frame", "type", f.Type(), "error", err)
			continue
		}
		if err := pp.send(out); err != nil {
			return err
		}
	}
}

// upstreamPump applies any armed handoff before handling each upstream frame.
func (pp *pipe) upstreamPump(ctx context.Context) error {
	for {
		data, err := pp.up.Read()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || upstream.IsNormalClose(err) {
				return errUpstreamGone
			}
			return fmt.Errorf("upstream read: %w", err)
		}
		if err := pp.applyHandoff(); err != nil {
			return err
		}

		f, err := protocol.Decode(data)
		if err != nil {
			pp.log.Warn("dropping undecodable upstream frame", "error", err)
			continue
		}
		pp.e.metrics.RecordFrame("upstream", f.Type())

		frame, err := pp.inbound(ctx, f)
		if err != nil {
			return err
		}
		if frame != nil {
			pp.deliver(f, frame)
		}
	}
}

// inbound runs the side effects of an upstream frame and returns what the
// client should see, or nil.
func (pp *pipe) inbound(ctx context.Context, f protocol.Frame) ([]byte, error) {
	switch v := f.(type) {
	case protocol.SessionCreated:
		if err := pp.send(pp.e.translator.Attach(pp.agent())); err != nil {
			return nil, err
		}
		pp.setState(StateStreaming)
	case protocol.ItemCreated:
		if v.Item.Type == protocol.ItemTypeFunctionCall {
			pp.sess.AddPendingCall(session.ToolCall{CallID: v.Item.CallID, PreviousItemID: v.PreviousItemID})
		}
	case protocol.OutputItemDone:
		if v.Item.Type == protocol.ItemTypeFunctionCall {
			if err := pp.dispatch(ctx, v.Item); err != nil {
				return nil, err
			}
		}
	case protocol.ResponseDone:
		if pp.sess.CompleteCycle() {
			if err := pp.send(protocol.ResponseCreateFrame()); err != nil {
				return nil, err
			}
		}
	case protocol.InputTranscriptionCompleted:
		if strings.TrimSpace(v.Transcript) != "" {
			pp.recordTurn(ctx, session.RoleUser, v.Transcript)
		}
	case protocol.AudioTranscriptDone:
		if strings.TrimSpace(v.Transcript) != "" {
			pp.recordTurn(ctx, session.RoleAssistant, v.Transcript)
		}
	case protocol.ErrorEvent:
		pp.log.Error("upstream error event", "code", v.Code, "message", v.Message)
	}

	if translate.Swallowed(f) {
		return nil, nil
	}
	out, err := translate.Inbound(f)
	if err != nil {
		pp.log.Warn("dropping upstream frame", "type", f.Type(), "error", err)
		return nil, nil
	}
	return out, nil
}

// deliver routes a client-bound frame. Paired links send responses to the
// owner's partner and keep session lifecycle events with the owner.
func (pp *pipe) deliver(f protocol.Frame, frame []byte) {
	if pp.owner == nil {
		pp.sess.Broadcast(frame)
		return
	}
	if pp.e.cfg.Mode == config.RelayModePaired && !ownerOnly(f) {
		if partner, ok := pp.sess.Partner(pp.owner.ID); ok {
			partner.Outbox.Push(frame)
			return
		}
	}
	pp.owner.Outbox.Push(frame)
}

func ownerOnly(f protocol.Frame) bool {
	switch f.Kind() {
	case protocol.KindSessionCreated, protocol.KindSessionUpdated, protocol.KindError:
		return true
	}
	return false
}

// agent is the persona and tool set currently attached to the link.
func (pp *pipe) agent() translate.Agent {
	switch pp.e.cfg.Mode {
	case config.RelayModeAgent:
		prof, err := pp.e.agents.Get(pp.sess.Agent())
		if err != nil {
			prof = pp.e.agents.Default()
		}
		return translate.Agent{
			Instructions: prof.Instructions(pp.conn.Customer),
			Tools:        pp.e.tools.Toolset(prof.Name).Schemas(),
		}
	case config.RelayModePaired:
		if pp.owner != nil {
			if to := pp.partnerLanguage(); to != "" && pp.owner.Language != "" {
				return translate.Agent{Instructions: session.DirectionalPrompt(pp.owner.Language, to)}
			}
		}
	}
	prompt := pp.sess.Prompt()
	if prompt == "" {
		prompt = session.DefaultTranslatorPrompt
	}
	return translate.Agent{Instructions: prompt}
}

func (pp *pipe) partnerLanguage() string {
	if partner, ok := pp.sess.Partner(pp.owner.ID); ok && partner.Language != "" {
		return partner.Language
	}
	for _, l := range pp.sess.Languages() {
		if l != pp.owner.Language {
			return l
		}
	}
	return ""
}
