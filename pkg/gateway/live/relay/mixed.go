package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-relay/pkg/core/live"
	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/live/session"
)

// hub is the upstream link shared by every participant of a mixed session.
type hub struct {
	pipe  *pipe
	refs  int
	ready chan struct{}
	done  chan struct{}
	err   error
	stop  context.CancelFunc
}

func (e *Engine) serveMixed(ctx context.Context, conn ClientConn, sess *session.Session, p *session.Participant, c Connection, log *slog.Logger) error {
	h, err := e.acquireHub(ctx, sess, c, log)
	if err != nil {
		return err
	}
	defer e.releaseHub(sess.Key, h, p.ID)

	writer := session.NewWriter(conn, p.Outbox, e.cfg.Writer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return writer.Run(gctx) })
	g.Go(func() error { return h.pipe.clientPump(gctx, conn, p) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-h.done:
			return errUpstreamGone
		}
	})
	return settle(g.Wait())
}

// acquireHub joins the session's shared link, dialing it for the first participant.
func (e *Engine) acquireHub(ctx context.Context, sess *session.Session, c Connection, log *slog.Logger) (*hub, error) {
	e.mu.Lock()
	if h, ok := e.hubs[sess.Key]; ok {
		h.refs++
		e.mu.Unlock()
		select {
		case <-h.ready:
		case <-ctx.Done():
			e.releaseHub(sess.Key, h, "")
			return nil, ctx.Err()
		}
		if h.err != nil {
			e.releaseHub(sess.Key, h, "")
			return nil, h.err
		}
		return h, nil
	}
	h := &hub{refs: 1, ready: make(chan struct{}), done: make(chan struct{})}
	e.hubs[sess.Key] = h
	e.mu.Unlock()

	pp := e.newPipe(sess, nil, c, e.logger.With("session_key", sess.Key, "mode", string(e.cfg.Mode)))
	pp.mixer = live.NewMixer()
	pp.setState(StateAwaitUpstream)

	up, err := e.dialer.Dial(ctx, c.RequestID)
	if err != nil {
		h.err = fmt.Errorf("dial upstream: %w", err)
		pp.stop()
		e.mu.Lock()
		if e.hubs[sess.Key] == h {
			delete(e.hubs, sess.Key)
		}
		e.mu.Unlock()
		close(h.ready)
		close(h.done)
		e.releaseHub(sess.Key, h, "")
		return nil, h.err
	}
	pp.up = up
	h.pipe = pp

	runCtx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	close(h.ready)
	log.Info("shared upstream opened")
	go func() {
		defer close(h.done)
		if err := e.runShared(runCtx, pp); err != nil {
			pp.log.Error("shared upstream ended with error", "error", err)
		}
	}()
	return h, nil
}

// releaseHub drops one reference. The last one closes the link and waits for its pumps.
func (e *Engine) releaseHub(key string, h *hub, participant string) {
	if h.pipe != nil && participant != "" {
		h.pipe.mixer.Remove(participant)
	}
	e.mu.Lock()
	h.refs--
	last := h.refs == 0
	if last && e.hubs[key] == h {
		delete(e.hubs, key)
	}
	e.mu.Unlock()

	if last && h.stop != nil {
		h.stop()
		<-h.done
	}
}

func (e *Engine) runShared(ctx context.Context, pp *pipe) error {
	defer pp.stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = pp.up.Close()
		return nil
	})
	g.Go(func() error { return pp.upstreamPump(gctx) })
	g.Go(func() error { return pp.mixLoop(gctx) })
	return settle(g.Wait())
}

// mixLoop forwards one mixed input_audio_buffer.append per tick. A tick with
// no buffered audio sends nothing.
func (pp *pipe) mixLoop(ctx context.Context) error {
	ticker := time.NewTicker(pp.e.cfg.MixInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		pcm := pp.mixer.Drain()
		if len(pcm) == 0 {
			continue
		}
		if err := pp.send(protocol.AudioAppendFrame(live.EncodeAudio(pcm))); err != nil {
			if ctx.Err() != nil || errors.Is(err, errUpstreamGone) {
				return errUpstreamGone
			}
			return err
		}
		pp.e.metrics.RecordMixedAudio(len(pcm))
	}
}
