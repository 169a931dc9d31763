// Package relay brokers realtime sessions between clients and an upstream
// realtime model endpoint.
//
// Each upstream link gets two pumps: client to upstream and upstream to client.
// Frames crossing the boundary are rewritten by the translate package. In agent
// mode the engine dispatches tool calls and hands the conversation to another
// agent when the intent classifier names one.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-relay/pkg/gateway/agents"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/intent"
	"github.com/vango-go/vai-relay/pkg/gateway/live/session"
	"github.com/vango-go/vai-relay/pkg/gateway/live/translate"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
	"github.com/vango-go/vai-relay/pkg/gateway/store"
	"github.com/vango-go/vai-relay/pkg/gateway/tools"
	"github.com/vango-go/vai-relay/pkg/gateway/upstream"
)

// DefaultAgentSessionKey names the agent-mode session when the client does not send one.
const DefaultAgentSessionKey = "default_session_id"

// State is the lifecycle of one upstream link.
type State int32

const (
	StateAwaitUpstream State = iota
	StateStreaming
	StateSwitchingAgent
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitUpstream:
		return "await_upstream_ready"
	case StateStreaming:
		return "streaming"
	case StateSwitchingAgent:
		return "switching_agent"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	errClientGone   = errors.New("client disconnected")
	errUpstreamGone = errors.New("upstream disconnected")
)

// Upstream is one realtime link. Send must be safe for concurrent use.
type Upstream interface {
	Send(frame []byte) error
	Read() ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, requestID string) (Upstream, error)
}

type DialerFunc func(ctx context.Context, requestID string) (Upstream, error)

func (f DialerFunc) Dial(ctx context.Context, requestID string) (Upstream, error) {
	return f(ctx, requestID)
}

// LinkDialer adapts an upstream.Dialer.
func LinkDialer(d *upstream.Dialer) Dialer {
	return DialerFunc(func(ctx context.Context, requestID string) (Upstream, error) {
		link, err := d.Dial(ctx, requestID)
		if err != nil {
			return nil, err
		}
		return link, nil
	})
}

// ClientConn is the subset of *websocket.Conn the engine uses.
type ClientConn interface {
	session.WSWriter
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type Config struct {
	Mode   config.RelayMode
	Writer session.WriterConfig
	// ReadTimeout bounds the silence allowed from a client, pongs included. Zero disables it.
	ReadTimeout time.Duration
	MixInterval time.Duration

	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
}

type Dependencies struct {
	Config     Config
	Sessions   *session.Table
	Dialer     Dialer
	Translator *translate.Translator

	// Agent mode.
	Agents     *agents.Registry
	Tools      *tools.Registry
	Dispatcher *tools.Dispatcher
	Classifier intent.Classifier
	Store      store.Store

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
	// OnStateChange observes link state transitions.
	OnStateChange func(sessionKey string, s State)
}

type Engine struct {
	cfg        Config
	sessions   *session.Table
	dialer     Dialer
	translator *translate.Translator
	agents     *agents.Registry
	tools      *tools.Registry
	dispatcher *tools.Dispatcher
	classifier intent.Classifier
	store      store.Store
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
	onState    func(string, State)

	mu   sync.Mutex
	hubs map[string]*hub
}

func New(deps Dependencies) (*Engine, error) {
	if deps.Sessions == nil {
		return nil, errors.New("relay: session table is required")
	}
	if deps.Dialer == nil {
		return nil, errors.New("relay: upstream dialer is required")
	}
	cfg := deps.Config
	switch cfg.Mode {
	case "":
		cfg.Mode = config.RelayModeTranslate
	case config.RelayModeTranslate, config.RelayModeMixed, config.RelayModePaired:
	case config.RelayModeAgent:
		if deps.Agents == nil {
			return nil, errors.New("relay: agent mode requires agent profiles")
		}
	default:
		return nil, fmt.Errorf("relay: unknown mode %q", cfg.Mode)
	}
	if cfg.MixInterval <= 0 {
		cfg.MixInterval = 100 * time.Millisecond
	}

	e := &Engine{
		cfg:        cfg,
		sessions:   deps.Sessions,
		dialer:     deps.Dialer,
		translator: deps.Translator,
		agents:     deps.Agents,
		tools:      deps.Tools,
		dispatcher: deps.Dispatcher,
		classifier: deps.Classifier,
		store:      deps.Store,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        deps.Now,
		onState:    deps.OnStateChange,
		hubs:       make(map[string]*hub),
	}
	if e.translator == nil {
		e.translator = translate.New(translate.Options{})
	}
	if e.tools == nil {
		e.tools = tools.NewRegistry()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.dispatcher == nil {
		e.dispatcher = &tools.Dispatcher{Logger: e.logger}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

func (e *Engine) Mode() config.RelayMode { return e.cfg.Mode }

// Connection describes one accepted realtime client.
type Connection struct {
	SessionKey string
	UserLang   string
	RequestID  string
	Customer   agents.Customer
	// Outbox receives every frame bound for the client. A new one is created when nil.
	Outbox *session.Outbox
}

// Serve runs one client until it disconnects, its upstream ends, or ctx is
// done. Orderly disconnects of either side return nil.
func (e *Engine) Serve(ctx context.Context, conn ClientConn, c Connection) error {
	if c.SessionKey == "" && e.cfg.Mode == config.RelayModeAgent {
		c.SessionKey = DefaultAgentSessionKey
	}
	if c.SessionKey == "" {
		return errors.New("relay: session key is required")
	}

	start := e.now()
	e.metrics.RecordConnectionStart()

	sess, created := e.sessions.GetOrCreate(c.SessionKey, e.initSession)
	if e.cfg.Mode == config.RelayModeAgent {
		if sess.Agent() == "" {
			sess.SetAgent(e.agents.Default().Name)
		}
		if created {
			e.restoreHistory(ctx, sess)
		}
	}

	out := c.Outbox
	if out == nil {
		out = session.NewOutbox()
	}
	p := &session.Participant{ID: uuid.NewString(), Language: c.UserLang, Outbox: out}
	sess.Attach(p, e.now())
	defer func() {
		if sess.Leave(p.ID, e.now()) == 0 {
			e.sessions.Release(sess.Key)
		}
	}()

	log := e.logger.With(
		"session_key", sess.Key,
		"request_id", c.RequestID,
		"participant", p.ID,
		"mode", string(e.cfg.Mode),
	)
	log.Info("realtime client attached", "user_lang", c.UserLang, "created", created)
	e.armReadDeadline(conn)

	var err error
	if e.cfg.Mode == config.RelayModeMixed {
		err = e.serveMixed(ctx, conn, sess, p, c, log)
	} else {
		err = e.servePipe(ctx, conn, sess, p, c, log)
	}

	status := "ok"
	if err != nil {
		status = "error"
		log.Error("realtime session ended with error", "error", err)
	} else {
		log.Info("realtime client detached", "duration", e.now().Sub(start))
	}
	e.metrics.RecordConnectionEnd(string(e.cfg.Mode), status, e.now().Sub(start))
	return err
}

func (e *Engine) initSession(s *session.Session) {
	if e.cfg.Mode == config.RelayModeAgent {
		s.SetAgent(e.agents.Default().Name)
		return
	}
	s.SetPrompt(session.DefaultTranslatorPrompt)
}

func (e *Engine) restoreHistory(ctx context.Context, sess *session.Session) {
	if e.store == nil {
		return
	}
	data, err := e.store.Get(ctx, sess.Key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("history restore failed", "session_key", sess.Key, "error", err)
		}
		return
	}
	if err := sess.RestoreHistory(data); err != nil {
		e.logger.Warn("history restore failed", "session_key", sess.Key, "error", err)
	}
}

func (e *Engine) armReadDeadline(conn ClientConn) {
	if e.cfg.ReadTimeout <= 0 {
		return
	}
	_ = conn.SetReadDeadline(e.now().Add(e.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(e.now().Add(e.cfg.ReadTimeout))
	})
}

func isClientClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// settle hides the sentinel errors the pumps use to stop their group.
func settle(err error) error {
	if errors.Is(err, errClientGone) || errors.Is(err, errUpstreamGone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
