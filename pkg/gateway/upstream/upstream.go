// Package upstream dials the realtime model endpoint the relay forwards to.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type Flavor string

const (
	FlavorAzure  Flavor = "azure"
	FlavorOpenAI Flavor = "openai"
)

const (
	defaultOpenAIEndpoint = "wss://api.openai.com"
	// RequestIDHeader is forwarded from the client to correlate upstream logs.
	RequestIDHeader = "x-ms-client-request-id"
)

var ErrClosed = errors.New("upstream link closed")

type Options struct {
	Flavor       Flavor
	Endpoint     string
	Deployment   string
	Model        string
	APIKey       string
	APIVersion   string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Dialer opens realtime links for one configured endpoint.
type Dialer struct {
	opts   Options
	target string
}

func NewDialer(opts Options) (*Dialer, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("upstream api key is required")
	}
	target, err := targetURL(opts)
	if err != nil {
		return nil, err
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &Dialer{opts: opts, target: target}, nil
}

func targetURL(opts Options) (string, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" && opts.Flavor == FlavorOpenAI {
		endpoint = defaultOpenAIEndpoint
	}
	if endpoint == "" {
		return "", errors.New("upstream endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse upstream endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported upstream scheme %q", u.Scheme)
	}
	base := strings.TrimRight(u.Path, "/")

	q := url.Values{}
	switch opts.Flavor {
	case FlavorAzure:
		if strings.TrimSpace(opts.Deployment) == "" {
			return "", errors.New("azure deployment is required")
		}
		u.Path = base + "/openai/realtime"
		q.Set("api-version", opts.APIVersion)
		q.Set("deployment", opts.Deployment)
	case FlavorOpenAI:
		u.Path = base + "/v1/realtime"
		q.Set("model", opts.Model)
	default:
		return "", fmt.Errorf("unknown upstream flavor %q", opts.Flavor)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// URL is the websocket URL the dialer connects to.
func (d *Dialer) URL() string { return d.target }

func (d *Dialer) header(requestID string) http.Header {
	h := http.Header{}
	switch d.opts.Flavor {
	case FlavorAzure:
		h.Set("api-key", d.opts.APIKey)
	case FlavorOpenAI:
		h.Set("Authorization", "Bearer "+d.opts.APIKey)
		h.Set("OpenAI-Beta", "realtime=v1")
	}
	if requestID != "" {
		h.Set(RequestIDHeader, requestID)
	}
	return h
}

// Dial opens one upstream connection. requestID, if set, is passed through for log correlation.
func (d *Dialer) Dial(ctx context.Context, requestID string) (*Link, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.opts.DialTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, d.target, d.header(requestID))
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			if len(body) > 0 {
				return nil, fmt.Errorf("upstream connect (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return nil, fmt.Errorf("upstream connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("upstream connect: %w", err)
	}
	return newLink(conn, d.opts.WriteTimeout), nil
}

// Link is one upstream realtime connection. Send is safe for concurrent use;
// Read must only be called from a single goroutine.
type Link struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closed       atomic.Bool
}

func newLink(conn *websocket.Conn, writeTimeout time.Duration) *Link {
	return &Link{conn: conn, writeTimeout: writeTimeout}
}

func (l *Link) Send(frame []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.writeTimeout > 0 {
		if err := l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
			return err
		}
	}
	return l.conn.WriteMessage(websocket.TextMessage, frame)
}

// Read returns the next text frame. Binary frames are skipped.
func (l *Link) Read() ([]byte, error) {
	for {
		typ, data, err := l.conn.ReadMessage()
		if err != nil {
			if l.closed.Load() {
				return nil, ErrClosed
			}
			return nil, err
		}
		if typ == websocket.TextMessage {
			return data, nil
		}
	}
}

// Close sends a normal close frame and closes the connection. It is idempotent.
func (l *Link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.writeMu.Lock()
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	l.writeMu.Unlock()
	return l.conn.Close()
}

// IsNormalClose reports whether err is an orderly shutdown of either side.
func IsNormalClose(err error) bool {
	if err == nil || errors.Is(err, ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
