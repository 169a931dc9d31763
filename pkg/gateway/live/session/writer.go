package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// WSWriter is the write half of a websocket connection.
type WSWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type WriterConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Writer drains an Outbox onto a client connection. It is the only goroutine
// that writes data frames to that connection.
type Writer struct {
	ws  WSWriter
	out *Outbox
	cfg WriterConfig
}

func NewWriter(ws WSWriter, out *Outbox, cfg WriterConfig) *Writer {
	return &Writer{ws: ws, out: out, cfg: cfg}
}

// Run writes frames until the outbox is drained after Close, a write fails,
// or ctx is done. Cancelling ctx sends a normal close frame and closes the connection.
func (w *Writer) Run(ctx context.Context) error {
	if w == nil || w.ws == nil || w.out == nil {
		return nil
	}

	pingInterval := w.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			_ = w.ws.Close()
			return nil
		default:
		}

		if frame, ok := w.out.Pop(); ok {
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		}
		if w.out.Drained() {
			return nil
		}

		select {
		case <-ctx.Done():
		case <-w.out.Ready():
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		}
	}
}

func (w *Writer) writeFrame(frame []byte, writeTimeout time.Duration) error {
	if len(frame) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame)
}
