// Package store persists per-session state (conversation history, recent
// video frames) outside the process so a reconnect can resume it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("store: key not found")

// Store is a byte-valued key/value store. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// VideoKey is where the recent camera frames of a session are kept.
func VideoKey(sessionKey string) string {
	return sessionKey + "_video"
}

// AppendFrame adds a base64 frame to the session's frame list, keeping only
// the newest max frames. It returns the stored list length.
func AppendFrame(ctx context.Context, s Store, sessionKey, frame string, max int) (int, error) {
	frames, err := Frames(ctx, s, sessionKey)
	if err != nil {
		return 0, err
	}
	frames = append(frames, frame)
	if max > 0 && len(frames) > max {
		frames = frames[len(frames)-max:]
	}
	raw, err := json.Marshal(frames)
	if err != nil {
		return 0, fmt.Errorf("encode frames: %w", err)
	}
	if err := s.Set(ctx, VideoKey(sessionKey), raw); err != nil {
		return 0, err
	}
	return len(frames), nil
}

// Frames returns the stored frames, oldest first. A session with no frames yields nil.
func Frames(ctx context.Context, s Store, sessionKey string) ([]string, error) {
	raw, err := s.Get(ctx, VideoKey(sessionKey))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var frames []string
	if err := json.Unmarshal(raw, &frames); err != nil {
		return nil, fmt.Errorf("decode frames for %s: %w", sessionKey, err)
	}
	return frames, nil
}
