package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/store"
)

func postFrame(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/upload_video_frame", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rr, req)
	return rr
}

func TestVideoFrame_KeepsNewestFrames(t *testing.T) {
	st := store.NewMemory()
	h := VideoFrameHandler{Config: config.Config{VideoMaxFrames: 2, MaxBodyBytes: 1 << 20}, Store: st}

	for _, f := range []string{"f1", "f2", "f3"} {
		rr := postFrame(t, h, `{"frame":"`+f+`","session_state_key":"s1"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("frame %s code=%d body=%q", f, rr.Code, rr.Body.String())
		}
		var resp videoFrameResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Status != "Frame received" || resp.SessionStateKey != "s1" {
			t.Fatalf("resp=%+v", resp)
		}
	}

	frames, err := store.Frames(context.Background(), st, "s1")
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	if len(frames) != 2 || frames[0] != "f2" || frames[1] != "f3" {
		t.Fatalf("frames=%v, want [f2 f3]", frames)
	}
}

func TestVideoFrame_Rejects(t *testing.T) {
	h := VideoFrameHandler{Config: config.Config{VideoMaxFrames: 4, MaxBodyBytes: 64}, Store: store.NewMemory()}

	cases := []struct {
		name string
		body string
		code int
	}{
		{"missing frame", `{"session_state_key":"s1"}`, http.StatusBadRequest},
		{"missing key", `{"frame":"f1"}`, http.StatusBadRequest},
		{"not json", `frame=f1`, http.StatusBadRequest},
		{"too large", `{"frame":"` + strings.Repeat("A", 128) + `","session_state_key":"s1"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := postFrame(t, h, tc.body)
			if rr.Code != tc.code {
				t.Fatalf("code=%d, want %d body=%q", rr.Code, tc.code, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), `"status":"error"`) {
				t.Fatalf("body=%q, want status error", rr.Body.String())
			}
		})
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/upload_video_frame", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET code=%d", rr.Code)
	}
}
