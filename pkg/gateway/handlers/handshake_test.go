package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-relay/pkg/gateway/live/session"
)

type handshakeResult struct {
	Status      string  `json:"status"`
	SessionKey  string  `json:"session_key"`
	Ready       bool    `json:"ready"`
	PartnerLang *string `json:"partner_lang"`
	Error       *struct {
		Type  string `json:"type"`
		Param string `json:"param"`
		Code  string `json:"code"`
	} `json:"error"`
}

func doHandshake(t *testing.T, h http.Handler, query string) (int, handshakeResult) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/handshake?"+query, nil))
	var out handshakeResult
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return rr.Code, out
}

func TestHandshake_TwoPartyAdmission(t *testing.T) {
	h := HandshakeHandler{Sessions: session.NewTable(session.TableOptions{NewKey: func() string { return "abc12345" }})}

	code, created := doHandshake(t, h, "action=create&user_lang=English")
	if code != http.StatusOK || created.Status != "ok" || created.SessionKey != "abc12345" {
		t.Fatalf("create code=%d body=%+v", code, created)
	}
	if created.Ready || created.PartnerLang != nil {
		t.Fatalf("create ready=%v partner=%v, want false/nil", created.Ready, created.PartnerLang)
	}

	code, st := doHandshake(t, h, "action=status&session_key=abc12345&user_lang=English")
	if code != http.StatusOK || st.Ready {
		t.Fatalf("status before join code=%d ready=%v", code, st.Ready)
	}

	code, joined := doHandshake(t, h, "action=join&session_key=abc12345&user_lang=Spanish")
	if code != http.StatusOK || !joined.Ready {
		t.Fatalf("join code=%d body=%+v", code, joined)
	}
	if joined.PartnerLang == nil || *joined.PartnerLang != "English" {
		t.Fatalf("join partner_lang=%v, want English", joined.PartnerLang)
	}

	code, st = doHandshake(t, h, "action=status&session_key=abc12345&user_lang=English")
	if code != http.StatusOK || !st.Ready || st.PartnerLang == nil || *st.PartnerLang != "Spanish" {
		t.Fatalf("creator status code=%d body=%+v", code, st)
	}
}

func TestHandshake_Errors(t *testing.T) {
	h := HandshakeHandler{Sessions: session.NewTable(session.TableOptions{NewKey: func() string { return "dup00000" }})}
	if code, _ := doHandshake(t, h, "action=create&user_lang=en"); code != http.StatusOK {
		t.Fatalf("first create code=%d", code)
	}

	cases := []struct {
		name  string
		query string
		code  int
		param string
	}{
		{"unknown action", "action=delete", http.StatusBadRequest, "action"},
		{"join missing key", "action=join&user_lang=fr", http.StatusBadRequest, "session_key"},
		{"join missing lang", "action=join&session_key=dup00000", http.StatusBadRequest, "user_lang"},
		{"join unknown", "action=join&session_key=nope&user_lang=fr", http.StatusNotFound, "session_key"},
		{"status missing key", "action=status", http.StatusBadRequest, "session_key"},
		{"status unknown", "action=status&session_key=nope", http.StatusNotFound, "session_key"},
		{"collision", "action=create&user_lang=fr", http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, out := doHandshake(t, h, tc.query)
			if code != tc.code {
				t.Fatalf("code=%d, want %d", code, tc.code)
			}
			if out.Status != "error" || out.Error == nil {
				t.Fatalf("body=%+v, want error envelope", out)
			}
			if out.Error.Param != tc.param {
				t.Fatalf("param=%q, want %q", out.Error.Param, tc.param)
			}
		})
	}
}

func TestHandshake_MethodNotAllowed(t *testing.T) {
	h := HandshakeHandler{Sessions: session.NewTable(session.TableOptions{})}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/handshake?action=create", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("code=%d", rr.Code)
	}
}
