package intent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-go/vai-relay/pkg/gateway/agents"
	"github.com/vango-go/vai-relay/pkg/gateway/llm"
)

func sampleProfiles(t *testing.T) *agents.Registry {
	t.Helper()
	reg, err := agents.Load("")
	if err != nil {
		t.Fatalf("agents.Load: %v", err)
	}
	return reg
}

func TestSystemPrompt_ListsAgents(t *testing.T) {
	got := SystemPrompt([]agents.Profile{
		{Name: "hotel_agent", Description: "Hotels."},
		{Name: "flight_agent", Description: "Flights."},
	})
	want := "You are a classifier model whose job is to classify the intent of the most recent user question into one of the following domains:\n\n" +
		"- **hotel_agent**: Hotels.\n- **flight_agent**: Flights.\n\nYou must only respond with the name of the predicted agent."
	if got != want {
		t.Fatalf("prompt=%q\nwant=%q", got, want)
	}
}

func TestKnown_FiltersUnknownAndNormalizes(t *testing.T) {
	reg := sampleProfiles(t)
	cases := []struct {
		raw  string
		want string
	}{
		{"flight_agent", "flight_agent"},
		{"  **Flight_Agent**.\n", "flight_agent"},
		{"weather_agent", ""},
		{"", ""},
	}
	for _, tc := range cases {
		k := &Known{Next: Func(func(context.Context, string) (string, error) { return tc.raw, nil }), Agents: reg}
		got, err := k.Classify(context.Background(), "user: hi")
		if err != nil {
			t.Fatalf("Classify(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("Classify(%q)=%q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestKnown_KeepsRegisteredSpelling(t *testing.T) {
	reg, err := agents.NewRegistry([]agents.Profile{
		{Name: "Hotel_Agent", Persona: "Hotel.", Default: true},
		{Name: "Flight_Agent", Persona: "Flight."},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	k := &Known{Next: Func(func(context.Context, string) (string, error) { return "flight_agent", nil }), Agents: reg}
	got, err := k.Classify(context.Background(), "user: my flight")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got != "Flight_Agent" {
		t.Fatalf("Classify=%q, want Flight_Agent", got)
	}
}

func TestKnown_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	k := &Known{Next: Func(func(context.Context, string) (string, error) { return "", boom }), Agents: sampleProfiles(t)}
	if _, err := k.Classify(context.Background(), "x"); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}
}

func TestOpenAI_SendsSystemPromptAndConversation(t *testing.T) {
	var got struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":" flight_agent\n"}}]}`)
	}))
	defer srv.Close()

	client := llm.NewOpenAI(llm.OpenAIOptions{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client()})
	reg := sampleProfiles(t)
	c := NewOpenAI(client, "", reg.Profiles())
	label, err := c.Classify(context.Background(), "user: my flight is late")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if label != "flight_agent" {
		t.Fatalf("label=%q, want flight_agent", label)
	}
	if got.Model != DefaultOpenAIModel || got.MaxTokens != maxLabelTokens {
		t.Fatalf("model=%q max_tokens=%d", got.Model, got.MaxTokens)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || !strings.Contains(string(got.Messages[0].Content), "hotel_agent") {
		t.Fatalf("messages=%+v", got.Messages)
	}
}

func TestGemini_ReadsCandidateText(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":generateContent") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"hotel_"},{"text":"agent"}]}}]}`)
	}))
	defer srv.Close()

	reg := sampleProfiles(t)
	g, err := NewGemini(context.Background(), GeminiOptions{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client()}, reg.Profiles())
	if err != nil {
		t.Fatalf("NewGemini: %v", err)
	}
	label, err := g.Classify(context.Background(), "user: can I get a late checkout")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if label != "hotel_agent" {
		t.Fatalf("label=%q, want hotel_agent", label)
	}
	if _, ok := body["systemInstruction"]; !ok {
		t.Fatalf("request has no systemInstruction: %v", body)
	}
}

func TestNewGemini_RequiresKey(t *testing.T) {
	if _, err := NewGemini(context.Background(), GeminiOptions{}, nil); err == nil {
		t.Fatalf("expected error without api key")
	}
}

func TestScoring_RequestShapeAndLabel(t *testing.T) {
	var gotAuth, gotDeployment string
	var req scoringRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotDeployment = r.Header.Get("azureml-model-deployment")
		_ = json.NewDecoder(r.Body).Decode(&req)
		_, _ = io.WriteString(w, `[{"0":"flight_agent"}]`)
	}))
	defer srv.Close()

	s := &Scoring{URL: srv.URL, APIKey: "secret", Deployment: "intent-v2", HTTPClient: srv.Client()}
	label, err := s.Classify(context.Background(), "user: change my seat")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if label != "flight_agent" {
		t.Fatalf("label=%q, want flight_agent", label)
	}
	if gotAuth != "Bearer secret" || gotDeployment != "intent-v2" {
		t.Fatalf("auth=%q deployment=%q", gotAuth, gotDeployment)
	}
	if len(req.InputData.Data) != 1 || req.InputData.Data[0][0] != "user: change my seat" || req.InputData.Columns[0] != "input_string" {
		t.Fatalf("request=%+v", req)
	}
}

func TestScoring_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := &Scoring{URL: srv.URL, HTTPClient: srv.Client()}
	if _, err := s.Classify(context.Background(), "x"); err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("err=%v, want 503", err)
	}
}
