package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"

	"github.com/vango-go/vai-relay/pkg/gateway/agents"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/intent"
	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/live/relay"
	"github.com/vango-go/vai-relay/pkg/gateway/live/session"
	"github.com/vango-go/vai-relay/pkg/gateway/live/translate"
	"github.com/vango-go/vai-relay/pkg/gateway/llm"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
	"github.com/vango-go/vai-relay/pkg/gateway/server"
	"github.com/vango-go/vai-relay/pkg/gateway/store"
	"github.com/vango-go/vai-relay/pkg/gateway/tools"
	"github.com/vango-go/vai-relay/pkg/gateway/tools/builtins"
	"github.com/vango-go/vai-relay/pkg/gateway/tools/knowledge"
	"github.com/vango-go/vai-relay/pkg/gateway/tools/reservations"
	"github.com/vango-go/vai-relay/pkg/gateway/tools/vision"
	"github.com/vango-go/vai-relay/pkg/gateway/upstream"
)

const (
	hotelKnowledgeFile   = "hotel_knowledge.json"
	airlineKnowledgeFile = "airline_knowledge.json"
)

// app is the fully wired relay process.
type app struct {
	gw       *server.Server
	sessions *session.Table
	metrics  *metrics.Metrics
	closers  []func() error
	logger   *slog.Logger
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		metrics: metrics.New("vai_relay"),
		logger:  logger,
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var oai *openai.Client
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		oai = llm.NewOpenAI(llm.OpenAIOptions{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL})
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, st.Close)

	registry, err := agents.Load(cfg.AgentProfilesDir)
	if err != nil {
		return nil, fmt.Errorf("load agent profiles: %w", err)
	}

	var repo reservations.Repository = reservations.NewSampleMemory()
	if strings.TrimSpace(cfg.ReservationsDSN) != "" {
		pg, err := reservations.OpenPostgres(ctx, cfg.ReservationsDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		repo = pg
	}

	deps := builtins.Deps{Reservations: repo}
	if oai != nil {
		embedder := knowledge.NewOpenAIEmbedder(oai, cfg.EmbeddingModel)
		deps.HotelKnowledge = loadKnowledge(cfg.KnowledgeDir, hotelKnowledgeFile, embedder, logger)
		deps.AirlineKnowledge = loadKnowledge(cfg.KnowledgeDir, airlineKnowledgeFile, embedder, logger)
		deps.Vision = &vision.OpenAI{Client: oai, Model: cfg.VisionModel}
	} else if cfg.Mode == config.RelayModeAgent {
		logger.Warn("openai api key not set; knowledge and camera tools will fail")
	}

	toolReg := tools.NewRegistry()
	if err := builtins.Register(toolReg, deps, registry.Profiles()); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	dispatcher := &tools.Dispatcher{
		Policy:  tools.Policy(cfg.ToolPolicy),
		Timeout: cfg.ToolTimeout,
		Frames: func(ctx context.Context, sessionKey string) ([]string, error) {
			return store.Frames(ctx, st, sessionKey)
		},
		Logger: logger,
	}

	classifier, err := buildClassifier(ctx, cfg, oai, registry)
	if err != nil {
		return nil, err
	}

	a.sessions = session.NewTable(session.TableOptions{HistoryMax: cfg.HistoryMax})

	var engine *relay.Engine
	if issues := cfg.UpstreamIssues(); len(issues) > 0 {
		logger.Warn("upstream not configured; /realtime disabled", "issues", strings.Join(issues, "; "))
	} else {
		dialer, err := upstream.NewDialer(upstream.Options{
			Flavor:       upstream.Flavor(cfg.UpstreamFlavor),
			Endpoint:     cfg.UpstreamEndpoint,
			Deployment:   cfg.UpstreamDeployment,
			Model:        cfg.UpstreamModel,
			APIKey:       cfg.UpstreamAPIKey,
			APIVersion:   cfg.UpstreamAPIVersion,
			DialTimeout:  cfg.UpstreamDialTimeout,
			WriteTimeout: cfg.UpstreamWriteTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("upstream dialer: %w", err)
		}
		engine, err = relay.New(relay.Dependencies{
			Config: relay.Config{
				Mode:                   cfg.Mode,
				Writer:                 session.WriterConfig{PingInterval: cfg.WSPingInterval, WriteTimeout: cfg.WSWriteTimeout},
				ReadTimeout:            cfg.WSReadTimeout,
				MixInterval:            cfg.MixInterval,
				MaxAudioFPS:            cfg.AudioMaxFPS,
				MaxAudioBytesPerSecond: cfg.AudioMaxBytesPerSecond,
				InboundBurstSeconds:    cfg.AudioBurstSeconds,
			},
			Sessions:   a.sessions,
			Dialer:     relay.LinkDialer(dialer),
			Translator: translate.New(translatorOptions(cfg)),
			Agents:     registry,
			Tools:      toolReg,
			Dispatcher: dispatcher,
			Classifier: classifier,
			Store:      st,
			Metrics:    a.metrics,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
	}

	a.gw = server.New(cfg, logger, server.Dependencies{
		Sessions: a.sessions,
		Engine:   engine,
		Store:    st,
		Metrics:  a.metrics,
	})
	return a, nil
}

func openStore(cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store {
	case config.StoreRedis:
		return store.NewRedis(store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			TLS:      cfg.RedisTLS,
			TTL:      cfg.StoreTTL,
		})
	case config.StoreBadger:
		return store.NewBadger(store.BadgerOptions{Dir: cfg.BadgerDir, TTL: cfg.StoreTTL, Logger: logger})
	default:
		return store.NewMemory(), nil
	}
}

// buildClassifier returns nil when no handoff classifier is configured.
func buildClassifier(ctx context.Context, cfg config.Config, oai *openai.Client, registry *agents.Registry) (intent.Classifier, error) {
	var next intent.Classifier
	switch cfg.Classifier {
	case config.ClassifierOpenAI:
		if oai == nil {
			return nil, errors.New("openai classifier requires VAI_RELAY_OPENAI_API_KEY")
		}
		next = intent.NewOpenAI(oai, cfg.ClassifierModel, registry.Profiles())
	case config.ClassifierGemini:
		g, err := intent.NewGemini(ctx, intent.GeminiOptions{APIKey: cfg.GeminiAPIKey, Model: cfg.ClassifierModel}, registry.Profiles())
		if err != nil {
			return nil, fmt.Errorf("gemini classifier: %w", err)
		}
		next = g
	case config.ClassifierScoring:
		next = &intent.Scoring{URL: cfg.ScoringURL, APIKey: cfg.ScoringAPIKey, Deployment: cfg.ScoringDeployment}
	default:
		return nil, nil
	}
	return &intent.Known{Next: next, Agents: registry, Timeout: cfg.ClassifierTimeout}, nil
}

func translatorOptions(cfg config.Config) translate.Options {
	opts := translate.Options{
		Temperature:             cfg.Temperature,
		MaxResponseOutputTokens: cfg.MaxResponseOutputTokens,
		DisableAudio:            cfg.DisableAudio,
		Voice:                   cfg.Voice,
		TurnDetection: &protocol.TurnDetection{
			Type:              "server_vad",
			Threshold:         cfg.TurnDetectionThreshold,
			PrefixPaddingMS:   int(cfg.TurnPrefixPadding / time.Millisecond),
			SilenceDurationMS: int(cfg.TurnSilenceDuration / time.Millisecond),
		},
	}
	if cfg.TranscriptionModel != "" {
		opts.Transcription = &protocol.InputAudioTranscription{Model: cfg.TranscriptionModel}
	}
	return opts
}

// loadKnowledge returns nil when the file is absent. Searches against a nil
// index fail at call time.
func loadKnowledge(dir, name string, embedder knowledge.Embedder, logger *slog.Logger) *knowledge.Index {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	path := filepath.Join(dir, name)
	ix, err := knowledge.LoadIndex(path, embedder)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("knowledge file missing", "path", path)
		} else {
			logger.Warn("knowledge file unreadable", "path", path, "error", err)
		}
		return nil
	}
	logger.Info("knowledge index loaded", "path", path, "chunks", ix.Len())
	return ix
}

func janitorInterval(ttl time.Duration) time.Duration {
	interval := time.Minute
	if ttl > 0 && ttl/2 < interval {
		interval = ttl / 2
	}
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}
