package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

// RelayMode selects the session topology used by the realtime endpoint.
type RelayMode string

const (
	RelayModeTranslate RelayMode = "translate"
	RelayModeMixed     RelayMode = "mixed"
	RelayModePaired    RelayMode = "paired"
	RelayModeAgent     RelayMode = "agent"
)

type UpstreamFlavor string

const (
	UpstreamFlavorAzure  UpstreamFlavor = "azure"
	UpstreamFlavorOpenAI UpstreamFlavor = "openai"
)

type ToolPolicy string

const (
	ToolPolicyTolerant ToolPolicy = "tolerant"
	ToolPolicyStrict   ToolPolicy = "strict"
)

type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StoreRedis  StoreBackend = "redis"
	StoreBadger StoreBackend = "badger"
)

type ClassifierBackend string

const (
	ClassifierNone    ClassifierBackend = "none"
	ClassifierOpenAI  ClassifierBackend = "openai"
	ClassifierGemini  ClassifierBackend = "gemini"
	ClassifierScoring ClassifierBackend = "scoring"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the relay is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	MaxBodyBytes int64

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	Mode RelayMode

	// Upstream realtime endpoint.
	UpstreamFlavor       UpstreamFlavor
	UpstreamEndpoint     string
	UpstreamDeployment   string
	UpstreamModel        string
	UpstreamAPIKey       string
	UpstreamAPIVersion   string
	UpstreamDialTimeout  time.Duration
	UpstreamWriteTimeout time.Duration

	// Session parameters injected into every session.update. Nil means "leave as is".
	Temperature             *float64
	MaxResponseOutputTokens *int
	DisableAudio            *bool
	Voice                   string

	TurnDetectionThreshold float64
	TurnPrefixPadding      time.Duration
	TurnSilenceDuration    time.Duration
	TranscriptionModel     string

	HistoryMax     int
	MixInterval    time.Duration
	SessionTTL     time.Duration
	VideoMaxFrames int

	ToolPolicy  ToolPolicy
	ToolTimeout time.Duration

	AgentProfilesDir string

	Store         StoreBackend
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	StoreTTL      time.Duration
	BadgerDir     string

	Classifier        ClassifierBackend
	ClassifierModel   string
	ClassifierTimeout time.Duration
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	GeminiAPIKey      string
	ScoringURL        string
	ScoringAPIKey     string
	ScoringDeployment string

	ReservationsDSN string
	KnowledgeDir    string
	EmbeddingModel  string
	VisionModel     string

	// Client WebSocket transport.
	WSPingInterval time.Duration
	WSWriteTimeout time.Duration
	WSReadTimeout  time.Duration

	// Inbound audio limits per realtime connection. Zero disables a limit.
	AudioMaxFPS            int
	AudioMaxBytesPerSecond int64
	AudioBurstSeconds      int

	// In-memory limits (per principal).
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int
	LimitMaxRealtimeConns      int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("VAI_RELAY_ADDR", ":8765"),
		AuthMode:                   AuthMode(envOr("VAI_RELAY_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                    make(map[string]struct{}),
		TrustProxyHeaders:          envBoolOr("VAI_RELAY_TRUST_PROXY_HEADERS", false),
		MaxBodyBytes:               envInt64Or("VAI_RELAY_MAX_BODY_BYTES", 8<<20), // 8 MiB, video frames are base64 JPEGs
		CORSAllowedOrigins:         make(map[string]struct{}),
		Mode:                       RelayMode(envOr("VAI_RELAY_MODE", string(RelayModeTranslate))),
		UpstreamFlavor:             UpstreamFlavor(envOr("VAI_RELAY_UPSTREAM_FLAVOR", string(UpstreamFlavorAzure))),
		UpstreamEndpoint:           envOr("VAI_RELAY_UPSTREAM_ENDPOINT", ""),
		UpstreamDeployment:         envOr("VAI_RELAY_UPSTREAM_DEPLOYMENT", ""),
		UpstreamModel:              envOr("VAI_RELAY_UPSTREAM_MODEL", "gpt-4o-realtime-preview"),
		UpstreamAPIKey:             envOr("VAI_RELAY_UPSTREAM_API_KEY", ""),
		UpstreamAPIVersion:         envOr("VAI_RELAY_UPSTREAM_API_VERSION", "2024-10-01-preview"),
		UpstreamDialTimeout:        envDurationOr("VAI_RELAY_UPSTREAM_DIAL_TIMEOUT", 10*time.Second),
		UpstreamWriteTimeout:       envDurationOr("VAI_RELAY_UPSTREAM_WRITE_TIMEOUT", 10*time.Second),
		Voice:                      envOr("VAI_RELAY_VOICE", ""),
		TurnDetectionThreshold:     envFloat64Or("VAI_RELAY_VAD_THRESHOLD", 0.5),
		TurnPrefixPadding:          envDurationOr("VAI_RELAY_VAD_PREFIX_PADDING", 300*time.Millisecond),
		TurnSilenceDuration:        envDurationOr("VAI_RELAY_VAD_SILENCE", 200*time.Millisecond),
		TranscriptionModel:         envOr("VAI_RELAY_TRANSCRIPTION_MODEL", "whisper-1"),
		HistoryMax:                 envIntOr("VAI_RELAY_HISTORY_MAX", 3),
		MixInterval:                envDurationOr("VAI_RELAY_MIX_INTERVAL", 100*time.Millisecond),
		SessionTTL:                 envDurationOr("VAI_RELAY_SESSION_TTL", 30*time.Minute),
		VideoMaxFrames:             envIntOr("VAI_RELAY_VIDEO_MAX_FRAMES", 4),
		ToolPolicy:                 ToolPolicy(envOr("VAI_RELAY_TOOL_POLICY", string(ToolPolicyTolerant))),
		ToolTimeout:                envDurationOr("VAI_RELAY_TOOL_TIMEOUT", 30*time.Second),
		AgentProfilesDir:           envOr("VAI_RELAY_AGENT_PROFILES_DIR", ""),
		Store:                      StoreBackend(envOr("VAI_RELAY_STORE", string(StoreMemory))),
		RedisAddr:                  envOr("VAI_RELAY_REDIS_ADDR", ""),
		RedisPassword:              envOr("VAI_RELAY_REDIS_PASSWORD", ""),
		RedisTLS:                   envBoolOr("VAI_RELAY_REDIS_TLS", true),
		StoreTTL:                   envDurationOr("VAI_RELAY_STORE_TTL", 24*time.Hour),
		BadgerDir:                  envOr("VAI_RELAY_BADGER_DIR", ""),
		Classifier:                 ClassifierBackend(envOr("VAI_RELAY_CLASSIFIER", string(ClassifierNone))),
		ClassifierModel:            envOr("VAI_RELAY_CLASSIFIER_MODEL", ""),
		ClassifierTimeout:          envDurationOr("VAI_RELAY_CLASSIFIER_TIMEOUT", 10*time.Second),
		OpenAIAPIKey:               envOr("VAI_RELAY_OPENAI_API_KEY", ""),
		OpenAIBaseURL:              envOr("VAI_RELAY_OPENAI_BASE_URL", ""),
		GeminiAPIKey:               envOr("VAI_RELAY_GEMINI_API_KEY", ""),
		ScoringURL:                 envOr("VAI_RELAY_SCORING_URL", ""),
		ScoringAPIKey:              envOr("VAI_RELAY_SCORING_API_KEY", ""),
		ScoringDeployment:          envOr("VAI_RELAY_SCORING_DEPLOYMENT", ""),
		ReservationsDSN:            envOr("VAI_RELAY_RESERVATIONS_DSN", ""),
		KnowledgeDir:               envOr("VAI_RELAY_KNOWLEDGE_DIR", ""),
		EmbeddingModel:             envOr("VAI_RELAY_EMBEDDING_MODEL", "text-embedding-3-small"),
		VisionModel:                envOr("VAI_RELAY_VISION_MODEL", "gpt-4o"),
		WSPingInterval:             envDurationOr("VAI_RELAY_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:             envDurationOr("VAI_RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:              envDurationOr("VAI_RELAY_WS_READ_TIMEOUT", 0),
		AudioMaxFPS:                envIntOr("VAI_RELAY_AUDIO_MAX_FPS", 0),
		AudioMaxBytesPerSecond:     envInt64Or("VAI_RELAY_AUDIO_MAX_BYTES_PER_SECOND", 0),
		AudioBurstSeconds:          envIntOr("VAI_RELAY_AUDIO_BURST_SECONDS", 2),
		LimitRPS:                   envFloat64Or("VAI_RELAY_RATE_LIMIT_RPS", 5.0),
		LimitBurst:                 envIntOr("VAI_RELAY_RATE_LIMIT_BURST", 10),
		LimitMaxConcurrentRequests: envIntOr("VAI_RELAY_MAX_CONCURRENT_REQUESTS", 20),
		LimitMaxRealtimeConns:      envIntOr("VAI_RELAY_MAX_REALTIME_PER_PRINCIPAL", 8),
		ReadHeaderTimeout:          envDurationOr("VAI_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                envDurationOr("VAI_RELAY_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:             envDurationOr("VAI_RELAY_TOTAL_REQUEST_TIMEOUT", 2*time.Minute),
		ShutdownGracePeriod:        envDurationOr("VAI_RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if raw := strings.TrimSpace(os.Getenv("VAI_RELAY_TEMPERATURE")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("VAI_RELAY_TEMPERATURE must be a number")
		}
		cfg.Temperature = &v
	}
	if raw := strings.TrimSpace(os.Getenv("VAI_RELAY_MAX_RESPONSE_OUTPUT_TOKENS")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return Config{}, fmt.Errorf("VAI_RELAY_MAX_RESPONSE_OUTPUT_TOKENS must be > 0")
		}
		cfg.MaxResponseOutputTokens = &v
	}
	if raw := strings.TrimSpace(os.Getenv("VAI_RELAY_DISABLE_AUDIO")); raw != "" {
		v := envBoolOr("VAI_RELAY_DISABLE_AUDIO", false)
		cfg.DisableAudio = &v
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VAI_RELAY_AUTH_MODE must be one of required|optional|disabled")
	}
	switch cfg.Mode {
	case RelayModeTranslate, RelayModeMixed, RelayModePaired, RelayModeAgent:
	default:
		return Config{}, fmt.Errorf("VAI_RELAY_MODE must be one of translate|mixed|paired|agent")
	}
	switch cfg.UpstreamFlavor {
	case UpstreamFlavorAzure, UpstreamFlavorOpenAI:
	default:
		return Config{}, fmt.Errorf("VAI_RELAY_UPSTREAM_FLAVOR must be one of azure|openai")
	}
	switch cfg.ToolPolicy {
	case ToolPolicyTolerant, ToolPolicyStrict:
	default:
		return Config{}, fmt.Errorf("VAI_RELAY_TOOL_POLICY must be one of tolerant|strict")
	}
	switch cfg.Store {
	case StoreMemory:
	case StoreRedis:
		if cfg.RedisAddr == "" {
			return Config{}, fmt.Errorf("VAI_RELAY_REDIS_ADDR must be set when VAI_RELAY_STORE=redis")
		}
	case StoreBadger:
		if cfg.BadgerDir == "" {
			return Config{}, fmt.Errorf("VAI_RELAY_BADGER_DIR must be set when VAI_RELAY_STORE=badger")
		}
	default:
		return Config{}, fmt.Errorf("VAI_RELAY_STORE must be one of memory|redis|badger")
	}
	switch cfg.Classifier {
	case ClassifierNone:
	case ClassifierOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("VAI_RELAY_OPENAI_API_KEY must be set when VAI_RELAY_CLASSIFIER=openai")
		}
	case ClassifierGemini:
		if cfg.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("VAI_RELAY_GEMINI_API_KEY must be set when VAI_RELAY_CLASSIFIER=gemini")
		}
	case ClassifierScoring:
		if cfg.ScoringURL == "" {
			return Config{}, fmt.Errorf("VAI_RELAY_SCORING_URL must be set when VAI_RELAY_CLASSIFIER=scoring")
		}
	default:
		return Config{}, fmt.Errorf("VAI_RELAY_CLASSIFIER must be one of none|openai|gemini|scoring")
	}

	for _, key := range splitCSV(os.Getenv("VAI_RELAY_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("VAI_RELAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_MAX_BODY_BYTES must be > 0")
	}
	if cfg.HistoryMax <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_HISTORY_MAX must be > 0")
	}
	if cfg.MixInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_MIX_INTERVAL must be > 0")
	}
	if cfg.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_SESSION_TTL must be > 0")
	}
	if cfg.VideoMaxFrames <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_VIDEO_MAX_FRAMES must be > 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_TOOL_TIMEOUT must be > 0")
	}
	if cfg.ClassifierTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_CLASSIFIER_TIMEOUT must be > 0")
	}
	if cfg.StoreTTL < 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_STORE_TTL must be >= 0")
	}
	if cfg.TurnDetectionThreshold < 0 || cfg.TurnDetectionThreshold > 1 {
		return Config{}, fmt.Errorf("VAI_RELAY_VAD_THRESHOLD must be within [0,1]")
	}
	if cfg.UpstreamDialTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_UPSTREAM_DIAL_TIMEOUT must be > 0")
	}
	if cfg.UpstreamWriteTimeout < 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_UPSTREAM_WRITE_TIMEOUT must be >= 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.AudioMaxFPS < 0 || cfg.AudioMaxBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_AUDIO_MAX_FPS and VAI_RELAY_AUDIO_MAX_BYTES_PER_SECOND must be >= 0")
	}
	if cfg.AudioBurstSeconds <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_AUDIO_BURST_SECONDS must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_TOTAL_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.LimitMaxRealtimeConns < 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_MAX_REALTIME_PER_PRINCIPAL must be >= 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_API_KEYS must be set when VAI_RELAY_AUTH_MODE=required")
	}

	return cfg, nil
}

// UpstreamIssues reports missing upstream settings. The relay still starts
// without them so health and handshake stay reachable; readiness reports them.
func (c Config) UpstreamIssues() []string {
	var issues []string
	if strings.TrimSpace(c.UpstreamEndpoint) == "" {
		issues = append(issues, "VAI_RELAY_UPSTREAM_ENDPOINT is not set")
	}
	if strings.TrimSpace(c.UpstreamAPIKey) == "" {
		issues = append(issues, "VAI_RELAY_UPSTREAM_API_KEY is not set")
	}
	if c.UpstreamFlavor == UpstreamFlavorAzure && strings.TrimSpace(c.UpstreamDeployment) == "" {
		issues = append(issues, "VAI_RELAY_UPSTREAM_DEPLOYMENT is not set")
	}
	return issues
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
