// Package config loads the voice server configuration: built-in defaults,
// then an optional YAML file, then VAI_TALK_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vango-go/vai-talk/pkg/gateway/events"
	"github.com/vango-go/vai-talk/pkg/gateway/live/flow"
	"github.com/vango-go/vai-talk/pkg/gateway/live/session"
	"github.com/vango-go/vai-talk/pkg/gateway/stages"
)

const envPrefix = "VAI_TALK_"

const (
	STTWhisper = "whisper"
	STTGoogle  = "google"

	LLMOpenAI = "openai"
	LLMGemini = "gemini"

	TTSPiper      = "piper"
	TTSCartesia   = "cartesia"
	TTSElevenLabs = "elevenlabs"
)

type STTConfig struct {
	Backend  string `yaml:"backend"`
	Endpoint string `yaml:"endpoint"`
	Language string `yaml:"language"`
}

type LLMConfig struct {
	Backend      string `yaml:"backend"`
	Endpoint     string `yaml:"endpoint"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"api_key"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxTokens    int    `yaml:"max_tokens"`
}

type TTSConfig struct {
	Backend    string `yaml:"backend"`
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	VoiceID    string `yaml:"voice_id"`
	SampleRate int    `yaml:"sample_rate"`
}

type PoolConfig struct {
	STT int `yaml:"stt"`
	LLM int `yaml:"llm"`
	TTS int `yaml:"tts"`
}

type FlowConfig struct {
	HighWater    int           `yaml:"high_water"`
	LowWater     int           `yaml:"low_water"`
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Config struct {
	Addr         string `yaml:"addr"`
	SharedSecret string `yaml:"shared_secret"`

	// Browser origins allowed to open /v1/voice. Empty allows only
	// requests without an Origin header.
	AllowedOrigins []string `yaml:"allowed_origins"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	STT STTConfig `yaml:"stt"`
	LLM LLMConfig `yaml:"llm"`
	TTS TTSConfig `yaml:"tts"`

	HistoryTurns        int           `yaml:"history_turns"`
	SilenceTimeout      time.Duration `yaml:"silence_timeout"`
	SilenceThreshold    float64       `yaml:"silence_threshold"`
	RepeatInterval      time.Duration `yaml:"repeat_interval"`
	RecentTranscripts   int           `yaml:"recent_transcripts"`
	MaxQueuedUtterances int           `yaml:"max_queued_utterances"`
	MaxUtteranceBytes   int           `yaml:"max_utterance_bytes"`
	MaxFrameBytes       int           `yaml:"max_frame_bytes"`
	OutputFrameSamples  int           `yaml:"output_frame_samples"`
	TurnTimeout         time.Duration `yaml:"turn_timeout"`

	Pool PoolConfig `yaml:"pool"`
	Flow FlowConfig `yaml:"flow"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WSPingInterval   time.Duration `yaml:"ws_ping_interval"`
	WSWriteTimeout   time.Duration `yaml:"ws_write_timeout"`
	WSReadTimeout    time.Duration `yaml:"ws_read_timeout"`

	InboundMaxFPS       int   `yaml:"inbound_max_fps"`
	InboundMaxBPS       int64 `yaml:"inbound_max_bps"`
	InboundBurstSeconds int   `yaml:"inbound_burst_seconds"`

	ReadHeaderTimeout   time.Duration `yaml:"read_header_timeout"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`

	Kafka KafkaConfig `yaml:"kafka"`
}

// Default returns the configuration used when nothing is overridden. The
// shared secret has no default and must be supplied.
func Default() Config {
	sd := session.DefaultConfig()
	pool := stages.DefaultLimits()
	return Config{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "json",
		STT: STTConfig{
			Backend:  STTWhisper,
			Endpoint: "http://127.0.0.1:9000/inference",
			Language: "en",
		},
		LLM: LLMConfig{
			Backend:   LLMOpenAI,
			Endpoint:  "http://127.0.0.1:11434/v1",
			Model:     "llama3.1",
			MaxTokens: 512,
		},
		TTS: TTSConfig{
			Backend:    TTSPiper,
			Endpoint:   "http://127.0.0.1:5000",
			SampleRate: 22050,
		},
		HistoryTurns:        sd.HistoryTurns,
		SilenceTimeout:      sd.SilenceTimeout,
		SilenceThreshold:    sd.SilenceThreshold,
		RepeatInterval:      sd.RepeatInterval,
		RecentTranscripts:   sd.RecentTranscripts,
		MaxQueuedUtterances: sd.MaxQueuedUtterances,
		MaxUtteranceBytes:   sd.MaxUtteranceBytes,
		MaxFrameBytes:       sd.MaxFrameBytes,
		OutputFrameSamples:  sd.OutputFrameSamples,
		TurnTimeout:         sd.TurnTimeout,
		Pool:                PoolConfig{STT: pool.STT, LLM: pool.LLM, TTS: pool.TTS},
		Flow:                FlowConfig{HighWater: sd.Flow.HighWater, LowWater: sd.Flow.LowWater, StallTimeout: sd.Flow.StallTimeout},
		HandshakeTimeout:    5 * time.Second,
		WSPingInterval:      sd.PingInterval,
		WSWriteTimeout:      sd.WriteTimeout,
		WSReadTimeout:       sd.ReadTimeout,
		InboundMaxFPS:       sd.MaxAudioFPS,
		InboundMaxBPS:       sd.MaxAudioBPS,
		InboundBurstSeconds: sd.InboundBurstSeconds,
		ReadHeaderTimeout:   10 * time.Second,
		ShutdownGracePeriod: 30 * time.Second,
		Kafka:               KafkaConfig{Topic: "vai-talk.turns"},
	}
}

// Load reads VAI_TALK_CONFIG (if set), applies env overrides and validates.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeFile overlays the keys present in a YAML (or JSON) file.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Addr = envOr("ADDR", c.Addr)
	c.SharedSecret = envOr("SHARED_SECRET", c.SharedSecret)
	if origins := splitCSV(os.Getenv(envPrefix + "ALLOWED_ORIGINS")); len(origins) > 0 {
		c.AllowedOrigins = origins
	}
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)

	c.STT.Backend = envOr("STT_BACKEND", c.STT.Backend)
	c.STT.Endpoint = envOr("STT_ENDPOINT", c.STT.Endpoint)
	c.STT.Language = envOr("STT_LANGUAGE", c.STT.Language)

	c.LLM.Backend = envOr("LLM_BACKEND", c.LLM.Backend)
	c.LLM.Endpoint = envOr("LLM_ENDPOINT", c.LLM.Endpoint)
	c.LLM.Model = envOr("LLM_MODEL", c.LLM.Model)
	c.LLM.APIKey = envOr("LLM_API_KEY", c.LLM.APIKey)
	c.LLM.SystemPrompt = envOr("LLM_SYSTEM_PROMPT", c.LLM.SystemPrompt)
	c.LLM.MaxTokens = envIntOr("LLM_MAX_TOKENS", c.LLM.MaxTokens)

	c.TTS.Backend = envOr("TTS_BACKEND", c.TTS.Backend)
	c.TTS.Endpoint = envOr("TTS_ENDPOINT", c.TTS.Endpoint)
	c.TTS.APIKey = envOr("TTS_API_KEY", c.TTS.APIKey)
	c.TTS.VoiceID = envOr("TTS_VOICE_ID", c.TTS.VoiceID)
	c.TTS.SampleRate = envIntOr("TTS_SAMPLE_RATE", c.TTS.SampleRate)

	c.HistoryTurns = envIntOr("HISTORY_TURNS", c.HistoryTurns)
	c.SilenceTimeout = envDurationOr("SILENCE_TIMEOUT", c.SilenceTimeout)
	c.SilenceThreshold = envFloat64Or("SILENCE_THRESHOLD", c.SilenceThreshold)
	c.RepeatInterval = envDurationOr("REPEAT_INTERVAL", c.RepeatInterval)
	c.RecentTranscripts = envIntOr("RECENT_TRANSCRIPTS", c.RecentTranscripts)
	c.MaxQueuedUtterances = envIntOr("MAX_QUEUED_UTTERANCES", c.MaxQueuedUtterances)
	c.MaxUtteranceBytes = envIntOr("MAX_UTTERANCE_BYTES", c.MaxUtteranceBytes)
	c.MaxFrameBytes = envIntOr("MAX_FRAME_BYTES", c.MaxFrameBytes)
	c.OutputFrameSamples = envIntOr("OUTPUT_FRAME_SAMPLES", c.OutputFrameSamples)
	c.TurnTimeout = envDurationOr("TURN_TIMEOUT", c.TurnTimeout)

	c.Pool.STT = envIntOr("POOL_STT", c.Pool.STT)
	c.Pool.LLM = envIntOr("POOL_LLM", c.Pool.LLM)
	c.Pool.TTS = envIntOr("POOL_TTS", c.Pool.TTS)

	c.Flow.HighWater = envIntOr("FLOW_HIGH_WATER", c.Flow.HighWater)
	c.Flow.LowWater = envIntOr("FLOW_LOW_WATER", c.Flow.LowWater)
	c.Flow.StallTimeout = envDurationOr("FLOW_STALL_TIMEOUT", c.Flow.StallTimeout)

	c.HandshakeTimeout = envDurationOr("HANDSHAKE_TIMEOUT", c.HandshakeTimeout)
	c.WSPingInterval = envDurationOr("WS_PING_INTERVAL", c.WSPingInterval)
	c.WSWriteTimeout = envDurationOr("WS_WRITE_TIMEOUT", c.WSWriteTimeout)
	c.WSReadTimeout = envDurationOr("WS_READ_TIMEOUT", c.WSReadTimeout)

	c.InboundMaxFPS = envIntOr("INBOUND_MAX_FPS", c.InboundMaxFPS)
	c.InboundMaxBPS = envInt64Or("INBOUND_MAX_BPS", c.InboundMaxBPS)
	c.InboundBurstSeconds = envIntOr("INBOUND_BURST_SECONDS", c.InboundBurstSeconds)

	c.ReadHeaderTimeout = envDurationOr("READ_HEADER_TIMEOUT", c.ReadHeaderTimeout)
	c.ShutdownGracePeriod = envDurationOr("SHUTDOWN_GRACE_PERIOD", c.ShutdownGracePeriod)

	if brokers := splitCSV(os.Getenv(envPrefix + "KAFKA_BROKERS")); len(brokers) > 0 {
		c.Kafka.Brokers = brokers
	}
	c.Kafka.Topic = envOr("KAFKA_TOPIC", c.Kafka.Topic)
}

// Validate reports the first invalid setting, named by its env key.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("%sADDR must not be empty", envPrefix)
	}
	if strings.TrimSpace(c.SharedSecret) == "" {
		return fmt.Errorf("%sSHARED_SECRET must be set", envPrefix)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("%sLOG_FORMAT must be one of json|text", envPrefix)
	}

	switch c.STT.Backend {
	case STTWhisper:
		if strings.TrimSpace(c.STT.Endpoint) == "" {
			return fmt.Errorf("%sSTT_ENDPOINT must be set for the whisper backend", envPrefix)
		}
	case STTGoogle:
	default:
		return fmt.Errorf("%sSTT_BACKEND must be one of whisper|google", envPrefix)
	}

	switch c.LLM.Backend {
	case LLMOpenAI:
		if strings.TrimSpace(c.LLM.Endpoint) == "" {
			return fmt.Errorf("%sLLM_ENDPOINT must be set for the openai backend", envPrefix)
		}
	case LLMGemini:
		if strings.TrimSpace(c.LLM.APIKey) == "" {
			return fmt.Errorf("%sLLM_API_KEY must be set for the gemini backend", envPrefix)
		}
	default:
		return fmt.Errorf("%sLLM_BACKEND must be one of openai|gemini", envPrefix)
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		return fmt.Errorf("%sLLM_MODEL must not be empty", envPrefix)
	}

	switch c.TTS.Backend {
	case TTSPiper:
		if strings.TrimSpace(c.TTS.Endpoint) == "" {
			return fmt.Errorf("%sTTS_ENDPOINT must be set for the piper backend", envPrefix)
		}
	case TTSCartesia, TTSElevenLabs:
		if strings.TrimSpace(c.TTS.APIKey) == "" {
			return fmt.Errorf("%sTTS_API_KEY must be set for the %s backend", envPrefix, c.TTS.Backend)
		}
	default:
		return fmt.Errorf("%sTTS_BACKEND must be one of piper|cartesia|elevenlabs", envPrefix)
	}
	if c.TTS.SampleRate < 8000 || c.TTS.SampleRate > 48000 {
		return fmt.Errorf("%sTTS_SAMPLE_RATE must be between 8000 and 48000", envPrefix)
	}

	if c.HistoryTurns < 0 {
		return fmt.Errorf("%sHISTORY_TURNS must be >= 0", envPrefix)
	}
	if c.SilenceTimeout < 0 {
		return fmt.Errorf("%sSILENCE_TIMEOUT must be >= 0", envPrefix)
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > 1 {
		return fmt.Errorf("%sSILENCE_THRESHOLD must be between 0 and 1", envPrefix)
	}
	if c.RepeatInterval < 0 {
		return fmt.Errorf("%sREPEAT_INTERVAL must be >= 0", envPrefix)
	}
	if c.RecentTranscripts < 0 {
		return fmt.Errorf("%sRECENT_TRANSCRIPTS must be >= 0", envPrefix)
	}
	if c.MaxQueuedUtterances < 0 {
		return fmt.Errorf("%sMAX_QUEUED_UTTERANCES must be >= 0", envPrefix)
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("%sMAX_FRAME_BYTES must be > 0", envPrefix)
	}
	if c.MaxUtteranceBytes < c.MaxFrameBytes {
		return fmt.Errorf("%sMAX_UTTERANCE_BYTES must be >= %sMAX_FRAME_BYTES", envPrefix, envPrefix)
	}
	if c.OutputFrameSamples <= 0 {
		return fmt.Errorf("%sOUTPUT_FRAME_SAMPLES must be > 0", envPrefix)
	}
	if c.TurnTimeout < 0 {
		return fmt.Errorf("%sTURN_TIMEOUT must be >= 0", envPrefix)
	}

	if c.Pool.STT <= 0 || c.Pool.LLM <= 0 || c.Pool.TTS <= 0 {
		return fmt.Errorf("%sPOOL_STT, %sPOOL_LLM and %sPOOL_TTS must be > 0", envPrefix, envPrefix, envPrefix)
	}

	if c.Flow.HighWater <= 0 {
		return fmt.Errorf("%sFLOW_HIGH_WATER must be > 0", envPrefix)
	}
	if c.Flow.LowWater < 0 || c.Flow.LowWater >= c.Flow.HighWater {
		return fmt.Errorf("%sFLOW_LOW_WATER must be >= 0 and < %sFLOW_HIGH_WATER", envPrefix, envPrefix)
	}
	if c.Flow.StallTimeout <= 0 {
		return fmt.Errorf("%sFLOW_STALL_TIMEOUT must be > 0", envPrefix)
	}

	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%sHANDSHAKE_TIMEOUT must be > 0", envPrefix)
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("%sWS_PING_INTERVAL must be > 0", envPrefix)
	}
	if c.WSWriteTimeout <= 0 {
		return fmt.Errorf("%sWS_WRITE_TIMEOUT must be > 0", envPrefix)
	}
	if c.WSReadTimeout < 0 {
		return fmt.Errorf("%sWS_READ_TIMEOUT must be >= 0", envPrefix)
	}
	if c.WSReadTimeout > 0 && c.WSReadTimeout <= c.WSPingInterval {
		return fmt.Errorf("%sWS_READ_TIMEOUT must exceed %sWS_PING_INTERVAL", envPrefix, envPrefix)
	}

	if c.InboundMaxFPS < 0 {
		return fmt.Errorf("%sINBOUND_MAX_FPS must be >= 0", envPrefix)
	}
	if c.InboundMaxBPS < 0 {
		return fmt.Errorf("%sINBOUND_MAX_BPS must be >= 0", envPrefix)
	}
	if (c.InboundMaxFPS > 0 || c.InboundMaxBPS > 0) && c.InboundBurstSeconds < 1 {
		return fmt.Errorf("%sINBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled", envPrefix)
	}

	if c.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("%sREAD_HEADER_TIMEOUT must be > 0", envPrefix)
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("%sSHUTDOWN_GRACE_PERIOD must be > 0", envPrefix)
	}
	if len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.Topic) == "" {
		return fmt.Errorf("%sKAFKA_TOPIC must be set when %sKAFKA_BROKERS is", envPrefix, envPrefix)
	}
	return nil
}

// Session builds the per-connection session configuration.
func (c Config) Session() session.Config {
	return session.Config{
		HistoryTurns:       c.HistoryTurns,
		SystemPrompt:       c.LLM.SystemPrompt,
		SilenceTimeout:     c.SilenceTimeout,
		SilenceThreshold:   c.SilenceThreshold,
		RepeatInterval:     c.RepeatInterval,
		MaxUtteranceBytes:  c.MaxUtteranceBytes,

		RecentTranscripts:   c.RecentTranscripts,
		MaxQueuedUtterances: c.MaxQueuedUtterances,

		MaxFrameBytes:      c.MaxFrameBytes,
		OutputFrameSamples: c.OutputFrameSamples,
		Flow: flow.Config{
			HighWater:    c.Flow.HighWater,
			LowWater:     c.Flow.LowWater,
			StallTimeout: c.Flow.StallTimeout,
		},
		PingInterval:        c.WSPingInterval,
		WriteTimeout:        c.WSWriteTimeout,
		ReadTimeout:         c.WSReadTimeout,
		TurnTimeout:         c.TurnTimeout,
		MaxAudioFPS:         c.InboundMaxFPS,
		MaxAudioBPS:         c.InboundMaxBPS,
		InboundBurstSeconds: c.InboundBurstSeconds,
	}
}

func (c Config) PoolLimits() stages.Limits {
	return stages.Limits{STT: c.Pool.STT, LLM: c.Pool.LLM, TTS: c.Pool.TTS}
}

func (c Config) Events() events.Config {
	return events.Config{
		Brokers: c.Kafka.Brokers,
		Topic:   c.Kafka.Topic,
		Enabled: len(c.Kafka.Brokers) > 0,
	}
}

// OriginSet returns AllowedOrigins as a lookup set.
func (c Config) OriginSet() map[string]struct{} {
	out := make(map[string]struct{}, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			out[o] = struct{}{}
		}
	}
	return out
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
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
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
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
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

// envDurationOr accepts Go durations ("800ms") or a bare integer of
// milliseconds.
func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return def
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
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
