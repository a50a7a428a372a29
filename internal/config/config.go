package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	TraceExporter  string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	Debug       bool            `yaml:"debug"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Audio       AudioConfig     `yaml:"audio"`
	Decoder     DecoderConfig   `yaml:"decoder"`
	Synth       SynthConfig     `yaml:"synth"`
	Vocoder     VocoderConfig   `yaml:"vocoder"`
	Assembly    AssemblyConfig  `yaml:"assembly"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Export      ExportConfig    `yaml:"export"`
	Journal     JournalConfig   `yaml:"journal"`
	Render      RenderConfig    `yaml:"render"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// AudioConfig is fixed at startup and handed by value to every stage.
type AudioConfig struct {
	SampleRate  int     `yaml:"sample_rate"`
	FrameStepMS float64 `yaml:"frame_step_ms"`
}

type DecoderConfig struct {
	Kind string `yaml:"kind"` // auto, midi, yaml
}

type SynthConfig struct {
	Kind       string `yaml:"kind"` // mock, exec, bank
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	BankDir    string `yaml:"bank_dir"`
	SampleRate int    `yaml:"sample_rate"`
	CacheSize  int    `yaml:"cache_size"`
	MaxRetries int    `yaml:"max_retries"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	OnFailure  string `yaml:"on_failure"` // fail, silence
}

type VocoderConfig struct {
	Kind    string `yaml:"kind"` // native, exec
	Command string `yaml:"command"`
}

type AssemblyConfig struct {
	Declick          bool    `yaml:"declick"`
	MaxCanvasSeconds float64 `yaml:"max_canvas_seconds"`
}

type PipelineConfig struct {
	Workers int `yaml:"workers"`
}

type ExportConfig struct {
	Dir       string `yaml:"dir"`
	PerPhrase bool   `yaml:"per_phrase"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRenders    int    `yaml:"max_renders"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type RenderConfig struct {
	Enabled        bool `yaml:"enabled"`
	MaxConcurrency int  `yaml:"max_concurrency"`
	TimeoutSeconds int  `yaml:"timeout_seconds"`
	// RequestsPerSecond throttles accepted requests; 0 disables the limit.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// SourceDir confines request sources. Relative sources resolve against it.
	SourceDir string `yaml:"source_dir"`
}

func Default() Config {
	return Config{
		RuntimeName: "cantor",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			TraceExporter:  "none",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			SampleRate:  22050,
			FrameStepMS: 5,
		},
		Decoder: DecoderConfig{
			Kind: "auto",
		},
		Synth: SynthConfig{
			Kind:       "mock",
			CacheSize:  256,
			MaxRetries: 1,
			TimeoutMS:  30000,
			OnFailure:  "fail",
		},
		Vocoder: VocoderConfig{
			Kind: "native",
		},
		Assembly: AssemblyConfig{
			Declick:          true,
			MaxCanvasSeconds: 600,
		},
		Pipeline: PipelineConfig{
			Workers: 1,
		},
		Export: ExportConfig{
			Dir: "./out",
		},
		Journal: JournalConfig{
			Path:          "./data/cantor-journal.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRenders:    10000,
		},
		Render: RenderConfig{
			Enabled:        true,
			MaxConcurrency: 2,
			TimeoutSeconds: 600,
			SourceDir:      "scores",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "CANTOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CANTOR_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.Debug, "CANTOR_DEBUG")
	overrideString(&cfg.HTTP.Bind, "CANTOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CANTOR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CANTOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "CANTOR_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CANTOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CANTOR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "CANTOR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "CANTOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CANTOR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "CANTOR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "CANTOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CANTOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CANTOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CANTOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CANTOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CANTOR_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Audio.SampleRate, "CANTOR_AUDIO_SAMPLE_RATE")
	overrideFloat(&cfg.Audio.FrameStepMS, "CANTOR_AUDIO_FRAME_STEP_MS")
	overrideString(&cfg.Decoder.Kind, "CANTOR_DECODER_KIND")
	overrideString(&cfg.Synth.Kind, "CANTOR_SYNTH_KIND")
	overrideString(&cfg.Synth.Command, "CANTOR_SYNTH_COMMAND")
	overrideString(&cfg.Synth.Voice, "CANTOR_SYNTH_VOICE")
	overrideString(&cfg.Synth.BankDir, "CANTOR_SYNTH_BANK_DIR")
	overrideInt(&cfg.Synth.SampleRate, "CANTOR_SYNTH_SAMPLE_RATE")
	overrideInt(&cfg.Synth.CacheSize, "CANTOR_SYNTH_CACHE_SIZE")
	overrideInt(&cfg.Synth.MaxRetries, "CANTOR_SYNTH_MAX_RETRIES")
	overrideInt(&cfg.Synth.TimeoutMS, "CANTOR_SYNTH_TIMEOUT_MS")
	overrideString(&cfg.Synth.OnFailure, "CANTOR_SYNTH_ON_FAILURE")
	overrideString(&cfg.Vocoder.Kind, "CANTOR_VOCODER_KIND")
	overrideString(&cfg.Vocoder.Command, "CANTOR_VOCODER_COMMAND")
	overrideBool(&cfg.Assembly.Declick, "CANTOR_ASSEMBLY_DECLICK")
	overrideFloat(&cfg.Assembly.MaxCanvasSeconds, "CANTOR_ASSEMBLY_MAX_CANVAS_SECONDS")
	overrideInt(&cfg.Pipeline.Workers, "CANTOR_PIPELINE_WORKERS")
	overrideString(&cfg.Export.Dir, "CANTOR_EXPORT_DIR")
	overrideBool(&cfg.Export.PerPhrase, "CANTOR_EXPORT_PER_PHRASE")
	overrideString(&cfg.Journal.Path, "CANTOR_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "CANTOR_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "CANTOR_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxRenders, "CANTOR_JOURNAL_MAX_RENDERS")
	overrideBool(&cfg.Journal.VacuumOnStart, "CANTOR_JOURNAL_VACUUM_ON_START")
	overrideBool(&cfg.Render.Enabled, "CANTOR_RENDER_ENABLED")
	overrideInt(&cfg.Render.MaxConcurrency, "CANTOR_RENDER_MAX_CONCURRENCY")
	overrideInt(&cfg.Render.TimeoutSeconds, "CANTOR_RENDER_TIMEOUT_SECONDS")
	overrideFloat(&cfg.Render.RequestsPerSecond, "CANTOR_RENDER_REQUESTS_PER_SECOND")
	overrideInt(&cfg.Render.Burst, "CANTOR_RENDER_BURST")
	overrideString(&cfg.Render.SourceDir, "CANTOR_RENDER_SOURCE_DIR")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout", "otlp":
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.TraceExporter == "otlp" && strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
		return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.FrameStepMS <= 0 {
		return errors.New("audio.frame_step_ms must be positive")
	}
	switch cfg.Decoder.Kind {
	case "auto", "midi", "yaml":
	default:
		return errors.New("decoder.kind must be one of auto|midi|yaml")
	}
	switch cfg.Synth.Kind {
	case "mock", "exec", "bank":
	default:
		return errors.New("synth.kind must be one of mock|exec|bank")
	}
	if cfg.Synth.Kind == "exec" && cfg.Synth.Command == "" {
		return errors.New("synth.command must be set when kind=exec")
	}
	if cfg.Synth.Kind == "bank" && cfg.Synth.BankDir == "" {
		return errors.New("synth.bank_dir must be set when kind=bank")
	}
	if cfg.Synth.SampleRate < 0 {
		return errors.New("synth.sample_rate must be >= 0")
	}
	if cfg.Synth.CacheSize < 0 {
		return errors.New("synth.cache_size must be >= 0")
	}
	if cfg.Synth.MaxRetries < 0 {
		return errors.New("synth.max_retries must be >= 0")
	}
	switch cfg.Synth.OnFailure {
	case "fail", "silence":
	default:
		return errors.New("synth.on_failure must be one of fail|silence")
	}
	switch cfg.Vocoder.Kind {
	case "native", "exec":
	default:
		return errors.New("vocoder.kind must be one of native|exec")
	}
	if cfg.Vocoder.Kind == "exec" && cfg.Vocoder.Command == "" {
		return errors.New("vocoder.command must be set when kind=exec")
	}
	if cfg.Assembly.MaxCanvasSeconds <= 0 {
		return errors.New("assembly.max_canvas_seconds must be positive")
	}
	if cfg.Pipeline.Workers <= 0 {
		return errors.New("pipeline.workers must be >= 1")
	}
	if cfg.Export.Dir == "" {
		return errors.New("export.dir must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionMode != "ephemeral" && cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Render.Enabled && cfg.Render.MaxConcurrency <= 0 {
		return errors.New("render.max_concurrency must be >= 1")
	}
	if cfg.Render.RequestsPerSecond < 0 {
		return errors.New("render.requests_per_second must be >= 0")
	}
	return nil
}
