package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/viper"

	apperrors "medbench/pkg/errors"
)

// EnvPrefix prefixes every environment override, e.g. MEDBENCH_MODEL_NAME.
const EnvPrefix = "MEDBENCH"

// Section keys with a configurable row cap, in packet order.
var SectionKeys = []string{
	"transfers",
	"services",
	"discharge",
	"discharge_detail",
	"radiology",
	"radiology_detail",
	"labs",
	"microbiology",
	"poe",
	"poe_detail",
	"prescriptions",
	"pharmacy",
	"emar",
	"emar_detail",
	"diagnoses_icd",
	"procedures_icd",
	"drgcodes",
	"icustays",
}

// Uncapped is the row cap value meaning "keep every row".
const Uncapped = -1

// Truncation strategies.
const (
	StrategyEarliest      = "earliest"
	StrategyAbnormalFirst = "abnormal_first"
)

// Config is the whole run configuration.  It is built once by Load and not
// mutated afterwards.
type Config struct {
	Benchmark  BenchmarkConfig  `mapstructure:"benchmark"`
	Dataset    DatasetConfig    `mapstructure:"dataset"`
	Source     SourceConfig     `mapstructure:"source"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Truncation TruncationConfig `mapstructure:"truncation"`
	Prompt     PromptConfig     `mapstructure:"prompt"`
	Model      ModelConfig      `mapstructure:"model"`
	Validation ValidationConfig `mapstructure:"validation"`
	Output     OutputConfig     `mapstructure:"output"`
	Log        LogConfig        `mapstructure:"log"`
}

// BenchmarkConfig names the benchmark and the schema versions stamped into its records.
type BenchmarkConfig struct {
	Name                  string `mapstructure:"name"`
	Version               string `mapstructure:"version"`
	PacketSchemaVersion   string `mapstructure:"packet_schema_version"`
	ManifestSchemaVersion string `mapstructure:"manifest_schema_version"`
}

// DatasetConfig records the MIMIC-IV releases the source was loaded from.
type DatasetConfig struct {
	MimicIV     string `mapstructure:"mimiciv"`
	MimicIVNote string `mapstructure:"mimiciv_note"`
}

// SourceConfig selects and bounds the read-only source database.
type SourceConfig struct {
	// Driver is one of "postgres", "pgx" or "sqlite".
	Driver       string        `mapstructure:"driver"`
	DSN          string        `mapstructure:"dsn"`
	HospSchema   string        `mapstructure:"hosp_schema"`
	ICUSchema    string        `mapstructure:"icu_schema"`
	NoteSchema   string        `mapstructure:"note_schema"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	PingTimeout  time.Duration `mapstructure:"ping_timeout"`
}

// ExtractionConfig controls admission selection and the optional capture rules.
type ExtractionConfig struct {
	ProximalLabCapture       bool `mapstructure:"proximal_lab_capture"`
	ProximalMicroCapture     bool `mapstructure:"proximal_micro_capture"`
	ProximalPaddingHours     int  `mapstructure:"proximal_padding_hours"`
	IncludeICUStays          bool `mapstructure:"include_icu_stays"`
	RequireDischargeNote     bool `mapstructure:"require_discharge_note"`
	IncludeUnlinkedRadiology bool `mapstructure:"include_unlinked_radiology"`
	EMARTimeWindowFallback   bool `mapstructure:"emar_time_window_fallback"`
	MaxAdmissions            int  `mapstructure:"max_admissions"`
}

// TruncationConfig bounds each packet section.
type TruncationConfig struct {
	RulesetID string `mapstructure:"ruleset_id"`
	Strategy  string `mapstructure:"strategy"`
	// RowCaps maps a section key to its cap.  A negative or absent cap is
	// uncapped; zero keeps no rows.
	RowCaps map[string]int `mapstructure:"row_caps"`
}

// Cap returns the cap for a section and whether one applies.
func (t TruncationConfig) Cap(section string) (int, bool) {
	c, ok := t.RowCaps[section]
	if !ok || c < 0 {
		return 0, false
	}
	return c, true
}

// PromptConfig selects the prompt template and cross-admission context.
type PromptConfig struct {
	TemplateVersion      string `mapstructure:"template_version"`
	CarryPreviousSummary bool   `mapstructure:"carry_previous_summary"`
}

// ModelConfig selects the provider and model and bounds each generation.
// RetryLimit counts every attempt, including the first.
type ModelConfig struct {
	Provider        string        `mapstructure:"provider"`
	Name            string        `mapstructure:"name"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens"`
	Seed            *int          `mapstructure:"seed"`
	RetryLimit      int           `mapstructure:"retry_limit"`
	Timeout         time.Duration `mapstructure:"timeout"`
	APIKeyEnv       string        `mapstructure:"api_key_env"`
	BaseURL         string        `mapstructure:"base_url"`
}

// KeyEnv names the environment variable holding the model credential.  An
// empty api_key_env falls back to the provider's conventional variable.
func (m ModelConfig) KeyEnv() string {
	if m.APIKeyEnv != "" {
		return m.APIKeyEnv
	}
	if m.Provider == "gemini" {
		return "GEMINI_API_KEY"
	}
	return "OPENAI_API_KEY"
}

// ValidationConfig tunes response validation.  With StrictEvidence unset,
// unknown evidence ids are warnings instead of violations.
type ValidationConfig struct {
	StrictEvidence        bool `mapstructure:"strict_evidence"`
	MinTurns              int  `mapstructure:"min_turns"`
	MaxTurns              int  `mapstructure:"max_turns"`
	MaxConversationTokens int  `mapstructure:"max_conversation_tokens"`
}

// OutputConfig locates the output tree.
type OutputConfig struct {
	Root string `mapstructure:"root"`
}

// LogConfig sets the log level and format (console or json).
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultRowCaps returns the default per-section caps.
func DefaultRowCaps() map[string]int {
	return map[string]int{
		"transfers":        Uncapped,
		"services":         Uncapped,
		"discharge":        Uncapped,
		"discharge_detail": Uncapped,
		"radiology":        Uncapped,
		"radiology_detail": Uncapped,
		"labs":             800,
		"microbiology":     200,
		"poe":              400,
		"poe_detail":       800,
		"prescriptions":    400,
		"pharmacy":         400,
		"emar":             600,
		"emar_detail":      1200,
		"diagnoses_icd":    80,
		"procedures_icd":   80,
		"drgcodes":         20,
		"icustays":         20,
	}
}

// SetDefaults registers every option with its default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("benchmark.name", "mimic_longctx")
	v.SetDefault("benchmark.version", "0.1.0")
	v.SetDefault("benchmark.packet_schema_version", "0.1.0")
	v.SetDefault("benchmark.manifest_schema_version", "0.1.0")

	v.SetDefault("dataset.mimiciv", "3.1")
	v.SetDefault("dataset.mimiciv_note", "2.2")

	v.SetDefault("source.driver", "postgres")
	v.SetDefault("source.dsn", "")
	v.SetDefault("source.hosp_schema", "mimiciv_hosp")
	v.SetDefault("source.icu_schema", "mimiciv_icu")
	v.SetDefault("source.note_schema", "mimiciv_note")
	v.SetDefault("source.query_timeout", "60s")
	v.SetDefault("source.ping_timeout", "5s")

	v.SetDefault("extraction.proximal_lab_capture", true)
	v.SetDefault("extraction.proximal_micro_capture", true)
	v.SetDefault("extraction.proximal_padding_hours", 0)
	v.SetDefault("extraction.include_icu_stays", true)
	v.SetDefault("extraction.require_discharge_note", true)
	v.SetDefault("extraction.include_unlinked_radiology", true)
	v.SetDefault("extraction.emar_time_window_fallback", true)
	v.SetDefault("extraction.max_admissions", 0)

	v.SetDefault("truncation.ruleset_id", "trunc.v1")
	v.SetDefault("truncation.strategy", StrategyEarliest)
	for k, c := range DefaultRowCaps() {
		v.SetDefault("truncation.row_caps."+k, c)
	}

	v.SetDefault("prompt.template_version", "prompt.v1.1")
	v.SetDefault("prompt.carry_previous_summary", false)

	v.SetDefault("model.provider", "openai")
	v.SetDefault("model.name", "gpt-4.1-mini")
	v.SetDefault("model.temperature", 0.0)
	v.SetDefault("model.max_output_tokens", 12000)
	v.SetDefault("model.retry_limit", 2)
	v.SetDefault("model.timeout", "180s")
	v.SetDefault("model.api_key_env", "")
	v.SetDefault("model.base_url", "")

	v.SetDefault("validation.strict_evidence", true)
	v.SetDefault("validation.min_turns", 1)
	v.SetDefault("validation.max_turns", 400)
	v.SetDefault("validation.max_conversation_tokens", 60000)

	v.SetDefault("output.root", "output")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// New returns a viper instance with defaults and environment overrides
// registered.  Callers may bind flags on it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// seed has no default, so AutomaticEnv alone would never surface it.
	_ = v.BindEnv("model.seed")
	return v
}

// Load reads the optional config file into v, unmarshals the result and
// validates it.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, apperrors.NewConfigError(fmt.Sprintf("read config %s: %v", file, err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, apperrors.NewConfigError(fmt.Sprintf("unmarshal config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the default configuration.
func Default() Config {
	cfg, err := Load(New(), "")
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks every option once.  All problems are reported together.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Source.Driver {
	case "postgres", "pgx", "sqlite":
	default:
		add("source.driver must be postgres, pgx or sqlite, got %q", c.Source.Driver)
	}
	if (c.Source.Driver == "postgres" || c.Source.Driver == "pgx") && c.Source.DSN != "" {
		if _, err := pgx.ParseConfig(c.Source.DSN); err != nil {
			add("source.dsn is not a valid postgres connection string: %v", err)
		}
	}
	if c.Source.QueryTimeout <= 0 {
		add("source.query_timeout must be positive")
	}
	if c.Extraction.ProximalPaddingHours < 0 {
		add("extraction.proximal_padding_hours must not be negative")
	}
	if c.Extraction.MaxAdmissions < 0 {
		add("extraction.max_admissions must not be negative")
	}

	switch c.Truncation.Strategy {
	case StrategyEarliest, StrategyAbnormalFirst:
	default:
		add("truncation.strategy must be %s or %s, got %q", StrategyEarliest, StrategyAbnormalFirst, c.Truncation.Strategy)
	}
	known := make(map[string]bool, len(SectionKeys))
	for _, k := range SectionKeys {
		known[k] = true
	}
	var unknown []string
	for k := range c.Truncation.RowCaps {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		add("truncation.row_caps has unknown section %q", k)
	}

	switch c.Model.Provider {
	case "openai", "gemini":
	default:
		add("model.provider must be openai or gemini, got %q", c.Model.Provider)
	}
	if c.Model.Name == "" {
		add("model.name is required")
	}
	if c.Model.RetryLimit < 1 {
		add("model.retry_limit must be at least 1")
	}
	if c.Model.MaxOutputTokens < 1 {
		add("model.max_output_tokens must be positive")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		add("model.temperature must be within [0, 2]")
	}
	if c.Model.Timeout <= 0 {
		add("model.timeout must be positive")
	}

	if c.Validation.MinTurns < 1 {
		add("validation.min_turns must be at least 1")
	}
	if c.Validation.MaxTurns < c.Validation.MinTurns {
		add("validation.max_turns must be >= validation.min_turns")
	}
	if c.Validation.MaxConversationTokens < 1 {
		add("validation.max_conversation_tokens must be positive")
	}
	if c.Output.Root == "" {
		add("output.root is required")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		add("log.format must be console or json, got %q", c.Log.Format)
	}

	if len(problems) > 0 {
		return apperrors.NewConfigError("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// Snapshot returns the configuration as a plain map for manifests.  Only the
// options that influence generated output are included.
func (c Config) Snapshot() map[string]any {
	caps := make(map[string]any, len(c.Truncation.RowCaps))
	for k, v := range c.Truncation.RowCaps {
		if v < 0 {
			caps[k] = nil
			continue
		}
		caps[k] = v
	}
	var seed any
	if c.Model.Seed != nil {
		seed = *c.Model.Seed
	}
	return map[string]any{
		"benchmark": map[string]any{
			"name":                    c.Benchmark.Name,
			"version":                 c.Benchmark.Version,
			"packet_schema_version":   c.Benchmark.PacketSchemaVersion,
			"manifest_schema_version": c.Benchmark.ManifestSchemaVersion,
		},
		"extraction": map[string]any{
			"proximal_lab_capture":       c.Extraction.ProximalLabCapture,
			"proximal_micro_capture":     c.Extraction.ProximalMicroCapture,
			"proximal_padding_hours":     c.Extraction.ProximalPaddingHours,
			"include_icu_stays":          c.Extraction.IncludeICUStays,
			"require_discharge_note":     c.Extraction.RequireDischargeNote,
			"include_unlinked_radiology": c.Extraction.IncludeUnlinkedRadiology,
			"emar_time_window_fallback":  c.Extraction.EMARTimeWindowFallback,
			"max_admissions":             c.Extraction.MaxAdmissions,
		},
		"truncation": map[string]any{
			"ruleset_id": c.Truncation.RulesetID,
			"strategy":   c.Truncation.Strategy,
			"row_caps":   caps,
		},
		"prompt": map[string]any{
			"template_version":       c.Prompt.TemplateVersion,
			"carry_previous_summary": c.Prompt.CarryPreviousSummary,
		},
		"model": map[string]any{
			"provider":          c.Model.Provider,
			"name":              c.Model.Name,
			"temperature":       c.Model.Temperature,
			"max_output_tokens": c.Model.MaxOutputTokens,
			"seed":              seed,
			"retry_limit":       c.Model.RetryLimit,
			"timeout_seconds":   c.Model.Timeout.Seconds(),
		},
		"validation": map[string]any{
			"strict_evidence":         c.Validation.StrictEvidence,
			"min_turns":               c.Validation.MinTurns,
			"max_turns":               c.Validation.MaxTurns,
			"max_conversation_tokens": c.Validation.MaxConversationTokens,
		},
	}
}
