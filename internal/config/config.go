package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the full runtime configuration, assembled from defaults,
// .env files, and explicit environment variables.
type Config struct {
	Home      string // base directory (~/.osa)
	Workspace string // tool sandbox root

	Providers ProvidersConfig
	Agent     AgentConfig
	Budget    BudgetConfig
	Treasury  TreasuryConfig
	Scheduler SchedulerConfig
	Gateway   GatewayConfig
	Tracing   TracingConfig
}

// TracingConfig controls OTLP trace export. Disabled when Endpoint is
// empty.
type TracingConfig struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

// ProvidersConfig carries credentials and routing preferences.
type ProvidersConfig struct {
	AnthropicAPIKey  string
	OpenAIAPIKey     string
	GroqAPIKey       string
	OpenRouterAPIKey string

	DefaultProvider string   // OSA_DEFAULT_PROVIDER
	Model           string   // OSA_MODEL
	FallbackChain   []string // OSA_FALLBACK_CHAIN, comma list
	LocalBaseURL    string   // Ollama endpoint
}

// AgentConfig controls the reasoning loop.
type AgentConfig struct {
	MaxIterations   int
	MaxTokens       int // context window used for budgeting/compaction
	PlanMode        bool
	ThinkingEnabled bool
	ThinkingBudget  int
	PlanModeModes   []string // signal modes that may trigger plan mode
	PlanModeTypes   []string // signal types that may trigger plan mode
}

// BudgetConfig holds spend limits in USD.
type BudgetConfig struct {
	DailyLimitUSD   float64
	MonthlyLimitUSD float64
	PerCallLimitUSD float64
}

// TreasuryConfig controls the financial governance layer.
type TreasuryConfig struct {
	Enabled      bool
	AutoDebit    bool
	DailyLimit   float64
	MonthlyLimit float64
	MaxSingle    float64
	MinReserve   float64
}

// SchedulerConfig holds heartbeat/cron settings.
type SchedulerConfig struct {
	HeartbeatIntervalMin int
	QuietHours           []QuietRange // OSA_QUIET_HOURS
}

// GatewayConfig configures the HTTP/WS surface.
type GatewayConfig struct {
	Host         string
	Port         int
	RequireAuth  bool
	SharedSecret string
	RateLimitRPM int
}

// Default returns a Config with sensible defaults. Paths are anchored under
// the user's home directory.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".osa")

	return &Config{
		Home:      base,
		Workspace: filepath.Join(base, "workspace"),
		Providers: ProvidersConfig{
			DefaultProvider: "anthropic",
			LocalBaseURL:    "http://localhost:11434",
		},
		Agent: AgentConfig{
			MaxIterations:  30,
			MaxTokens:      128000,
			ThinkingBudget: 4096,
			PlanModeModes:  []string{"build", "execute", "maintain"},
			PlanModeTypes:  []string{"request", "general"},
		},
		Budget: BudgetConfig{
			DailyLimitUSD:   10,
			MonthlyLimitUSD: 100,
			PerCallLimitUSD: 1,
		},
		Treasury: TreasuryConfig{
			DailyLimit:   20,
			MonthlyLimit: 200,
			MaxSingle:    10,
			MinReserve:   1,
		},
		Scheduler: SchedulerConfig{
			HeartbeatIntervalMin: 30,
		},
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18800,
			RateLimitRPM: 30,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load bootstraps configuration: .env in the working directory, then
// $HOME/.env (project file wins on conflicts), then explicit environment
// variables override both. godotenv.Load never overwrites variables that
// are already set, which gives exactly that precedence.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")
	if home, err := os.UserHomeDir(); err == nil {
		_ = godotenv.Load(filepath.Join(home, ".env"))
	}

	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	envStr("OSA_HOME", &c.Home)
	envStr("OSA_WORKSPACE", &c.Workspace)

	envStr("ANTHROPIC_API_KEY", &c.Providers.AnthropicAPIKey)
	envStr("OPENAI_API_KEY", &c.Providers.OpenAIAPIKey)
	envStr("GROQ_API_KEY", &c.Providers.GroqAPIKey)
	envStr("OPENROUTER_API_KEY", &c.Providers.OpenRouterAPIKey)
	envStr("OSA_DEFAULT_PROVIDER", &c.Providers.DefaultProvider)
	envStr("OSA_MODEL", &c.Providers.Model)
	envStr("OSA_LOCAL_BASE_URL", &c.Providers.LocalBaseURL)

	if v := os.Getenv("OSA_FALLBACK_CHAIN"); v != "" {
		var chain []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				chain = append(chain, p)
			}
		}
		c.Providers.FallbackChain = chain
	}

	envFloat("OSA_DAILY_BUDGET_USD", &c.Budget.DailyLimitUSD)
	envFloat("OSA_MONTHLY_BUDGET_USD", &c.Budget.MonthlyLimitUSD)
	envFloat("OSA_PER_CALL_LIMIT_USD", &c.Budget.PerCallLimitUSD)

	envBool("OSA_TREASURY_ENABLED", &c.Treasury.Enabled)
	envBool("OSA_TREASURY_AUTO_DEBIT", &c.Treasury.AutoDebit)
	envFloat("OSA_TREASURY_DAILY_LIMIT", &c.Treasury.DailyLimit)
	envFloat("OSA_TREASURY_MONTHLY_LIMIT", &c.Treasury.MonthlyLimit)
	envFloat("OSA_TREASURY_MAX_SINGLE", &c.Treasury.MaxSingle)
	envFloat("OSA_TREASURY_MIN_RESERVE", &c.Treasury.MinReserve)

	envStr("OSA_GATEWAY_HOST", &c.Gateway.Host)
	envInt("OSA_GATEWAY_PORT", &c.Gateway.Port)
	envInt("OSA_RATE_LIMIT_RPM", &c.Gateway.RateLimitRPM)
	envBool("OSA_REQUIRE_AUTH", &c.Gateway.RequireAuth)
	envStr("OSA_SHARED_SECRET", &c.Gateway.SharedSecret)
	envBool("OSA_PLAN_MODE", &c.Agent.PlanMode)
	envBool("OSA_THINKING_ENABLED", &c.Agent.ThinkingEnabled)
	envInt("OSA_THINKING_BUDGET", &c.Agent.ThinkingBudget)
	envInt("OSA_MAX_ITERATIONS", &c.Agent.MaxIterations)
	envInt("OSA_MAX_TOKENS", &c.Agent.MaxTokens)
	envInt("OSA_HEARTBEAT_INTERVAL_MIN", &c.Scheduler.HeartbeatIntervalMin)

	envStr("OSA_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	envBool("OSA_OTLP_INSECURE", &c.Tracing.Insecure)
	envFloat("OSA_TRACE_SAMPLE_RATIO", &c.Tracing.SampleRatio)

	if v := os.Getenv("OSA_QUIET_HOURS"); v != "" {
		ranges, err := ParseQuietHours(v)
		if err != nil {
			return fmt.Errorf("OSA_QUIET_HOURS: %w", err)
		}
		c.Scheduler.QuietHours = ranges
	}

	return nil
}

// SessionsDir is where per-session JSONL files live.
func (c *Config) SessionsDir() string { return filepath.Join(c.Home, "sessions") }

// MemoryFile is the long-term memory markdown file.
func (c *Config) MemoryFile() string { return filepath.Join(c.Home, "MEMORY.md") }

// HeartbeatFile holds the checkboxed heartbeat tasks.
func (c *Config) HeartbeatFile() string { return filepath.Join(c.Home, "HEARTBEAT.md") }

// CronsFile holds scheduled job definitions.
func (c *Config) CronsFile() string { return filepath.Join(c.Home, "CRONS.json") }

// TriggersFile holds trigger definitions.
func (c *Config) TriggersFile() string { return filepath.Join(c.Home, "TRIGGERS.json") }

// SkillsDir holds generated skill definition files.
func (c *Config) SkillsDir() string { return filepath.Join(c.Workspace, "skills") }

// LedgerDB is the sqlite database backing budget/treasury ledgers.
func (c *Config) LedgerDB() string { return filepath.Join(c.Home, "osa.db") }

// EnsureDirs creates the directories the runtime writes to.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Home, c.Workspace, c.SessionsDir(), c.SkillsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
