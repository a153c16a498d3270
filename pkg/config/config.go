// Package config loads the issueagent YAML configuration, applies
// environment overrides and defaults, validates it and keeps the result in a
// process-wide singleton.
//
// GetConfig returns the config BY VALUE so callers cannot mutate the shared
// copy. Secrets (tokens, webhook and JWT secrets) never live in the YAML file:
// ResolveSecrets fills them from the encrypted secrets file or the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"issueagent/pkg/agentstate"
	"issueagent/pkg/jobs"
	"issueagent/pkg/logx"
	"issueagent/pkg/persistence"
	"issueagent/pkg/recovery"
	"issueagent/pkg/router"
	"issueagent/pkg/worktree"
)

// DefaultConfigFile is used when no --config flag is given.
const DefaultConfigFile = "issueagent.yaml"

// Work unit providers.
const (
	ProviderClaudeCLI = "claude-cli"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Secret names, resolved from the secrets file first and then the environment.
const (
	SecretGitHubToken   = "GITHUB_TOKEN"
	SecretWebhookSecret = "GITHUB_WEBHOOK_SECRET"
	SecretJWT           = "JWT_SECRET"
	SecretAnthropicKey  = "ANTHROPIC_API_KEY"
	SecretOpenAIKey     = "OPENAI_API_KEY"
)

//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config *Config
	logger *logx.Logger
	mu     sync.RWMutex
)

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host" validate:"required"`
	Port            int           `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
}

// Addr is host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GitHubConfig is the issue tracker connection.
type GitHubConfig struct {
	BaseURL   string `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	RepoOwner string `yaml:"repo_owner" json:"repo_owner"`
	RepoName  string `yaml:"repo_name" json:"repo_name"`
	// AllowedRepos restricts intake to these owner/name pairs; empty accepts any.
	AllowedRepos []string `yaml:"allowed_repos" json:"allowed_repos"`

	Token         string `yaml:"-" json:"-"`
	WebhookSecret string `yaml:"-" json:"-"`
}

// Repository is owner/name, or "" when either part is unset.
func (g GitHubConfig) Repository() string {
	if g.RepoOwner == "" || g.RepoName == "" {
		return ""
	}
	return g.RepoOwner + "/" + g.RepoName
}

// AuthConfig guards the job API.
type AuthConfig struct {
	AdminUsers []string      `yaml:"admin_users" json:"admin_users"`
	TokenTTL   time.Duration `yaml:"token_ttl" json:"token_ttl" validate:"gt=0"`
	Issuer     string        `yaml:"issuer" json:"issuer"`

	JWTSecret string `yaml:"-" json:"-"`
}

// SandboxConfig is the sandbox manager plus the repository it branches from.
// RepoURL selects a bare mirror at MirrorPath; otherwise RepoPath is used.
type SandboxConfig struct {
	worktree.Config `yaml:",inline"`

	RepoPath   string `yaml:"repo_path" json:"repo_path"`
	RepoURL    string `yaml:"repo_url" json:"repo_url"`
	MirrorPath string `yaml:"mirror_path" json:"mirror_path"`
	Fetch      bool   `yaml:"fetch" json:"fetch"`
}

// WorkUnitConfig selects and tunes the work unit.
type WorkUnitConfig struct {
	Provider        string        `yaml:"provider" json:"provider" validate:"oneof=claude-cli anthropic openai"`
	ClaudePath      string        `yaml:"claude_path" json:"claude_path"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	Model           string        `yaml:"model" json:"model"`
	BaseURL         string        `yaml:"base_url" json:"base_url"`
	MaxTokens       int           `yaml:"max_tokens" json:"max_tokens" validate:"min=0"`
	MaxPromptTokens int           `yaml:"max_prompt_tokens" json:"max_prompt_tokens" validate:"min=0"`
	// VerifyCommand runs in the sandbox after execution, e.g. ["make", "test"].
	VerifyCommand []string `yaml:"verify_command" json:"verify_command"`
	// MinDetail is the issue body length below which clarification is requested.
	MinDetail int `yaml:"min_detail" json:"min_detail" validate:"min=0"`

	AnthropicKey string `yaml:"-" json:"-"`
	OpenAIKey    string `yaml:"-" json:"-"`
}

// MaintenanceConfig drives the background loops.
type MaintenanceConfig struct {
	SweepInterval      time.Duration `yaml:"sweep_interval" json:"sweep_interval" validate:"gt=0"`
	DedupPruneInterval time.Duration `yaml:"dedup_prune_interval" json:"dedup_prune_interval" validate:"gt=0"`
	JanitorInterval    time.Duration `yaml:"janitor_interval" json:"janitor_interval" validate:"gt=0"`
	// StoreRetention is how long terminal jobs stay in the database.
	StoreRetention time.Duration `yaml:"store_retention" json:"store_retention" validate:"gt=0"`
}

// MetricsConfig exposes /metrics and points the stats command at Prometheus.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	PrometheusURL string `yaml:"prometheus_url" json:"prometheus_url" validate:"omitempty,url"`
}

// DebugConfig enables domain-filtered debug logging.
type DebugConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Domains []string `yaml:"domains" json:"domains"`
}

// Config is the complete configuration.
//
//nolint:govet // Logical grouping preferred over memory optimization
type Config struct {
	Server      ServerConfig           `yaml:"server" json:"server"`
	GitHub      GitHubConfig           `yaml:"github" json:"github"`
	Auth        AuthConfig             `yaml:"auth" json:"auth"`
	Jobs        jobs.Config            `yaml:"jobs" json:"jobs"`
	Sandbox     SandboxConfig          `yaml:"sandbox" json:"sandbox"`
	Recovery    recovery.Config        `yaml:"recovery" json:"recovery"`
	Router      router.Config          `yaml:"router" json:"router"`
	Notifier    agentstate.SyncConfig  `yaml:"notifier" json:"notifier"`
	WorkUnit    WorkUnitConfig         `yaml:"work_unit" json:"work_unit"`
	Database    persistence.Config     `yaml:"database" json:"database"`
	Metrics     MetricsConfig          `yaml:"metrics" json:"metrics"`
	Maintenance MaintenanceConfig      `yaml:"maintenance" json:"maintenance"`
	Debug       DebugConfig            `yaml:"debug" json:"debug"`
	Extra       map[string]interface{} `yaml:",inline" json:"-"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// GetConfig returns the current global config BY VALUE (copy, not reference).
// Must call LoadConfig first to initialize the global config.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return *config, nil
}

// SetConfigForTesting sets the global config for testing purposes. Pass nil to reset.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
}

// LoadConfig loads path into the global singleton.
func LoadConfig(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	mu.Lock()
	config = cfg
	mu.Unlock()
	return nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads, expands, overrides, defaults and validates a config file.
// A missing file yields the defaults (plus environment overrides).
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		getLogger().Info("📝 Config file %s not found, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		getLogger().Info("📝 Loading config from %s", path)
		expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
			if value := os.Getenv(match[2 : len(match)-1]); value != "" {
				return value
			}
			return match
		})
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML %s: %w", path, err)
		}
	}

	if len(cfg.Extra) > 0 {
		keys := make([]string, 0, len(cfg.Extra))
		for k := range cfg.Extra {
			keys = append(keys, k)
		}
		getLogger().Warn("⚠️ Ignoring unknown config keys: %s", strings.Join(keys, ", "))
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

type envOverride struct {
	name  string
	apply func(cfg *Config, value string) error
}

func seconds(dst *time.Duration) func(*Config, string) error {
	return func(_ *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("expected whole seconds: %w", err)
		}
		*dst = time.Duration(n) * time.Second
		return nil
	}
}

func overrides(cfg *Config) []envOverride {
	str := func(dst *string) func(*Config, string) error {
		return func(_ *Config, v string) error { *dst = v; return nil }
	}
	num := func(dst *int) func(*Config, string) error {
		return func(_ *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("expected an integer: %w", err)
			}
			*dst = n
			return nil
		}
	}
	return []envOverride{
		{"HOST", str(&cfg.Server.Host)},
		{"PORT", num(&cfg.Server.Port)},
		{"REPO_OWNER", str(&cfg.GitHub.RepoOwner)},
		{"REPO_NAME", str(&cfg.GitHub.RepoName)},
		{"GITHUB_API_URL", str(&cfg.GitHub.BaseURL)},
		{"ADMIN_USERS", func(c *Config, v string) error { c.Auth.AdminUsers = splitList(v); return nil }},
		{"MAX_CONCURRENT_JOBS", num(&cfg.Jobs.MaxConcurrent)},
		{"JOB_TIMEOUT", seconds(&cfg.Jobs.JobTimeout)},
		{"CLAUDE_TIMEOUT", seconds(&cfg.WorkUnit.Timeout)},
		{"CLAUDE_CODE_PATH", str(&cfg.WorkUnit.ClaudePath)},
		{"WORK_UNIT_PROVIDER", str(&cfg.WorkUnit.Provider)},
		{"WORKTREE_BASE_PATH", str(&cfg.Sandbox.BasePath)},
		{"REPO_PATH", str(&cfg.Sandbox.RepoPath)},
		{"DATABASE_DRIVER", str(&cfg.Database.Driver)},
		{"DATABASE_DSN", str(&cfg.Database.DSN)},
		{"PROMETHEUS_URL", str(&cfg.Metrics.PrometheusURL)},
	}
}

func applyEnvOverrides(cfg *Config) error {
	for _, o := range overrides(cfg) {
		v, ok := os.LookupEnv(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			return fmt.Errorf("invalid %s=%q: %w", o.name, v, err)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// applyDefaults fills every unset field.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = time.Minute
	}

	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "issueagent"
	}

	if cfg.WorkUnit.Provider == "" {
		cfg.WorkUnit.Provider = ProviderClaudeCLI
	}
	if cfg.WorkUnit.ClaudePath == "" {
		cfg.WorkUnit.ClaudePath = "claude"
	}
	if cfg.WorkUnit.Timeout == 0 {
		cfg.WorkUnit.Timeout = time.Hour
	}
	if cfg.WorkUnit.MaxPromptTokens == 0 {
		cfg.WorkUnit.MaxPromptTokens = 100000
	}
	if cfg.WorkUnit.MinDetail == 0 {
		cfg.WorkUnit.MinDetail = jobs.DefaultMinDetail
	}

	jd := jobs.DefaultConfig()
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = jd.MaxConcurrent
	}
	if cfg.Jobs.JobTimeout == 0 {
		cfg.Jobs.JobTimeout = jd.JobTimeout
	}
	if cfg.Jobs.CancelGrace == 0 {
		cfg.Jobs.CancelGrace = jd.CancelGrace
	}
	if cfg.Jobs.FeedbackTimeout == 0 {
		cfg.Jobs.FeedbackTimeout = jd.FeedbackTimeout
	}
	if cfg.Jobs.RetentionWindow == 0 {
		cfg.Jobs.RetentionWindow = jd.RetentionWindow
	}
	if cfg.Jobs.HistoryCapacity == 0 {
		cfg.Jobs.HistoryCapacity = jd.HistoryCapacity
	}
	if cfg.Jobs.MaxLogLines == 0 {
		cfg.Jobs.MaxLogLines = jd.MaxLogLines
	}
	st := &cfg.Jobs.StageTimeouts
	if st.Validate == 0 {
		st.Validate = jd.StageTimeouts.Validate
	}
	if st.Analyze == 0 {
		st.Analyze = jd.StageTimeouts.Analyze
	}
	if st.Acquire == 0 {
		st.Acquire = jd.StageTimeouts.Acquire
	}
	if st.Execute == 0 {
		st.Execute = cfg.WorkUnit.Timeout
	}
	if st.Process == 0 {
		st.Process = jd.StageTimeouts.Process
	}
	if st.Release == 0 {
		st.Release = jd.StageTimeouts.Release
	}

	if cfg.Sandbox.BasePath == "" {
		cfg.Sandbox.BasePath = "./worktrees"
	}
	if cfg.Sandbox.BaseRef == "" {
		cfg.Sandbox.BaseRef = "main"
	}
	if cfg.Sandbox.BranchPrefix == "" {
		cfg.Sandbox.BranchPrefix = "issueagent/"
	}
	if cfg.Sandbox.MaxSandboxes == 0 {
		cfg.Sandbox.MaxSandboxes = cfg.Jobs.MaxConcurrent
	}
	if cfg.Sandbox.GracePeriod == 0 {
		cfg.Sandbox.GracePeriod = 2 * time.Hour
	}
	if cfg.Sandbox.RepoPath == "" && cfg.Sandbox.RepoURL == "" {
		cfg.Sandbox.RepoPath = "."
	}
	if cfg.Sandbox.RepoURL != "" && cfg.Sandbox.MirrorPath == "" {
		cfg.Sandbox.MirrorPath = "./mirror.git"
	}

	rd := recovery.DefaultConfig()
	if cfg.Recovery.MaxRetries == 0 {
		cfg.Recovery.MaxRetries = rd.MaxRetries
	}
	if cfg.Recovery.Budget == 0 {
		cfg.Recovery.Budget = rd.Budget
	}
	if cfg.Recovery.Delay.Scale == 0 {
		cfg.Recovery.Delay = rd.Delay
	}

	if cfg.Router.DedupWindow == 0 {
		cfg.Router.DedupWindow = router.DefaultDedupWindow
	}
	if cfg.Router.TriggerLabel == "" {
		cfg.Router.TriggerLabel = router.DefaultTriggerLabel
	}

	nd := agentstate.DefaultSyncConfig()
	if cfg.Notifier.MaxAttempts == 0 {
		cfg.Notifier = nd
	}

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "issueagent.db"
	}

	if cfg.Maintenance.SweepInterval == 0 {
		cfg.Maintenance.SweepInterval = 10 * time.Minute
	}
	if cfg.Maintenance.DedupPruneInterval == 0 {
		cfg.Maintenance.DedupPruneInterval = time.Minute
	}
	if cfg.Maintenance.JanitorInterval == 0 {
		cfg.Maintenance.JanitorInterval = 5 * time.Minute
	}
	if cfg.Maintenance.StoreRetention == 0 {
		cfg.Maintenance.StoreRetention = 30 * 24 * time.Hour
	}
}

//nolint:gochecknoglobals
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("%s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("validate config: %w", err)
	}
	if cfg.Sandbox.MaxSandboxes < cfg.Jobs.MaxConcurrent {
		return fmt.Errorf("sandbox.max_sandboxes (%d) must be at least jobs.max_concurrent (%d)",
			cfg.Sandbox.MaxSandboxes, cfg.Jobs.MaxConcurrent)
	}
	if cfg.Jobs.StageTimeouts.Execute > cfg.Jobs.JobTimeout {
		return fmt.Errorf("jobs.stage_timeouts.execute (%s) exceeds jobs.job_timeout (%s)",
			cfg.Jobs.StageTimeouts.Execute, cfg.Jobs.JobTimeout)
	}
	return nil
}

// ResolveSecrets fills secret fields from the secrets file or environment.
// Missing secrets stay empty; Missing reports which required ones are absent.
func ResolveSecrets(cfg *Config) {
	get := func(name string) string {
		v, _ := GetSecret(name)
		return v
	}
	cfg.GitHub.Token = get(SecretGitHubToken)
	cfg.GitHub.WebhookSecret = get(SecretWebhookSecret)
	cfg.Auth.JWTSecret = get(SecretJWT)
	cfg.WorkUnit.AnthropicKey = get(SecretAnthropicKey)
	cfg.WorkUnit.OpenAIKey = get(SecretOpenAIKey)
}

// Missing returns the names of secrets serve cannot run without.
func (c *Config) Missing() []string {
	var missing []string
	if c.GitHub.WebhookSecret == "" {
		missing = append(missing, SecretWebhookSecret)
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, SecretJWT)
	}
	switch c.WorkUnit.Provider {
	case ProviderAnthropic:
		if c.WorkUnit.AnthropicKey == "" {
			missing = append(missing, SecretAnthropicKey)
		}
	case ProviderOpenAI:
		if c.WorkUnit.OpenAIKey == "" {
			missing = append(missing, SecretOpenAIKey)
		}
	}
	return missing
}

// Save writes cfg as YAML. Secret fields are never written.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
