package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "INTENTRAIL_"

type GlobalFlags struct {
	ConfigPath  string
	JSON        bool
	Plain       bool
	Select      string
	ResultsOnly bool
	Timeout     string
	Retries     int
	NoCache     bool
	LogLevel    string
	Simulated   bool
	DryRun      bool
	ReadOnly    bool

	EnableCommands string
}

// ChainOverride replaces parts of a built-in chain entry.
type ChainOverride struct {
	RPCURL          string `yaml:"rpc_url"`
	AavePool        string `yaml:"aave_pool"`
	CometPool       string `yaml:"comet_pool"`
	SuperchainToken string `yaml:"superchain_token"`
}

type Settings struct {
	OutputMode   string
	SelectFields []string
	ResultsOnly  bool
	Timeout      time.Duration
	Retries      int

	// EnableCommands is the command allowlist; empty allows all.
	EnableCommands []string
	ReadOnly       bool

	CacheEnabled  bool
	CachePath     string
	CacheLockPath string
	RunStorePath  string
	RunLockPath   string

	LogLevel     string
	LogFormat    string
	LogOutput    string
	AuditLogPath string

	LLMBaseURL string
	LLMModel   string
	LLMAPIKey  string

	SwapAPIKey  string
	SwapBaseURL string
	SwapChain   string

	Chains map[string]ChainOverride

	SpreadThreshold float64
	MonitorSeed     int64
	ForceSimulated  bool

	RebalanceAmount string
	UserAddress     string
	StepTimeout     time.Duration
	PollInterval    time.Duration
	DryRun          bool

	GuardBackend string
	RedisAddr    string
	RedisKey     string
	GuardTTL     time.Duration

	ServerAddr  string
	MetricsAddr string

	PaywallEnabled        bool
	PaywallFacilitatorURL string
	PaywallPayTo          string
	PaywallNetwork        string
	PaywallPrice          string
	PaywallAsset          string
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Cache   struct {
		Enabled  *bool  `yaml:"enabled"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Runs struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"runs"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
		Audit  string `yaml:"audit_path"`
	} `yaml:"log"`
	LLM struct {
		BaseURL   string `yaml:"base_url"`
		Model     string `yaml:"model"`
		APIKey    string `yaml:"api_key"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"llm"`
	Swap struct {
		BaseURL   string `yaml:"base_url"`
		Chain     string `yaml:"chain"`
		APIKey    string `yaml:"api_key"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"swap"`
	Chains  map[string]ChainOverride `yaml:"chains"`
	Monitor struct {
		Threshold *float64 `yaml:"threshold"`
		Seed      *int64   `yaml:"seed"`
		Simulated *bool    `yaml:"simulated"`
	} `yaml:"monitor"`
	Executor struct {
		Amount       string `yaml:"amount"`
		User         string `yaml:"user"`
		StepTimeout  string `yaml:"step_timeout"`
		PollInterval string `yaml:"poll_interval"`
		DryRun       *bool  `yaml:"dry_run"`
	} `yaml:"executor"`
	Guard struct {
		Backend   string `yaml:"backend"`
		RedisAddr string `yaml:"redis_addr"`
		RedisKey  string `yaml:"redis_key"`
		TTL       string `yaml:"ttl"`
	} `yaml:"guard"`
	Server struct {
		Addr        string `yaml:"addr"`
		MetricsAddr string `yaml:"metrics_addr"`
	} `yaml:"server"`
	Paywall struct {
		Enabled        *bool  `yaml:"enabled"`
		FacilitatorURL string `yaml:"facilitator_url"`
		PayTo          string `yaml:"pay_to"`
		Network        string `yaml:"network"`
		Price          string `yaml:"price"`
		Asset          string `yaml:"asset"`
	} `yaml:"paywall"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.StepTimeout <= 0 {
		settings.StepTimeout = 2 * time.Minute
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 30 * time.Second
	}
	if settings.SpreadThreshold < 0 {
		return Settings{}, fmt.Errorf("monitor threshold must not be negative")
	}
	switch settings.GuardBackend {
	case "local", "redis":
	default:
		return Settings{}, fmt.Errorf("guard backend must be local or redis")
	}
	if settings.GuardBackend == "redis" && strings.TrimSpace(settings.RedisAddr) == "" {
		return Settings{}, fmt.Errorf("guard backend redis requires a redis address")
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	dir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:      "json",
		Timeout:         10 * time.Second,
		Retries:         2,
		CacheEnabled:    true,
		CachePath:       filepath.Join(dir, "cache.db"),
		CacheLockPath:   filepath.Join(dir, "cache.lock"),
		RunStorePath:    filepath.Join(dir, "runs.db"),
		RunLockPath:     filepath.Join(dir, "runs.lock"),
		LogLevel:        "info",
		LogFormat:       "text",
		LogOutput:       "stderr",
		LLMBaseURL:      "https://api.openai.com/v1",
		LLMModel:        "gpt-4o-mini",
		SwapBaseURL:     "https://api.0x.org",
		SwapChain:       "base",
		Chains:          map[string]ChainOverride{},
		SpreadThreshold: 0.0015,
		MonitorSeed:     1,
		RebalanceAmount: "10",
		StepTimeout:     2 * time.Minute,
		PollInterval:    30 * time.Second,
		GuardBackend:    "local",
		RedisKey:        "intentrail:rebalance:lock",
		GuardTTL:        15 * time.Minute,
		ServerAddr:      ":8080",
		PaywallNetwork:  "base-sepolia",
		PaywallPrice:    "10000",
		PaywallAsset:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "intentrail", "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "intentrail"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := setDuration(cfg.Timeout, "timeout", &settings.Timeout); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	setString(cfg.Cache.Path, &settings.CachePath)
	setString(cfg.Cache.LockPath, &settings.CacheLockPath)
	setString(cfg.Runs.Path, &settings.RunStorePath)
	setString(cfg.Runs.LockPath, &settings.RunLockPath)

	setString(cfg.Log.Level, &settings.LogLevel)
	setString(cfg.Log.Format, &settings.LogFormat)
	setString(cfg.Log.Output, &settings.LogOutput)
	setString(cfg.Log.Audit, &settings.AuditLogPath)

	setString(cfg.LLM.BaseURL, &settings.LLMBaseURL)
	setString(cfg.LLM.Model, &settings.LLMModel)
	setString(cfg.LLM.APIKey, &settings.LLMAPIKey)
	if cfg.LLM.APIKeyEnv != "" {
		settings.LLMAPIKey = os.Getenv(cfg.LLM.APIKeyEnv)
	}

	setString(cfg.Swap.BaseURL, &settings.SwapBaseURL)
	setString(cfg.Swap.Chain, &settings.SwapChain)
	setString(cfg.Swap.APIKey, &settings.SwapAPIKey)
	if cfg.Swap.APIKeyEnv != "" {
		settings.SwapAPIKey = os.Getenv(cfg.Swap.APIKeyEnv)
	}

	for label, override := range cfg.Chains {
		settings.Chains[strings.ToLower(strings.TrimSpace(label))] = override
	}

	if cfg.Monitor.Threshold != nil {
		settings.SpreadThreshold = *cfg.Monitor.Threshold
	}
	if cfg.Monitor.Seed != nil {
		settings.MonitorSeed = *cfg.Monitor.Seed
	}
	if cfg.Monitor.Simulated != nil {
		settings.ForceSimulated = *cfg.Monitor.Simulated
	}

	setString(cfg.Executor.Amount, &settings.RebalanceAmount)
	setString(cfg.Executor.User, &settings.UserAddress)
	if err := setDuration(cfg.Executor.StepTimeout, "executor.step_timeout", &settings.StepTimeout); err != nil {
		return err
	}
	if err := setDuration(cfg.Executor.PollInterval, "executor.poll_interval", &settings.PollInterval); err != nil {
		return err
	}
	if cfg.Executor.DryRun != nil {
		settings.DryRun = *cfg.Executor.DryRun
	}

	setString(strings.ToLower(cfg.Guard.Backend), &settings.GuardBackend)
	setString(cfg.Guard.RedisAddr, &settings.RedisAddr)
	setString(cfg.Guard.RedisKey, &settings.RedisKey)
	if err := setDuration(cfg.Guard.TTL, "guard.ttl", &settings.GuardTTL); err != nil {
		return err
	}

	setString(cfg.Server.Addr, &settings.ServerAddr)
	setString(cfg.Server.MetricsAddr, &settings.MetricsAddr)

	if cfg.Paywall.Enabled != nil {
		settings.PaywallEnabled = *cfg.Paywall.Enabled
	}
	setString(cfg.Paywall.FacilitatorURL, &settings.PaywallFacilitatorURL)
	setString(cfg.Paywall.PayTo, &settings.PaywallPayTo)
	setString(cfg.Paywall.Network, &settings.PaywallNetwork)
	setString(cfg.Paywall.Price, &settings.PaywallPrice)
	setString(cfg.Paywall.Asset, &settings.PaywallAsset)

	return nil
}

func applyEnv(settings *Settings) {
	if v := env("OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := env("TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := env("RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := env("NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	setString(env("CACHE_PATH"), &settings.CachePath)
	setString(env("RUNS_PATH"), &settings.RunStorePath)
	setString(env("LOG_LEVEL"), &settings.LogLevel)
	setString(env("LOG_FORMAT"), &settings.LogFormat)
	setString(env("AUDIT_LOG"), &settings.AuditLogPath)
	setString(env("LLM_BASE_URL"), &settings.LLMBaseURL)
	setString(env("LLM_MODEL"), &settings.LLMModel)
	setString(env("LLM_API_KEY"), &settings.LLMAPIKey)
	setString(env("SWAP_API_KEY"), &settings.SwapAPIKey)
	setString(env("SWAP_BASE_URL"), &settings.SwapBaseURL)
	setString(env("SWAP_CHAIN"), &settings.SwapChain)
	if v := env("THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			settings.SpreadThreshold = f
		}
	}
	if v := env("SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			settings.MonitorSeed = n
		}
	}
	if v := env("SIMULATED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.ForceSimulated = b
		}
	}
	setString(env("AMOUNT"), &settings.RebalanceAmount)
	setString(env("USER_ADDRESS"), &settings.UserAddress)
	if v := env("DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.DryRun = b
		}
	}
	setString(strings.ToLower(env("GUARD")), &settings.GuardBackend)
	setString(env("REDIS_ADDR"), &settings.RedisAddr)
	setString(env("SERVER_ADDR"), &settings.ServerAddr)
	setString(env("METRICS_ADDR"), &settings.MetricsAddr)
	if v := env("PAYWALL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.PaywallEnabled = b
		}
	}
	if cmds := splitList(env("ENABLE_COMMANDS")); len(cmds) > 0 {
		settings.EnableCommands = cmds
	}
	if v := env("READ_ONLY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.ReadOnly = b
		}
	}
	setString(env("FACILITATOR_URL"), &settings.PaywallFacilitatorURL)
	setString(env("PAY_TO"), &settings.PaywallPayTo)
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		parts := strings.Split(flags.Select, ",")
		fields := make([]string, 0, len(parts))
		for _, part := range parts {
			f := strings.TrimSpace(part)
			if f != "" {
				fields = append(fields, f)
			}
		}
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly
	if cmds := splitList(flags.EnableCommands); len(cmds) > 0 {
		settings.EnableCommands = cmds
	}
	if flags.ReadOnly {
		settings.ReadOnly = true
	}

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if flags.LogLevel != "" {
		settings.LogLevel = flags.LogLevel
	}
	if flags.Simulated {
		settings.ForceSimulated = true
	}
	if flags.DryRun {
		settings.DryRun = true
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func setString(v string, dst *string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setDuration(v, name string, dst *time.Duration) error {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config %s: %w", name, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
