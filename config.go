package main

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFile represents the config.toml structure.
type ConfigFile struct {
	ListenAddr   string `toml:"listen_addr"`
	UpstreamBase string `toml:"upstream_base"`
	AccountsPath string `toml:"accounts_path"`
	StateDBPath  string `toml:"state_db_path"`

	RotationEnabled *bool `toml:"rotation_enabled"`
	HotReload       *bool `toml:"hot_reload"`

	RefreshBufferSeconds   int `toml:"refresh_buffer_seconds"`
	RefreshSweepSeconds    int `toml:"refresh_sweep_seconds"`
	MinimumCooldownSeconds int `toml:"minimum_cooldown_seconds"`
	MaxAttempts            int `toml:"max_attempts"`

	UpstreamTotalTimeoutSeconds int `toml:"upstream_total_timeout_seconds"`
	UpstreamIdleTimeoutSeconds  int `toml:"upstream_idle_timeout_seconds"`
	WatchDebounceMillis         int `toml:"watch_debounce_ms"`

	TokenEndpointURL string `toml:"token_endpoint_url"`
	OAuthClientID    string `toml:"oauth_client_id"`
	// CamouflageTokenEndpoint applies a browser-like TLS fingerprint to
	// refresh-grant requests. Some OAuth frontends reject Go's default hello.
	CamouflageTokenEndpoint bool `toml:"camouflage_token_endpoint"`

	Debug bool `toml:"debug"`
}

// config is the resolved runtime configuration.
type config struct {
	listenAddr   string
	upstreamBase string
	accountsPath string
	stateDBPath  string

	rotationEnabled bool
	hotReload       bool

	refreshBuffer time.Duration
	refreshSweep  time.Duration
	minCooldown   time.Duration
	maxAttempts   int

	upstreamTotalTimeout time.Duration
	upstreamIdleTimeout  time.Duration
	refreshTimeout       time.Duration
	watchDebounce        time.Duration

	tokenEndpointURL string
	oauthClientID    string
	camouflageToken  bool

	debug bool
}

// loadConfigFile loads config.toml if it exists. Returns nil if absent.
func loadConfigFile(path string) (*ConfigFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var cfg ConfigFile
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// getConfigString returns the value with priority: env var > config file > default.
func getConfigString(envKey, configValue, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if configValue != "" {
		return configValue
	}
	return defaultValue
}

func getConfigInt(envKey string, configValue, defaultValue int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if configValue > 0 {
		return configValue
	}
	return defaultValue
}

func getConfigBool(envKey string, configValue *bool, defaultValue bool) bool {
	if v := os.Getenv(envKey); v != "" {
		return v == "1" || v == "true"
	}
	if configValue != nil {
		return *configValue
	}
	return defaultValue
}

// defaultAccountsPath resolves ~/.claude/accounts.json.
func defaultAccountsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "accounts.json"
	}
	return filepath.Join(home, ".claude", "accounts.json")
}

func buildConfig(path string) (config, error) {
	fileCfg := &ConfigFile{}
	loaded, err := loadConfigFile(path)
	if err != nil {
		return config{}, err
	}
	if loaded != nil {
		fileCfg = loaded
	}

	cfg := config{}
	cfg.listenAddr = getConfigString("PROXY_LISTEN_ADDR", fileCfg.ListenAddr, "127.0.0.1:8989")
	cfg.upstreamBase = getConfigString("PROXY_UPSTREAM_BASE", fileCfg.UpstreamBase, "https://api.anthropic.com")
	cfg.accountsPath = getConfigString("PROXY_ACCOUNTS_PATH", fileCfg.AccountsPath, defaultAccountsPath())
	cfg.stateDBPath = getConfigString("PROXY_STATE_DB_PATH", fileCfg.StateDBPath, "./data/proxy-state.db")

	cfg.rotationEnabled = getConfigBool("PROXY_ROTATION_ENABLED", fileCfg.RotationEnabled, true)
	cfg.hotReload = getConfigBool("PROXY_HOT_RELOAD", fileCfg.HotReload, true)

	cfg.refreshBuffer = time.Duration(getConfigInt("PROXY_REFRESH_BUFFER_SECONDS", fileCfg.RefreshBufferSeconds, 600)) * time.Second
	cfg.refreshSweep = time.Duration(getConfigInt("PROXY_REFRESH_SWEEP_SECONDS", fileCfg.RefreshSweepSeconds, 60)) * time.Second
	cfg.minCooldown = time.Duration(getConfigInt("PROXY_MINIMUM_COOLDOWN_SECONDS", fileCfg.MinimumCooldownSeconds, 60)) * time.Second
	cfg.maxAttempts = getConfigInt("PROXY_MAX_ATTEMPTS", fileCfg.MaxAttempts, 3)

	cfg.upstreamTotalTimeout = time.Duration(getConfigInt("PROXY_UPSTREAM_TOTAL_TIMEOUT_SECONDS", fileCfg.UpstreamTotalTimeoutSeconds, 120)) * time.Second
	cfg.upstreamIdleTimeout = time.Duration(getConfigInt("PROXY_UPSTREAM_IDLE_TIMEOUT_SECONDS", fileCfg.UpstreamIdleTimeoutSeconds, 30)) * time.Second
	cfg.refreshTimeout = 30 * time.Second
	cfg.watchDebounce = time.Duration(getConfigInt("PROXY_WATCH_DEBOUNCE_MS", fileCfg.WatchDebounceMillis, 250)) * time.Millisecond

	cfg.tokenEndpointURL = getConfigString("PROXY_TOKEN_ENDPOINT_URL", fileCfg.TokenEndpointURL, "https://console.anthropic.com/v1/oauth/token")
	cfg.oauthClientID = getConfigString("PROXY_OAUTH_CLIENT_ID", fileCfg.OAuthClientID, "9d1c250a-e61b-44d9-88ed-5944d1962f5e")
	cfg.camouflageToken = getConfigBool("PROXY_CAMOUFLAGE_TOKEN_ENDPOINT", boolPtrIf(fileCfg.CamouflageTokenEndpoint), false)

	cfg.debug = getConfigBool("PROXY_DEBUG", boolPtrIf(fileCfg.Debug), false)
	return cfg, nil
}

// boolPtrIf maps a plain toml bool to the pointer form used by getConfigBool;
// false is treated as unset so the default still applies.
func boolPtrIf(v bool) *bool {
	if v {
		return &v
	}
	return nil
}
