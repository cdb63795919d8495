package config

import (
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Config application configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Replay      ReplayConfig      `yaml:"replay" mapstructure:"replay"`
	Passthrough PassthroughConfig `yaml:"passthrough" mapstructure:"passthrough"`
	Socket      SocketConfig      `yaml:"socket" mapstructure:"socket"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Shim        ShimConfig        `yaml:"shim" mapstructure:"shim"`
	Web         WebConfig         `yaml:"web" mapstructure:"web"`
	Output      OutputConfig      `yaml:"output" mapstructure:"output"`
	Storage     StorageConfig     `yaml:"storage" mapstructure:"storage"`
}

// ServerConfig HTTP server configuration
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
	// MaxBodyBytes limits the size of accepted request bodies (0 = unlimited)
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	// CrossOriginIsolation adds COOP/COEP headers to locally served files
	CrossOriginIsolation bool `yaml:"cross_origin_isolation" mapstructure:"cross_origin_isolation"`
}

// ReplayConfig describes the capture being replayed
type ReplayConfig struct {
	Root string `yaml:"root" mapstructure:"root"`
	// Origin overrides the document origin recorded in manifest.json
	Origin           string            `yaml:"origin" mapstructure:"origin"`
	VolatileParams   []string          `yaml:"volatile_params" mapstructure:"volatile_params"`
	BodyVolatileKeys []string          `yaml:"body_volatile_keys" mapstructure:"body_volatile_keys"`
	OverridesFile    string            `yaml:"overrides_file" mapstructure:"overrides_file"`
	Concurrency      int               `yaml:"concurrency" mapstructure:"concurrency"`
	Noise            []NoiseRuleConfig `yaml:"noise" mapstructure:"noise"`
}

// NoiseRuleConfig describes an inert response for telemetry and analytics calls
type NoiseRuleConfig struct {
	Name        string            `yaml:"name" mapstructure:"name"`
	Hosts       []string          `yaml:"hosts" mapstructure:"hosts"`
	PathPattern string            `yaml:"path_pattern" mapstructure:"path_pattern"`
	Status      int               `yaml:"status" mapstructure:"status"`
	Body        string            `yaml:"body" mapstructure:"body"`
	Headers     map[string]string `yaml:"headers" mapstructure:"headers"`
}

// LogConfig log configuration
type LogConfig struct {
	Level       string        `yaml:"level" mapstructure:"level"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig file log configuration
type FileLogConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// PassthroughConfig controls best-effort network calls for unmatched requests
type PassthroughConfig struct {
	Enable                bool     `yaml:"enable" mapstructure:"enable"`
	Timeout               int      `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries            int      `yaml:"max_retries" mapstructure:"max_retries"`
	MaxConcurrent         int      `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	MaxIdleConns          int      `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost   int      `yaml:"max_idle_conns_per_host" mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost       int      `yaml:"max_conns_per_host" mapstructure:"max_conns_per_host"`
	IdleConnTimeout       int      `yaml:"idle_conn_timeout" mapstructure:"idle_conn_timeout"`
	ResponseHeaderTimeout int      `yaml:"response_header_timeout" mapstructure:"response_header_timeout"`
	TLSHandshakeTimeout   int      `yaml:"tls_handshake_timeout" mapstructure:"tls_handshake_timeout"`
	TLSInsecureSkipVerify bool     `yaml:"tls_insecure_skip_verify" mapstructure:"tls_insecure_skip_verify"`
	MaxResponseBytes      int64    `yaml:"max_response_bytes" mapstructure:"max_response_bytes"`
	HeaderBlacklist       []string `yaml:"header_blacklist" mapstructure:"header_blacklist"`
}

// SocketConfig controls socket session replay
type SocketConfig struct {
	Mode          string          `yaml:"mode" mapstructure:"mode"`
	Loop          bool            `yaml:"loop" mapstructure:"loop"`
	Speed         float64         `yaml:"speed" mapstructure:"speed"`
	MaxDelay      time.Duration   `yaml:"max_delay" mapstructure:"max_delay"`
	OpenDelay     time.Duration   `yaml:"open_delay" mapstructure:"open_delay"`
	SimulateDelay time.Duration   `yaml:"simulate_delay" mapstructure:"simulate_delay"`
	AckProfile    string          `yaml:"ack_profile" mapstructure:"ack_profile"`
	AckRules      []AckRuleConfig `yaml:"ack_rules" mapstructure:"ack_rules"`
}

// AckRuleConfig answers outbound frames matching Match with Reply
type AckRuleConfig struct {
	Match  string        `yaml:"match" mapstructure:"match"`
	Reply  string        `yaml:"reply" mapstructure:"reply"`
	Binary bool          `yaml:"binary" mapstructure:"binary"`
	Delay  time.Duration `yaml:"delay" mapstructure:"delay"`
}

// CacheConfig storage cache for asset bodies
type CacheConfig struct {
	Driver    string `yaml:"driver" mapstructure:"driver"`
	Path      string `yaml:"path" mapstructure:"path"`
	MaxMemory string `yaml:"max_memory" mapstructure:"max_memory"`
}

// ShimConfig in-page shim behaviour
type ShimConfig struct {
	ExternalAlias bool `yaml:"external_alias" mapstructure:"external_alias"`
	InjectRuntime bool `yaml:"inject_runtime" mapstructure:"inject_runtime"`
}

// WebConfig admin API configuration
type WebConfig struct {
	Enable    bool            `yaml:"enable" mapstructure:"enable"`
	AdminPath string          `yaml:"admin_path" mapstructure:"admin_path"`
	MaxList   int             `yaml:"max_list" mapstructure:"max_list"`
	Export    WebExportConfig `yaml:"export" mapstructure:"export"`
}

// WebExportConfig export configuration
type WebExportConfig struct {
	Enable  bool     `yaml:"enable" mapstructure:"enable"`
	Formats []string `yaml:"formats" mapstructure:"formats"`
}

// OutputConfig controls CLI output style
type OutputConfig struct {
	Mode    string `yaml:"mode" mapstructure:"mode"`
	Silence bool   `yaml:"silence" mapstructure:"silence"`
}

// StorageConfig replay journal persistence
type StorageConfig struct {
	Enable     bool          `yaml:"enable" mapstructure:"enable"`
	Driver     string        `yaml:"driver" mapstructure:"driver"`
	Path       string        `yaml:"path" mapstructure:"path"`
	MaxRecords int           `yaml:"max_records" mapstructure:"max_records"`
	Retention  time.Duration `yaml:"retention" mapstructure:"retention"`
}

// LoadConfig load configuration
// If v is nil, a new viper instance will be created
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("REPLAYTAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.replaytap")
		v.AddConfigPath("/etc/replaytap")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		log.Printf("Config file loaded: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	applyDefaults(&config, v)

	return &config, nil
}

// applyDefaults fills zero-value fields that Unmarshal leaves empty and
// normalizes list-valued settings. Command line flags are applied in main.go.
func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = v.GetInt("server.port")
	}
	if cfg.Replay.Root == "" {
		cfg.Replay.Root = v.GetString("replay.root")
	}
	if len(cfg.Replay.VolatileParams) == 0 {
		cfg.Replay.VolatileParams = v.GetStringSlice("replay.volatile_params")
	}
	cfg.Replay.VolatileParams = normalizeNameList(cfg.Replay.VolatileParams)
	if cfg.Replay.Concurrency == 0 {
		cfg.Replay.Concurrency = v.GetInt("replay.concurrency")
	}
	if len(cfg.Replay.Noise) == 0 {
		var defaults []NoiseRuleConfig
		if err := v.UnmarshalKey("replay.noise", &defaults); err == nil {
			cfg.Replay.Noise = defaults
		}
	}
	for i := range cfg.Replay.Noise {
		cfg.Replay.Noise[i].Hosts = normalizeNameList(cfg.Replay.Noise[i].Hosts)
		cfg.Replay.Noise[i].Headers = canonicalizeHeaders(cfg.Replay.Noise[i].Headers)
		if cfg.Replay.Noise[i].Status == 0 {
			cfg.Replay.Noise[i].Status = http.StatusOK
		}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = v.GetString("log.level")
	}

	if cfg.Passthrough.MaxConcurrent == 0 {
		cfg.Passthrough.MaxConcurrent = v.GetInt("passthrough.max_concurrent")
	}
	if len(cfg.Passthrough.HeaderBlacklist) == 0 {
		cfg.Passthrough.HeaderBlacklist = v.GetStringSlice("passthrough.header_blacklist")
	}
	cfg.Passthrough.HeaderBlacklist = normalizeNameList(cfg.Passthrough.HeaderBlacklist)

	if cfg.Socket.Mode == "" {
		cfg.Socket.Mode = v.GetString("socket.mode")
	}
	cfg.Socket.Mode = strings.ToLower(strings.TrimSpace(cfg.Socket.Mode))
	if cfg.Socket.Speed == 0 {
		cfg.Socket.Speed = v.GetFloat64("socket.speed")
	}

	if cfg.Cache.Driver == "" {
		cfg.Cache.Driver = v.GetString("cache.driver")
	}
	cfg.Cache.Driver = strings.ToLower(strings.TrimSpace(cfg.Cache.Driver))

	if cfg.Output.Mode == "" {
		cfg.Output.Mode = v.GetString("output.mode")
	}

	if cfg.Web.AdminPath == "" {
		cfg.Web.AdminPath = v.GetString("web.admin_path")
	}
	if len(cfg.Web.Export.Formats) == 0 {
		cfg.Web.Export.Formats = v.GetStringSlice("web.export.formats")
	}
}

// setDefaults set default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 38890)
	v.SetDefault("server.max_body_bytes", int64(10*1024*1024))
	v.SetDefault("server.cross_origin_isolation", true)

	v.SetDefault("replay.root", "./capture")
	v.SetDefault("replay.origin", "")
	v.SetDefault("replay.volatile_params", []string{
		"token", "auth", "_", "v", "ver", "verid", "cb", "cache", "t", "ts", "timestamp",
	})
	v.SetDefault("replay.body_volatile_keys", []string{})
	v.SetDefault("replay.overrides_file", "")
	v.SetDefault("replay.concurrency", 8)
	v.SetDefault("replay.noise", []map[string]interface{}{
		{
			"name":   "tag-scripts",
			"hosts":  []string{"www.googletagmanager.com", "static.cloudflareinsights.com"},
			"status": 200,
			"body":   "/* offline noop */",
			"headers": map[string]string{
				"Content-Type": "application/javascript",
			},
		},
		{
			"name":   "beacons",
			"hosts":  []string{"region1.analytics.google.com", "stats.g.doubleclick.net"},
			"status": 200,
		},
		{
			"name":         "cdn-rum",
			"path_pattern": "(?i)/cdn-cgi/rum",
			"status":       200,
		},
	})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./replaytap.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)

	v.SetDefault("passthrough.enable", false)
	v.SetDefault("passthrough.timeout", 5)
	v.SetDefault("passthrough.max_retries", 0)
	v.SetDefault("passthrough.max_concurrent", 16)
	v.SetDefault("passthrough.max_idle_conns", 100)
	v.SetDefault("passthrough.max_idle_conns_per_host", 16)
	v.SetDefault("passthrough.max_conns_per_host", 32)
	v.SetDefault("passthrough.idle_conn_timeout", 90)
	v.SetDefault("passthrough.response_header_timeout", 5)
	v.SetDefault("passthrough.tls_handshake_timeout", 5)
	v.SetDefault("passthrough.tls_insecure_skip_verify", false)
	v.SetDefault("passthrough.max_response_bytes", int64(32*1024*1024))
	v.SetDefault("passthrough.header_blacklist", []string{
		"host",
		"connection",
		"keep-alive",
		"proxy-authenticate",
		"proxy-authorization",
		"proxy-connection",
		"te",
		"trailer",
		"trailers",
		"transfer-encoding",
		"upgrade",
		"content-length",
	})

	v.SetDefault("socket.mode", "replay")
	v.SetDefault("socket.loop", false)
	v.SetDefault("socket.speed", 1.0)
	v.SetDefault("socket.max_delay", "800ms")
	v.SetDefault("socket.open_delay", "10ms")
	v.SetDefault("socket.simulate_delay", "50ms")
	v.SetDefault("socket.ack_profile", "")
	v.SetDefault("socket.ack_rules", []map[string]interface{}{})

	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.path", "./data/cache")
	v.SetDefault("cache.max_memory", "256MB")

	v.SetDefault("shim.external_alias", true)
	v.SetDefault("shim.inject_runtime", true)

	v.SetDefault("web.enable", true)
	v.SetDefault("web.admin_path", "/__replay/api")
	v.SetDefault("web.max_list", 500)
	v.SetDefault("web.export.enable", true)
	v.SetDefault("web.export.formats", []string{"json", "csv"})

	v.SetDefault("output.mode", "console")
	v.SetDefault("output.silence", false)

	v.SetDefault("storage.enable", true)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./data/replaytap.db")
	v.SetDefault("storage.max_records", 100000)
	v.SetDefault("storage.retention", "0s")
}

// Validate checks the configuration and fills a few derived defaults
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server max body bytes cannot be negative")
	}

	if strings.TrimSpace(c.Replay.Root) == "" {
		return fmt.Errorf("replay root cannot be empty")
	}
	if c.Replay.Concurrency < 0 {
		return fmt.Errorf("replay concurrency cannot be negative")
	}
	for i, expr := range c.Replay.BodyVolatileKeys {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("replay body_volatile_keys[%d] is not a valid regex: %w", i, err)
		}
	}
	for i, rule := range c.Replay.Noise {
		if rule.Status < 100 || rule.Status > 599 {
			return fmt.Errorf("replay noise rule %d status must be between 100 and 599", i+1)
		}
		if len(rule.Hosts) == 0 && rule.PathPattern == "" {
			return fmt.Errorf("replay noise rule %d needs hosts or path_pattern", i+1)
		}
		if rule.PathPattern != "" {
			if _, err := regexp.Compile(rule.PathPattern); err != nil {
				return fmt.Errorf("replay noise rule %d path_pattern: %w", i+1, err)
			}
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.FileLogging.Enable {
		if c.Log.FileLogging.Path == "" {
			return fmt.Errorf("log file path cannot be empty when file logging is enabled")
		}
		if c.Log.FileLogging.MaxSizeMB < 1 {
			return fmt.Errorf("log file max size must be at least 1MB")
		}
		if c.Log.FileLogging.MaxBackups < 0 {
			return fmt.Errorf("log file max backups cannot be negative")
		}
		if c.Log.FileLogging.MaxAgeDays < 0 {
			return fmt.Errorf("log file max age cannot be negative")
		}
	}

	if c.Passthrough.Timeout < 0 {
		return fmt.Errorf("passthrough timeout cannot be negative")
	}
	if c.Passthrough.MaxRetries < 0 {
		return fmt.Errorf("passthrough max retries cannot be negative")
	}
	if c.Passthrough.Enable && c.Passthrough.MaxConcurrent < 1 {
		return fmt.Errorf("passthrough max concurrent must be at least 1")
	}
	for i, h := range c.Passthrough.HeaderBlacklist {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("passthrough header_blacklist[%d] cannot be empty", i)
		}
	}

	switch c.Socket.Mode {
	case "", "replay", "simulate":
		if c.Socket.Mode == "" {
			c.Socket.Mode = "replay"
		}
	default:
		return fmt.Errorf("socket mode must be 'replay' or 'simulate'")
	}
	if c.Socket.Speed < 0 {
		return fmt.Errorf("socket speed cannot be negative")
	}
	if c.Socket.MaxDelay < 0 || c.Socket.OpenDelay < 0 || c.Socket.SimulateDelay < 0 {
		return fmt.Errorf("socket delays cannot be negative")
	}
	switch strings.ToLower(c.Socket.AckProfile) {
	case "", "none", "heartbeat":
	default:
		return fmt.Errorf("socket ack_profile must be empty, 'none' or 'heartbeat'")
	}
	for i, rule := range c.Socket.AckRules {
		if rule.Match == "" {
			return fmt.Errorf("socket ack rule %d match cannot be empty", i+1)
		}
		if _, err := regexp.Compile(rule.Match); err != nil {
			return fmt.Errorf("socket ack rule %d match: %w", i+1, err)
		}
	}

	switch c.Cache.Driver {
	case "", "memory":
		c.Cache.Driver = "memory"
	case "leveldb":
		if strings.TrimSpace(c.Cache.Path) == "" {
			return fmt.Errorf("cache path cannot be empty for the leveldb driver")
		}
	default:
		return fmt.Errorf("cache driver must be 'memory' or 'leveldb'")
	}
	if _, err := c.Cache.MaxMemoryBytes(); err != nil {
		return err
	}

	switch strings.ToLower(c.Output.Mode) {
	case "", "console", "json":
		if c.Output.Mode == "" {
			c.Output.Mode = "console"
		}
	default:
		return fmt.Errorf("output mode must be 'console' or 'json'")
	}

	if c.Storage.Enable {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "sqlite", "sqlite3":
			if strings.TrimSpace(c.Storage.Driver) == "" {
				c.Storage.Driver = "sqlite"
			}
		case "memory":
		default:
			return fmt.Errorf("storage driver must be 'sqlite' or 'memory'")
		}
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage path cannot be empty")
		}
		if c.Storage.MaxRecords < 0 {
			return fmt.Errorf("storage max_records cannot be negative")
		}
		if c.Storage.Retention < 0 {
			return fmt.Errorf("storage retention cannot be negative")
		}
	}

	if c.Web.Enable {
		if c.Web.AdminPath == "" {
			return fmt.Errorf("web admin path cannot be empty")
		}
		if !strings.HasPrefix(c.Web.AdminPath, "/") {
			return fmt.Errorf("web admin path must start with '/'")
		}
		if c.Web.AdminPath == "/" {
			return fmt.Errorf("web admin path cannot be '/'")
		}
		if c.Web.MaxList < 1 {
			return fmt.Errorf("web max list must be at least 1")
		}
		if c.Web.Export.Enable && len(c.Web.Export.Formats) == 0 {
			return fmt.Errorf("web export formats cannot be empty when export enabled")
		}
	}

	return nil
}

// MaxMemoryBytes parses the human readable memory budget ("256MB", "1GiB").
// An empty value means unlimited.
func (c CacheConfig) MaxMemoryBytes() (int64, error) {
	if strings.TrimSpace(c.MaxMemory) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.MaxMemory)
	if err != nil {
		return 0, fmt.Errorf("cache max_memory %q: %w", c.MaxMemory, err)
	}
	return int64(n), nil
}

func canonicalizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return headers
	}
	canonical := make(map[string]string, len(headers))
	for key, value := range headers {
		canonical[http.CanonicalHeaderKey(key)] = value
	}
	return canonical
}

// normalizeNameList lowercases, trims and dedupes names while keeping order
func normalizeNameList(list []string) []string {
	if len(list) == 0 {
		return list
	}
	set := make(map[string]struct{}, len(list))
	result := make([]string, 0, len(list))
	for _, h := range list {
		norm := strings.ToLower(strings.TrimSpace(h))
		if norm == "" {
			continue
		}
		if _, exists := set[norm]; exists {
			continue
		}
		set[norm] = struct{}{}
		result = append(result, norm)
	}
	return result
}
