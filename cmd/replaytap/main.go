package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/funnyzak/replaytap/internal/capture"
	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/index"
	"github.com/funnyzak/replaytap/internal/keys"
	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/server"
	"github.com/funnyzak/replaytap/internal/shim"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "replaytap",
	Short: "Replay a recorded web session with no live backend",
	Long: `ReplayTap serves a captured page and answers every call it makes from the capture:
static assets, recorded API responses and recorded socket sessions.

Running replaytap without a subcommand is the same as "replaytap serve".
`,
	SilenceUsage: true,
	RunE:         runServer,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a capture",
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   showVersion,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file path")
	flags.IntP("port", "p", 0, "Listen port")
	flags.StringP("root", "r", "", "Capture directory")
	flags.String("origin", "", "Override the captured document origin")
	flags.String("overrides", "", "Overrides file mapping URLs or keys to storage paths")
	flags.StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	flags.Bool("log-file-enable", false, "Enable file logging")
	flags.String("log-file-path", "", "Log file path")
	flags.Int("log-file-max-size", 0, "Maximum size of a single log file (MB)")
	flags.Int("log-file-max-backups", 0, "Maximum number of old log files to retain")
	flags.Int("log-file-max-age", 0, "Maximum retention days for old log files")
	flags.Bool("log-file-compress", false, "Whether to compress old log files")

	flags.Bool("passthrough", false, "Forward unmatched calls to the network (best effort)")
	flags.String("socket-mode", "", "Socket replay mode (replay, simulate)")
	flags.Bool("socket-loop", false, "Loop recorded socket sessions")
	flags.Float64("socket-speed", 0, "Socket replay speed factor")
	flags.String("cache-driver", "", "Storage cache driver (memory, leveldb)")
	flags.String("cache-path", "", "Storage cache path for the leveldb driver")

	flags.Bool("web-enable", false, "Enable/disable the admin API")
	flags.String("web-admin-path", "", "Admin API path")
	flags.Bool("web-export-enable", false, "Enable/disable journal export")
	flags.StringSlice("web-export-formats", []string{}, "Supported export formats")

	flags.StringP("output", "o", "", "Call output mode (console, json)")
	flags.Bool("silence", false, "Do not print dispatched calls")
	flags.Bool("storage-enable", false, "Persist the replay journal in sqlite")
	flags.String("storage-path", "", "Replay journal path")

	bindFlags(rootCmd)

	indexCmd.Flags().String("out", "", "Directory for the flattened tables (defaults to the capture root)")
	diagnoseCmd.Flags().String("out", "report", "Directory for report.md")

	rootCmd.AddCommand(serveCmd, indexCmd, diagnoseCmd, versionCmd)
}

func bindFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	viper.BindPFlag("server.port", flags.Lookup("port"))
	viper.BindPFlag("replay.root", flags.Lookup("root"))
	viper.BindPFlag("replay.origin", flags.Lookup("origin"))
	viper.BindPFlag("replay.overrides_file", flags.Lookup("overrides"))
	viper.BindPFlag("log.level", flags.Lookup("log-level"))
	viper.BindPFlag("log.file_logging.enable", flags.Lookup("log-file-enable"))
	viper.BindPFlag("log.file_logging.path", flags.Lookup("log-file-path"))
	viper.BindPFlag("log.file_logging.max_size_mb", flags.Lookup("log-file-max-size"))
	viper.BindPFlag("log.file_logging.max_backups", flags.Lookup("log-file-max-backups"))
	viper.BindPFlag("log.file_logging.max_age_days", flags.Lookup("log-file-max-age"))
	viper.BindPFlag("log.file_logging.compress", flags.Lookup("log-file-compress"))

	viper.BindPFlag("passthrough.enable", flags.Lookup("passthrough"))
	viper.BindPFlag("socket.mode", flags.Lookup("socket-mode"))
	viper.BindPFlag("socket.loop", flags.Lookup("socket-loop"))
	viper.BindPFlag("socket.speed", flags.Lookup("socket-speed"))
	viper.BindPFlag("cache.driver", flags.Lookup("cache-driver"))
	viper.BindPFlag("cache.path", flags.Lookup("cache-path"))

	viper.BindPFlag("web.enable", flags.Lookup("web-enable"))
	viper.BindPFlag("web.admin_path", flags.Lookup("web-admin-path"))
	viper.BindPFlag("web.export.enable", flags.Lookup("web-export-enable"))
	viper.BindPFlag("web.export.formats", flags.Lookup("web-export-formats"))

	viper.BindPFlag("output.mode", flags.Lookup("output"))
	viper.BindPFlag("output.silence", flags.Lookup("silence"))
	viper.BindPFlag("storage.enable", flags.Lookup("storage-enable"))
	viper.BindPFlag("storage.path", flags.Lookup("storage-path"))
}

// loadConfig loads the configuration file and applies command line flags,
// which take precedence over everything else.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if port, err := flags.GetInt("port"); err == nil && port != 0 {
		cfg.Server.Port = port
	}
	if root, err := flags.GetString("root"); err == nil && root != "" {
		cfg.Replay.Root = root
	}
	if origin, err := flags.GetString("origin"); err == nil && origin != "" {
		cfg.Replay.Origin = origin
	}
	if overrides, err := flags.GetString("overrides"); err == nil && overrides != "" {
		cfg.Replay.OverridesFile = overrides
	}
	if logLevel, err := flags.GetString("log-level"); err == nil && logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFileEnable, err := flags.GetBool("log-file-enable"); err == nil && flags.Changed("log-file-enable") {
		cfg.Log.FileLogging.Enable = logFileEnable
	}
	if logFilePath, err := flags.GetString("log-file-path"); err == nil && logFilePath != "" {
		cfg.Log.FileLogging.Path = logFilePath
	}
	if logFileSize, err := flags.GetInt("log-file-max-size"); err == nil && logFileSize != 0 {
		cfg.Log.FileLogging.MaxSizeMB = logFileSize
	}
	if logFileBackups, err := flags.GetInt("log-file-max-backups"); err == nil && logFileBackups != 0 {
		cfg.Log.FileLogging.MaxBackups = logFileBackups
	}
	if logFileAge, err := flags.GetInt("log-file-max-age"); err == nil && logFileAge != 0 {
		cfg.Log.FileLogging.MaxAgeDays = logFileAge
	}
	if logFileCompress, err := flags.GetBool("log-file-compress"); err == nil && flags.Changed("log-file-compress") {
		cfg.Log.FileLogging.Compress = logFileCompress
	}

	if passthrough, err := flags.GetBool("passthrough"); err == nil && flags.Changed("passthrough") {
		cfg.Passthrough.Enable = passthrough
	}
	if mode, err := flags.GetString("socket-mode"); err == nil && mode != "" {
		cfg.Socket.Mode = mode
	}
	if loop, err := flags.GetBool("socket-loop"); err == nil && flags.Changed("socket-loop") {
		cfg.Socket.Loop = loop
	}
	if speed, err := flags.GetFloat64("socket-speed"); err == nil && speed > 0 {
		cfg.Socket.Speed = speed
	}
	if driver, err := flags.GetString("cache-driver"); err == nil && driver != "" {
		cfg.Cache.Driver = driver
	}
	if cachePath, err := flags.GetString("cache-path"); err == nil && cachePath != "" {
		cfg.Cache.Path = cachePath
	}

	if webEnable, err := flags.GetBool("web-enable"); err == nil && flags.Changed("web-enable") {
		cfg.Web.Enable = webEnable
	}
	if webAdminPath, err := flags.GetString("web-admin-path"); err == nil && webAdminPath != "" {
		cfg.Web.AdminPath = webAdminPath
	}
	if webExportEnable, err := flags.GetBool("web-export-enable"); err == nil && flags.Changed("web-export-enable") {
		cfg.Web.Export.Enable = webExportEnable
	}
	if webExportFormats, err := flags.GetStringSlice("web-export-formats"); err == nil && len(webExportFormats) > 0 {
		cfg.Web.Export.Formats = webExportFormats
	}

	if output, err := flags.GetString("output"); err == nil && output != "" {
		cfg.Output.Mode = output
	}
	if silence, err := flags.GetBool("silence"); err == nil && flags.Changed("silence") {
		cfg.Output.Silence = silence
	}
	if storageEnable, err := flags.GetBool("storage-enable"); err == nil && flags.Changed("storage-enable") {
		cfg.Storage.Enable = storageEnable
	}
	if storagePath, err := flags.GetString("storage-path"); err == nil && storagePath != "" {
		cfg.Storage.Path = storagePath
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := validateAdminPath(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)

	srv, err := server.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build replay server: %w", err)
	}

	// JSON output is meant for pipes, keep stdout machine readable.
	if !strings.EqualFold(cfg.Output.Mode, "json") {
		printStartupBanner(os.Stdout, cfg)
	}
	log.Info("ReplayTap starting",
		"version", version,
		"port", cfg.Server.Port,
		"root", cfg.Replay.Root,
		"origin", cfg.Replay.Origin,
		"passthrough", cfg.Passthrough.Enable,
		"socket_mode", cfg.Socket.Mode,
		"cache_driver", cfg.Cache.Driver,
		"web_enable", cfg.Web.Enable,
		"web_admin_path", cfg.Web.AdminPath,
		"storage_enable", cfg.Storage.Enable,
	)

	return srv.Start()
}

// buildOptions derives the index build options shared by every command.
func buildOptions(cfg *config.Config, log logger.Logger) (index.BuildOptions, error) {
	norm, err := keys.New(cfg.Replay.VolatileParams, cfg.Replay.BodyVolatileKeys)
	if err != nil {
		return index.BuildOptions{}, err
	}
	var overrides map[string]string
	if cfg.Replay.OverridesFile != "" {
		if overrides, err = capture.ReadOverrides(cfg.Replay.OverridesFile); err != nil {
			return index.BuildOptions{}, fmt.Errorf("read overrides: %w", err)
		}
	}
	return index.BuildOptions{
		Normalizer:  norm,
		Overrides:   overrides,
		Origin:      cfg.Replay.Origin,
		Logger:      log,
		Concurrency: cfg.Replay.Concurrency,
	}, nil
}

func showVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("ReplayTap version %s\n", version)
	fmt.Printf("Commit: %s\n", commit)
	fmt.Printf("Built: %s\n", buildDate)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// validateAdminPath rejects admin paths that would shadow the replayed page
// or the shim routes.
func validateAdminPath(cfg *config.Config) error {
	if cfg == nil || !cfg.Web.Enable {
		return nil
	}
	adminPath := normalizeConfigPath(cfg.Web.AdminPath)
	if adminPath == "/" {
		return fmt.Errorf("web.admin_path (%s) would shadow the replayed page; please configure a sub path", cfg.Web.AdminPath)
	}
	for _, reserved := range []string{shim.SocketPath, shim.RuntimePath, shim.ConfigPath, shim.AliasPrefix} {
		if pathsOverlap(adminPath, normalizeConfigPath(reserved)) {
			return fmt.Errorf("web.admin_path (%s) conflicts with %s; please configure a different value", cfg.Web.AdminPath, reserved)
		}
	}
	return nil
}

func normalizeConfigPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func pathsOverlap(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}

	aPrefix := strings.TrimRight(a, "/") + "/"
	bPrefix := strings.TrimRight(b, "/") + "/"

	return strings.HasPrefix(aPrefix, bPrefix) || strings.HasPrefix(bPrefix, aPrefix)
}
