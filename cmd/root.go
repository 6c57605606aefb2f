package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "wpsentry",
	Short: "WordPress fingerprinting and vulnerability monitoring",
	Long: `wpsentry fingerprints WordPress sites, matches the detected core,
plugins and themes against a vulnerability knowledge base, and scores the
result. Monitored websites are re-scanned on a schedule set by the owner's
plan.

COMMANDS:
  wpsentry scan <url>          One-off scan, printed to the terminal
  wpsentry website add         Register a website for monitoring
  wpsentry batch               Run one scheduler batch now
  wpsentry serve               Serve the batch trigger and scan API
  wpsentry migrate             Apply database migrations

CONFIGURATION:
  Flags, WPSENTRY_* environment variables and an optional YAML file
  (--config, default .wpsentry.yaml in the working or home directory).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		var err error
		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log == nil {
			return
		}
		// sync on a terminal returns EINVAL on Linux
		if err := log.Sync(); err != nil && !strings.Contains(err.Error(), "invalid argument") {
			fmt.Fprintf(os.Stderr, "Warning: failed to sync logger: %v\n", err)
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is .wpsentry.yaml)")

	// Logging configuration
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (json, console)")
	viper.BindPFlag("logger.level", flags.Lookup("log-level"))
	viper.BindPFlag("logger.format", flags.Lookup("log-format"))

	// Database configuration
	flags.String("db-driver", "postgres", "database driver (postgres, sqlite3)")
	flags.String("db-dsn", config.DefaultConfig().Database.DSN, "database connection string")
	viper.BindPFlag("database.driver", flags.Lookup("db-driver"))
	viper.BindPFlag("database.dsn", flags.Lookup("db-dsn"))
	viper.BindEnv("database.dsn", "WPSENTRY_DATABASE_DSN", "DATABASE_URL")

	// Redis configuration
	flags.String("redis-addr", "", "Redis address for the batch lock (empty uses an in-process lock)")
	viper.BindPFlag("redis.addr", flags.Lookup("redis-addr"))

	// Knowledge base
	flags.String("vulndb", config.DefaultConfig().VulnDB.Path, "vulnerability knowledge base file (YAML or JSON)")
	viper.BindPFlag("vulndb.path", flags.Lookup("vulndb"))

	// Secrets come from the environment or the config file, never flags
	viper.BindEnv("security.cron_secret", "WPSENTRY_CRON_SECRET", "CRON_SECRET")
	viper.BindEnv("security.api_key", "WPSENTRY_API_KEY")
	viper.BindEnv("email.password", "WPSENTRY_SMTP_PASSWORD")

	setDefaults()
}

// setDefaults registers every key of config.DefaultConfig so env overrides
// reach viper.Unmarshal.
func setDefaults() {
	d := config.DefaultConfig()

	viper.SetDefault("logger.level", d.Logger.Level)
	viper.SetDefault("logger.format", d.Logger.Format)
	viper.SetDefault("logger.output_paths", d.Logger.OutputPaths)

	viper.SetDefault("database.driver", d.Database.Driver)
	viper.SetDefault("database.dsn", d.Database.DSN)
	viper.SetDefault("database.max_connections", d.Database.MaxConnections)
	viper.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	viper.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)

	viper.SetDefault("redis.addr", d.Redis.Addr)
	viper.SetDefault("redis.password", d.Redis.Password)
	viper.SetDefault("redis.db", d.Redis.DB)
	viper.SetDefault("redis.max_retries", d.Redis.MaxRetries)
	viper.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)
	viper.SetDefault("redis.read_timeout", d.Redis.ReadTimeout)
	viper.SetDefault("redis.write_timeout", d.Redis.WriteTimeout)
	viper.SetDefault("redis.lock_ttl", d.Redis.LockTTL)

	viper.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	viper.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	viper.SetDefault("telemetry.exporter_type", d.Telemetry.ExporterType)
	viper.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	viper.SetDefault("telemetry.sample_rate", d.Telemetry.SampleRate)

	viper.SetDefault("security.cron_secret", d.Security.CronSecret)
	viper.SetDefault("security.api_key", d.Security.APIKey)
	viper.SetDefault("security.rate_limit.requests_per_second", d.Security.RateLimit.RequestsPerSecond)
	viper.SetDefault("security.rate_limit.burst_size", d.Security.RateLimit.BurstSize)

	viper.SetDefault("scanner.probe_timeout", d.Scanner.ProbeTimeout)
	viper.SetDefault("scanner.user_agent", d.Scanner.UserAgent)
	viper.SetDefault("scanner.enable_ssrf", d.Scanner.EnableSSRF)
	viper.SetDefault("scanner.dns_preflight", d.Scanner.DNSPreflight)
	viper.SetDefault("scanner.nameservers", d.Scanner.Nameservers)
	viper.SetDefault("scanner.max_metadata_fetches", d.Scanner.MaxMetadataFetches)
	viper.SetDefault("scanner.max_plugin_lookups", d.Scanner.MaxPluginLookups)
	viper.SetDefault("scanner.max_theme_lookups", d.Scanner.MaxThemeLookups)
	viper.SetDefault("scanner.lookup_concurrency", d.Scanner.LookupConcurrency)
	viper.SetDefault("scanner.host_min_delay", d.Scanner.HostMinDelay)

	viper.SetDefault("registry.base_url", d.Registry.BaseURL)
	viper.SetDefault("registry.timeout", d.Registry.Timeout)
	viper.SetDefault("registry.cache_ttl", d.Registry.CacheTTL)

	viper.SetDefault("vulndb.path", d.VulnDB.Path)

	viper.SetDefault("scheduler.batch_size", d.Scheduler.BatchSize)
	viper.SetDefault("scheduler.inter_site_delay", d.Scheduler.InterSiteDelay)
	viper.SetDefault("scheduler.site_timeout", d.Scheduler.SiteTimeout)
	viper.SetDefault("scheduler.backoff_base", d.Scheduler.BackoffBase)

	viper.SetDefault("email.enabled", d.Email.Enabled)
	viper.SetDefault("email.smtp_host", d.Email.SMTPHost)
	viper.SetDefault("email.smtp_port", d.Email.SMTPPort)
	viper.SetDefault("email.username", d.Email.Username)
	viper.SetDefault("email.password", d.Email.Password)
	viper.SetDefault("email.from_email", d.Email.FromEmail)
	viper.SetDefault("email.from_name", d.Email.FromName)
	viper.SetDefault("email.use_tls", d.Email.UseTLS)
	viper.SetDefault("email.use_ssl", d.Email.UseSSL)
	viper.SetDefault("email.skip_tls_verify", d.Email.SkipTLSVerify)
	viper.SetDefault("email.timeout", d.Email.Timeout)

	viper.SetDefault("notify.report_base_url", d.Notify.ReportBaseURL)
	viper.SetDefault("notify.webhook_timeout", d.Notify.WebhookTimeout)
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".wpsentry")
	}

	viper.SetEnvPrefix("WPSENTRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg = &config.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg.Validate()
}
