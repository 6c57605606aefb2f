package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/core"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/database"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/jobs"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/notify"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/resolver"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/scheduler"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/email"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/registry"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/scanners/wordpress"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/vulndb"
)

// engine is the scan pipeline without persistence.
type engine struct {
	fingerprinter *wordpress.Fingerprinter
	registry      *registry.Client
	kb            *vulndb.Index
	correlator    *vulndb.Correlator
}

func newEngine(cfg *config.Config, log *logger.Logger) (*engine, error) {
	kb, err := vulndb.Load(cfg.VulnDB.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load vulnerability database: %w", err)
	}
	log.Infow("Vulnerability database loaded", "path", cfg.VulnDB.Path, "records", kb.Len())

	reg := registry.NewClient(registry.Config{
		BaseURL:   cfg.Registry.BaseURL,
		Timeout:   cfg.Registry.Timeout,
		UserAgent: cfg.Scanner.UserAgent,
	}, log)

	client := httpclient.NewProbeClient(cfg.Scanner.ProbeTimeout, cfg.Scanner.UserAgent, cfg.Scanner.EnableSSRF)
	fp := wordpress.NewFingerprinter(wordpress.Config{
		ProbeTimeout:       cfg.Scanner.ProbeTimeout,
		MaxMetadataFetches: cfg.Scanner.MaxMetadataFetches,
		MaxPluginLookups:   cfg.Scanner.MaxPluginLookups,
		MaxThemeLookups:    cfg.Scanner.MaxThemeLookups,
		LookupConcurrency:  cfg.Scanner.LookupConcurrency,
		Policy:             wordpress.DefaultPolicy(),
	}, client, reg, log)

	limits := ratelimit.DefaultConfig()
	limits.MinDelay = cfg.Scanner.HostMinDelay
	fp = fp.WithLimiter(ratelimit.NewLimiter(limits))

	if cfg.Scanner.DNSPreflight {
		fp = fp.WithResolver(resolver.New(cfg.Scanner.Nameservers, cfg.Scanner.ProbeTimeout, log))
	}

	return &engine{
		fingerprinter: fp,
		registry:      reg,
		kb:            kb,
		correlator:    vulndb.NewCorrelator(kb, log),
	}, nil
}

// services holds the long-lived collaborators of batch and serve.
type services struct {
	*engine
	store     *database.Store
	telemetry core.Telemetry
	scheduler *scheduler.Scheduler
}

func newServices(ctx context.Context, cfg *config.Config, log *logger.Logger) (*services, error) {
	eng, err := newEngine(cfg, log)
	if err != nil {
		return nil, err
	}

	store, err := database.NewStore(ctx, cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		log.Warnw("Telemetry disabled", "error", err)
		tel = telemetry.Noop()
	}

	lock := jobs.NewLocalLock()
	if cfg.Redis.Addr != "" {
		lock, err = jobs.NewRedisLock(cfg.Redis, log)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	dispatcher, err := newDispatcher(cfg, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	sched, err := scheduler.New(cfg.Scheduler, cfg.Registry.CacheTTL, cfg.Notify.ReportBaseURL, scheduler.Deps{
		Store: store,
		NewScanner: func(latest core.LatestVersionSource) scheduler.Scanner {
			return eng.fingerprinter.WithRegistry(latest)
		},
		Registry:   eng.registry,
		Correlator: eng.correlator,
		Notifier:   dispatcher,
		Lock:       lock,
		Telemetry:  tel,
		Logger:     log,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &services{engine: eng, store: store, telemetry: tel, scheduler: sched}, nil
}

func newDispatcher(cfg *config.Config, log *logger.Logger) (*notify.Dispatcher, error) {
	var notifiers []core.Notifier
	if cfg.Email.Enabled {
		sender, err := email.NewSMTPSender(email.FromConfig(cfg.Email), log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize email: %w", err)
		}
		notifiers = append(notifiers, notify.NewEmailNotifier(sender))
	}

	webhookCfg := httpclient.DefaultConfig()
	webhookCfg.Timeout = cfg.Notify.WebhookTimeout
	webhookCfg.EnableSSRF = cfg.Scanner.EnableSSRF
	webhookCfg.FollowRedirects = false
	webhookCfg.UserAgent = cfg.Scanner.UserAgent
	notifiers = append(notifiers, notify.NewWebhookNotifier(httpclient.NewSecureClient(webhookCfg), cfg.Scanner.EnableSSRF))

	return notify.NewDispatcher(log, cfg.Notify.WebhookTimeout*3, notifiers...), nil
}

func (s *services) Close() error {
	return errors.Join(s.telemetry.Close(), s.store.Close())
}
