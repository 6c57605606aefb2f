package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  config.LoggerConfig
		wantErr bool
	}{
		{
			name:    "valid json config",
			config:  config.LoggerConfig{Level: "debug", Format: "json"},
			wantErr: false,
		},
		{
			name:    "valid console config",
			config:  config.LoggerConfig{Level: "info", Format: "console"},
			wantErr: false,
		},
		{
			name:    "invalid level",
			config:  config.LoggerConfig{Level: "invalid", Format: "json"},
			wantErr: true,
		},
		{
			name:    "empty config uses defaults",
			config:  config.LoggerConfig{},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func TestDerivedLoggers(t *testing.T) {
	logger, err := New(config.LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	derived := []*Logger{
		logger.WithComponent("scheduler"),
		logger.WithTarget("https://example.com"),
		logger.WithScanID("scan-12345"),
		logger.WithWebsite("site-1"),
		logger.WithFields("key", "value"),
		logger.WithContext(context.Background()),
	}
	for _, l := range derived {
		require.NotNil(t, l)
		l.Infow("derived logger", "ok", true)
	}
}

func TestStartFinishOperation(t *testing.T) {
	logger, err := New(config.LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	ctx, span := logger.StartOperation(context.Background(), "fingerprint", "target", "https://example.com")
	assert.NotNil(t, ctx)
	assert.NotNil(t, span)

	assert.NotPanics(t, func() {
		logger.FinishOperation(ctx, span, "fingerprint", time.Now(), errors.New("boom"))
	})
}

func TestHelpersDoNotPanic(t *testing.T) {
	logger := NewNop()
	ctx := context.Background()

	assert.NotPanics(t, func() {
		logger.LogError(ctx, nil, "noop")
		logger.LogError(ctx, errors.New("failed"), "probe")
		logger.LogPanic(ctx, "kaboom", "axis.plugins")
		logger.LogDuration(ctx, "batch", time.Now())
		logger.LogHTTPRequest(ctx, "GET", "https://example.com/", 503, time.Millisecond)
		logger.LogDatabaseOperation(ctx, "insert", "scans", 1, time.Millisecond)
		logger.LogVulnerability(ctx, map[string]interface{}{"severity": "HIGH", "slug": "contact-form-7"})
	})
}

func TestLoggerConcurrency(t *testing.T) {
	logger, err := New(config.LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func(id int) {
			logger.Infow("concurrent log", "goroutine", id)
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
