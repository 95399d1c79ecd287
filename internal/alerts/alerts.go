// Package alerts implements the topic-keyed notification dispatcher.
// Alerts are best effort: delivery failures are logged, never
// propagated, and each (topic, severity) pair is limited to one
// delivered alert per 15 minutes.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chocops/chocofactory/pkg/config"
	"go.uber.org/zap"
)

// Severity tiers for alerts.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Well-known alert topics.
const (
	TopicREEIngestionFailure     = "ree_ingestion_failure"
	TopicWeatherIngestionFailure = "weather_ingestion_failure"
	TopicBackfillCompleted       = "backfill_completed"
	TopicGapDetected             = "gap_detected"
	TopicModelDegradation        = "prophet_model_degradation"
)

// rateLimitWindow is the minimum spacing between two delivered alerts
// for the same (topic, severity) pair.
const rateLimitWindow = 15 * time.Minute

// Sink dispatches alerts to the notification channel.
type Sink interface {
	Send(ctx context.Context, topic string, severity Severity, message string)
}

// NewSink builds the configured sink: Telegram when alerts are enabled,
// a no-op otherwise.
func NewSink(cfg config.AlertsData, logger *zap.SugaredLogger) Sink {
	if !cfg.Enabled || cfg.TelegramToken == "" {
		logger.Info("alerts disabled, using no-op sink")
		return &NoopSink{}
	}
	return NewTelegramSink(cfg, logger)
}

// NoopSink drops everything. Used in local development.
type NoopSink struct{}

func (s *NoopSink) Send(ctx context.Context, topic string, severity Severity, message string) {}

// TelegramSink delivers alerts to a Telegram chat.
type TelegramSink struct {
	endpoint string
	chatID   string
	client   *http.Client
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewTelegramSink creates a Telegram-backed sink.
func NewTelegramSink(cfg config.AlertsData, logger *zap.SugaredLogger) *TelegramSink {
	return &TelegramSink{
		endpoint: fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", cfg.TelegramToken),
		chatID:   cfg.TelegramChatID,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Send delivers one alert, subject to the per-(topic, severity) rate
// limit. Excess alerts are dropped with a log line.
func (s *TelegramSink) Send(ctx context.Context, topic string, severity Severity, message string) {
	if !s.allow(topic, severity) {
		s.logger.Debugf("alert %s/%s rate limited, dropped: %s", topic, severity, message)
		return
	}

	text := fmt.Sprintf("[%s] %s: %s", severity, topic, message)
	payload, err := json.Marshal(map[string]string{
		"chat_id": s.chatID,
		"text":    text,
	})
	if err != nil {
		s.logger.Errorf("marshaling alert payload: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		s.logger.Errorf("building alert request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Errorf("delivering alert %s/%s: %v", topic, severity, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Errorf("alert delivery returned %s for %s/%s", resp.Status, topic, severity)
		return
	}
	s.logger.Infof("alert delivered: %s", text)
}

// allow checks and updates the rate-limit state for a pair.
func (s *TelegramSink) allow(topic string, severity Severity) bool {
	key := topic + "|" + string(severity)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if last, ok := s.lastSent[key]; ok && now.Sub(last) < rateLimitWindow {
		return false
	}
	s.lastSent[key] = now
	return true
}
