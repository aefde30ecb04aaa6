package alerting

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oi-bucket-tracker/internal/config"
	"github.com/oi-bucket-tracker/internal/signals"
)

const sendTimeout = 10 * time.Second

// Notifier delivers one formatted message to a chat channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, message string) error
}

type Manager struct {
	config     config.AlertingConfig
	signalChan <-chan signals.Signal
	notifiers  []Notifier
	logger     zerolog.Logger
	now        func() time.Time
	cooldown   map[string]time.Time
	mu         sync.RWMutex
	sends      sync.WaitGroup
}

// NewManager builds the notifiers that have credentials configured. A
// Telegram bot that fails to authorize is logged and skipped.
func NewManager(cfg config.AlertingConfig, signalChan <-chan signals.Signal, logger zerolog.Logger) *Manager {
	logger = logger.With().Str("component", "alerting").Logger()
	var notifiers []Notifier

	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, NewSlackClient(cfg.SlackWebhookURL))
	}

	if cfg.DiscordWebhookURL != "" {
		notifiers = append(notifiers, NewDiscordClient(cfg.DiscordWebhookURL))
	}

	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := NewTelegramClient(cfg.TelegramToken, cfg.TelegramChatID, "", &http.Client{Timeout: 30 * time.Second})
		if err != nil {
			logger.Warn().Err(err).Msg("Telegram notifier disabled")
		} else {
			notifiers = append(notifiers, tg)
		}
	}

	return newManager(cfg, signalChan, logger, notifiers...)
}

func newManager(cfg config.AlertingConfig, signalChan <-chan signals.Signal, logger zerolog.Logger, notifiers ...Notifier) *Manager {
	return &Manager{
		config:     cfg,
		signalChan: signalChan,
		notifiers:  notifiers,
		logger:     logger,
		now:        time.Now,
		cooldown:   make(map[string]time.Time),
	}
}

func (m *Manager) Run(ctx context.Context) error {
	if !m.config.Enabled || len(m.notifiers) == 0 {
		m.logger.Info().Msg("Alert delivery disabled")
		return nil
	}
	defer m.sends.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case signal, ok := <-m.signalChan:
			if !ok {
				return nil
			}
			if signal.Metadata.ThresholdCrossed {
				m.handleSignal(ctx, signal)
			}
		}
	}
}

func (m *Manager) handleSignal(ctx context.Context, signal signals.Signal) {
	// Check cooldown
	key := signal.Index + ":" + string(signal.Type)
	now := m.now()
	m.mu.Lock()
	lastAlert, inCooldown := m.cooldown[key]
	if inCooldown && now.Sub(lastAlert) < config.Seconds(m.config.AlertCooldownSecs) {
		m.mu.Unlock()
		return
	}
	m.cooldown[key] = now
	m.mu.Unlock()

	message := m.formatSignalMessage(signal)

	for _, n := range m.notifiers {
		m.sends.Add(1)
		go func(n Notifier) {
			defer m.sends.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
			defer cancel()
			if err := n.Send(sendCtx, message); err != nil {
				m.logger.Warn().Err(err).Str("notifier", n.Name()).Str("index", signal.Index).Msg("Failed to deliver alert")
			}
		}(n)
	}
}

func (m *Manager) formatSignalMessage(signal signals.Signal) string {
	var msg string

	switch signal.Type {
	case signals.SignalTypeVerdict:
		if v := signal.Verdict; v != nil {
			msg = fmt.Sprintf("🧭 **Verdict Changed**\n"+
				"Index: %s\n"+
				"Direction: %s\n"+
				"Bullish/Bearish: %.1f%% / %.1f%%\n"+
				"Confidence: %.0f%%",
				signal.Index,
				v.Direction,
				v.BullishPct, v.BearishPct,
				v.ConfidenceFactor,
			)
		}

	case signals.SignalTypeLevelShift:
		msg = fmt.Sprintf("📐 **Level Shift**\n"+
			"Index: %s\n"+
			"%s",
			signal.Index,
			signal.Message,
		)

	case signals.SignalTypePCRTrend, signals.SignalTypePCRExtreme:
		msg = fmt.Sprintf("⚖️ **PCR Alert**\n"+
			"Index: %s\n"+
			"%s\n"+
			"Value: %.2f",
			signal.Index,
			signal.Message,
			signal.Value,
		)

	case signals.SignalTypeTradeSetup:
		if s := signal.Setup; s != nil {
			msg = fmt.Sprintf("🎯 **Trade Setup**\n"+
				"Index: %s\n"+
				"Bias: %s (%s)\n"+
				"Entry: %d%s @ %s\n"+
				"Stop: %s  Target: %s\n"+
				"Confidence: %d%%",
				signal.Index,
				s.Bias, s.Strategy,
				s.EntryStrike, s.EntryType, s.EntryPrice,
				s.StopLoss, s.Target,
				s.Confidence,
			)
		}
	}

	if msg == "" {
		msg = fmt.Sprintf("Signal: %s on %s (Value: %.2f)", signal.Type, signal.Index, signal.Value)
	}

	return msg
}
