// Package alert defines the outbound alert contract for the safety kernel.
//
// Delivery transports (Telegram, Discord, pager) live outside the kernel;
// the kernel only requires that emitting an alert can never block or fail a
// state transition.
package alert

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Level grades alert urgency.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Alert is one outbound notification.
type Alert struct {
	Level   Level          `json:"level"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Alerter delivers alerts. Implementations must not block the caller.
type Alerter interface {
	EmitAlert(level Level, message string, details map[string]any)
}

// LogAlerter writes alerts to the structured log. It is the sim-mode default
// and the fallback when no transport is configured.
type LogAlerter struct{}

func (LogAlerter) EmitAlert(level Level, message string, details map[string]any) {
	evt := log.Warn()
	if level == LevelCritical {
		evt = log.Error()
	} else if level == LevelInfo {
		evt = log.Info()
	}
	evt.Str("alert_level", string(level)).Fields(details).Msg(message)
}

// ChannelAlerter fans alerts out to a consumer goroutine through a buffered
// channel. When the buffer is full the alert is dropped and counted rather
// than blocking the emitting transition.
type ChannelAlerter struct {
	ch      chan Alert
	dropped atomic.Int64
}

// NewChannelAlerter creates an alerter with the given buffer capacity.
func NewChannelAlerter(buffer int) *ChannelAlerter {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelAlerter{ch: make(chan Alert, buffer)}
}

func (a *ChannelAlerter) EmitAlert(level Level, message string, details map[string]any) {
	select {
	case a.ch <- Alert{Level: level, Message: message, Details: details}:
	default:
		a.dropped.Add(1)
		log.Error().Str("alert_level", string(level)).Msg("alert buffer full, alert dropped: " + message)
	}
}

// Alerts exposes the delivery channel for the consuming transport.
func (a *ChannelAlerter) Alerts() <-chan Alert { return a.ch }

// Dropped reports how many alerts were discarded due to a full buffer.
func (a *ChannelAlerter) Dropped() int64 { return a.dropped.Load() }

// Func adapts a function to the Alerter interface.
type Func func(level Level, message string, details map[string]any)

func (f Func) EmitAlert(level Level, message string, details map[string]any) {
	f(level, message, details)
}
