// Package bridge exchanges request/response messages with the browser
// extension that drives the external account-setup page. Requests are
// correlated by id and at most one is in flight at a time.
package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/hochfrequenz/provision-runner/internal/domain"
)

// Message type constants
const (
	TypePing   = "BRIDGE_PING"
	TypeReady  = "BRIDGE_READY"
	TypeRun    = "BOT_RUN"
	TypeResult = "BOT_RESULT"
)

const (
	DefaultReadyTimeout = 4 * time.Second
	DefaultRunTimeout   = 25 * time.Minute
)

// ErrUnavailable means no extension answered the ready check
var ErrUnavailable = errors.New("automation bridge not detected")

// Message is the single wire shape for every bridge message
type Message struct {
	Type      string             `json:"type"`
	RequestID string             `json:"requestId,omitempty"`
	Payload   *domain.BotPayload `json:"payload,omitempty"`
	OK        bool               `json:"ok,omitempty"`
	Logs      []string           `json:"logs,omitempty"`
	Error     string             `json:"error,omitempty"`
	Href      string             `json:"href,omitempty"`
}

// Result is the extension's answer to a BOT_RUN request
type Result struct {
	OK    bool
	Logs  []string
	Error string
	Href  string
}

// Bridge is the request/response channel to the automation extension
type Bridge interface {
	// Ping returns ErrUnavailable unless the extension answers within the
	// ready timeout.
	Ping(ctx context.Context) error
	// Run sends one BOT_RUN request and waits for its correlated result.
	// timeout <= 0 uses DefaultRunTimeout.
	Run(ctx context.Context, payload domain.BotPayload, timeout time.Duration) (*Result, error)
}
