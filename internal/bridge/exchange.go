package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/provision-runner/internal/domain"
)

// exchange correlates outgoing requests with incoming responses. It is
// transport-agnostic: send writes a message, deliver feeds one back in.
type exchange struct {
	send         func(Message) error
	readyTimeout time.Duration
	log          *slog.Logger

	// slot serializes requests so only one is ever in flight
	slot chan struct{}

	mu      sync.Mutex
	waiting *waiter
}

type waiter struct {
	wantType  string
	requestID string
	ch        chan Message
	failed    chan error
}

func newExchange(send func(Message) error, readyTimeout time.Duration, logger *slog.Logger) *exchange {
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &exchange{
		send:         send,
		readyTimeout: readyTimeout,
		log:          logger,
		slot:         make(chan struct{}, 1),
	}
}

func (x *exchange) Ping(ctx context.Context) error {
	_, err := x.request(ctx, Message{Type: TypePing}, TypeReady, x.readyTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (x *exchange) Run(ctx context.Context, payload domain.BotPayload, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	msg := Message{Type: TypeRun, RequestID: uuid.New().String(), Payload: &payload}
	resp, err := x.request(ctx, msg, TypeResult, timeout)
	if err != nil {
		return nil, err
	}
	return &Result{OK: resp.OK, Logs: resp.Logs, Error: resp.Error, Href: resp.Href}, nil
}

var (
	errNoResponse   = errors.New("no response")
	errDisconnected = errors.New("extension disconnected")
)

func (x *exchange) request(ctx context.Context, msg Message, wantType string, timeout time.Duration) (Message, error) {
	select {
	case x.slot <- struct{}{}:
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
	defer func() { <-x.slot }()

	w := &waiter{
		wantType:  wantType,
		requestID: msg.RequestID,
		ch:        make(chan Message, 1),
		failed:    make(chan error, 1),
	}
	x.mu.Lock()
	x.waiting = w
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		x.waiting = nil
		x.mu.Unlock()
	}()

	if err := x.send(msg); err != nil {
		return Message{}, fmt.Errorf("send %s: %w", msg.Type, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-w.ch:
		return resp, nil
	case err := <-w.failed:
		return Message{}, fmt.Errorf("%s: %w", msg.Type, err)
	case <-timer.C:
		return Message{}, fmt.Errorf("%s: %w within %s", msg.Type, errNoResponse, timeout)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// deliver hands an incoming message to the waiting request. Messages that
// match no request, such as late results for a timed-out run, are dropped.
func (x *exchange) deliver(msg Message) {
	x.mu.Lock()
	w := x.waiting
	matched := w != nil && msg.Type == w.wantType && (w.requestID == "" || msg.RequestID == w.requestID)
	if matched {
		x.waiting = nil
	}
	x.mu.Unlock()

	if !matched {
		x.log.Debug("bridge: dropping uncorrelated message", "type", msg.Type, "request_id", msg.RequestID)
		return
	}
	w.ch <- msg
}

// fail ends the waiting request with err. The transport calls it when the
// connection carrying the request goes away.
func (x *exchange) fail(err error) {
	x.mu.Lock()
	w := x.waiting
	x.waiting = nil
	x.mu.Unlock()
	if w != nil {
		w.failed <- err
	}
}
