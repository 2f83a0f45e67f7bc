package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const bindingName = "__provctlBridge"

// listenerScript relays extension responses posted on the page back to Go
const listenerScript = `
if (!window.__provctlBridgeInstalled) {
	window.__provctlBridgeInstalled = true;
	window.addEventListener("message", (e) => {
		if (e.source !== window || !e.data) return;
		const t = e.data.type;
		if (t === "BRIDGE_READY" || t === "BOT_RESULT") {
			window.` + bindingName + `(JSON.stringify(e.data));
		}
	});
}`

// RodConfig configures a RodBridge
type RodConfig struct {
	// RemoteURL is the DevTools WebSocket URL of a running browser. Empty
	// launches a local one.
	RemoteURL string
	// ExtensionDir is loaded unpacked into a launched browser.
	ExtensionDir string
	// PageURL is the same-origin page the extension listens on.
	PageURL  string
	Headless bool
	// Stealth masks automation markers before the page loads
	Stealth      bool
	ReadyTimeout time.Duration
	Logger       *slog.Logger
}

// RodBridge exchanges bridge messages through window.postMessage in a page
// controlled over the DevTools protocol.
type RodBridge struct {
	cfg     RodConfig
	browser *rod.Browser
	page    *rod.Page
	lnch    *launcher.Launcher
	cancel  context.CancelFunc
	*exchange
}

// NewRodBridge opens PageURL and installs the response relay
func NewRodBridge(ctx context.Context, cfg RodConfig) (*RodBridge, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PageURL == "" {
		return nil, fmt.Errorf("bridge: page url is required")
	}
	log := cfg.Logger

	rb := &RodBridge{cfg: cfg}

	wsURL := cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(cfg.Headless)
		if cfg.ExtensionDir != "" {
			l = l.Set("load-extension", cfg.ExtensionDir).
				Set("disable-extensions-except", cfg.ExtensionDir)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("bridge: launch: %w", err)
		}
		wsURL = u
		rb.lnch = l
		log.Info("bridge: launched local browser", "url", wsURL)
	} else {
		log.Info("bridge: connecting to remote browser", "url", wsURL)
	}

	rb.browser = rod.New().ControlURL(wsURL)
	if err := rb.browser.Connect(); err != nil {
		rb.Close()
		return nil, fmt.Errorf("bridge: connect: %w", err)
	}

	page, err := rb.openPage(ctx)
	if err != nil {
		rb.Close()
		return nil, fmt.Errorf("bridge: open %s: %w", cfg.PageURL, err)
	}
	rb.page = page
	if err := page.Context(ctx).WaitLoad(); err != nil {
		log.Warn("bridge: wait load", "url", cfg.PageURL, "error", err)
	}

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		rb.Close()
		return nil, fmt.Errorf("bridge: add binding: %w", err)
	}
	if _, err := page.EvalOnNewDocument(listenerScript); err != nil {
		log.Warn("bridge: install relay on new documents", "error", err)
	}
	if _, err := page.Eval(`() => {` + listenerScript + `}`); err != nil {
		rb.Close()
		return nil, fmt.Errorf("bridge: install relay: %w", err)
	}

	rb.exchange = newExchange(rb.post, cfg.ReadyTimeout, log)

	listenCtx, cancel := context.WithCancel(ctx)
	rb.cancel = cancel
	go page.Context(listenCtx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		var msg Message
		if err := json.Unmarshal([]byte(e.Payload), &msg); err != nil {
			log.Warn("bridge: parse relayed message", "error", err)
			return
		}
		rb.deliver(msg)
	})()

	return rb, nil
}

func (rb *RodBridge) openPage(ctx context.Context) (*rod.Page, error) {
	if !rb.cfg.Stealth {
		return rb.browser.Page(proto.TargetCreateTarget{URL: rb.cfg.PageURL})
	}
	page, err := stealth.Page(rb.browser)
	if err != nil {
		return nil, err
	}
	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := page.Context(navCtx).Navigate(rb.cfg.PageURL); err != nil {
		page.Close()
		return nil, err
	}
	return page, nil
}

func (rb *RodBridge) post(msg Message) error {
	_, err := rb.page.Eval(`(m) => window.postMessage(m, window.location.origin)`, msg)
	return err
}

// Close closes the page and browser, and kills a launched browser
func (rb *RodBridge) Close() error {
	if rb.cancel != nil {
		rb.cancel()
	}
	if rb.page != nil {
		rb.page.Close()
	}
	if rb.browser != nil {
		rb.browser.Close()
	}
	if rb.lnch != nil {
		rb.lnch.Cleanup()
	}
	return nil
}
