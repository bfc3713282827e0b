package browser

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// disconnectPollInterval is how often rodHandle polls the control channel
// to detect an unsolicited disconnect. go-rod does not expose a dedicated
// "disconnected" event on *rod.Browser, so this substitutes a lightweight
// heartbeat for the external Browser Handle's disconnected event.
const disconnectPollInterval = 2 * time.Second

// rodPage adapts *rod.Page to the Page interface.
type rodPage struct {
	page *rod.Page
}

func (p *rodPage) Raw() *rod.Page { return p.page }
func (p *rodPage) Close() error   { return p.page.Close() }

// rodHandle adapts go-rod's launcher + browser to the Handle interface.
type rodHandle struct {
	browser *rod.Browser
	process *os.Process

	mu          sync.Mutex
	targetKinds map[proto.TargetID]TargetKind

	disconnectOnce sync.Once
	disconnectFn   func()
	stopPoll       chan struct{}
}

// DefaultLaunchFunc launches a real Chromium instance via go-rod's launcher
// and connects to it over CDP. It is the production LaunchFunc.
func DefaultLaunchFunc(ctx context.Context, opts LaunchOptions) (Handle, error) {
	l := launcher.New().Headless(opts.Headless)
	if opts.UserDataDir != "" {
		l = l.UserDataDir(opts.UserDataDir)
	}
	if opts.Proxy != "" {
		l = l.Proxy(opts.Proxy)
	}
	for _, raw := range opts.Args {
		name := strings.TrimPrefix(strings.TrimPrefix(raw, "--"), "-")
		if idx := strings.IndexByte(name, '='); idx >= 0 {
			l = l.Set(flags.Flag(name[:idx]), name[idx+1:])
		} else if name != "" {
			l = l.Set(flags.Flag(name))
		}
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, err
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, err
	}

	var proc *os.Process
	if pid := l.PID(); pid > 0 {
		if p, err := os.FindProcess(pid); err == nil {
			proc = p
		}
	}

	h := &rodHandle{
		browser:     b,
		process:     proc,
		targetKinds: make(map[proto.TargetID]TargetKind),
		stopPoll:    make(chan struct{}),
	}
	h.trackTargets()
	return h, nil
}

// trackTargets subscribes to target lifecycle events so targetdestroyed
// callbacks (which only carry an id) can be resolved back to a kind.
func (h *rodHandle) trackTargets() {
	go h.browser.EachEvent(
		func(e *proto.TargetTargetCreated) {
			h.mu.Lock()
			h.targetKinds[e.TargetInfo.TargetID] = TargetKind(e.TargetInfo.Type)
			h.mu.Unlock()
		},
		func(e *proto.TargetTargetInfoChanged) {
			h.mu.Lock()
			h.targetKinds[e.TargetInfo.TargetID] = TargetKind(e.TargetInfo.Type)
			h.mu.Unlock()
		},
	)()
}

func (h *rodHandle) NewPage(ctx context.Context) (Page, error) {
	p, err := stealth.Page(h.browser)
	if err != nil {
		return nil, err
	}
	return &rodPage{page: p}, nil
}

func (h *rodHandle) Pages(ctx context.Context) ([]Page, error) {
	pages, err := h.browser.Pages()
	if err != nil {
		return nil, err
	}
	out := make([]Page, 0, len(pages))
	for _, p := range pages {
		out = append(out, &rodPage{page: p})
	}
	return out, nil
}

func (h *rodHandle) Close() error {
	close(h.stopPoll)
	return h.browser.Close()
}

func (h *rodHandle) Process() *os.Process { return h.process }

func (h *rodHandle) Raw() *rod.Browser { return h.browser }

func (h *rodHandle) OnDisconnected(fn func()) {
	h.disconnectFn = fn
	go h.pollForDisconnect()
}

func (h *rodHandle) pollForDisconnect() {
	ticker := time.NewTicker(disconnectPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopPoll:
			return
		case <-ticker.C:
			if _, err := proto.BrowserGetVersion{}.Call(h.browser); err != nil {
				h.disconnectOnce.Do(func() {
					if h.disconnectFn != nil {
						h.disconnectFn()
					}
				})
				return
			}
		}
	}
}

func (h *rodHandle) OnTargetDestroyed(fn func(kind TargetKind)) {
	go h.browser.EachEvent(func(e *proto.TargetTargetDestroyed) {
		h.mu.Lock()
		kind, ok := h.targetKinds[e.TargetID]
		delete(h.targetKinds, e.TargetID)
		h.mu.Unlock()
		if !ok {
			kind = TargetKindUnknown
		}
		fn(kind)
	})()
}

var _ Handle = (*rodHandle)(nil)
