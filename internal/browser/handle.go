package browser

import (
	"context"
	"os"

	"github.com/go-rod/rod"
)

// TargetKind classifies a CDP target for the purposes of active-page
// accounting. Only Page and Other targets count against an instance's
// activePages; everything else (service workers, background pages, ...) is
// ignored.
type TargetKind string

const (
	TargetKindPage            TargetKind = "page"
	TargetKindOther           TargetKind = "other"
	TargetKindServiceWorker   TargetKind = "service_worker"
	TargetKindBackgroundPage  TargetKind = "background_page"
	TargetKindSharedWorker    TargetKind = "shared_worker"
	TargetKindBrowser         TargetKind = "browser"
	TargetKindUnknown         TargetKind = "unknown"
)

// accountable reports whether a target of this kind is counted against an
// instance's activePages (a `page` or `other` target, per the spec).
func (k TargetKind) accountable() bool {
	return k == TargetKindPage || k == TargetKindOther
}

// Page is a page allocated from a Handle. Raw exposes the underlying
// *rod.Page for callers that need the full CDP page API; it is nil for
// fakes used in pool unit tests.
type Page interface {
	Raw() *rod.Page
	Close() error
}

// Handle is the Browser Handle external collaborator: a connected control
// interface to a headless browser subprocess. The production implementation
// (rodHandle, in rod_handle.go) wraps a go-rod launcher and browser; tests
// substitute a fake.
type Handle interface {
	// NewPage opens a new page against this browser.
	NewPage(ctx context.Context) (Page, error)
	// Pages lists the browser's currently open pages.
	Pages(ctx context.Context) ([]Page, error)
	// Close requests an orderly shutdown of the browser.
	Close() error
	// Process returns the OS handle to the browser's child process, or nil
	// if the browser never connected (launch failed before a PID existed).
	Process() *os.Process
	// OnDisconnected registers fn to run when the browser's control channel
	// drops unexpectedly. Called at most once.
	OnDisconnected(fn func())
	// OnTargetDestroyed registers fn to run whenever any target in this
	// browser is destroyed, classified by kind.
	OnTargetDestroyed(fn func(kind TargetKind))
	// Raw exposes the underlying *rod.Browser for callers that need the full
	// CDP browser API outside the pool (a per-request dedicated browser). Nil
	// for fakes used in pool unit tests.
	Raw() *rod.Browser
}

// LaunchOptions is the opaque record passed to LaunchFunc. The pool clones
// it (and its nested Args slice) before every launch so callers can reuse
// one LaunchOptions value across many instances without risking mutation.
type LaunchOptions struct {
	Headless    bool
	Args        []string
	Proxy       string
	UserDataDir string
}

// Clone returns a deep copy safe to mutate independently of the receiver.
func (o LaunchOptions) Clone() LaunchOptions {
	clone := o
	clone.Args = append([]string(nil), o.Args...)
	return clone
}

// LaunchFunc launches a new browser from the given options and returns a
// connected Handle. It is the Browser Launcher external collaborator.
type LaunchFunc func(ctx context.Context, opts LaunchOptions) (Handle, error)
