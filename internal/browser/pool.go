// Package browser implements the dynamically-sized browser pool: a fleet of
// headless Chromium processes multiplexed over page requests, recycled
// after a bounded amount of use, and torn down in an orderly fashion on
// shutdown or interrupt.
package browser

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/browserpoolgo/flaresolverr-go/internal/config"
	"github.com/browserpoolgo/flaresolverr-go/internal/types"
)

// Fixed timeouts from the spec; neither is user-configurable.
const (
	// pageCloseKillTimeout is the grace period between a retired instance's
	// last page closing and the instance being torn down, so the
	// event-originating close can finish first.
	pageCloseKillTimeout = 1000 * time.Millisecond
	// processKillTimeout is the max wait between requesting an orderly
	// browser close and hard-killing the child process.
	processKillTimeout = 5000 * time.Millisecond
)

// Options configures a Pool. NewPool builds it from the application's
// env-driven configuration via OptionsFromConfig; of its fields, only
// LaunchFn can then be overridden, with the WithLaunchFunc Option.
type Options struct {
	MaxOpenPagesPerInstance         int
	RetireInstanceAfterRequestCount int
	InstanceKillerInterval          time.Duration
	KillInstanceAfter               time.Duration
	RecycleDiskCache                bool
	LaunchFn                        LaunchFunc
	LaunchOptions                   LaunchOptions
}

// OptionsFromConfig translates the application config into pool Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxOpenPagesPerInstance:         cfg.MaxOpenPagesPerInstance,
		RetireInstanceAfterRequestCount: cfg.RetireInstanceAfterRequestCount,
		InstanceKillerInterval:          cfg.InstanceKillerInterval,
		KillInstanceAfter:               cfg.KillInstanceAfter,
		RecycleDiskCache:                cfg.RecycleDiskCache,
		LaunchFn:                        DefaultLaunchFunc,
		LaunchOptions: LaunchOptions{
			Headless: cfg.Headless,
			Proxy:    cfg.ProxyURL,
		},
	}
}

// Stats is a point-in-time snapshot of pool counters, exposed for health
// checks and metrics.
type Stats struct {
	Active       int
	Retired      int
	PagesOpened  int64
	Launched     int64
	Killed       int64
	LaunchErrors int64
}

// Option customizes a Pool at construction time.
type Option func(*Pool)

// WithLaunchFunc overrides the Browser Launcher, primarily for tests.
func WithLaunchFunc(fn LaunchFunc) Option {
	return func(p *Pool) { p.opts.LaunchFn = fn }
}

// WithLogger overrides the pool's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithClock overrides the pool's notion of "now", for deterministic tests of
// the reaper and idle-based retirement.
func WithClock(fn func() time.Time) Option {
	return func(p *Pool) { p.nowFn = fn }
}

// Pool is the Pool Controller: the public surface of the browser pool.
type Pool struct {
	mu      sync.Mutex
	active  map[int64]*instance
	retired map[int64]*instance
	nextID  int64
	cache   *diskCacheRecycler
	closed  bool

	opts Options
	log  zerolog.Logger

	nowFn func() time.Time

	reaperStop chan struct{}
	reaperDone chan struct{}

	sigCh         chan os.Signal
	interruptDone chan struct{}

	pagesOpened  int64
	launched     int64
	killedCount  int64
	launchErrors int64
}

// NewPool constructs a Pool from the application config and starts its
// reaper and interrupt hook. Callers must call Destroy to release resources.
func NewPool(cfg *config.Config, extra ...Option) (*Pool, error) {
	opts := OptionsFromConfig(cfg)
	if opts.MaxOpenPagesPerInstance < 1 {
		return nil, fmt.Errorf("maxOpenPagesPerInstance must be positive")
	}

	p := &Pool{
		active:  make(map[int64]*instance),
		retired: make(map[int64]*instance),
		opts:    opts,
		log:     log.Logger,
		nowFn:   time.Now,
	}
	if opts.RecycleDiskCache {
		p.cache = newDiskCacheRecycler(p.log)
	}
	for _, o := range extra {
		o(p)
	}

	p.log.Info().
		Int("max_open_pages_per_instance", p.opts.MaxOpenPagesPerInstance).
		Int("retire_instance_after_request_count", p.opts.RetireInstanceAfterRequestCount).
		Dur("instance_killer_interval", p.opts.InstanceKillerInterval).
		Dur("kill_instance_after", p.opts.KillInstanceAfter).
		Bool("recycle_disk_cache", p.opts.RecycleDiskCache).
		Msg("browser pool starting")

	p.startReaper()
	p.installInterruptHook()
	return p, nil
}

func (p *Pool) now() time.Time { return p.nowFn() }

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{Active: len(p.active), Retired: len(p.retired)}
	p.mu.Unlock()
	s.PagesOpened = atomic.LoadInt64(&p.pagesOpened)
	s.Launched = atomic.LoadInt64(&p.launched)
	s.Killed = atomic.LoadInt64(&p.killedCount)
	s.LaunchErrors = atomic.LoadInt64(&p.launchErrors)
	return s
}

// NewPage selects an eligible active instance (or launches one), allocates
// a page against it, and returns it. See SPEC_FULL.md §4.1 "newPage".
func (p *Pool) NewPage(ctx context.Context) (*rod.Page, error) {
	pg, err := p.allocatePage(ctx)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&p.pagesOpened, 1)
	raw := pg.Raw()
	if raw != nil {
		watchPageCrash(raw, p.log)
	}
	return raw, nil
}

// SpawnWithProxy launches a standalone browser outside the pool, using the
// pool's launch configuration with proxyURL substituted in. It is for
// per-request proxies, which must not be shared across pooled instances;
// the caller owns the returned browser's lifecycle and must close it.
func (p *Pool) SpawnWithProxy(ctx context.Context, proxyURL string) (*rod.Browser, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, types.ErrBrowserPoolClosed
	}
	launchFn := p.opts.LaunchFn
	opts := p.opts.LaunchOptions.Clone()
	p.mu.Unlock()

	opts.Proxy = proxyURL
	h, err := launchFn(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInstanceLaunchFailed, err)
	}
	return h.Raw(), nil
}

func (p *Pool) allocatePage(ctx context.Context) (Page, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, types.ErrBrowserPoolClosed
	}

	candidate := p.selectCandidateLocked()
	if candidate == nil {
		candidate = p.launchInstanceLocked(ctx)
	}

	candidate.totalPages++
	candidate.activePages++
	candidate.lastPageOpenedAt = p.now()
	id := candidate.id

	if candidate.totalPages >= p.opts.RetireInstanceAfterRequestCount {
		if _, stillActive := p.active[id]; stillActive {
			delete(p.active, id)
			p.retired[id] = candidate
			p.log.Debug().Int64("instance_id", id).Msg("instance retired: lifetime page cap reached")
		}
	}
	p.mu.Unlock()

	<-candidate.ready
	if candidate.launchErr != nil {
		p.retireByID(id)
		return nil, fmt.Errorf("%w: %v", types.ErrInstanceLaunchFailed, candidate.launchErr)
	}

	pg, err := candidate.handle.NewPage(ctx)
	if err != nil {
		p.retireByID(id)
		return nil, fmt.Errorf("%w: %v", types.ErrPageCreationFailed, err)
	}
	return pg, nil
}

// selectCandidateLocked implements "last wins" among eligible active
// instances, iterating in ascending id order for deterministic behavior
// (see SPEC_FULL.md §9, second Open Question).
func (p *Pool) selectCandidateLocked() *instance {
	ids := make([]int64, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var candidate *instance
	for _, id := range ids {
		inst := p.active[id]
		if inst.eligible(p.opts.MaxOpenPagesPerInstance) {
			candidate = inst
		}
	}
	return candidate
}

// launchInstanceLocked creates a new Instance Record, inserts it into
// active before the launch is awaited, and kicks off the launch in the
// background. Caller must hold p.mu.
func (p *Pool) launchInstanceLocked(ctx context.Context) *instance {
	p.nextID++
	id := p.nextID
	inst := newInstance(id)
	p.active[id] = inst
	go p.runLaunch(ctx, inst)
	return inst
}

// Retire locates the active instance whose eventual Browser Handle is the
// given *rod.Browser (identity comparison) and moves it to retired. A miss
// (already retired, or unknown) is a silent no-op.
func (p *Pool) Retire(b *rod.Browser) {
	p.mu.Lock()
	var id int64
	var found bool
	for instID, inst := range p.active {
		rh, ok := inst.handle.(*rodHandle)
		if ok && rh.browser == b {
			id, found = instID, true
			break
		}
	}
	if found {
		inst := p.active[id]
		delete(p.active, id)
		p.retired[id] = inst
	}
	p.mu.Unlock()
}

func (p *Pool) retireByID(id int64) {
	p.mu.Lock()
	if inst, ok := p.active[id]; ok {
		delete(p.active, id)
		p.retired[id] = inst
	}
	p.mu.Unlock()
}

// Destroy cancels the reaper, unsubscribes the interrupt hook, closes every
// instance (waiting out any in-flight launch first), and sweeps every cache
// directory the pool ever owned. It never surfaces an error; it always
// succeeds from the caller's perspective, and is safe to call more than
// once.
func (p *Pool) Destroy() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	insts := make([]*instance, 0, len(p.active)+len(p.retired))
	for _, inst := range p.active {
		insts = append(insts, inst)
	}
	for _, inst := range p.retired {
		insts = append(insts, inst)
	}
	p.active = make(map[int64]*instance)
	p.retired = make(map[int64]*instance)
	p.mu.Unlock()

	p.stopReaper()
	p.stopInterruptHook()

	var g errgroup.Group
	for _, inst := range insts {
		inst := inst
		g.Go(func() error {
			<-inst.ready
			p.destroyInstance(inst)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	if p.cache != nil {
		p.cache.drain()
	}
	for _, inst := range insts {
		if inst.cacheDir != "" {
			p.log.Debug().Int64("instance_id", inst.id).Str("path", inst.cacheDir).Msg("deleting orphaned cache directory at destroy")
			_ = os.RemoveAll(inst.cacheDir)
			inst.cacheDir = ""
		}
	}
	p.mu.Unlock()

	p.log.Info().Msg("browser pool destroyed")
}

// destroyInstance performs the simple close-only teardown used by Destroy:
// mark killed, orderly close, recycle the cache dir. Unlike killProcedure
// there is no competing hard-kill timer — destroy is already waiting
// synchronously for every instance to settle.
func (p *Pool) destroyInstance(inst *instance) {
	if inst.launchErr != nil || inst.handle == nil {
		return
	}
	p.mu.Lock()
	already := inst.killed
	inst.killed = true
	p.mu.Unlock()
	if already {
		return
	}
	if err := inst.handle.Close(); err != nil {
		p.log.Warn().Err(err).Int64("instance_id", inst.id).Msg("orderly browser close failed during destroy")
	}
	atomic.AddInt64(&p.killedCount, 1)

	p.mu.Lock()
	dir := inst.cacheDir
	inst.cacheDir = ""
	if dir != "" && p.cache != nil {
		p.cache.put(dir)
	}
	p.mu.Unlock()
}

// runLaunch performs the blocking launch (clone options, reserve/create a
// cache directory, invoke the launcher, wire event subscriptions) off the
// caller's goroutine, then resolves inst. Grounded in §4.2 Instance Launch.
func (p *Pool) runLaunch(ctx context.Context, inst *instance) {
	opts := p.opts.LaunchOptions.Clone()

	var cacheDir string
	if p.cache != nil {
		p.mu.Lock()
		dir, reused := p.cache.take()
		p.mu.Unlock()
		if reused {
			cacheDir = dir
		} else if fresh, err := p.cache.fresh(); err != nil {
			p.log.Warn().Err(err).Msg("failed to create disk cache directory; launching without cache recycling for this instance")
		} else {
			cacheDir = fresh
		}
		if cacheDir != "" {
			opts.Args = append(opts.Args, cacheDirArg(cacheDir))
		}
	}

	h, err := p.opts.LaunchFn(ctx, opts)
	if err != nil {
		atomic.AddInt64(&p.launchErrors, 1)
		p.log.Error().Err(err).Int64("instance_id", inst.id).Msg("browser launch failed")
		p.mu.Lock()
		inst.cacheDir = cacheDir
		delete(p.active, inst.id)
		delete(p.retired, inst.id)
		inst.resolve(nil, err)
		p.mu.Unlock()
		if cacheDir != "" {
			p.mu.Lock()
			if p.cache != nil {
				p.cache.put(cacheDir)
			}
			inst.cacheDir = ""
			p.mu.Unlock()
		}
		return
	}

	id := inst.id
	h.OnDisconnected(func() { p.onDisconnected(id) })
	h.OnTargetDestroyed(func(kind TargetKind) {
		if kind.accountable() {
			p.onTargetDestroyed(id)
		}
	})

	p.mu.Lock()
	inst.process = h.Process()
	inst.cacheDir = cacheDir
	p.mu.Unlock()
	inst.resolve(h, nil)

	atomic.AddInt64(&p.launched, 1)
	p.log.Debug().Int64("instance_id", id).Msg("browser launched")
}

// onDisconnected handles an unsolicited disconnected event: Active -> Retired,
// unless this instance was already killed by us (in which case it's expected
// and silenced).
func (p *Pool) onDisconnected(id int64) {
	p.mu.Lock()
	inst, ok := p.active[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	if inst.killed {
		p.mu.Unlock()
		return
	}
	delete(p.active, id)
	p.retired[id] = inst
	p.mu.Unlock()

	p.log.Error().Int64("instance_id", id).Msg("browser disconnected unexpectedly")
}

// onTargetDestroyed decrements activePages for an accountable target kind
// and, if the instance is retired and now empty, schedules a grace-delayed
// kill.
func (p *Pool) onTargetDestroyed(id int64) {
	p.mu.Lock()
	inst, ok := p.active[id]
	if !ok {
		inst, ok = p.retired[id]
	}
	if !ok {
		p.mu.Unlock()
		return
	}
	if inst.activePages > 0 {
		inst.activePages--
	}
	_, isRetired := p.retired[id]
	schedule := isRetired && inst.activePages == 0 && !inst.killScheduled
	if schedule {
		inst.killScheduled = true
	}
	p.mu.Unlock()

	if schedule {
		time.AfterFunc(pageCloseKillTimeout, func() { p.killProcedure(id) })
	}
}

// killProcedure implements §4.1's "Kill procedure": an unconditional
// hard-kill timer races an orderly close, both funnelling into an idempotent
// cache-directory recycle.
func (p *Pool) killProcedure(id int64) {
	p.mu.Lock()
	inst, ok := p.retired[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.retired, id)
	p.mu.Unlock()

	var once sync.Once
	recycle := func() {
		once.Do(func() {
			p.mu.Lock()
			dir := inst.cacheDir
			inst.cacheDir = ""
			if dir != "" && p.cache != nil {
				p.cache.put(dir)
			}
			p.mu.Unlock()
		})
	}

	time.AfterFunc(processKillTimeout, func() {
		if inst.process != nil {
			_ = inst.process.Kill()
		}
		recycle()
	})

	<-inst.ready
	if inst.launchErr == nil && inst.handle != nil {
		p.mu.Lock()
		already := inst.killed
		inst.killed = true
		p.mu.Unlock()
		if !already {
			if err := inst.handle.Close(); err != nil {
				p.log.Warn().Err(err).Int64("instance_id", id).Msg("orderly browser close failed")
			}
		}
	}
	recycle()
	atomic.AddInt64(&p.killedCount, 1)
	p.log.Debug().Int64("instance_id", id).Msg("instance killed")
}
