package browser

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog"

	"github.com/browserpoolgo/flaresolverr-go/internal/config"
	"github.com/browserpoolgo/flaresolverr-go/internal/types"
)

// fakePage is a Page substitute that never touches a real browser; Raw
// returns nil, matching the contract pool.go relies on to skip
// crash-watching for non-rod pages.
type fakePage struct {
	owner  *fakeHandle
	closed bool
}

func (p *fakePage) Raw() *rod.Page { return nil }

func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

var _ Page = (*fakePage)(nil)

// fakeHandle is a controllable Handle substitute: it tracks open pages and
// lets tests fire disconnect/targetDestroyed callbacks synchronously,
// without a real CDP connection.
type fakeHandle struct {
	mu                   sync.Mutex
	pages                []*fakePage
	pageCountOverride    int
	hasPageCountOverride bool
	closed               bool
	onDisconnectedFn     func()
	onTargetDestroyedFn  func(kind TargetKind)
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{}
}

func (h *fakeHandle) NewPage(ctx context.Context) (Page, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := &fakePage{owner: h}
	h.pages = append(h.pages, p)
	return p, nil
}

func (h *fakeHandle) Pages(ctx context.Context) ([]Page, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hasPageCountOverride {
		out := make([]Page, h.pageCountOverride)
		for i := range out {
			out[i] = &fakePage{owner: h}
		}
		return out, nil
	}
	out := make([]Page, 0, len(h.pages))
	for _, p := range h.pages {
		if !p.closed {
			out = append(out, p)
		}
	}
	return out, nil
}

// setPageCount pins what Pages() reports, for reap scenarios that don't want
// to thread real page bookkeeping through the test.
func (h *fakeHandle) setPageCount(n int) {
	h.mu.Lock()
	h.pageCountOverride, h.hasPageCountOverride = n, true
	h.mu.Unlock()
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) Process() *os.Process { return nil }

func (h *fakeHandle) Raw() *rod.Browser { return nil }

func (h *fakeHandle) OnDisconnected(fn func()) {
	h.mu.Lock()
	h.onDisconnectedFn = fn
	h.mu.Unlock()
}

func (h *fakeHandle) triggerDisconnect() {
	h.mu.Lock()
	fn := h.onDisconnectedFn
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (h *fakeHandle) OnTargetDestroyed(fn func(kind TargetKind)) {
	h.mu.Lock()
	h.onTargetDestroyedFn = fn
	h.mu.Unlock()
}

func (h *fakeHandle) triggerTargetDestroyed(kind TargetKind) {
	h.mu.Lock()
	fn := h.onTargetDestroyedFn
	h.mu.Unlock()
	if fn != nil {
		fn(kind)
	}
}

var _ Handle = (*fakeHandle)(nil)

// fakeLauncher produces fakeHandles, letting tests control launch errors and
// inspect the LaunchOptions (notably launch args) each launch received.
type fakeLauncher struct {
	mu      sync.Mutex
	handles []*fakeHandle
	opts    []LaunchOptions
	nextErr error
}

func (l *fakeLauncher) launch(ctx context.Context, opts LaunchOptions) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts = append(l.opts, opts)
	if l.nextErr != nil {
		err := l.nextErr
		l.nextErr = nil
		return nil, err
	}
	h := newFakeHandle()
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) handleAt(i int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[i]
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

func (l *fakeLauncher) optsAt(i int) LaunchOptions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opts[i]
}

// threadSafeBuffer wraps bytes.Buffer with a mutex so it can back a zerolog
// writer read concurrently with log emission.
type threadSafeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *threadSafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *threadSafeBuffer) Contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), s)
}

func (b *threadSafeBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *threadSafeBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// testConfig returns a minimal config for fake-launcher-backed pool tests.
// InstanceKillerInterval/KillInstanceAfter are set far out so the real
// reaper ticker never fires mid-test; reap scenarios call reapTick directly.
func testConfig() *config.Config {
	return &config.Config{
		Headless:                        true,
		MaxOpenPagesPerInstance:         50,
		RetireInstanceAfterRequestCount: 100,
		InstanceKillerInterval:          time.Hour,
		KillInstanceAfter:               time.Hour,
	}
}

func newTestPool(t *testing.T, cfg *config.Config, launcher *fakeLauncher, extra ...Option) *Pool {
	t.Helper()
	opts := append([]Option{WithLaunchFunc(launcher.launch)}, extra...)
	pool, err := NewPool(cfg, opts...)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(pool.Destroy)
	return pool
}

func (p *Pool) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *Pool) retiredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.retired)
}

func (p *Pool) activeIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int64, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}

// --- Scenarios (SPEC_FULL.md §8) ---

func TestScenario_SaturationTriggersLaunch(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOpenPagesPerInstance = 2
	launcher := &fakeLauncher{}
	pool := newTestPool(t, cfg, launcher)
	ctx := context.Background()

	pg1, err := pool.allocatePage(ctx)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	pg2, err := pool.allocatePage(ctx)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	pg3, err := pool.allocatePage(ctx)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}

	if got := launcher.count(); got != 2 {
		t.Fatalf("expected exactly 2 launches, got %d", got)
	}
	inst0, inst1 := launcher.handleAt(0), launcher.handleAt(1)

	if pg1.(*fakePage).owner != inst0 || pg2.(*fakePage).owner != inst0 {
		t.Error("expected first two pages attributed to instance 0")
	}
	if pg3.(*fakePage).owner != inst1 {
		t.Error("expected third page attributed to instance 1")
	}
}

func TestScenario_LifetimeRetirement(t *testing.T) {
	cfg := testConfig()
	cfg.RetireInstanceAfterRequestCount = 3
	cfg.MaxOpenPagesPerInstance = 10
	launcher := &fakeLauncher{}
	pool := newTestPool(t, cfg, launcher)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := pool.allocatePage(ctx); err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
	}
	if pool.retiredCount() != 1 || pool.activeCount() != 0 {
		t.Fatalf("expected instance 0 retired after 3rd call, active=%d retired=%d",
			pool.activeCount(), pool.retiredCount())
	}

	if _, err := pool.allocatePage(ctx); err != nil {
		t.Fatalf("page 4: %v", err)
	}
	if got := launcher.count(); got != 2 {
		t.Fatalf("expected 4th call to launch instance 1, got %d total launches", got)
	}
	if pool.activeCount() != 1 {
		t.Fatalf("expected instance 1 active, got %d", pool.activeCount())
	}
}

func TestScenario_IdleReap(t *testing.T) {
	cfg := testConfig()
	cfg.KillInstanceAfter = 100 * time.Millisecond
	cfg.InstanceKillerInterval = 10 * time.Millisecond
	launcher := &fakeLauncher{}

	now := time.Now()
	pool := newTestPool(t, cfg, launcher, WithClock(func() time.Time { return now }))

	ctx := context.Background()
	if _, err := pool.allocatePage(ctx); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	id := pool.activeIDs()[0]
	pool.retireByID(id)

	now = now.Add(150 * time.Millisecond)
	pool.reapTick()

	if pool.retiredCount() != 0 {
		t.Errorf("expected instance reaped out of retired, got %d remaining", pool.retiredCount())
	}
	if !launcher.handleAt(0).isClosed() {
		t.Error("expected browser close to have been invoked")
	}
}

func TestScenario_EmptyTabReap(t *testing.T) {
	cfg := testConfig()
	cfg.KillInstanceAfter = time.Hour // idle timeout must not be the trigger here
	launcher := &fakeLauncher{}

	now := time.Now()
	pool := newTestPool(t, cfg, launcher, WithClock(func() time.Time { return now }))

	ctx := context.Background()
	if _, err := pool.allocatePage(ctx); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	id := pool.activeIDs()[0]
	launcher.handleAt(0).setPageCount(1) // blank tab only
	pool.retireByID(id)

	pool.reapTick()

	if pool.retiredCount() != 0 {
		t.Errorf("expected instance reaped after one tick, got %d remaining", pool.retiredCount())
	}
	if !launcher.handleAt(0).isClosed() {
		t.Error("expected browser close to have been invoked")
	}
}

func TestScenario_DisconnectAutoRetires(t *testing.T) {
	cfg := testConfig()
	launcher := &fakeLauncher{}
	var logBuf threadSafeBuffer
	logger := zerolog.New(&logBuf)
	pool := newTestPool(t, cfg, launcher, WithLogger(logger))

	ctx := context.Background()
	if _, err := pool.allocatePage(ctx); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	launcher.handleAt(0).triggerDisconnect()

	if pool.activeCount() != 0 || pool.retiredCount() != 1 {
		t.Fatalf("expected instance moved active->retired, active=%d retired=%d",
			pool.activeCount(), pool.retiredCount())
	}
	if !logBuf.Contains(`"level":"error"`) {
		t.Error("expected an error-severity log record for the unsolicited disconnect")
	}

	logBuf.Reset()
	launcher.handleAt(0).triggerDisconnect()
	if logBuf.Len() != 0 {
		t.Error("expected no additional log on a second disconnect after the instance already left active")
	}
}

func TestScenario_CacheRecyclingRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.Headless = false
	cfg.RecycleDiskCache = true
	launcher := &fakeLauncher{}
	pool := newTestPool(t, cfg, launcher)
	ctx := context.Background()

	if _, err := pool.allocatePage(ctx); err != nil {
		t.Fatalf("launch A: %v", err)
	}
	idA := pool.activeIDs()[0]

	pool.mu.Lock()
	dirA := pool.active[idA].cacheDir
	pool.mu.Unlock()
	if dirA == "" {
		t.Fatal("expected a fresh cache directory to have been created for instance A")
	}
	if _, err := os.Stat(dirA); err != nil {
		t.Fatalf("expected cache dir to exist on disk: %v", err)
	}

	pool.retireByID(idA)
	pool.killProcedure(idA)

	if _, err := pool.allocatePage(ctx); err != nil {
		t.Fatalf("launch B: %v", err)
	}
	bOpts := launcher.optsAt(1)
	if !containsArg(bOpts.Args, cacheDirArg(dirA)) {
		t.Errorf("expected instance B's launch args to reuse A's cache dir %q, got %v", dirA, bOpts.Args)
	}

	pool.Destroy()
	if _, err := os.Stat(dirA); !os.IsNotExist(err) {
		t.Errorf("expected cache dir %q to be removed after destroy, stat err=%v", dirA, err)
	}
}

func containsArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

// --- Invariants / property tests ---

func TestInvariant_ActiveRetiredDisjoint(t *testing.T) {
	cfg := testConfig()
	cfg.RetireInstanceAfterRequestCount = 2
	cfg.MaxOpenPagesPerInstance = 10
	launcher := &fakeLauncher{}
	pool := newTestPool(t, cfg, launcher)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, err := pool.allocatePage(ctx); err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()
	for id := range pool.active {
		if _, retired := pool.retired[id]; retired {
			t.Errorf("instance %d present in both active and retired", id)
		}
	}
}

func TestInvariant_ActiveTotalPagesBelowCap(t *testing.T) {
	cfg := testConfig()
	cfg.RetireInstanceAfterRequestCount = 3
	cfg.MaxOpenPagesPerInstance = 10
	launcher := &fakeLauncher{}
	pool := newTestPool(t, cfg, launcher)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if _, err := pool.allocatePage(ctx); err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()
	for id, inst := range pool.active {
		if inst.totalPages >= cfg.RetireInstanceAfterRequestCount {
			t.Errorf("active instance %d has totalPages=%d >= cap %d", id, inst.totalPages, cfg.RetireInstanceAfterRequestCount)
		}
	}
}

func TestInvariant_NoCacheDirSurvivesDestroy(t *testing.T) {
	cfg := testConfig()
	cfg.Headless = false
	cfg.RecycleDiskCache = true
	cfg.MaxOpenPagesPerInstance = 1 // force one instance per page
	launcher := &fakeLauncher{}
	pool := newTestPool(t, cfg, launcher)
	ctx := context.Background()

	var dirs []string
	for i := 0; i < 3; i++ {
		if _, err := pool.allocatePage(ctx); err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
	}
	pool.mu.Lock()
	for _, inst := range pool.active {
		dirs = append(dirs, inst.cacheDir)
	}
	pool.mu.Unlock()

	pool.Destroy()

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("expected cache dir %q removed after destroy, stat err=%v", dir, err)
		}
	}
}

func TestInvariant_NewPageNeverReturnsSameObjectTwice(t *testing.T) {
	cfg := testConfig()
	launcher := &fakeLauncher{}
	pool := newTestPool(t, cfg, launcher)
	ctx := context.Background()

	seen := make(map[Page]bool)
	for i := 0; i < 5; i++ {
		pg, err := pool.allocatePage(ctx)
		if err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
		if seen[pg] {
			t.Fatalf("page %d reused a prior Page object", i)
		}
		seen[pg] = true
	}
}

// --- Round-trip / idempotence ---

func TestIdempotent_RetireTwiceIsNoOp(t *testing.T) {
	cfg := testConfig()
	launcher := &fakeLauncher{}
	pool := newTestPool(t, cfg, launcher)
	ctx := context.Background()

	if _, err := pool.allocatePage(ctx); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	id := pool.activeIDs()[0]

	pool.retireByID(id)
	pool.retireByID(id)

	if pool.retiredCount() != 1 {
		t.Errorf("expected exactly 1 retired instance after double retire, got %d", pool.retiredCount())
	}
}

func TestIdempotent_DestroyTwiceIsSafe(t *testing.T) {
	cfg := testConfig()
	launcher := &fakeLauncher{}
	pool := newTestPool(t, cfg, launcher)
	ctx := context.Background()

	if _, err := pool.allocatePage(ctx); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	pool.Destroy()
	pool.Destroy() // must not panic or block
}

func TestIdempotent_RecycleConsumesExactlyOneFIFOEntry(t *testing.T) {
	log := zerolog.Nop()
	r := newDiskCacheRecycler(log)
	r.put("/tmp/a")
	r.put("/tmp/b")

	path, ok := r.take()
	if !ok || path != "/tmp/a" {
		t.Fatalf("expected to take the oldest entry /tmp/a, got %q ok=%v", path, ok)
	}
	if len(r.queue) != 1 {
		t.Fatalf("expected exactly one FIFO entry consumed, queue has %d left", len(r.queue))
	}
}

// --- Pool lifecycle / closed-pool behavior ---

func TestPool_AllocatePageAfterDestroyFails(t *testing.T) {
	cfg := testConfig()
	launcher := &fakeLauncher{}
	pool := newTestPool(t, cfg, launcher)
	pool.Destroy()

	_, err := pool.allocatePage(context.Background())
	if err != types.ErrBrowserPoolClosed {
		t.Errorf("expected ErrBrowserPoolClosed, got %v", err)
	}
}

func TestPool_Stats(t *testing.T) {
	cfg := testConfig()
	launcher := &fakeLauncher{}
	pool := newTestPool(t, cfg, launcher)
	ctx := context.Background()

	if _, err := pool.allocatePage(ctx); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := pool.allocatePage(ctx); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	stats := pool.Stats()
	if stats.Launched != 1 {
		t.Errorf("expected 1 launch, got %d", stats.Launched)
	}
	if stats.PagesOpened != 0 {
		// NewPage (not allocatePage) increments PagesOpened; allocatePage is
		// the lower-level call these tests use to work with fakes directly.
		t.Errorf("expected PagesOpened to stay 0 via allocatePage, got %d", stats.PagesOpened)
	}
}

// --- Concurrency ---

func TestPool_ConcurrentAllocatePage(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOpenPagesPerInstance = 1000
	launcher := &fakeLauncher{}
	pool := newTestPool(t, cfg, launcher)

	const numGoroutines = 10
	const iterations = 5

	var wg sync.WaitGroup
	errCh := make(chan error, numGoroutines*iterations)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				if _, err := pool.allocatePage(context.Background()); err != nil {
					errCh <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("unexpected error during concurrent allocation: %v", err)
	}

	// All 50 pages should have landed on a single instance given the high cap.
	if launcher.count() != 1 {
		t.Errorf("expected all concurrent allocations to share one instance, got %d launches", launcher.count())
	}
}

// --- Benchmarks ---

func BenchmarkPool_AllocatePage(b *testing.B) {
	cfg := testConfig()
	cfg.MaxOpenPagesPerInstance = 1000000
	launcher := &fakeLauncher{}
	pool, err := NewPool(cfg, WithLaunchFunc(launcher.launch))
	if err != nil {
		b.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Destroy()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := pool.allocatePage(ctx); err != nil {
			b.Fatalf("allocate: %v", err)
		}
	}
}

func BenchmarkPool_ConcurrentAllocatePage(b *testing.B) {
	cfg := testConfig()
	cfg.MaxOpenPagesPerInstance = 1000000
	launcher := &fakeLauncher{}
	pool, err := NewPool(cfg, WithLaunchFunc(launcher.launch))
	if err != nil {
		b.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Destroy()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		for pb.Next() {
			if _, err := pool.allocatePage(ctx); err != nil {
				b.Fatalf("allocate: %v", err)
			}
		}
	})
}
