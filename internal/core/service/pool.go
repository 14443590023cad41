package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cr4342/msearch-sub004/internal/core/domain"
	"go.uber.org/zap"
)

// Canonical pool names. The three pools are isolated because their workloads
// have incompatible resource profiles: embedding is accelerator-bound and
// capped tightly, io blocks on external latency and tolerates high
// concurrency, preprocess sits between the two.
const (
	PoolEmbedding  = "embedding"
	PoolIO         = "io"
	PoolPreprocess = "preprocess"
)

// PoolConfig describes one bounded execution pool.
type PoolConfig struct {
	Name          string        `mapstructure:"name"`
	MinWorkers    int           `mapstructure:"min_workers"`
	MaxWorkers    int           `mapstructure:"max_workers"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
}

// DefaultPoolConfigs returns the fixed pool set used when config omits pools.
func DefaultPoolConfigs() []PoolConfig {
	return []PoolConfig{
		{Name: PoolEmbedding, MinWorkers: 1, MaxWorkers: 2, QueueCapacity: 64, TaskTimeout: 10 * time.Minute},
		{Name: PoolIO, MinWorkers: 2, MaxWorkers: 8, QueueCapacity: 256, TaskTimeout: 2 * time.Minute},
		{Name: PoolPreprocess, MinWorkers: 1, MaxWorkers: 4, QueueCapacity: 128, TaskTimeout: 5 * time.Minute},
	}
}

// UnitOfWork is the opaque callable a pool worker executes. The context
// carries the pool task timeout and cooperative cancellation.
type UnitOfWork func(ctx context.Context)

// Handle tracks one submitted unit.
type Handle struct {
	done chan struct{}
}

// Done is closed when the unit has finished executing.
func (h *Handle) Done() <-chan struct{} { return h.done }

type poolUnit struct {
	ctx    context.Context
	fn     UnitOfWork
	handle *Handle
}

// WorkerPool is a single named bounded pool. Workers are long-lived: the pool
// starts MinWorkers up front and grows on demand up to MaxWorkers, never
// shrinking until shutdown.
type WorkerPool struct {
	cfg PoolConfig
	log *zap.Logger

	mu       sync.Mutex
	queue    chan *poolUnit
	stopped  bool
	live     int
	freeHook func()

	active  atomic.Int32
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

func newWorkerPool(cfg PoolConfig, log *zap.Logger) *WorkerPool {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.MinWorkers < 0 {
		cfg.MinWorkers = 0
	}
	if cfg.MinWorkers > cfg.MaxWorkers {
		cfg.MinWorkers = cfg.MaxWorkers
	}
	if cfg.QueueCapacity < cfg.MaxWorkers {
		cfg.QueueCapacity = cfg.MaxWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		cfg:     cfg,
		log:     log.With(zap.String("pool", cfg.Name)),
		queue:   make(chan *poolUnit, cfg.QueueCapacity),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		p.spawnLocked()
	}
	return p
}

// spawnLocked starts one worker. Caller holds p.mu (or is the constructor).
func (p *WorkerPool) spawnLocked() {
	p.live++
	p.wg.Add(1)
	go p.worker()
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for u := range p.queue {
		p.active.Add(1)
		p.runUnit(u)
		p.active.Add(-1)
		p.mu.Lock()
		hook := p.freeHook
		p.mu.Unlock()
		if hook != nil {
			hook()
		}
	}
}

// SetFreeHook registers fn to run after each completed unit, once the worker
// no longer counts as active. Dispatchers use it to learn that Slack grew.
func (p *WorkerPool) SetFreeHook(fn func()) {
	p.mu.Lock()
	p.freeHook = fn
	p.mu.Unlock()
}

func (p *WorkerPool) runUnit(u *poolUnit) {
	defer close(u.handle.done)
	defer func() {
		// A unit must never take down its worker.
		if r := recover(); r != nil {
			p.log.Error("unit of work panicked", zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithCancel(u.ctx)
	defer cancel()
	// Propagate pool shutdown into the unit's context.
	stop := context.AfterFunc(p.baseCtx, cancel)
	defer stop()

	if p.cfg.TaskTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer tcancel()
	}
	u.fn(ctx)
}

// Submit enqueues a unit without blocking. It fails with ErrQueueFull when the
// admission queue is at capacity and ErrSchedulerStopped after shutdown.
func (p *WorkerPool) Submit(ctx context.Context, fn UnitOfWork) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	u := &poolUnit{ctx: ctx, fn: fn, handle: &Handle{done: make(chan struct{})}}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, domain.ErrSchedulerStopped
	}
	select {
	case p.queue <- u:
	default:
		return nil, domain.ErrQueueFull
	}
	// Grow toward MaxWorkers while work is waiting.
	if p.live < p.cfg.MaxWorkers && len(p.queue) > 0 {
		p.spawnLocked()
	}
	return u.handle, nil
}

// QueueCapacity returns the configured admission bound.
func (p *WorkerPool) QueueCapacity() int { return p.cfg.QueueCapacity }

// Slack reports how many more units the pool can take before a worker would
// not be immediately available. Advisory: the dispatcher uses it to keep the
// priority backlog on the scheduler side.
func (p *WorkerPool) Slack() int {
	return p.cfg.MaxWorkers - int(p.active.Load()) - len(p.queue)
}

// Stats returns a point-in-time snapshot.
func (p *WorkerPool) Stats() domain.PoolStats {
	return domain.PoolStats{
		Name:          p.cfg.Name,
		MaxWorkers:    p.cfg.MaxWorkers,
		ActiveWorkers: int(p.active.Load()),
		Queued:        len(p.queue),
	}
}

// Shutdown stops admission. With wait it blocks until queued and in-flight
// units drain; otherwise it requests cooperative cancellation and returns.
func (p *WorkerPool) Shutdown(wait bool) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		if wait {
			p.wg.Wait()
		}
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	if wait {
		p.wg.Wait()
		p.cancel()
		return
	}
	p.cancel()
}

// WorkerPoolSet is the fixed collection of named pools, created once at
// startup and torn down at shutdown.
type WorkerPoolSet struct {
	pools map[string]*WorkerPool
	log   *zap.Logger
}

// NewWorkerPoolSet builds every configured pool and starts their minimum
// workers.
func NewWorkerPoolSet(cfgs []PoolConfig, log *zap.Logger) *WorkerPoolSet {
	if len(cfgs) == 0 {
		cfgs = DefaultPoolConfigs()
	}
	s := &WorkerPoolSet{
		pools: make(map[string]*WorkerPool, len(cfgs)),
		log:   log,
	}
	for _, cfg := range cfgs {
		s.pools[cfg.Name] = newWorkerPool(cfg, log)
	}
	return s
}

// Names returns the configured pool names, sorted.
func (s *WorkerPoolSet) Names() []string {
	names := make([]string, 0, len(s.pools))
	for name := range s.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pool looks up a pool by name.
func (s *WorkerPoolSet) Pool(name string) (*WorkerPool, bool) {
	p, ok := s.pools[name]
	return p, ok
}

// Submit routes a unit to the named pool. Fails with ErrUnknownPool for
// unconfigured names.
func (s *WorkerPoolSet) Submit(ctx context.Context, poolName string, fn UnitOfWork) (*Handle, error) {
	p, ok := s.pools[poolName]
	if !ok {
		return nil, domain.ErrUnknownPool
	}
	return p.Submit(ctx, fn)
}

// Stats returns a snapshot per pool, ordered by name lookup of the caller.
func (s *WorkerPoolSet) Stats() map[string]domain.PoolStats {
	out := make(map[string]domain.PoolStats, len(s.pools))
	for name, p := range s.pools {
		out[name] = p.Stats()
	}
	return out
}

// Shutdown stops every pool. With wait it drains them sequentially.
func (s *WorkerPoolSet) Shutdown(wait bool) {
	for _, p := range s.pools {
		p.Shutdown(wait)
	}
	s.log.Info("worker pools stopped", zap.Bool("waited", wait))
}
