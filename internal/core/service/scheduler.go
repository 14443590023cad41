package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cr4342/msearch-sub004/internal/core/domain"
	"github.com/cr4342/msearch-sub004/internal/core/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ExecutorBinding declares how one task type is executed: which pool runs it,
// the executor to invoke, whether the payload receives the adaptive batch
// size, and which model must be resident first. Bindings are registered at
// startup so unknown types fail at submission, not dispatch.
type ExecutorBinding struct {
	Type        string
	Pool        string
	Executor    port.Executor
	Batchable   bool
	ModelType   string
	ModelSizeGB float64
}

// SchedulerOptions carries the optional boundary collaborators.
type SchedulerOptions struct {
	Mirror port.TaskRepository // Best-effort durable mirror of task records
	Events port.EventPublisher // Terminal-state lifecycle events
}

type runningTask struct {
	cancel          context.CancelFunc
	cancelRequested bool
	pauseRequested  bool
}

// TaskScheduler owns task records, priority/cohort ordering and dispatch into
// the worker pools. Task records are mutated only through its API.
type TaskScheduler struct {
	pools     *WorkerPoolSet
	batch     *BatchSizeController
	residency *ModelResidencyManager
	mirror    port.TaskRepository
	events    port.EventPublisher
	log       *zap.Logger

	mu         sync.Mutex
	tasks      map[string]*domain.Task
	pending    map[string][]*domain.Task
	running    map[string]*runningTask
	done       map[string]chan struct{}
	bindings   map[string]ExecutorBinding
	cohortPrio map[string]int // file_id -> sticky max priority while the cohort is live
	cohortLive map[string]int // file_id -> non-terminal member count
	stats      domain.TaskStats
	typeStats  map[string]*domain.TaskStats
	stopped    bool
	started    bool

	wake    map[string]chan struct{}
	runCtx  context.Context
	runStop context.CancelFunc
	loops   sync.WaitGroup
}

func NewTaskScheduler(
	pools *WorkerPoolSet,
	batch *BatchSizeController,
	residency *ModelResidencyManager,
	opts SchedulerOptions,
	log *zap.Logger,
) *TaskScheduler {
	return &TaskScheduler{
		pools:      pools,
		batch:      batch,
		residency:  residency,
		mirror:     opts.Mirror,
		events:     opts.Events,
		log:        log,
		tasks:      make(map[string]*domain.Task),
		pending:    make(map[string][]*domain.Task),
		running:    make(map[string]*runningTask),
		done:       make(map[string]chan struct{}),
		bindings:   make(map[string]ExecutorBinding),
		cohortPrio: make(map[string]int),
		cohortLive: make(map[string]int),
		typeStats:  make(map[string]*domain.TaskStats),
		wake:       make(map[string]chan struct{}),
	}
}

// Register binds a task type to a pool and executor. Must be called before
// Start; an unconfigured pool name fails fast here.
func (s *TaskScheduler) Register(b ExecutorBinding) error {
	if b.Type == "" || b.Executor == nil {
		return fmt.Errorf("executor binding needs a type and an executor")
	}
	if _, ok := s.pools.Pool(b.Pool); !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownPool, b.Pool)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[b.Type] = b
	return nil
}

// Start launches one dispatcher per pool. Dispatchers sleep until woken by a
// submission, a completion, a priority change or a resume.
func (s *TaskScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.runCtx, s.runStop = context.WithCancel(ctx)
	for _, name := range s.pools.Names() {
		s.wake[name] = make(chan struct{}, 1)
		if p, ok := s.pools.Pool(name); ok {
			p.SetFreeHook(func() { s.wakePool(name) })
		}
		s.loops.Add(1)
		go s.dispatchLoop(name)
	}
	s.log.Info("Task scheduler started", zap.Strings("pools", s.pools.Names()))
}

// Stop halts admission. With wait it drains in-flight work before returning;
// otherwise running tasks get cooperative cancellation.
func (s *TaskScheduler) Stop(wait bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	if !started {
		return
	}
	if wait {
		s.pools.Shutdown(true)
		s.runStop()
	} else {
		s.runStop()
		s.pools.Shutdown(false)
	}
	s.loops.Wait()
	s.log.Info("Task scheduler stopped", zap.Bool("waited", wait))
}

// Submit admits a task. Fails with ErrUnknownTaskType for unregistered types,
// ErrQueueFull when the target pool's backlog is at capacity and
// ErrSchedulerStopped after Stop.
func (s *TaskScheduler) Submit(taskType string, payload domain.Payload, priority int) (string, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", domain.ErrSchedulerStopped
	}
	b, ok := s.bindings[taskType]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownTaskType, taskType)
	}
	pool, _ := s.pools.Pool(b.Pool)
	if len(s.pending[b.Pool]) >= pool.QueueCapacity() {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", domain.ErrQueueFull, b.Pool)
	}

	t := &domain.Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Payload:   payload,
		Priority:  priority,
		Status:    domain.TaskStatusPending,
		Pool:      b.Pool,
		CreatedAt: time.Now(),
	}
	s.tasks[t.ID] = t
	s.done[t.ID] = make(chan struct{})
	s.pending[b.Pool] = append(s.pending[b.Pool], t)
	s.stats.Total++
	s.stats.Pending++
	ts := s.typeStatsLocked(taskType)
	ts.Total++
	ts.Pending++
	if fid := payload.FileID(); fid != "" {
		if cur, ok := s.cohortPrio[fid]; !ok || priority > cur {
			s.cohortPrio[fid] = priority
		}
		s.cohortLive[fid]++
	}
	clone := t.Clone()
	s.mu.Unlock()

	s.mirrorSave(clone)
	s.wakePool(b.Pool)
	s.log.Debug("Task submitted",
		zap.String("task_id", clone.ID),
		zap.String("type", taskType),
		zap.Int("priority", priority))
	return clone.ID, nil
}

// Get returns a copy of the task record.
func (s *TaskScheduler) Get(id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return t.Clone(), nil
}

// Wait blocks until the task reaches a terminal state or ctx expires.
func (s *TaskScheduler) Wait(ctx context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	ch, ok := s.done[id]
	s.mu.Unlock()
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ch:
		return s.Get(id)
	}
}

// Cancel removes a pending task before dispatch or signals cooperative
// cancellation to a running one. Terminal and unknown tasks report
// ErrTaskNotFound, so a second cancel never double-counts.
func (s *TaskScheduler) Cancel(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.Status.Terminal() {
		s.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	switch t.Status {
	case domain.TaskStatusPending, domain.TaskStatusPaused:
		s.removePendingLocked(t)
		t.ErrorKind = domain.ErrorKindCancelled
		s.transitionLocked(t, domain.TaskStatusCancelled)
		clone := t.Clone()
		s.mu.Unlock()
		s.mirrorUpdate(clone)
		s.publishEvent(clone)
		s.wakePool(clone.Pool)
		return nil
	default: // running
		rt := s.running[id]
		rt.cancelRequested = true
		rt.cancel()
		s.mu.Unlock()
		return nil
	}
}

// CancelAll cancels every live task. Running tasks are skipped (and counted
// as failed) unless includeRunning is set.
func (s *TaskScheduler) CancelAll(includeRunning bool) domain.CancelResult {
	return s.cancelWhere(includeRunning, func(*domain.Task) bool { return true })
}

// CancelByType cancels live tasks of one type.
func (s *TaskScheduler) CancelByType(taskType string, includeRunning bool) domain.CancelResult {
	return s.cancelWhere(includeRunning, func(t *domain.Task) bool { return t.Type == taskType })
}

func (s *TaskScheduler) cancelWhere(includeRunning bool, match func(*domain.Task) bool) domain.CancelResult {
	var res domain.CancelResult
	var clones []*domain.Task
	pools := map[string]struct{}{}

	s.mu.Lock()
	for _, t := range s.tasks {
		if t.Status.Terminal() || !match(t) {
			continue
		}
		if t.Status == domain.TaskStatusRunning {
			if !includeRunning {
				res.Failed++
				continue
			}
			rt := s.running[t.ID]
			rt.cancelRequested = true
			rt.cancel()
			res.Cancelled++
			continue
		}
		s.removePendingLocked(t)
		t.ErrorKind = domain.ErrorKindCancelled
		s.transitionLocked(t, domain.TaskStatusCancelled)
		clones = append(clones, t.Clone())
		pools[t.Pool] = struct{}{}
		res.Cancelled++
	}
	s.mu.Unlock()

	for _, c := range clones {
		s.mirrorUpdate(c)
		s.publishEvent(c)
	}
	for name := range pools {
		s.wakePool(name)
	}
	return res
}

// SetPriority reprioritizes a live task and refreshes its cohort boost.
func (s *TaskScheduler) SetPriority(id string, priority int) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.Status.Terminal() {
		s.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	t.Priority = priority
	if fid := t.Payload.FileID(); fid != "" {
		s.recomputeCohortLocked(fid)
	}
	pool := t.Pool
	s.mu.Unlock()
	s.wakePool(pool)
	return nil
}

// Pause parks a pending task or asks a running one to yield; the task returns
// to pending via Resume.
func (s *TaskScheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status.Terminal() {
		return domain.ErrTaskNotFound
	}
	switch t.Status {
	case domain.TaskStatusPaused:
		return nil
	case domain.TaskStatusPending:
		s.removePendingLocked(t)
		s.transitionLocked(t, domain.TaskStatusPaused)
		return nil
	default: // running
		rt := s.running[id]
		rt.pauseRequested = true
		rt.cancel()
		return nil
	}
}

// Resume returns a paused task to the pending backlog.
func (s *TaskScheduler) Resume(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.Status.Terminal() {
		s.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	if t.Status != domain.TaskStatusPaused {
		s.mu.Unlock()
		return nil
	}
	s.transitionLocked(t, domain.TaskStatusPending)
	s.pending[t.Pool] = append(s.pending[t.Pool], t)
	pool := t.Pool
	s.mu.Unlock()
	s.wakePool(pool)
	return nil
}

// Stats returns the global status breakdown.
func (s *TaskScheduler) Stats() domain.TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// TypeStats returns the per-type status breakdown.
func (s *TaskScheduler) TypeStats() map[string]domain.TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.TaskStats, len(s.typeStats))
	for k, v := range s.typeStats {
		out[k] = *v
	}
	return out
}

// PoolStats exposes the worker pool snapshots.
func (s *TaskScheduler) PoolStats() map[string]domain.PoolStats {
	return s.pools.Stats()
}

// ---- dispatch ----

func (s *TaskScheduler) dispatchLoop(poolName string) {
	defer s.loops.Done()
	s.mu.Lock()
	wake := s.wake[poolName]
	ctx := s.runCtx
	s.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			s.dispatch(poolName)
		}
	}
}

// dispatch hands runnable tasks to the pool while a worker is free. The
// priority backlog stays on the scheduler side so late high-priority
// submissions still jump ahead.
func (s *TaskScheduler) dispatch(poolName string) {
	pool, ok := s.pools.Pool(poolName)
	if !ok {
		return
	}
	for {
		s.mu.Lock()
		if s.stopped || s.runCtx.Err() != nil {
			s.mu.Unlock()
			return
		}
		if pool.Slack() <= 0 {
			s.mu.Unlock()
			return
		}
		idx := s.nextLocked(poolName)
		if idx < 0 {
			s.mu.Unlock()
			return
		}
		pend := s.pending[poolName]
		t := pend[idx]
		s.pending[poolName] = append(pend[:idx], pend[idx+1:]...)
		s.transitionLocked(t, domain.TaskStatusRunning)
		t.AttemptCount++

		taskCtx, cancel := context.WithCancel(s.runCtx)
		s.running[t.ID] = &runningTask{cancel: cancel}
		b := s.bindings[t.Type]
		payload := t.Clone().Payload
		if payload == nil {
			payload = domain.Payload{}
		}
		if b.Batchable && s.batch != nil {
			payload[domain.PayloadBatchSize] = s.batch.Current()
		}
		clone := t.Clone()
		s.mu.Unlock()

		s.mirrorUpdate(clone)
		id := t.ID
		if _, err := pool.Submit(taskCtx, func(ctx context.Context) {
			s.execute(ctx, id, b, payload)
		}); err != nil {
			// Pool refused after the slack check (shutdown race); put the
			// task back.
			cancel()
			s.mu.Lock()
			delete(s.running, id)
			s.transitionLocked(t, domain.TaskStatusPending)
			t.AttemptCount--
			s.pending[poolName] = append(s.pending[poolName], t)
			s.mu.Unlock()
			return
		}
	}
}

// nextLocked picks the index of the best pending task: highest cohort-boosted
// priority first, FIFO on ties.
func (s *TaskScheduler) nextLocked(poolName string) int {
	best := -1
	var bestEff int
	var bestCreated time.Time
	for i, t := range s.pending[poolName] {
		eff := t.Priority
		if fid := t.Payload.FileID(); fid != "" {
			if cp, ok := s.cohortPrio[fid]; ok && cp > eff {
				eff = cp
			}
		}
		if best < 0 || eff > bestEff || (eff == bestEff && t.CreatedAt.Before(bestCreated)) {
			best = i
			bestEff = eff
			bestCreated = t.CreatedAt
		}
	}
	return best
}

func (s *TaskScheduler) execute(ctx context.Context, id string, b ExecutorBinding, payload domain.Payload) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("executor panic: %v", r)
			}
		}()
		if b.ModelType != "" && s.residency != nil {
			if lerr := s.residency.EnsureLoaded(ctx, b.ModelType, b.ModelSizeGB); lerr != nil {
				err = lerr
				return
			}
		}
		_, err = b.Executor.Run(ctx, payload)
	}()
	s.finish(id, err, ctx)
}

func (s *TaskScheduler) finish(id string, err error, runCtx context.Context) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	rt := s.running[id]
	if !ok || rt == nil {
		s.mu.Unlock()
		return
	}
	delete(s.running, id)
	rt.cancel()

	cancelled := errors.Is(err, context.Canceled) || errors.Is(runCtx.Err(), context.Canceled)
	timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded)

	switch {
	case err == nil:
		s.transitionLocked(t, domain.TaskStatusCompleted)
	case rt.pauseRequested && cancelled:
		s.transitionLocked(t, domain.TaskStatusPaused)
	case timedOut:
		t.Error = err.Error()
		t.ErrorKind = domain.ErrorKindTimeout
		s.transitionLocked(t, domain.TaskStatusFailed)
	case cancelled:
		t.Error = err.Error()
		t.ErrorKind = domain.ErrorKindCancelled
		s.transitionLocked(t, domain.TaskStatusCancelled)
	default:
		t.Error = err.Error()
		t.ErrorKind = domain.ErrorKindExecution
		s.transitionLocked(t, domain.TaskStatusFailed)
	}
	clone := t.Clone()
	s.mu.Unlock()

	s.mirrorUpdate(clone)
	if clone.Status.Terminal() {
		s.publishEvent(clone)
	}
	if clone.Status == domain.TaskStatusFailed {
		s.log.Warn("Task failed",
			zap.String("task_id", clone.ID),
			zap.String("type", clone.Type),
			zap.String("kind", string(clone.ErrorKind)),
			zap.String("error", clone.Error))
	}
	s.wakePool(clone.Pool)
}

// ---- bookkeeping (caller holds s.mu) ----

func (s *TaskScheduler) typeStatsLocked(taskType string) *domain.TaskStats {
	ts, ok := s.typeStats[taskType]
	if !ok {
		ts = &domain.TaskStats{}
		s.typeStats[taskType] = ts
	}
	return ts
}

func (s *TaskScheduler) bucket(stats *domain.TaskStats, status domain.TaskStatus) *int {
	switch status {
	case domain.TaskStatusPending, domain.TaskStatusPaused:
		return &stats.Pending
	case domain.TaskStatusRunning:
		return &stats.Running
	case domain.TaskStatusCompleted:
		return &stats.Completed
	case domain.TaskStatusFailed:
		return &stats.Failed
	default:
		return &stats.Cancelled
	}
}

func (s *TaskScheduler) transitionLocked(t *domain.Task, to domain.TaskStatus) {
	from := t.Status
	*s.bucket(&s.stats, from) -= 1
	*s.bucket(&s.stats, to) += 1
	ts := s.typeStatsLocked(t.Type)
	*s.bucket(ts, from) -= 1
	*s.bucket(ts, to) += 1

	t.Status = to
	now := time.Now()
	switch {
	case to == domain.TaskStatusRunning:
		t.StartedAt = now
	case to.Terminal():
		t.FinishedAt = now
		if ch, ok := s.done[t.ID]; ok {
			close(ch)
		}
		if fid := t.Payload.FileID(); fid != "" {
			s.cohortLive[fid]--
			if s.cohortLive[fid] <= 0 {
				delete(s.cohortLive, fid)
				delete(s.cohortPrio, fid)
			}
		}
	}
}

func (s *TaskScheduler) removePendingLocked(t *domain.Task) {
	pend := s.pending[t.Pool]
	for i, p := range pend {
		if p.ID == t.ID {
			s.pending[t.Pool] = append(pend[:i], pend[i+1:]...)
			return
		}
	}
}

// recomputeCohortLocked rebuilds the sticky boost after a priority change,
// since a lowered member may have been the cohort maximum.
func (s *TaskScheduler) recomputeCohortLocked(fid string) {
	maxPrio := 0
	found := false
	for _, t := range s.tasks {
		if t.Status.Terminal() || t.Payload.FileID() != fid {
			continue
		}
		if !found || t.Priority > maxPrio {
			maxPrio = t.Priority
			found = true
		}
	}
	if found {
		s.cohortPrio[fid] = maxPrio
	} else {
		delete(s.cohortPrio, fid)
	}
}

func (s *TaskScheduler) wakePool(name string) {
	s.mu.Lock()
	ch, ok := s.wake[name]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// ---- boundary side effects (never block the lock, never fail the task) ----

func (s *TaskScheduler) mirrorSave(t *domain.Task) {
	if s.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.mirror.Save(ctx, t); err != nil {
			s.log.Warn("Task mirror save failed", zap.String("task_id", t.ID), zap.Error(err))
		}
	}()
}

func (s *TaskScheduler) mirrorUpdate(t *domain.Task) {
	if s.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.mirror.UpdateStatus(ctx, t); err != nil {
			s.log.Warn("Task mirror update failed", zap.String("task_id", t.ID), zap.Error(err))
		}
	}()
}

func (s *TaskScheduler) publishEvent(t *domain.Task) {
	if s.events == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.events.PublishTaskEvent(ctx, t); err != nil {
			s.log.Warn("Task event publish failed", zap.String("task_id", t.ID), zap.Error(err))
		}
	}()
}
