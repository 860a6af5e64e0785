package checks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/semaphore"

	"git.home.luguber.info/inful/imq/internal/config"
	"git.home.luguber.info/inful/imq/internal/logfields"
	"git.home.luguber.info/inful/imq/internal/store"
)

const (
	// DefaultCacheTTL is how long a memoized check-set result stays valid.
	DefaultCacheTTL = time.Hour
	// DefaultCacheSize caps the memo cache.
	DefaultCacheSize = 1000
)

// CheckObserver receives every terminal check result; the metrics collector
// implements it.
type CheckObserver interface {
	RecordCheck(name, status string, d time.Duration)
}

// Engine drives a check configuration for one PR head: bounded-parallel
// fan-out with dependency ordering, fail-fast cancellation, per-check
// timeouts and a (head SHA, configuration) keyed memo cache.
type Engine struct {
	executors Registry
	cache     *expirable.LRU[string, *ExecutionResult]
	observer  CheckObserver
	logger    *slog.Logger
}

// EngineOptions tune the memo cache. Zero values select the defaults.
type EngineOptions struct {
	CacheTTL  time.Duration
	CacheSize int
}

// NewEngine builds an engine over the given executors.
func NewEngine(executors Registry, opts EngineOptions, observer CheckObserver, logger *slog.Logger) *Engine {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		executors: executors,
		cache:     expirable.NewLRU[string, *ExecutionResult](opts.CacheSize, nil, opts.CacheTTL),
		observer:  observer,
		logger:    logger,
	}
}

// cacheKey scopes memoized results to both the head commit and the exact
// configuration that produced them.
func cacheKey(cfg config.CheckConfiguration, target Target) string {
	return target.HeadSHA + ":" + cfg.Fingerprint()
}

// Run executes the check set for the target. A cached result for the same
// (head SHA, configuration) is returned without spawning any executor.
func (e *Engine) Run(ctx context.Context, cfg config.CheckConfiguration, target Target) (*ExecutionResult, error) {
	if cfg.Empty() {
		return &ExecutionResult{AllPassed: true}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	key := cacheKey(cfg, target)
	if cached, ok := e.cache.Get(key); ok {
		e.logger.Debug("check results served from cache",
			logfields.HeadSHA(target.HeadSHA),
			slog.Bool("all_passed", cached.AllPassed))
		hit := *cached
		hit.Cached = true
		return &hit, nil
	}

	result, err := e.execute(ctx, cfg, target)
	if err != nil {
		return nil, err
	}

	// Results of a run aborted by the caller are not representative; only
	// finished runs are worth memoizing.
	if ctx.Err() == nil {
		e.cache.Add(key, result)
	}
	return result, nil
}

// run state for one check within an execution.
type checkState struct {
	spec    config.CheckSpec
	started bool
	result  *Result
}

// execute fans the set out. The coordinator admits a check once all of its
// dependencies passed, launches it under the semaphore and collects results;
// a non-passed result cancels the remainder when fail-fast is set, and a
// check whose dependency did not pass resolves cancelled without starting.
func (e *Engine) execute(ctx context.Context, cfg config.CheckConfiguration, target Target) (*ExecutionResult, error) {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	sem := semaphore.NewWeighted(cfg.Concurrency())
	states := make(map[string]*checkState, len(cfg.Checks))
	order := make([]string, 0, len(cfg.Checks))
	for _, spec := range cfg.Checks {
		states[spec.ID] = &checkState{spec: spec}
		order = append(order, spec.ID)
	}

	var wg sync.WaitGroup
	done := make(chan *Result, len(cfg.Checks))
	completed := 0
	failFastTripped := false

	for completed < len(states) {
		// Admit everything currently ready.
		for _, id := range order {
			st := states[id]
			if st.started || st.result != nil {
				continue
			}
			switch e.dependencyState(states, st.spec) {
			case depsPassed:
				if failFastTripped {
					st.result = cancelledResult(st.spec)
					done <- st.result
					continue
				}
				st.started = true
				wg.Add(1)
				go func(spec config.CheckSpec) {
					defer wg.Done()
					done <- e.runOne(runCtx, sem, spec, target)
				}(st.spec)
			case depsFailed:
				// A failed dependency makes the check unrunnable.
				st.result = cancelledResult(st.spec)
				done <- st.result
			case depsWaiting:
				if failFastTripped {
					st.result = cancelledResult(st.spec)
					done <- st.result
				}
			}
		}

		res := <-done
		completed++
		st := states[res.CheckID]
		st.result = res
		st.started = true

		if e.observer != nil && res.Status.Terminal() {
			e.observer.RecordCheck(res.Name, string(res.Status), res.Duration)
		}

		if cfg.FailFast && res.Status != store.CheckPassed && !failFastTripped {
			failFastTripped = true
			cancelRun()
		}
	}
	wg.Wait()

	result := &ExecutionResult{Results: make([]*Result, 0, len(order)), AllPassed: true}
	for _, id := range order {
		res := states[id].result
		result.Results = append(result.Results, res)
		if res.Status != store.CheckPassed {
			result.AllPassed = false
			result.FailedChecks = append(result.FailedChecks, res.Name)
		}
	}
	return result, nil
}

type depState int

const (
	depsPassed depState = iota
	depsWaiting
	depsFailed
)

func (e *Engine) dependencyState(states map[string]*checkState, spec config.CheckSpec) depState {
	for _, dep := range spec.DependsOn {
		st := states[dep]
		if st == nil || st.result == nil {
			return depsWaiting
		}
		if st.result.Status != store.CheckPassed {
			return depsFailed
		}
	}
	return depsPassed
}

// runOne executes a single check under the semaphore with its own timeout.
func (e *Engine) runOne(runCtx context.Context, sem *semaphore.Weighted, spec config.CheckSpec, target Target) *Result {
	if err := sem.Acquire(runCtx, 1); err != nil {
		return cancelledResult(spec)
	}
	defer sem.Release(1)

	executor := e.executors[spec.Kind]
	if executor == nil {
		res := cancelledResult(spec)
		res.Status = store.CheckFailed
		res.Output = fmt.Sprintf("no executor for check kind %q", spec.Kind)
		return res
	}

	checkCtx, cancel := context.WithTimeout(runCtx, spec.Timeout())
	defer cancel()

	started := time.Now().UTC()
	e.logger.Debug("check starting", logfields.Check(spec.ID), logfields.CheckKind(string(spec.Kind)))

	res, err := executor.Execute(checkCtx, spec, target)
	if err != nil {
		completed := time.Now().UTC()
		res = &Result{
			CheckID:     spec.ID,
			Name:        spec.DisplayName(),
			Output:      err.Error(),
			StartedAt:   started,
			CompletedAt: completed,
			Duration:    completed.Sub(started),
		}
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			res.Status = store.CheckTimedOut
		case errors.Is(err, context.Canceled):
			res.Status = store.CheckCancelled
		default:
			res.Status = store.CheckFailed
		}
	}
	e.logger.Debug("check finished",
		logfields.Check(spec.ID),
		logfields.Status(string(res.Status)),
		logfields.DurationMS(float64(res.Duration.Milliseconds())))
	return res
}

// cancelledResult resolves a check that never ran. StartedAt stays zero so
// the record does not claim work that never happened.
func cancelledResult(spec config.CheckSpec) *Result {
	return &Result{
		CheckID:     spec.ID,
		Name:        spec.DisplayName(),
		Status:      store.CheckCancelled,
		CompletedAt: time.Now().UTC(),
	}
}

// InvalidateSHA drops every cached result for the given head commit; used
// when the PR head advances.
func (e *Engine) InvalidateSHA(sha string) {
	for _, key := range e.cache.Keys() {
		if len(key) > len(sha) && key[:len(sha)] == sha && key[len(sha)] == ':' {
			e.cache.Remove(key)
		}
	}
}

// CacheLen returns the number of memoized results (diagnostics).
func (e *Engine) CacheLen() int { return e.cache.Len() }
