package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultConcurrency is the number of batch inputs processed at once.
	DefaultConcurrency = 16

	// DefaultTimeout bounds a single rule evaluation.
	DefaultTimeout = 5 * time.Second
)

// ExecutorConfig holds executor defaults. Per-call BatchOptions override them.
type ExecutorConfig struct {
	Concurrency int
	Timeout     time.Duration
}

// Executor runs resolved rule sets against inputs.
type Executor struct {
	cache   *CacheManager
	cfg     ExecutorConfig
	logger  zerolog.Logger
	metrics *engineMetrics
}

// NewExecutor creates an executor reading rules through cache.
func NewExecutor(cache *CacheManager, cfg ExecutorConfig, logger zerolog.Logger) (*Executor, error) {
	if cache == nil {
		return nil, configErr("executor requires a cache manager")
	}
	if cfg.Concurrency < 0 {
		return nil, configErr("concurrency must not be negative, got %d", cfg.Concurrency)
	}
	if cfg.Timeout < 0 {
		return nil, configErr("timeout must not be negative, got %s", cfg.Timeout)
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Executor{
		cache:  cache,
		cfg:    cfg,
		logger: logger.With().Str("component", "executor").Logger(),
	}, nil
}

// ExecuteOne evaluates a single rule against input. Failures are returned as
// *RuleExecutionError wrapping the cause.
func (e *Executor) ExecuteOne(ctx context.Context, ruleID string, input map[string]any) (Output, error) {
	return e.evaluate(ctx, ruleID, input, e.cfg.Timeout)
}

// Execute resolves selector and runs the resulting rules against one input
// in the selector's mode. When ContinueOnError is false and a rule failed,
// the partial result is returned together with a *BatchError once in-flight
// rules have finished.
func (e *Executor) Execute(ctx context.Context, selector RuleSelector, input map[string]any, opts BatchOptions) (RuleSetResult, error) {
	if err := e.validate(selector, opts); err != nil {
		return RuleSetResult{}, err
	}
	ids, err := Resolve(selector, e.cache.Store())
	if err != nil {
		return RuleSetResult{}, err
	}

	run := e.runRuleSet(ctx, ids, selector.Mode, input, opts)
	if !opts.continueOnError() && run.first != nil {
		return run.result, &BatchError{First: run.first, Affected: len(run.result.Errors)}
	}
	return run.result, nil
}

// ExecuteBatch runs the selector against every input with bounded
// concurrency. Results are ordered by input index. When ContinueOnError is
// false, the first failed input stops scheduling of further inputs, which
// stay StatusPending; inputs already running finish normally.
func (e *Executor) ExecuteBatch(ctx context.Context, inputs []map[string]any, selector RuleSelector, opts BatchOptions) ([]ExecutionResult, error) {
	if err := e.validate(selector, opts); err != nil {
		return nil, err
	}
	ids, err := Resolve(selector, e.cache.Store())
	if err != nil {
		return nil, err
	}

	limit := opts.ConcurrencyLimit
	if limit == 0 {
		limit = e.cfg.Concurrency
	}
	continueOnError := opts.continueOnError()
	batchID := uuid.NewString()
	logger := e.logger.With().Str("batch_id", batchID).Logger()
	start := time.Now()

	logger.Debug().
		Int("inputs", len(inputs)).
		Int("rules", len(ids)).
		Str("mode", string(modeOrDefault(selector.Mode))).
		Int("concurrency", limit).
		Msg("batch started")

	results := make([]ExecutionResult, len(inputs))
	for i := range results {
		results[i] = ExecutionResult{
			InputIndex: i,
			Results:    map[string]Output{},
			Status:     StatusPending,
		}
	}

	var (
		stop     atomic.Bool
		firstMu  sync.Mutex
		firstErr error
	)
	g := new(errgroup.Group)
	g.SetLimit(limit)

	for i := range inputs {
		if stop.Load() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if stop.Load() {
				return nil
			}
			run := e.runRuleSet(ctx, ids, selector.Mode, inputs[i], opts)
			results[i] = run.executionResult(i, len(ids), continueOnError)

			if run.first != nil && !continueOnError {
				firstMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("input %d: %w", i, run.first)
				}
				firstMu.Unlock()
				stop.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Status == StatusFailed || r.Status == StatusPartiallyFailed {
			failed++
		}
	}
	elapsed := time.Since(start)
	e.metrics.observeBatch(elapsed, len(inputs))

	logger.Info().
		Int("inputs", len(inputs)).
		Int("failed", failed).
		Dur("duration", elapsed).
		Msg("batch completed")

	if firstErr != nil {
		return results, &BatchError{First: firstErr, Affected: failed}
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func (e *Executor) validate(selector RuleSelector, opts BatchOptions) error {
	if !selector.Mode.Valid() {
		return configErr("unknown execution mode %q", selector.Mode)
	}
	if opts.ConcurrencyLimit < 0 {
		return configErr("concurrency limit must not be negative, got %d", opts.ConcurrencyLimit)
	}
	if opts.Timeout < 0 {
		return configErr("timeout must not be negative, got %s", opts.Timeout)
	}
	return nil
}

// ruleSetRun collects the outcome of running a rule set against one input.
type ruleSetRun struct {
	mu     sync.Mutex
	result RuleSetResult
	first  error
	abort  atomic.Bool
}

func newRuleSetRun() *ruleSetRun {
	return &ruleSetRun{result: RuleSetResult{
		Results: map[string]Output{},
		Errors:  map[string]string{},
	}}
}

func (r *ruleSetRun) record(id string, out Output, err error, continueOnError bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.result.Errors[id] = err.Error()
		if r.first == nil {
			r.first = err
		}
		if !continueOnError {
			r.abort.Store(true)
		}
		return
	}
	r.result.Results[id] = out
}

func (r *ruleSetRun) executionResult(index, resolved int, continueOnError bool) ExecutionResult {
	res := ExecutionResult{
		InputIndex: index,
		Results:    r.result.Results,
		Success:    len(r.result.Errors) == 0 && len(r.result.Results) == resolved,
	}
	if len(r.result.Errors) > 0 {
		res.Errors = r.result.Errors
	}

	switch {
	case res.Success:
		res.Status = StatusSucceeded
	case len(r.result.Results) == 0 || !continueOnError:
		res.Status = StatusFailed
	default:
		res.Status = StatusPartiallyFailed
	}
	return res
}

func (e *Executor) runRuleSet(ctx context.Context, ids []string, mode ExecutionMode, input map[string]any, opts BatchOptions) *ruleSetRun {
	run := newRuleSetRun()
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = e.cfg.Timeout
	}
	continueOnError := opts.continueOnError()

	evalInto := func(id string) {
		out, err := e.evaluate(ctx, id, input, timeout)
		run.record(id, out, err, continueOnError)
	}

	switch modeOrDefault(mode) {
	case ModeSequential:
		for _, id := range ids {
			if run.abort.Load() {
				break
			}
			evalInto(id)
		}

	case ModeMixed:
		e.runMixed(ctx, ids, run, evalInto, continueOnError)

	default:
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func() {
				defer wg.Done()
				evalInto(id)
			}()
		}
		wg.Wait()
	}

	if len(run.result.Errors) == 0 {
		run.result.Errors = nil
	}
	return run
}

// runMixed starts every rule as soon as its prerequisites inside the
// resolved set have completed. Rules without prerequisites start at once.
// A rule whose prerequisite failed fails with ErrPrerequisiteFailed; rules
// caught in a dependency cycle fail with ErrDependencyCycle.
func (e *Executor) runMixed(ctx context.Context, ids []string, run *ruleSetRun, evalInto func(string), continueOnError bool) {
	deps := e.dependencies(ids)
	cyclic := cyclicRules(ids, deps)

	done := make(map[string]chan struct{}, len(ids))
	for _, id := range ids {
		done[id] = make(chan struct{})
	}
	var failedMu sync.Mutex
	failed := make(map[string]bool, len(ids))
	markFailed := func(id string) {
		failedMu.Lock()
		failed[id] = true
		failedMu.Unlock()
	}

	for _, id := range ids {
		if cyclic[id] {
			run.record(id, nil, &RuleExecutionError{RuleID: id, Err: ErrDependencyCycle}, continueOnError)
			markFailed(id)
			close(done[id])
		}
	}

	var wg sync.WaitGroup

	for _, id := range ids {
		if cyclic[id] {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(done[id])

			for _, dep := range deps[id] {
				select {
				case <-done[dep]:
				case <-ctx.Done():
					run.record(id, nil, &RuleExecutionError{RuleID: id, Err: ctx.Err()}, continueOnError)
					markFailed(id)
					return
				}
				failedMu.Lock()
				depFailed := failed[dep]
				failedMu.Unlock()
				if depFailed {
					err := &RuleExecutionError{RuleID: id, Err: fmt.Errorf("%w: %s", ErrPrerequisiteFailed, dep)}
					run.record(id, nil, err, continueOnError)
					markFailed(id)
					return
				}
			}

			if run.abort.Load() {
				return
			}
			evalInto(id)

			run.mu.Lock()
			_, ok := run.result.Results[id]
			run.mu.Unlock()
			if !ok {
				markFailed(id)
			}
		}()
	}
	wg.Wait()
}

// dependencies returns, per rule, the prerequisites that are part of ids.
func (e *Executor) dependencies(ids []string) map[string][]string {
	inSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		inSet[id] = struct{}{}
	}

	deps := make(map[string][]string, len(ids))
	for _, id := range ids {
		rule, ok := e.cache.Store().Peek(id)
		if !ok {
			continue
		}
		for _, dep := range rule.Metadata.DependsOn {
			if _, ok := inSet[dep]; ok {
				deps[id] = append(deps[id], dep)
			}
		}
	}
	return deps
}

// cyclicRules runs Kahn's algorithm and returns the rules that can never be
// scheduled because they are on, or downstream of, a dependency cycle.
func cyclicRules(ids []string, deps map[string][]string) map[string]bool {
	indegree := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	for _, id := range ids {
		indegree[id] += 0
		for _, dep := range deps[id] {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	cyclic := make(map[string]bool)
	for _, id := range ids {
		if indegree[id] > 0 {
			cyclic[id] = true
		}
	}
	return cyclic
}

func (e *Executor) evaluate(ctx context.Context, ruleID string, input map[string]any, timeout time.Duration) (Output, error) {
	rule, err := e.cache.EnsureFresh(ctx, ruleID)
	if err != nil {
		return nil, &RuleExecutionError{RuleID: ruleID, Err: err}
	}

	start := time.Now()
	out, err := evaluateWithTimeout(ctx, rule.Program, input, timeout)
	elapsed := time.Since(start)
	e.metrics.observeEvaluation(elapsed, err)

	if err != nil {
		e.logger.Debug().Err(err).Str("rule_id", ruleID).Dur("duration", elapsed).Msg("rule evaluation failed")
		return nil, &RuleExecutionError{RuleID: ruleID, Err: err}
	}
	e.logger.Trace().Str("rule_id", ruleID).Dur("duration", elapsed).Msg("rule evaluated")
	return out, nil
}

type evalResult struct {
	out Output
	err error
}

// evaluateWithTimeout runs prog under its own deadline. On timeout the
// evaluation goroutine is left to observe the cancelled context and finish
// on its own.
func evaluateWithTimeout(ctx context.Context, prog Program, input map[string]any, timeout time.Duration) (Output, error) {
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan evalResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- evalResult{err: fmt.Errorf("%w: panic: %v", ErrEvaluationFailed, r)}
			}
		}()
		out, err := prog.Evaluate(evalCtx, input)
		ch <- evalResult{out: out, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && ctx.Err() == nil && errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrEvaluationTimeout, timeout)
		}
		return res.out, res.err
	case <-evalCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s", ErrEvaluationTimeout, timeout)
	}
}

func modeOrDefault(m ExecutionMode) ExecutionMode {
	if m == "" {
		return ModeParallel
	}
	return m
}
