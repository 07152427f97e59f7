package rules

import (
	"slices"
	"sort"
	"sync/atomic"
	"time"
)

// RuleMetadata describes a cached rule. ID is immutable once created;
// Version only changes through a refresh.
type RuleMetadata struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Version      string    `json:"version"`
	Tags         []string  `json:"tags,omitempty"`
	DependsOn    []string  `json:"dependsOn,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

// HasAnyTag reports whether the rule carries at least one of the given tags.
func (m RuleMetadata) HasAnyTag(tags []string) bool {
	for _, t := range tags {
		if slices.Contains(m.Tags, t) {
			return true
		}
	}
	return false
}

// normalizeTags returns a sorted, de-duplicated copy of tags with empty
// entries dropped.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// RuleDocument is a rule as produced by a RuleSource: metadata plus the raw
// definition bytes.
type RuleDocument struct {
	Metadata RuleMetadata
	Content  []byte
}

// CachedRule is an immutable cache entry. Refreshes build a new CachedRule and
// swap it in; existing values are never modified, apart from the access tick.
type CachedRule struct {
	Metadata RuleMetadata
	Content  []byte
	Program  Program
	LoadedAt time.Time

	lastAccess atomic.Int64
}

func newCachedRule(doc RuleDocument, prog Program, loadedAt time.Time) *CachedRule {
	meta := doc.Metadata
	meta.Tags = normalizeTags(meta.Tags)
	meta.DependsOn = slices.Clone(meta.DependsOn)
	return &CachedRule{
		Metadata: meta,
		Content:  slices.Clone(doc.Content),
		Program:  prog,
		LoadedAt: loadedAt,
	}
}

// LastAccess returns the logical access tick of the entry. Larger is more recent.
func (r *CachedRule) LastAccess() int64 {
	return r.lastAccess.Load()
}

// ExecutionMode controls how the rules of one selector run against one input.
type ExecutionMode string

const (
	ModeParallel   ExecutionMode = "parallel"
	ModeSequential ExecutionMode = "sequential"
	ModeMixed      ExecutionMode = "mixed"
)

// Valid reports whether m is a known mode. The empty mode is treated as parallel.
func (m ExecutionMode) Valid() bool {
	switch m {
	case "", ModeParallel, ModeSequential, ModeMixed:
		return true
	default:
		return false
	}
}

// RuleSelector describes which rules to run. A rule matches when its id is
// listed in IDs or it carries any of Tags.
type RuleSelector struct {
	IDs  []string      `json:"ids,omitempty"`
	Tags []string      `json:"tags,omitempty"`
	Mode ExecutionMode `json:"mode,omitempty"`
}

// IsEmpty reports whether neither ids nor tags were supplied.
func (s RuleSelector) IsEmpty() bool {
	return len(s.IDs) == 0 && len(s.Tags) == 0
}

// BatchOptions governs failure handling and concurrency of an execution.
type BatchOptions struct {
	// ContinueOnError keeps going after a rule or input fails. Defaults to true.
	ContinueOnError *bool `json:"continueOnError,omitempty"`

	// ConcurrencyLimit bounds the number of inputs processed at once.
	// Zero uses the executor default.
	ConcurrencyLimit int `json:"concurrencyLimit,omitempty"`

	// Timeout bounds a single rule evaluation. Zero uses the executor default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// continueOnError resolves the default of true.
func (o BatchOptions) continueOnError() bool {
	return o.ContinueOnError == nil || *o.ContinueOnError
}

// Output is the structured record produced by evaluating one rule.
type Output = map[string]any

// ExecutionStatus is the terminal (or pending) state of one input's execution.
type ExecutionStatus string

const (
	StatusPending         ExecutionStatus = "pending"
	StatusSucceeded       ExecutionStatus = "succeeded"
	StatusPartiallyFailed ExecutionStatus = "partially_failed"
	StatusFailed          ExecutionStatus = "failed"
)

// RuleSetResult holds the outcome of running a resolved rule set against one input.
// Every attempted rule appears in exactly one of Results or Errors.
type RuleSetResult struct {
	Results map[string]Output `json:"results"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// ExecutionResult is the per-input outcome of a batch.
type ExecutionResult struct {
	InputIndex int               `json:"inputIndex"`
	Results    map[string]Output `json:"results"`
	Errors     map[string]string `json:"errors,omitempty"`
	Success    bool              `json:"success"`
	Status     ExecutionStatus   `json:"status"`
}

// ChangeKind is the kind of cache update delivered to observers.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// CacheStats is a point-in-time view of cache occupancy and counters.
type CacheStats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"maxSize"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Refreshes int64 `json:"refreshes"`
}

// Status reports engine readiness.
type Status struct {
	Initialized bool   `json:"initialized"`
	RulesLoaded int    `json:"rulesLoaded"`
	ProjectID   string `json:"projectId"`
	Version     string `json:"version"`
}
