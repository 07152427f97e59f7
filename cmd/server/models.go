package main

import (
	"encoding/json"
	"time"

	"github.com/liamcoop/rulecache/rules"
)

// API request and response models.

// ExecutionOptions is the wire form of rules.BatchOptions.
type ExecutionOptions struct {
	ContinueOnError  *bool `json:"continueOnError,omitempty"`
	ConcurrencyLimit int   `json:"concurrencyLimit,omitempty"`
	TimeoutMs        int64 `json:"timeoutMs,omitempty"`
}

func (o ExecutionOptions) batchOptions() rules.BatchOptions {
	return rules.BatchOptions{
		ContinueOnError:  o.ContinueOnError,
		ConcurrencyLimit: o.ConcurrencyLimit,
		Timeout:          time.Duration(o.TimeoutMs) * time.Millisecond,
	}
}

// ExecuteRequest runs a selector against one input.
type ExecuteRequest struct {
	Selector rules.RuleSelector `json:"selector"`
	Input    map[string]any     `json:"input"`
	Options  ExecutionOptions   `json:"options"`
}

// ExecuteResponse is the outcome of ExecuteRequest.
type ExecuteResponse struct {
	Results map[string]rules.Output `json:"results"`
	Errors  map[string]string       `json:"errors,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

// ExecuteOneRequest evaluates a single rule.
type ExecuteOneRequest struct {
	RuleID string         `json:"ruleId"`
	Input  map[string]any `json:"input"`
}

// ExecuteOneResponse is the outcome of ExecuteOneRequest.
type ExecuteOneResponse struct {
	RuleID string       `json:"ruleId"`
	Output rules.Output `json:"output"`
}

// BatchRequest runs a selector against many inputs.
type BatchRequest struct {
	Selector rules.RuleSelector `json:"selector"`
	Inputs   []map[string]any   `json:"inputs"`
	Options  ExecutionOptions   `json:"options"`
}

// BatchResponse carries per-input results ordered by input index.
type BatchResponse struct {
	BatchSize int                     `json:"batchSize"`
	Succeeded int                     `json:"succeeded"`
	Results   []rules.ExecutionResult `json:"results"`
	Error     string                  `json:"error,omitempty"`
}

// RefreshRequest lists rule ids to refresh. Empty refreshes every cached rule.
type RefreshRequest struct {
	IDs []string `json:"ids"`
}

// RefreshResponse reports per-id refresh outcomes.
type RefreshResponse struct {
	Refreshed []string          `json:"refreshed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// VersionsResponse lists cached rules whose source version changed.
type VersionsResponse struct {
	Changed []string `json:"changed"`
}

// SaveRuleRequest creates or replaces a rule in a writable source.
type SaveRuleRequest struct {
	Name       string          `json:"name,omitempty"`
	Version    string          `json:"version,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	DependsOn  []string        `json:"dependsOn,omitempty"`
	Definition json.RawMessage `json:"definition"`
}

// RulesListResponse lists cached rule metadata.
type RulesListResponse struct {
	Rules []rules.RuleMetadata `json:"rules"`
}

// ProjectsListResponse lists the status of every project.
type ProjectsListResponse struct {
	Projects []rules.Status `json:"projects"`
}

// HotReloadResponse reports whether hot reload is running.
type HotReloadResponse struct {
	Active bool `json:"active"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
