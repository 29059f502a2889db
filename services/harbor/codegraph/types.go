// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codegraph

import (
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// RowState is the lifecycle state of a code row.
//
// The legal flow is Clean → Proposed → Validating → {ReadyToApply |
// ValidationFailed} → Applied → Clean, with Blocked as a terminal
// holding state after repeated validation failures. Every transition is
// guarded by exactly one operation; see the Graph method set.
type RowState int

const (
	// StateClean means the row carries no candidate. The zero value on
	// purpose: a freshly synced row is clean.
	StateClean RowState = iota

	// StateProposed means a candidate is attached and awaiting
	// validation.
	StateProposed

	// StateValidating means the safety gate is running against the
	// candidate. At most one validation per row is live at any time.
	StateValidating

	// StateReadyToApply means the candidate passed the gate and awaits
	// approval.
	StateReadyToApply

	// StateValidationFailed means the last validation failed; the row
	// accepts a bounded number of further proposals.
	StateValidationFailed

	// StateApplied means the candidate was promoted; the row waits for
	// the post-apply rebuild before returning to clean.
	StateApplied

	// StateBlocked means the row exhausted its validation attempts.
	// Proposals are rejected until an explicit ClearFuture.
	StateBlocked

	// NumRowStates is the total number of row states (for array sizing).
	NumRowStates
)

// rowStateNames maps RowState values to their string representations.
var rowStateNames = map[RowState]string{
	StateClean:            "clean",
	StateProposed:         "proposed",
	StateValidating:       "validating",
	StateReadyToApply:     "ready_to_apply",
	StateValidationFailed: "validation_failed",
	StateApplied:          "applied",
	StateBlocked:          "blocked",
}

// String returns the string representation of the RowState.
func (s RowState) String() string {
	if name, ok := rowStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseRowState converts a string to a RowState.
// Unrecognized strings map to -1.
func ParseRowState(s string) RowState {
	for state, name := range rowStateNames {
		if name == s {
			return state
		}
	}
	return RowState(-1)
}

// Valid reports whether the state is a member of the closed set.
func (s RowState) Valid() bool {
	return s >= StateClean && s < NumRowStates
}

// FutureAction classifies what a candidate does to its row's code.
type FutureAction int

const (
	// ActionNone means no candidate is attached.
	ActionNone FutureAction = iota

	// ActionCreate introduces a declaration that does not exist yet.
	ActionCreate

	// ActionEdit replaces the row's current code.
	ActionEdit

	// ActionDelete removes the row's current code. The candidate code
	// is the empty string, attached (not absent) so the invariant
	// holds.
	ActionDelete

	// NumFutureActions is the total number of actions (for array sizing).
	NumFutureActions
)

// futureActionNames maps FutureAction values to their string
// representations.
var futureActionNames = map[FutureAction]string{
	ActionNone:   "none",
	ActionCreate: "create",
	ActionEdit:   "edit",
	ActionDelete: "delete",
}

// String returns the string representation of the FutureAction.
func (a FutureAction) String() string {
	if name, ok := futureActionNames[a]; ok {
		return name
	}
	return "unknown"
}

// ParseFutureAction converts a string to a FutureAction.
// Unrecognized strings map to -1.
func ParseFutureAction(s string) FutureAction {
	for action, name := range futureActionNames {
		if name == s {
			return action
		}
	}
	return FutureAction(-1)
}

// Valid reports whether the action is a member of the closed set.
func (a FutureAction) Valid() bool {
	return a >= ActionNone && a < NumFutureActions
}

// ValidationStatus records how far a candidate made it through the
// gate.
type ValidationStatus int

const (
	// StatusPending means validation has not concluded.
	StatusPending ValidationStatus = iota

	// StatusOverlayOk means the overlay diagnostic stage passed.
	StatusOverlayOk

	// StatusBuildOk means the build stage passed. Also the final
	// status when the test stage was skipped for lack of relevant
	// tests.
	StatusBuildOk

	// StatusTestsOk means every stage passed including tests.
	StatusTestsOk

	// StatusFailed means a stage failed, timed out, or was cancelled.
	StatusFailed

	// NumValidationStatuses is the total number of statuses (for array
	// sizing).
	NumValidationStatuses
)

// validationStatusNames maps ValidationStatus values to their string
// representations.
var validationStatusNames = map[ValidationStatus]string{
	StatusPending:   "pending",
	StatusOverlayOk: "overlay_ok",
	StatusBuildOk:   "build_ok",
	StatusTestsOk:   "tests_ok",
	StatusFailed:    "failed",
}

// String returns the string representation of the ValidationStatus.
func (s ValidationStatus) String() string {
	if name, ok := validationStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Stage identifies one gate stage. Values align with the pipeline
// position: overlay is stage 1, build 2, tests 3.
type Stage int

const (
	// StageUnknown indicates an unrecognized stage.
	StageUnknown Stage = iota

	// StageOverlay is the in-memory overlay diagnostic check.
	StageOverlay

	// StageBuild is the compile check of the overlay.
	StageBuild

	// StageTests is the selective test execution stage.
	StageTests

	// NumStages is the total number of stages (for array sizing).
	NumStages
)

// stageNames maps Stage values to their string representations.
var stageNames = map[Stage]string{
	StageUnknown: "unknown",
	StageOverlay: "overlay",
	StageBuild:   "build",
	StageTests:   "tests",
}

// String returns the string representation of the Stage.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStage converts a string to a Stage.
// Unrecognized strings map to StageUnknown.
func ParseStage(s string) Stage {
	for stage, name := range stageNames {
		if name == s {
			return stage
		}
	}
	return StageUnknown
}

// Valid reports whether the stage is a member of the closed set.
func (s Stage) Valid() bool {
	return s > StageUnknown && s < NumStages
}

// Outcome is the result of one gate stage.
//
// Timeout is deliberately distinct from failure: a budget expiry says
// nothing about the candidate's correctness. Skipped marks a stage that
// had nothing to do (no relevant tests) and passes through.
type Outcome int

const (
	// OutcomeUnknown indicates an unrecognized outcome.
	OutcomeUnknown Outcome = iota

	// OutcomePass means the stage succeeded.
	OutcomePass

	// OutcomeFail means the stage found a semantic problem.
	OutcomeFail

	// OutcomeTimeout means the stage exceeded its time budget.
	OutcomeTimeout

	// OutcomeSkipped means the stage had no work and passes through.
	OutcomeSkipped

	// OutcomeCancelled means the run was superseded or the caller
	// cancelled.
	OutcomeCancelled

	// NumOutcomes is the total number of outcomes (for array sizing).
	NumOutcomes
)

// outcomeNames maps Outcome values to their string representations.
var outcomeNames = map[Outcome]string{
	OutcomeUnknown:   "unknown",
	OutcomePass:      "pass",
	OutcomeFail:      "fail",
	OutcomeTimeout:   "timeout",
	OutcomeSkipped:   "skipped",
	OutcomeCancelled: "cancelled",
}

// String returns the string representation of the Outcome.
func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown"
}

// ParseOutcome converts a string to an Outcome.
// Unrecognized strings map to OutcomeUnknown.
func ParseOutcome(s string) Outcome {
	for outcome, name := range outcomeNames {
		if name == s {
			return outcome
		}
	}
	return OutcomeUnknown
}

// Valid reports whether the outcome is a member of the closed set.
func (o Outcome) Valid() bool {
	return o > OutcomeUnknown && o < NumOutcomes
}

// Passed reports whether the outcome lets the pipeline continue.
func (o Outcome) Passed() bool {
	return o == OutcomePass || o == OutcomeSkipped
}

// Row is the temporal record for one interface node: the code that is,
// and optionally the code that wants to be.
//
// Exactly one row exists per node id. The row table is the only
// structure in the system that any write path may mutate at
// code-content granularity; the graph snapshots never hold code.
type Row struct {
	// NodeID keys the row 1:1 to an interface node.
	NodeID isg.NodeID `json:"node_id"`

	// State is the row's position in the candidate lifecycle.
	State RowState `json:"state"`

	// CurrentCode is the canonical source slice for the node as of the
	// last sync or promotion.
	CurrentCode string `json:"current_code"`

	// FutureCode is the candidate source. nil exactly when
	// FutureAction is ActionNone; a delete carries the attached empty
	// string.
	FutureCode *string `json:"future_code,omitempty"`

	// FutureAction classifies the candidate.
	FutureAction FutureAction `json:"future_action"`

	// Status records validation progress for the live candidate.
	Status ValidationStatus `json:"status"`

	// CandidateID identifies the live candidate. Supersession issues a
	// new id; stage results for a stale id are discarded.
	CandidateID string `json:"candidate_id,omitempty"`

	// CommitID is the last commit that promoted this row.
	CommitID string `json:"commit_id,omitempty"`

	// Attempts counts failed validations of the current proposal line.
	// Reset by ClearFuture and by promotion.
	Attempts int `json:"attempts,omitempty"`

	// InCurrentScope marks the node as part of the pre-change shape of
	// an in-progress change set (edit and delete targets).
	InCurrentScope bool `json:"in_current_scope,omitempty"`

	// InFutureScope marks the node as part of the post-change shape
	// (create and edit targets).
	InFutureScope bool `json:"in_future_scope,omitempty"`

	// FilePath is the workspace-relative file holding the node's code,
	// copied from the node at sync time. For creates on ids the graph
	// does not know yet, set by the proposal.
	FilePath string `json:"file_path,omitempty"`

	// StartByte and EndByte delimit CurrentCode within FilePath as of
	// the sync that produced it.
	StartByte uint32 `json:"start_byte,omitempty"`
	EndByte   uint32 `json:"end_byte,omitempty"`

	// CreatedAtMilli and UpdatedAtMilli are unix-millisecond
	// timestamps.
	CreatedAtMilli int64 `json:"created_at_milli"`
	UpdatedAtMilli int64 `json:"updated_at_milli"`
}

// Validate checks the row's structural invariants, above all the
// candidate invariant: FutureCode attached exactly when FutureAction is
// not none. A violation is rejected, never repaired.
func (r *Row) Validate() error {
	if r.NodeID == "" {
		return fmt.Errorf("%w: empty node id", ErrInvalidRow)
	}
	if !r.State.Valid() {
		return fmt.Errorf("%w: state %d outside closed set", ErrInvalidRow, r.State)
	}
	if !r.FutureAction.Valid() {
		return fmt.Errorf("%w: action %d outside closed set", ErrInvalidRow, r.FutureAction)
	}
	if (r.FutureCode == nil) != (r.FutureAction == ActionNone) {
		return fmt.Errorf("%w: future code %s with action %s",
			ErrFutureInvariant, presence(r.FutureCode), r.FutureAction)
	}
	return nil
}

func presence(s *string) string {
	if s == nil {
		return "absent"
	}
	return "attached"
}

// HasCandidate reports whether a candidate is attached.
func (r *Row) HasCandidate() bool {
	return r.FutureAction != ActionNone
}

// StageResult is one recorded gate stage outcome.
type StageResult struct {
	// Stage is which pipeline stage ran.
	Stage Stage `json:"stage"`

	// Outcome is how it ended.
	Outcome Outcome `json:"outcome"`

	// Detail carries diagnostics: compiler output, failing test names,
	// the timeout budget. Free text, possibly empty on pass.
	Detail string `json:"detail,omitempty"`

	// DurationMilli is the stage's wall time.
	DurationMilli int64 `json:"duration_milli,omitempty"`

	// RecordedAtMilli is when the result was recorded.
	RecordedAtMilli int64 `json:"recorded_at_milli"`
}

// ValidationRun is the append-only audit record of one gate pass over
// one candidate.
type ValidationRun struct {
	// ID identifies the run.
	ID string `json:"id"`

	// NodeID is the row under validation.
	NodeID isg.NodeID `json:"node_id"`

	// CandidateID is the candidate the run belongs to.
	CandidateID string `json:"candidate_id"`

	// Stages lists results in recording order.
	Stages []StageResult `json:"stages,omitempty"`

	// Final is the run's concluding outcome, OutcomeUnknown while the
	// run is live.
	Final Outcome `json:"final"`

	// StartedAtMilli and FinishedAtMilli are unix-millisecond
	// timestamps. FinishedAtMilli is zero while the run is live.
	StartedAtMilli  int64 `json:"started_at_milli"`
	FinishedAtMilli int64 `json:"finished_at_milli,omitempty"`
}

// Finished reports whether the run has concluded.
func (v *ValidationRun) Finished() bool {
	return v.FinishedAtMilli != 0
}

// Approval binds a token to an exact id set for a bounded time.
//
// Apply requires the token to cover precisely the ids being promoted:
// approving rows A and B authorizes {A,B}, not {A} and not {A,B,C}.
type Approval struct {
	// Token is the opaque bearer value.
	Token string `json:"token"`

	// NodeIDs is the covered set, sorted ascending.
	NodeIDs []isg.NodeID `json:"node_ids"`

	// IssuedAtMilli and ExpiresAtMilli bound the token's life.
	IssuedAtMilli  int64 `json:"issued_at_milli"`
	ExpiresAtMilli int64 `json:"expires_at_milli"`
}

// Expired reports whether the token is past its expiry.
func (a *Approval) Expired(now time.Time) bool {
	return now.UnixMilli() >= a.ExpiresAtMilli
}

// Covers reports whether the token covers exactly the given set.
// Input order does not matter; duplicates do.
func (a *Approval) Covers(ids []isg.NodeID) bool {
	if len(ids) != len(a.NodeIDs) {
		return false
	}
	covered := make(map[isg.NodeID]int, len(a.NodeIDs))
	for _, id := range a.NodeIDs {
		covered[id]++
	}
	for _, id := range ids {
		covered[id]--
		if covered[id] < 0 {
			return false
		}
	}
	return true
}

// RowFilter narrows Rows listings. Zero value matches everything.
type RowFilter struct {
	// States keeps rows in any of the given states. Empty keeps all.
	States []RowState

	// FilePath keeps rows whose code lives in the given file.
	FilePath string

	// HasCandidate keeps only rows with (true) or without (false) an
	// attached candidate. nil keeps all.
	HasCandidate *bool
}

// matches reports whether a row passes the filter.
func (f *RowFilter) matches(r *Row) bool {
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if r.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.FilePath != "" && r.FilePath != f.FilePath {
		return false
	}
	if f.HasCandidate != nil && r.HasCandidate() != *f.HasCandidate {
		return false
	}
	return true
}

// Config tunes the code graph.
type Config struct {
	// MaxAttempts bounds failed validations per proposal line before
	// the row blocks. Default: 3.
	MaxAttempts int

	// ApprovalTTL bounds approval token life. Default: 10 minutes.
	ApprovalTTL time.Duration

	// MetricsEnabled controls metric recording.
	MetricsEnabled bool

	// TracingEnabled controls span creation.
	TracingEnabled bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		ApprovalTTL:    10 * time.Minute,
		MetricsEnabled: true,
		TracingEnabled: true,
	}
}

// applyDefaults fills zero fields with defaults.
func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ApprovalTTL <= 0 {
		c.ApprovalTTL = 10 * time.Minute
	}
}

// ProposeOption adjusts a single SetFuture call.
type ProposeOption func(*proposeOptions)

type proposeOptions struct {
	filePath string
}

// WithFile names the workspace-relative file a created node's code
// belongs to. Required for ActionCreate on an id the graph does not
// know yet; ignored for rows that already carry a file path.
func WithFile(path string) ProposeOption {
	return func(o *proposeOptions) {
		o.filePath = path
	}
}
