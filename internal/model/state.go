package model

// LockRecord is the on-disk lock file content.
type LockRecord struct {
	PID           int    `json:"pid"`
	RunID         string `json:"run_id"`
	Command       string `json:"command"`
	StartedAt     string `json:"started_at"`
	LastHeartbeat string `json:"last_heartbeat"`
}

// CategoryResult is the outcome of one check category. Output is stored
// separately in checks/<name>.txt.
type CategoryResult struct {
	Name     string `json:"-"`
	ExitCode int    `json:"exit_code"`
	Passed   bool   `json:"passed"`
	Output   string `json:"-"`
}

// ChecksSummary aggregates category results. AllPassed is true exactly when
// FirstFailure is nil.
type ChecksSummary struct {
	Categories   map[string]CategoryResult `json:"categories"`
	FirstFailure *string                   `json:"first_failure"`
	AllPassed    bool                      `json:"all_passed"`
	Order        []string                  `json:"-"`
}

type Severity string

const (
	SeverityBlocker Severity = "blocker"
	SeverityMajor   Severity = "major"
	SeverityMinor   Severity = "minor"
)

// NormalizeSeverity maps unknown or empty severities to major.
func NormalizeSeverity(s Severity) Severity {
	switch s {
	case SeverityBlocker, SeverityMajor, SeverityMinor:
		return s
	default:
		return SeverityMajor
	}
}

type Issue struct {
	Severity Severity `json:"severity"`
	File     string   `json:"file"`
	Hint     string   `json:"hint"`
	MapsTo   *string  `json:"maps_to,omitempty"`
}

// Status is the per-iteration verdict written to status.json.
type Status struct {
	Pass          bool           `json:"pass"`
	IssueCount    int            `json:"issue_count"`
	BlockerCount  int            `json:"blocker_count"`
	MajorCount    int            `json:"major_count"`
	MinorCount    int            `json:"minor_count"`
	ChecksSummary *ChecksSummary `json:"checks_summary"`
	DiffNonempty  bool           `json:"diff_nonempty"`
	Timestamp     string         `json:"timestamp"`
}

// VersionInfo is history/v<N>/meta.json.
type VersionInfo struct {
	Version       int     `json:"version"`
	CreatedAt     string  `json:"created_at"`
	ReviewID      *string `json:"review_id,omitempty"`
	TriggerReason *string `json:"trigger_reason,omitempty"`
	SupersededAt  *string `json:"superseded_at,omitempty"`
}

// ArtifactRef records which upstream version a derived artifact was
// generated from.
type ArtifactRef struct {
	ArtifactName       string `json:"artifact_name"`
	DerivedFromVersion int    `json:"derived_from_version"`
}

type StaleOverride struct {
	Timestamp   string `json:"timestamp"`
	Artifact    string `json:"artifact"`
	StaleReason string `json:"stale_reason"`
}

type CommandEntry struct {
	Timestamp string `json:"timestamp"`
	Command   string `json:"command"`
}

// RunMetadata is run.json. It is never deleted; abandonment is a flag.
type RunMetadata struct {
	SchemaVersion  int             `json:"schema_version"`
	RunID          string          `json:"run_id"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	StaleArtifacts []string        `json:"stale_artifacts"`
	StaleOverrides []StaleOverride `json:"stale_overrides"`
	CommandHistory []CommandEntry  `json:"command_history"`
	Abandoned      bool            `json:"abandoned"`
	AbandonedAt    *string         `json:"abandoned_at,omitempty"`
}

// Unit is one step of the plan, the granularity the iteration loop works on.
type Unit struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// UnitState is steps/<id>/state.json.
type UnitState struct {
	SchemaVersion int            `json:"schema_version"`
	UnitID        string         `json:"unit_id"`
	State         IterationState `json:"state"`
	CommitSHA     *string        `json:"commit_sha,omitempty"`
	PassedAt      *string        `json:"passed_at,omitempty"`
	Amends        []AmendSeries  `json:"amends,omitempty"`
	UpdatedAt     string         `json:"updated_at"`
}

// AmendSeries is a parallel iteration series opened on a passed unit.
type AmendSeries struct {
	Index      int            `json:"index"`
	State      IterationState `json:"state"`
	Reason     string         `json:"reason,omitempty"`
	CommitSHA  *string        `json:"commit_sha,omitempty"`
	StartedAt  string         `json:"started_at"`
	FinishedAt *string        `json:"finished_at,omitempty"`
}

const CurrentSchemaVersion = 1
