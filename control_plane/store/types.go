package store

import (
	"time"
)

// QueueStatus is the admission state of a queued build request.
type QueueStatus string

const (
	QueueWaiting    QueueStatus = "waiting"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueCompleted || s == QueueFailed || s == QueueCancelled
}

// RequestStatus is the outcome of a single dispatch to the CI backend.
type RequestStatus string

const (
	RequestSent     RequestStatus = "sent"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
	RequestTimeout  RequestStatus = "timeout"
	RequestError    RequestStatus = "error"
)

// BuildStatus is the overall state of a dispatched build.
type BuildStatus string

const (
	BuildPending   BuildStatus = "pending"
	BuildRunning   BuildStatus = "running"
	BuildSuccess   BuildStatus = "success"
	BuildFailed    BuildStatus = "failed"
	BuildCancelled BuildStatus = "cancelled"
)

// IsTerminal reports whether the build has finished.
func (s BuildStatus) IsTerminal() bool {
	return s == BuildSuccess || s == BuildFailed || s == BuildCancelled
}

// StageStatus is the state of one build stage.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// IsTerminal reports whether the stage can no longer change.
func (s StageStatus) IsTerminal() bool {
	return s == StageSuccess || s == StageFailed || s == StageSkipped
}

// StageName is one of the three fixed build stages.
type StageName string

const (
	StageBuild    StageName = "Build"
	StageSAM      StageName = "SAM"
	StageCoverity StageName = "Coverity"
)

// Order returns the fixed execution order of the stage.
func (n StageName) Order() int {
	switch n {
	case StageBuild:
		return 1
	case StageSAM:
		return 2
	case StageCoverity:
		return 3
	default:
		return 0
	}
}

// ReleaseStatus gates whether a release-layer build may ship.
type ReleaseStatus string

const (
	ReleaseNone            ReleaseStatus = "none"
	ReleaseAvailable       ReleaseStatus = "available"
	ReleasePendingApproval ReleaseStatus = "pending_approval"
	ReleaseApproved        ReleaseStatus = "approved"
	ReleaseRejected        ReleaseStatus = "rejected"
	ReleaseReleased        ReleaseStatus = "released"
)

// Valid reports whether s is a known release status.
func (s ReleaseStatus) Valid() bool {
	switch s {
	case ReleaseNone, ReleaseAvailable, ReleasePendingApproval, ReleaseApproved, ReleaseRejected, ReleaseReleased:
		return true
	}
	return false
}

// LayerType classifies a layer.
type LayerType string

const (
	LayerRelease LayerType = "release"
	LayerNormal  LayerType = "layer"
	LayerPrivate LayerType = "private"
)

// Project holds the build defaults for a firmware project.
type Project struct {
	ID              string         `json:"id" db:"id"`
	ProjectName     string         `json:"projectName" db:"project_name"`
	ProjectCode     string         `json:"projectCode" db:"project_code"`
	PlanID          string         `json:"planId" db:"plan_id"` // Bamboo plan key
	Status          string         `json:"status" db:"status"`
	ScmConfig       map[string]any `json:"scmConfig" db:"scm_config"`
	BuildConfig     map[string]any `json:"buildConfig" db:"build_config"`
	AnalysisConfig  map[string]any `json:"analysisConfig" db:"analysis_config"`
	IsCertified     bool           `json:"isCertified" db:"is_certified"`
	LogPathTemplate string         `json:"logPathTemplate" db:"log_path_template"`
	CreatedAt       time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time      `json:"updatedAt" db:"updated_at"`
}

// Layer is a buildable slice of a project.
type Layer struct {
	ID              string         `json:"id" db:"id"`
	ProjectID       string         `json:"projectId" db:"project_id"`
	Name            string         `json:"name" db:"name"`
	Type            LayerType      `json:"type" db:"type"`
	LayerPath       string         `json:"layerPath" db:"layer_path"`
	BuildEnabled    bool           `json:"buildEnabled" db:"build_enabled"`
	SamEnabled      bool           `json:"samEnabled" db:"sam_enabled"`
	CoverityEnabled bool           `json:"coverityEnabled" db:"coverity_enabled"`
	LayerConfig     map[string]any `json:"layerConfig" db:"layer_config"`
	CreatedAt       time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time      `json:"updatedAt" db:"updated_at"`
}

// IsRelease reports whether builds of this layer are gated by release criteria.
func (l *Layer) IsRelease() bool {
	return l.Type == LayerRelease
}

// QueueItem is a build request waiting for admission.
type QueueItem struct {
	ID            string         `json:"id" db:"id"`
	ProjectID     string         `json:"projectId" db:"project_id"`
	LayerID       string         `json:"layerId" db:"layer_id"`
	RequesterID   string         `json:"requesterId,omitempty" db:"requester_id"`
	ReqMethod     string         `json:"reqMethod" db:"req_method"`
	Status        QueueStatus    `json:"status" db:"status"`
	Priority      int            `json:"priority" db:"priority"`
	ScmOverride   map[string]any `json:"scmOverride,omitempty" db:"scm_override"`
	BuildOverride map[string]any `json:"buildOverride,omitempty" db:"build_override"`
	RetryCount    int            `json:"retryCount" db:"retry_count"`
	MaxRetries    int            `json:"maxRetries" db:"max_retries"`
	LastError     string         `json:"lastError,omitempty" db:"last_error"`
	BuildID       string         `json:"buildId,omitempty" db:"build_id"`
	QueuedAt      time.Time      `json:"queuedAt" db:"queued_at"`
	ProcessedAt   *time.Time     `json:"processedAt,omitempty" db:"processed_at"`
}

// BuildRequest is the audit record of one dispatch attempt.
type BuildRequest struct {
	ID           string            `json:"id" db:"id"`
	QueueID      string            `json:"queueId" db:"queue_id"`
	BuildID      string            `json:"buildId" db:"build_id"`
	ProjectID    string            `json:"projectId" db:"project_id"`
	LayerID      string            `json:"layerId" db:"layer_id"`
	PlanKey      string            `json:"planKey" db:"plan_key"`
	Variables    map[string]string `json:"variables" db:"variables"`
	Status       RequestStatus     `json:"requestStatus" db:"request_status"`
	ExternalKey  string            `json:"externalKey,omitempty" db:"external_key"`
	ErrorMessage string            `json:"errorMessage,omitempty" db:"error_message"`
	SentAt       time.Time         `json:"sentAt" db:"sent_at"`
	RespondedAt  *time.Time        `json:"respondedAt,omitempty" db:"responded_at"`
}

// ReleaseCriteria is the gate record computed for release-layer builds.
type ReleaseCriteria struct {
	AllStagesPassed   bool `json:"allStagesPassed"`
	CoverityPassed    bool `json:"coverityPassed"`
	SamPassed         bool `json:"samPassed"`
	OnboardTestPassed bool `json:"onboardTestPassed"`
	BlackduckPassed   bool `json:"blackduckPassed"`
	OverallPassed     bool `json:"overallPassed"`
}

// Build is one dispatched execution of a layer on the CI backend.
type Build struct {
	ID              string           `json:"id" db:"id"`
	QueueID         string           `json:"queueId" db:"queue_id"`
	ProjectID       string           `json:"projectId" db:"project_id"`
	LayerID         string           `json:"layerId" db:"layer_id"`
	LayerType       LayerType        `json:"layerType" db:"layer_type"`
	Round           int              `json:"round" db:"round"`
	BuildNumber     int              `json:"buildNumber" db:"build_number"`
	Status          BuildStatus      `json:"status" db:"status"`
	ExternalKey     string           `json:"externalKey,omitempty" db:"external_key"`
	ExternalNumber  int              `json:"externalNumber,omitempty" db:"external_number"`
	TriggeredBy     string           `json:"triggeredBy,omitempty" db:"triggered_by"`
	TriggerType     string           `json:"triggerType,omitempty" db:"trigger_type"`
	Snapshot        map[string]any   `json:"snapshot" db:"snapshot"`
	Artifacts       map[string]any   `json:"artifacts,omitempty" db:"artifacts"`
	QualityMetrics  map[string]any   `json:"qualityMetrics,omitempty" db:"quality_metrics"`
	ReleaseCriteria *ReleaseCriteria `json:"releaseCriteria,omitempty" db:"release_criteria"`
	ReleaseStatus   ReleaseStatus    `json:"releaseStatus" db:"release_status"`
	CreatedAt       time.Time        `json:"createdAt" db:"created_at"`
	StartedAt       *time.Time       `json:"startedAt,omitempty" db:"started_at"`
	FinishedAt      *time.Time       `json:"finishedAt,omitempty" db:"finished_at"`
	DurationSeconds int              `json:"durationSeconds" db:"duration_seconds"`
}

// StageResult is the reconciled outcome of one stage of a build.
type StageResult struct {
	ID               string         `json:"id" db:"id"`
	BuildID          string         `json:"buildId" db:"build_id"`
	StageName        StageName      `json:"stageName" db:"stage_name"`
	Order            int            `json:"order" db:"stage_order"`
	Status           StageStatus    `json:"status" db:"status"`
	ErrorCount       int            `json:"errorCount" db:"error_count"`
	WarningCount     int            `json:"warningCount" db:"warning_count"`
	Result           map[string]any `json:"stageResult,omitempty" db:"stage_result"`
	ExternalResponse map[string]any `json:"externalResponse,omitempty" db:"external_response"`
	LogURL           string         `json:"logUrl,omitempty" db:"log_url"`
	StartedAt        *time.Time     `json:"startedAt,omitempty" db:"started_at"`
	FinishedAt       *time.Time     `json:"finishedAt,omitempty" db:"finished_at"`
	DurationSeconds  int            `json:"durationSeconds" db:"duration_seconds"`
	ReceivedAt       *time.Time     `json:"receivedAt,omitempty" db:"received_at"`
}

// BuildFilter narrows ListBuilds. Empty fields match everything.
type BuildFilter struct {
	ProjectID string
	LayerID   string
	Status    BuildStatus
	Limit     int
}
