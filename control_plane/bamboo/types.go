package bamboo

import (
	"encoding/json"
	"strings"
)

// TriggerResult is Bamboo's answer to a queue request.
type TriggerResult struct {
	BuildResultKey string `json:"buildResultKey"`
	PlanKey        string `json:"planKey"`
	BuildNumber    int    `json:"buildNumber"`
	TriggerReason  string `json:"triggerReason,omitempty"`
	Link           *Link  `json:"link,omitempty"`
}

type Link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

// BuildStatus is a build result as reported by /rest/api/latest/result.
type BuildStatus struct {
	Key                    string         `json:"key"`
	State                  string         `json:"state"`          // Successful, Failed, Unknown
	BuildState             string         `json:"buildState"`     // Successful, Failed, Unknown
	LifeCycleState         string         `json:"lifeCycleState"` // Queued, Pending, InProgress, Finished
	BuildNumber            int            `json:"buildNumber"`
	BuildStartedTime       string         `json:"buildStartedTime,omitempty"`
	BuildCompletedTime     string         `json:"buildCompletedTime,omitempty"`
	BuildDurationInSeconds int64          `json:"buildDurationInSeconds,omitempty"`
	Stages                 StageList      `json:"stages"`
	SuccessfulTestCount    *int           `json:"successfulTestCount,omitempty"`
	FailedTestCount        *int           `json:"failedTestCount,omitempty"`
	QuarantinedTestCount   *int           `json:"quarantinedTestCount,omitempty"`
	Artifacts              map[string]any `json:"artifacts,omitempty"`
}

// IsFinished reports whether Bamboo considers the build done.
func (s *BuildStatus) IsFinished() bool {
	return strings.EqualFold(s.LifeCycleState, "Finished")
}

// IsRunning reports whether the build is executing.
func (s *BuildStatus) IsRunning() bool {
	return strings.EqualFold(s.LifeCycleState, "InProgress")
}

// IsQueued reports whether the build is waiting for an agent.
func (s *BuildStatus) IsQueued() bool {
	return strings.EqualFold(s.LifeCycleState, "Queued") || strings.EqualFold(s.LifeCycleState, "Pending")
}

// IsSuccessful reports whether either state field says Successful.
func (s *BuildStatus) IsSuccessful() bool {
	return strings.EqualFold(s.State, "Successful") || strings.EqualFold(s.BuildState, "Successful")
}

// Stage is one stage inside a build result.
type Stage struct {
	Name           string `json:"name"`
	State          string `json:"state"`
	LifeCycleState string `json:"lifeCycleState,omitempty"`
}

// StageList accepts both a plain array and Bamboo's expanded
// {"size": n, "stage": [...]} wrapper.
type StageList []Stage

func (l *StageList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*l = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var stages []Stage
		if err := json.Unmarshal(data, &stages); err != nil {
			return err
		}
		*l = stages
		return nil
	}
	var wrapper struct {
		Size  int     `json:"size"`
		Stage []Stage `json:"stage"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return err
	}
	*l = wrapper.Stage
	return nil
}

// Plan describes a Bamboo build plan.
type Plan struct {
	Key                       string    `json:"key"`
	Name                      string    `json:"name"`
	ShortKey                  string    `json:"shortKey,omitempty"`
	ShortName                 string    `json:"shortName,omitempty"`
	Description               string    `json:"description,omitempty"`
	Enabled                   bool      `json:"enabled"`
	IsBuilding                bool      `json:"isBuilding"`
	AverageBuildTimeInSeconds int64     `json:"averageBuildTimeInSeconds,omitempty"`
	Stages                    StageList `json:"stages"`
}

// TriggerOutcome is delivered once on the channel returned by Trigger.
type TriggerOutcome struct {
	Result *TriggerResult
	Err    error
}

// StatusOutcome is delivered once on the channel returned by GetStatus.
type StatusOutcome struct {
	Status *BuildStatus
	Err    error
}

// PlanOutcome is delivered once on the channel returned by GetPlan.
type PlanOutcome struct {
	Plan *Plan
	Err  error
}
