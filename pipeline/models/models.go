package models

import (
	"time"
)

type Environment string

const (
	EnvNone       Environment = "none"
	EnvDev        Environment = "dev"
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "production"
)

func (e Environment) String() string {
	return string(e)
}

// RegistryCoordinates addresses one repository in one registry. The
// full image reference is host/repository:tag.
type RegistryCoordinates struct {
	Host       string
	Repository string
}

func (rc RegistryCoordinates) Ref(tag string) string {
	return rc.Host + "/" + rc.Repository + ":" + tag
}

// EnvironmentProfile is produced once per run by the router and
// threaded explicitly into every downstream component. Nothing else
// is allowed to derive behavior from the branch name.
type EnvironmentProfile struct {
	Environment      Environment
	Registry         RegistryCoordinates
	DeployFilePath   string
	RequiresApproval bool
}

// Deployable reports whether the run publishes and mutates deployment
// state at all. A profile with EnvNone is build-only.
func (p EnvironmentProfile) Deployable() bool {
	return p.Environment != EnvNone
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Terminal reports whether the status will never change again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunAborted:
		return true
	}
	return false
}

type StageStatus string

const (
	StageSkipped   StageStatus = "skipped"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
)

type StageResult struct {
	Stage      string      `json:"stage"`
	Status     StageStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`

	// LogRef points at the captured output of the stage, if any.
	LogRef string `json:"log_ref,omitempty"`
}

// PipelineRun is identified by (BuildNumber, Revision). It is created
// by the controller at run start and mutated only by the controller as
// stages complete; once Status leaves RunRunning it is terminal.
type PipelineRun struct {
	ID          string             `json:"id"`
	Branch      string             `json:"branch"`
	Revision    string             `json:"revision"`
	BuildNumber int64              `json:"build_number"`
	Profile     EnvironmentProfile `json:"-"`
	Environment Environment        `json:"environment"`
	Tag         string             `json:"tag"`
	Status      RunStatus          `json:"status"`
	Results     []StageResult      `json:"results"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
}

// Result returns the recorded result for a stage name, if present.
func (r *PipelineRun) Result(stage string) *StageResult {
	for i := range r.Results {
		if r.Results[i].Stage == stage {
			return &r.Results[i]
		}
	}
	return nil
}

// Trigger is what a webhook delivery or a poll observation boils down
// to. Both sources must produce identical runs for the same pair.
type Trigger struct {
	Branch   string
	Revision string
	Source   TriggerSource
}

type TriggerSource string

const (
	TriggerWebhook TriggerSource = "webhook"
	TriggerPoll    TriggerSource = "poll"
)
