package models

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var (
	re = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

// RunId identifies a single run of a job.
type RunId struct {
	Job string
	Id  string
}

func NewRunId(job string) RunId {
	return RunId{Job: job, Id: uuid.NewString()}
}

// String is safe to use in file and image names.
func (r RunId) String() string {
	return fmt.Sprintf("%s-%s", normalize(r.Job), r.Id)
}

// Short is the first block of the run's uuid.
func (r RunId) Short() string {
	if len(r.Id) >= 8 {
		return r.Id[:8]
	}
	return r.Id
}

func normalize(name string) string {
	normalized := re.ReplaceAllString(name, "-")
	return normalized
}

type StatusKind string

var (
	// step statuses
	StepStatusStart StepStatus = "start"
	StepStatusEnd   StepStatus = "end"

	// run statuses
	StatusKindPending   StatusKind = "pending"
	StatusKindRunning   StatusKind = "running"
	StatusKindFailed    StatusKind = "failed"
	StatusKindTimeout   StatusKind = "timeout"
	StatusKindCancelled StatusKind = "cancelled"
	StatusKindSuccess   StatusKind = "success"

	StartStates  [2]StatusKind = [2]StatusKind{StatusKindPending, StatusKindRunning}
	FinishStates [4]StatusKind = [4]StatusKind{StatusKindCancelled, StatusKindFailed, StatusKindSuccess, StatusKindTimeout}
)

func (s StatusKind) IsStart() bool {
	for _, state := range StartStates {
		if s == state {
			return true
		}
	}
	return false
}

func (s StatusKind) IsFinish() bool {
	for _, state := range FinishStates {
		if s == state {
			return true
		}
	}
	return false
}

type StepStatus string
