package engine

import (
	"errors"

	"tangled.sh/tangled.sh/dockyard/workflow"
)

var (
	ErrConfiguration = workflow.ErrConfiguration
	ErrBuildFailed   = errors.New("build failed")
	ErrPushFailed    = errors.New("push failed")
	ErrTimedOut      = errors.New("timed out")
)
