package engine

import (
	"maps"

	"tangled.sh/tangled.sh/dockyard/dockyard/models"
	"tangled.sh/tangled.sh/dockyard/workflow"
)

// RunEnv holds the variables visible to the steps of a run: the job
// environment, overlaid by whatever pre-build scripts export.
type RunEnv map[string]string

// NewRunEnv seeds the environment of a run. The DOCKYARD_* variables always
// win over the job's own environment.
func NewRunEnv(job workflow.Job, rid models.RunId, trigger workflow.Trigger) RunEnv {
	env := make(RunEnv, len(job.Environment)+5)
	maps.Copy(env, job.Environment)

	env["DOCKYARD_JOB"] = job.Name
	env["DOCKYARD_RUN_ID"] = rid.Id
	env["DOCKYARD_TRIGGER"] = string(trigger.Kind)
	if trigger.Ref != "" {
		env["DOCKYARD_REF"] = trigger.Ref
	}
	if trigger.Sha != "" {
		env["DOCKYARD_SHA"] = trigger.Sha
	}

	return env
}

// Merge overlays vars onto the environment.
func (e RunEnv) Merge(vars map[string]string) {
	maps.Copy(e, vars)
}

// Map returns a copy that callers may modify.
func (e RunEnv) Map() map[string]string {
	return maps.Clone(map[string]string(e))
}
