package workflow

import (
	"path"
	"slices"

	"github.com/go-git/go-git/v5/plumbing"
)

type TriggerKind string

const (
	TriggerKindPush   TriggerKind = "push"
	TriggerKindManual TriggerKind = "manual"
)

// Trigger describes the event a run is being considered for.
type Trigger struct {
	Kind TriggerKind `json:"kind"`

	// only set for push triggers
	Ref string `json:"ref,omitempty"`
	Sha string `json:"sha,omitempty"`

	// who asked for the run, informational
	Actor string `json:"actor,omitempty"`
}

func ManualTrigger(actor string) Trigger {
	return Trigger{Kind: TriggerKindManual, Actor: actor}
}

func PushTrigger(ref, sha string) Trigger {
	return Trigger{Kind: TriggerKindPush, Ref: ref, Sha: sha}
}

// Match reports whether the job should run for the trigger. Explicit
// invocations always run the job; automatic triggers run it only if one of
// its enabled constraints matches. A job without constraints is never
// started automatically.
func (j *Job) Match(trigger Trigger) bool {
	if trigger.Kind == TriggerKindManual {
		return true
	}

	for _, c := range j.When {
		if c.Match(trigger) {
			return true
		}
	}

	return false
}

// AutoTriggered reports whether any automatic trigger can start the job at
// all.
func (j *Job) AutoTriggered() bool {
	for _, c := range j.When {
		if c.IsEnabled() && len(c.Event) > 0 {
			return true
		}
	}
	return false
}

func (c *Constraint) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c *Constraint) Match(trigger Trigger) bool {
	// manual triggers always pass this constraint
	if trigger.Kind == TriggerKindManual {
		return true
	}

	if !c.IsEnabled() {
		return false
	}

	match := c.MatchEvent(trigger.Kind)

	// apply ref constraints for pushes
	if trigger.Kind == TriggerKindPush {
		match = match && c.MatchRef(trigger.Ref)
	}

	return match
}

func (c *Constraint) MatchEvent(kind TriggerKind) bool {
	return slices.Contains(c.Event, string(kind))
}

// IsPushRef reports whether ref is a full branch or tag ref such as
// "refs/heads/main". Push constraints can only match those.
func IsPushRef(ref string) bool {
	refName := plumbing.ReferenceName(ref)
	return refName.IsBranch() || refName.IsTag()
}

// MatchRef matches branch refs against the branch list and tag refs against
// the tag globs. A constraint with neither list matches any ref.
func (c *Constraint) MatchRef(ref string) bool {
	if len(c.Branch) == 0 && len(c.Tag) == 0 {
		return true
	}

	refName := plumbing.ReferenceName(ref)
	switch {
	case refName.IsBranch():
		return c.MatchBranch(refName.Short())
	case refName.IsTag():
		return c.MatchTag(refName.Short())
	}
	return false
}

func (c *Constraint) MatchBranch(branch string) bool {
	return slices.Contains(c.Branch, branch)
}

func (c *Constraint) MatchTag(tag string) bool {
	for _, pattern := range c.Tag {
		if ok, err := path.Match(pattern, tag); err == nil && ok {
			return true
		}
	}
	return false
}
