// Package script runs pre-build scripts and captures the variables they set.
//
// A script is wrapped so that the shell environment is dumped once before the
// user content runs and once when the shell exits. Every assignment in the
// script is exported (`set -a`), so plain `VERSION=1.2.3` lines are captured
// as well as explicit exports. The difference between the two dumps is the
// set of variables the script produced.
package script

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrScriptFailed = errors.New("script failed")

const (
	BeforeFile = "env.before"
	AfterFile  = "env.after"
	ScriptFile = "script.sh"
)

// shell bookkeeping that changes on its own and is never a script output
var ignored = map[string]bool{
	"_":      true,
	"SHLVL":  true,
	"PWD":    true,
	"OLDPWD": true,
}

// Wrap returns a bash program running content with its exported
// environment dumped to stateDir before and after.
func Wrap(content, stateDir string) string {
	before := stateDir + "/" + BeforeFile
	after := stateDir + "/" + AfterFile

	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\n")
	b.WriteString("set -e\n")
	// compgen instead of `env -0` so that busybox based images work too
	b.WriteString(`__dockyard_dump() { local n; for n in $(compgen -e); do printf '%s=%s\0' "$n" "${!n}"; done > "$1"; }` + "\n")
	fmt.Fprintf(&b, "__dockyard_after=%s\n", quote(after))
	fmt.Fprintf(&b, "__dockyard_dump %s\n", quote(before))
	b.WriteString("trap '__dockyard_dump \"$__dockyard_after\"' EXIT\n")
	b.WriteString("set -a\n")
	b.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

// ParseEnv parses NUL separated KEY=value records.
func ParseEnv(data []byte) map[string]string {
	env := make(map[string]string)
	for _, kv := range bytes.Split(data, []byte{0}) {
		if len(kv) == 0 {
			continue
		}
		k, v, ok := strings.Cut(string(kv), "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env
}

// Diff returns the variables of after that are new or carry a different
// value than in before.
func Diff(before, after map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range after {
		if ignored[k] {
			continue
		}
		if old, ok := before[k]; ok && old == v {
			continue
		}
		out[k] = v
	}
	return out
}

// EnvList renders env as sorted KEY=value pairs.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
