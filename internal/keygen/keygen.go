// Package keygen computes the ActionDigest for a task: it applies the
// task's environment filter, hashes declared input files, and folds the
// result into the canonical encoding that is the single source of truth
// for action identity.
package keygen

import (
	"path/filepath"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/forgecache/cachecore/internal/digest"
	"github.com/forgecache/cachecore/internal/errors"
)

// ExecutionKind distinguishes a TaskDefinition's command-or-script mode.
type ExecutionKind uint8

const (
	ExecutionCommand ExecutionKind = iota
	ExecutionScript
)

// ExecutionMode is a task's command-or-script body, tagged by kind.
type ExecutionMode struct {
	Kind  ExecutionKind
	Value string
}

// EnvFilter narrows which environment variables feed into an action's
// digest. Include, when non-empty, restricts to matching variables;
// Exclude always removes matches, applied after Include and after the
// DefaultExcludedEnvVars.
type EnvFilter struct {
	Include []string
	Exclude []string
}

// CachePolicy controls whether and how an action participates in the
// action cache.
type CachePolicy struct {
	Enabled   bool
	CustomKey string
	EnvFilter EnvFilter
}

// TaskDefinition is the caller-supplied description of a single action.
type TaskDefinition struct {
	Name           string
	Mode           ExecutionMode
	WorkingDir     string
	Shell          string
	InputPatterns  []string
	OutputPatterns []string
	Timeout        time.Duration
	Policy         CachePolicy
}

// ActionComponents is the canonicalized content an ActionDigest is
// computed from. Every field must be deterministic across hosts and
// runs: maps are encoded with sorted keys by digest.Canonical.
type ActionComponents struct {
	TaskName        string
	CommandOrScript string
	WorkingDir      string
	FilteredEnv     map[string]string
	InputHashes     map[string]digest.Digest
	ConfigHash      digest.Digest
}

// DefaultExcludedEnvVars are always stripped from a task's environment
// before it contributes to an ActionDigest, regardless of the task's own
// EnvFilter: they vary between otherwise-identical invocations and would
// otherwise make I5 (digest determinism) unachievable.
var DefaultExcludedEnvVars = []string{
	"PWD",
	"OLDPWD",
	"SHLVL",
	"TERM",
	"TERM_SESSION_ID",
	"_",
	"COLUMNS",
	"LINES",
	"HISTFILE",
	"HISTSIZE",
}

// FilterEnv applies filter (and the default exclusions) to env, returning
// a fresh map safe to mutate.
func FilterEnv(env map[string]string, filter EnvFilter) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if matchesAny(DefaultExcludedEnvVars, k) {
			continue
		}
		if len(filter.Include) > 0 && !matchesAny(filter.Include, k) {
			continue
		}
		if matchesAny(filter.Exclude, k) {
			continue
		}
		out[k] = v
	}
	return out
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// ComputeDigest computes the ActionDigest for task, hermetically: it
// filters env per task.Policy.EnvFilter, glob-expands task.InputPatterns
// relative to workingDir and hashes each matched file's contents, then
// folds task's own canonical form in as ConfigHash.
func ComputeDigest(task TaskDefinition, workingDir string, env map[string]string) (digest.Digest, error) {
	filtered := FilterEnv(env, task.Policy.EnvFilter)

	inputHashes, err := hashInputs(workingDir, task.InputPatterns)
	if err != nil {
		return digest.Digest{}, err
	}

	configHash, err := hashTaskDefinition(task)
	if err != nil {
		return digest.Digest{}, err
	}

	components := ActionComponents{
		TaskName:        task.Name,
		CommandOrScript: task.Mode.Value,
		WorkingDir:      workingDir,
		FilteredEnv:     filtered,
		InputHashes:     inputHashes,
		ConfigHash:      configHash,
	}

	canon, err := digest.Canonical(components)
	if err != nil {
		return digest.Digest{}, errors.Wrap(err, errors.CodeSerialization, "canonicalizing action components")
	}
	return digest.Bytes(canon), nil
}

// hashInputs glob-expands patterns relative to workingDir (deterministic,
// sorted match order) and hashes each matched file's contents.
func hashInputs(workingDir string, patterns []string) (map[string]digest.Digest, error) {
	seen := make(map[string]struct{})
	var paths []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(workingDir, pattern))
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInvalidArgument, "expanding input glob pattern").WithContext("pattern", pattern)
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			paths = append(paths, m)
		}
	}
	slices.Sort(paths)

	hashes := make(map[string]digest.Digest, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(workingDir, p)
		if err != nil {
			rel = p
		}
		h, _, err := digest.File(p)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeIo, "hashing action input").WithContext("path", p)
		}
		hashes[rel] = h
	}
	return hashes, nil
}

func hashTaskDefinition(task TaskDefinition) (digest.Digest, error) {
	canon, err := digest.Canonical(task)
	if err != nil {
		return digest.Digest{}, errors.Wrap(err, errors.CodeSerialization, "canonicalizing task definition")
	}
	return digest.Bytes(canon), nil
}

// SortedEnvKeys returns env's keys in sorted order, a small convenience
// used by callers that render a filtered environment for logging.
func SortedEnvKeys(env map[string]string) []string {
	keys := maps.Keys(env)
	slices.Sort(keys)
	return keys
}
