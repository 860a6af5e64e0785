package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CheckKind selects the executor for a configured check.
type CheckKind string

const (
	CheckKindWorkflow CheckKind = "forge_workflow"
	CheckKindScript   CheckKind = "local_script"
)

const (
	DefaultCheckTimeout  = 600 * time.Second
	DefaultMaxConcurrent = 5
)

// KindConfig carries the executor-specific settings of a check. Exactly the
// fields matching the check's kind are consulted.
type KindConfig struct {
	// forge_workflow
	Workflow string            `json:"workflow,omitempty" yaml:"workflow,omitempty"`
	Ref      string            `json:"ref,omitempty" yaml:"ref,omitempty"`
	Inputs   map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// local_script
	Script   string   `json:"script,omitempty" yaml:"script,omitempty"`
	Args     []string `json:"args,omitempty" yaml:"args,omitempty"`
	Checkout bool     `json:"checkout,omitempty" yaml:"checkout,omitempty"`
}

// CheckSpec is one configured check within the set.
type CheckSpec struct {
	ID             string     `json:"id" yaml:"id"`
	Name           string     `json:"name,omitempty" yaml:"name,omitempty"`
	Kind           CheckKind  `json:"kind" yaml:"kind"`
	KindConfig     KindConfig `json:"kind_config" yaml:"kind_config"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	DependsOn      []string   `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// DisplayName returns the human-facing name, falling back to the id.
func (s CheckSpec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Timeout returns the effective per-check timeout.
func (s CheckSpec) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return DefaultCheckTimeout
}

// CheckConfiguration is the full check set driven for each queue entry.
type CheckConfiguration struct {
	Checks        []CheckSpec `json:"checks" yaml:"checks"`
	FailFast      bool        `json:"fail_fast" yaml:"fail_fast"`
	MaxConcurrent int         `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
}

// Concurrency returns the effective parallelism bound.
func (c CheckConfiguration) Concurrency() int64 {
	if c.MaxConcurrent > 0 {
		return int64(c.MaxConcurrent)
	}
	return DefaultMaxConcurrent
}

// Empty reports whether the set contains no checks.
func (c CheckConfiguration) Empty() bool { return len(c.Checks) == 0 }

// Fingerprint returns a stable digest of the configuration. Cached check
// results are only valid for the configuration they were produced under.
func (c CheckConfiguration) Fingerprint() string {
	raw, err := json.Marshal(c)
	if err != nil {
		return "unmarshalable"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Validate checks structural soundness: unique ids, known kinds, kind config
// present, resolvable dependencies and an acyclic dependency graph.
func (c CheckConfiguration) Validate() error {
	var errs []error

	ids := make(map[string]bool, len(c.Checks))
	for _, chk := range c.Checks {
		if chk.ID == "" {
			errs = append(errs, errors.New("check id must not be empty"))
			continue
		}
		if ids[chk.ID] {
			errs = append(errs, fmt.Errorf("duplicate check id %q", chk.ID))
		}
		ids[chk.ID] = true

		switch chk.Kind {
		case CheckKindWorkflow:
			if chk.KindConfig.Workflow == "" {
				errs = append(errs, fmt.Errorf("check %q: workflow file is required for %s", chk.ID, CheckKindWorkflow))
			}
		case CheckKindScript:
			if chk.KindConfig.Script == "" {
				errs = append(errs, fmt.Errorf("check %q: script path is required for %s", chk.ID, CheckKindScript))
			}
		default:
			errs = append(errs, fmt.Errorf("check %q: unknown kind %q", chk.ID, chk.Kind))
		}
		if chk.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Errorf("check %q: timeout must not be negative", chk.ID))
		}
	}

	for _, chk := range c.Checks {
		for _, dep := range chk.DependsOn {
			if !ids[dep] {
				errs = append(errs, fmt.Errorf("check %q depends on unknown check %q", chk.ID, dep))
			}
		}
	}
	if c.MaxConcurrent < 0 {
		errs = append(errs, errors.New("max_concurrent must not be negative"))
	}

	if len(errs) == 0 {
		if cycle := c.findCycle(); len(cycle) > 0 {
			errs = append(errs, fmt.Errorf("dependency cycle: %v", cycle))
		}
	}

	return errors.Join(errs...)
}

// findCycle runs a three-color DFS over the dependency graph and returns the
// first cycle found, or nil.
func (c CheckConfiguration) findCycle() []string {
	deps := make(map[string][]string, len(c.Checks))
	for _, chk := range c.Checks {
		deps[chk.ID] = chk.DependsOn
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						return append(append([]string{}, stack[i:]...), dep)
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		color[id] = black
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, chk := range c.Checks {
		if color[chk.ID] == white {
			if cycle := visit(chk.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// LoadCheckFile reads and validates a YAML check-set file.
func LoadCheckFile(path string) (CheckConfiguration, error) {
	var cfg CheckConfiguration
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading check file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing check file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid check file %s: %w", path, err)
	}
	return cfg, nil
}
