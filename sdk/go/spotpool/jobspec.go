// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package spotpool provides types shared by the spotpool control
// plane components and their clients.
package spotpool

import (
	"fmt"

	"github.com/google/shlex"
)

// Priority selects the objective used to rank candidate instances.
type Priority string

const (
	PriorityPrice Priority = "price" // cheapest first
	PriorityTime  Priority = "time"  // fastest first
)

// Constraints restrict which (provider, region, instance type) tuples
// are eligible to run a job. Empty fields mean "no preference".
type Constraints struct {
	Cloud   string `json:"cloud,omitempty"`
	Region  string `json:"region,omitempty"`
	GPUKind string `json:"gpu_kind,omitempty"`
}

// A JobSpec is the immutable, declarative description of one job. It
// is created once at submission and never mutated afterwards.
type JobSpec struct {
	Name string `json:"name,omitempty"`

	// Shell commands executed in order on the lead node. After an
	// interruption the job resumes at the first command that has no
	// checkpoint; commands are expected to be safe to re-run from
	// their last checkpointed state.
	Commands []string `json:"commands"`

	// Number of instances to provision. 1 for a single-node job.
	NodeCount int `json:"node_count"`

	Constraints Constraints `json:"constraints"`
	Priority    Priority    `json:"priority"`

	// Paths whose contents are snapshotted into durable storage
	// after each command completes.
	OutputPaths []string `json:"output_paths,omitempty"`

	// Patterns excluded from project upload.
	IgnorePatterns []string `json:"ignore_patterns,omitempty"`

	// Reference to the uploaded project artifact the commands run
	// against.
	ProjectRef string `json:"project_ref,omitempty"`
}

// ValidationError reports a JobSpec that was rejected at submission,
// before any provisioning.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job spec: %s: %s", e.Field, e.Reason)
}

// Validate checks the parts of a JobSpec that can be checked without
// consulting provider catalogs. Constraint compatibility (e.g., GPU
// kind offered by the named cloud) is checked by the submitting
// component.
func (spec *JobSpec) Validate() error {
	if len(spec.Commands) == 0 {
		return &ValidationError{Field: "commands", Reason: "at least one command is required"}
	}
	for i, cmd := range spec.Commands {
		words, err := shlex.Split(cmd)
		if err != nil {
			return &ValidationError{Field: fmt.Sprintf("commands[%d]", i), Reason: err.Error()}
		}
		if len(words) == 0 {
			return &ValidationError{Field: fmt.Sprintf("commands[%d]", i), Reason: "empty command"}
		}
	}
	if spec.NodeCount < 1 {
		return &ValidationError{Field: "node_count", Reason: "must be at least 1"}
	}
	switch spec.Priority {
	case PriorityPrice, PriorityTime:
	default:
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", spec.Priority)}
	}
	return nil
}
