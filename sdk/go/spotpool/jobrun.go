// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package spotpool

import (
	"crypto/rand"
	"fmt"
	"time"
)

// State is a JobRun lifecycle state. A JobRun is in exactly one state
// at a time.
type State string

const (
	StateQueued       State = "Queued"
	StateProvisioning State = "Provisioning"
	StateRunning      State = "Running"
	StateInterrupted  State = "Interrupted"
	StateResuming     State = "Resuming"
	StateCompleted    State = "Completed"
	StateFailed       State = "Failed"
	StateCancelled    State = "Cancelled"
)

// AllStates lists every lifecycle state, in the order a job normally
// moves through them.
var AllStates = []State{
	StateQueued,
	StateProvisioning,
	StateRunning,
	StateInterrupted,
	StateResuming,
	StateCompleted,
	StateFailed,
	StateCancelled,
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// A JobRun is the mutable record of one execution attempt of a
// JobSpec. It is owned exclusively by the job lifecycle manager.
type JobRun struct {
	UUID string  `json:"uuid"`
	Spec JobSpec `json:"spec"`

	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"` // human-readable, set on terminal states

	ClusterID   string   `json:"cluster_id,omitempty"`
	InstanceIDs []string `json:"instance_ids,omitempty"`

	// Index of the last command that completed and was
	// checkpointed, or -1 if none has.
	LastCheckpointedIndex int `json:"last_checkpointed_index"`

	Interruptions int `json:"interruptions"`
	Attempts      int `json:"attempts"` // provisioning attempts, including the first

	ExitCode *int `json:"exit_code,omitempty"` // set when a command fails

	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// A Checkpoint records durable job progress: the index of the last
// completed command and a content-addressed reference to the snapshot
// of declared output paths. Checkpoints form an append-only log; only
// the latest one is read on resume.
type Checkpoint struct {
	JobUUID     string    `json:"job_uuid"`
	Index       int       `json:"index"`
	SnapshotRef string    `json:"snapshot_ref"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewUUID returns a random identifier with the given short prefix,
// e.g. "job-4cf3dd0a96d8b2f1".
func NewUUID(prefix string) string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%s-%x", prefix, buf)
}
