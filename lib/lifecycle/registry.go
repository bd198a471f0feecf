// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package lifecycle tracks every job from submission to a terminal
// state, driving provisioning, execution, checkpointing, and
// interruption recovery.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spotpool/spotpool/lib/broker"
	"github.com/spotpool/spotpool/lib/checkpoint"
	"github.com/spotpool/spotpool/lib/cloud"
	"github.com/spotpool/spotpool/lib/coord"
	"github.com/spotpool/spotpool/lib/provision"
	"github.com/spotpool/spotpool/sdk/go/spotpool"
)

// An Executor runs shell commands on a cluster node.
type Executor interface {
	Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error)
	Close()
}

// An ExecutorFactory builds an Executor for a leased instance.
type ExecutorFactory func(lease *provision.Lease) Executor

// A Registry owns all known jobs and their runners.
type Registry struct {
	logger      logrus.FieldLogger
	broker      *broker.Broker
	coord       *coord.Coordinator
	checkpoints *checkpoint.Controller
	providers   map[string]spotpool.ProviderConfig
	cfg         spotpool.DispatchConfig
	newExecutor ExecutorFactory

	mtx     sync.Mutex
	jobs    map[string]*spotpool.JobRun
	runners map[string]*runner
	subs    map[chan struct{}]struct{}
	stopped bool

	mStates *prometheus.GaugeVec
}

// NewRegistry creates a Registry. newExecutor builds the command
// channel to cluster leaders; tests substitute a stub.
func NewRegistry(logger logrus.FieldLogger, brk *broker.Broker, crd *coord.Coordinator, ckpt *checkpoint.Controller, providers map[string]spotpool.ProviderConfig, cfg spotpool.DispatchConfig, newExecutor ExecutorFactory, reg *prometheus.Registry) *Registry {
	r := &Registry{
		logger:      logger,
		broker:      brk,
		coord:       crd,
		checkpoints: ckpt,
		providers:   providers,
		cfg:         cfg,
		newExecutor: newExecutor,
		jobs:        map[string]*spotpool.JobRun{},
		runners:     map[string]*runner{},
		subs:        map[chan struct{}]struct{}{},
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r.mStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "spotpool",
		Subsystem: "jobs",
		Name:      "count",
		Help:      "Number of jobs in each state.",
	}, []string{"state"})
	reg.MustRegister(r.mStates)
	return r
}

// Submit validates a job spec, registers the job in state Queued, and
// starts its runner. Validation failures leave no job behind.
func (r *Registry) Submit(ctx context.Context, spec spotpool.JobSpec) (spotpool.JobRun, error) {
	if spec.Priority == "" {
		spec.Priority = spotpool.PriorityPrice
	}
	if err := spec.Validate(); err != nil {
		return spotpool.JobRun{}, err
	}
	if err := r.checkConstraints(spec.Constraints); err != nil {
		return spotpool.JobRun{}, err
	}
	job := &spotpool.JobRun{
		UUID:                  spotpool.NewUUID("job"),
		Spec:                  spec,
		State:                 spotpool.StateQueued,
		LastCheckpointedIndex: -1,
		SubmittedAt:           time.Now().UTC(),
	}
	r.mtx.Lock()
	if r.stopped {
		r.mtx.Unlock()
		return spotpool.JobRun{}, fmt.Errorf("registry is shutting down")
	}
	r.jobs[job.UUID] = job
	run := newRunner(r, job)
	r.runners[job.UUID] = run
	submitted := *job
	r.mtx.Unlock()

	r.logger.WithFields(logrus.Fields{
		"JobUUID": job.UUID,
		"Name":    spec.Name,
		"Nodes":   spec.NodeCount,
	}).Info("job submitted")
	r.updateMetrics()
	go run.run()
	return submitted, nil
}

// checkConstraints rejects constraint combinations no configured
// provider can satisfy, so impossible jobs fail at submit time
// instead of queuing forever.
func (r *Registry) checkConstraints(c spotpool.Constraints) error {
	for name, pc := range r.providers {
		// Cloud matches on configured provider name, same as quote
		// ranking; a driver-name match here would admit jobs no
		// quote can ever satisfy.
		if c.Cloud != "" && c.Cloud != name {
			continue
		}
		if c.GPUKind != "" && !cloud.SupportsGPUKind(pc, c.GPUKind) {
			continue
		}
		return nil
	}
	if c.GPUKind != "" {
		return &spotpool.ValidationError{Field: "constraints.gpu_kind", Reason: fmt.Sprintf("no configured provider offers GPU kind %q", c.GPUKind)}
	}
	return &spotpool.ValidationError{Field: "constraints.cloud", Reason: fmt.Sprintf("no configured provider matches cloud %q", c.Cloud)}
}

// Get returns a copy of the job's current record.
func (r *Registry) Get(uuid string) (spotpool.JobRun, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	job, ok := r.jobs[uuid]
	if !ok {
		return spotpool.JobRun{}, false
	}
	return *job, true
}

// List returns copies of all job records, newest submission first.
func (r *Registry) List() []spotpool.JobRun {
	r.mtx.Lock()
	out := make([]spotpool.JobRun, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, *job)
	}
	r.mtx.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out
}

// Cancel requests cancellation of a job. Cancelling a job that is
// already terminal is an error; cancelling twice is not.
func (r *Registry) Cancel(ctx context.Context, uuid string) error {
	r.mtx.Lock()
	job, ok := r.jobs[uuid]
	if !ok {
		r.mtx.Unlock()
		return fmt.Errorf("no such job %s", uuid)
	}
	if job.State.Terminal() {
		state := job.State
		r.mtx.Unlock()
		return fmt.Errorf("job %s is already %s", uuid, state)
	}
	run := r.runners[uuid]
	r.mtx.Unlock()
	run.cancel()
	return nil
}

// Subscribe returns a channel that receives (at most one pending)
// notification each time any job changes state. The caller must
// eventually call Unsubscribe.
func (r *Registry) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	r.mtx.Lock()
	r.subs[ch] = struct{}{}
	r.mtx.Unlock()
	return ch
}

// Unsubscribe stops notifications to ch.
func (r *Registry) Unsubscribe(ch <-chan struct{}) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for sub := range r.subs {
		if sub == ch {
			delete(r.subs, sub)
			close(sub)
			return
		}
	}
}

func (r *Registry) notify() {
	r.mtx.Lock()
	for sub := range r.subs {
		select {
		case sub <- struct{}{}:
		default:
		}
	}
	r.mtx.Unlock()
	r.updateMetrics()
}

func (r *Registry) updateMetrics() {
	counts := map[spotpool.State]int{}
	r.mtx.Lock()
	for _, job := range r.jobs {
		counts[job.State]++
	}
	r.mtx.Unlock()
	for _, state := range spotpool.AllStates {
		r.mStates.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// Close cancels all non-terminal jobs and waits for their runners to
// finish releasing resources.
func (r *Registry) Close() {
	r.mtx.Lock()
	r.stopped = true
	runners := make([]*runner, 0, len(r.runners))
	for _, run := range r.runners {
		runners = append(runners, run)
	}
	r.mtx.Unlock()
	for _, run := range runners {
		run.cancel()
	}
	for _, run := range runners {
		<-run.done
	}
}

// Wait blocks until the job reaches a terminal state or ctx is
// cancelled. Intended for tests and synchronous callers.
func (r *Registry) Wait(ctx context.Context, uuid string) (spotpool.JobRun, error) {
	sub := r.Subscribe()
	defer r.Unsubscribe(sub)
	for {
		job, ok := r.Get(uuid)
		if !ok {
			return spotpool.JobRun{}, fmt.Errorf("no such job %s", uuid)
		}
		if job.State.Terminal() {
			return job, nil
		}
		select {
		case <-sub:
		case <-ctx.Done():
			return job, ctx.Err()
		}
	}
}
