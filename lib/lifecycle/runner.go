// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spotpool/spotpool/lib/cloud"
	"github.com/spotpool/spotpool/lib/coord"
	"github.com/spotpool/spotpool/lib/sshexecutor"
	"github.com/spotpool/spotpool/sdk/go/spotpool"
)

var errCancelled = errors.New("job cancelled")

// A runner drives one job from Queued to a terminal state.
type runner struct {
	registry *Registry
	job      *spotpool.JobRun
	logger   logrus.FieldLogger

	ctx      context.Context
	cancelFn context.CancelFunc
	done     chan struct{}
}

func newRunner(r *Registry, job *spotpool.JobRun) *runner {
	ctx, cancelFn := context.WithCancel(context.Background())
	return &runner{
		registry: r,
		job:      job,
		logger:   r.logger.WithField("JobUUID", job.UUID),
		ctx:      ctx,
		cancelFn: cancelFn,
		done:     make(chan struct{}),
	}
}

func (run *runner) cancel() { run.cancelFn() }

// setState transitions the job, updating bookkeeping shared with the
// registry's read paths.
func (run *runner) setState(state spotpool.State, reason string) {
	run.registry.mtx.Lock()
	run.job.State = state
	run.job.Reason = reason
	if state.Terminal() {
		run.job.FinishedAt = time.Now().UTC()
	}
	run.registry.mtx.Unlock()
	run.logger.WithFields(logrus.Fields{"State": state, "Reason": reason}).Info("state changed")
	run.registry.notify()
}

func (run *runner) run() {
	defer close(run.done)
	defer run.cancelFn()

	var cluster *coord.Cluster
	defer func() {
		if cluster != nil {
			cluster.Release(context.Background())
		}
	}()

	budget := run.registry.cfg.RetryBudget
	for {
		if cluster == nil {
			var err error
			cluster, err = run.provisionCluster()
			if err == errCancelled {
				run.setState(spotpool.StateCancelled, "cancelled by user")
				return
			}
			if err != nil {
				run.setState(spotpool.StateFailed, err.Error())
				return
			}
		}

		outcome, lost := run.execute(cluster)
		switch outcome {
		case outcomeCompleted:
			cluster.Release(context.Background())
			cluster = nil
			run.setState(spotpool.StateCompleted, "")
			return
		case outcomeCancelled:
			cluster.Release(context.Background())
			cluster = nil
			run.setState(spotpool.StateCancelled, "cancelled by user")
			return
		case outcomeCommandFailed:
			cluster.Release(context.Background())
			cluster = nil
			run.registry.mtx.Lock()
			reason := run.job.Reason
			run.registry.mtx.Unlock()
			run.setState(spotpool.StateFailed, reason)
			return
		case outcomeInterrupted:
			run.registry.mtx.Lock()
			run.job.Interruptions++
			interruptions := run.job.Interruptions
			run.registry.mtx.Unlock()
			run.setState(spotpool.StateInterrupted, lost.Reason)
			if interruptions > budget {
				cluster.Release(context.Background())
				cluster = nil
				run.setState(spotpool.StateFailed, fmt.Sprintf("exceeded interruption retry budget (%d)", budget))
				return
			}
			run.setState(spotpool.StateResuming, "")
			// A single-node job has no surviving fabric to
			// preserve, so go back to the broker for fresh quotes
			// instead of replacing the instance like-for-like.
			if run.job.Spec.NodeCount == 1 || !run.repair(cluster, lost) {
				cluster.Release(context.Background())
				cluster = nil
			}
			if run.ctx.Err() != nil {
				run.setState(spotpool.StateCancelled, "cancelled by user")
				return
			}
		}
	}
}

// provisionCluster ranks current quotes and tries them in order until
// a full cluster forms. Returns errCancelled if the job was cancelled
// while provisioning.
func (run *runner) provisionCluster() (*coord.Cluster, error) {
	run.setState(spotpool.StateProvisioning, "")
	run.registry.mtx.Lock()
	run.job.Attempts++
	spec := run.job.Spec
	run.registry.mtx.Unlock()

	quotes := run.registry.broker.Rank(run.ctx, spec.Constraints, spec.Priority)
	if run.ctx.Err() != nil {
		return nil, errCancelled
	}
	if len(quotes) == 0 {
		return nil, errors.New("no eligible capacity: no provider returned a matching quote")
	}
	readyTimeout := time.Duration(run.registry.cfg.ReadinessTimeout)
	tags := cloud.InstanceTags{run.registry.cfg.TagKeyPrefix + "job": run.job.UUID}
	var lastErr error
	for _, q := range quotes {
		cluster, err := run.registry.coord.Form(run.ctx, q, spec.NodeCount, readyTimeout, tags)
		if err == nil {
			run.registry.mtx.Lock()
			run.job.ClusterID = cluster.ID
			run.job.InstanceIDs = nil
			for _, m := range cluster.Members() {
				run.job.InstanceIDs = append(run.job.InstanceIDs, string(m.Instance.ID))
			}
			if run.job.StartedAt.IsZero() {
				run.job.StartedAt = time.Now().UTC()
			}
			run.registry.mtx.Unlock()
			return cluster, nil
		}
		if run.ctx.Err() != nil {
			return nil, errCancelled
		}
		lastErr = err
		run.logger.WithFields(logrus.Fields{
			"Provider":     q.Provider,
			"InstanceType": q.InstanceType.Name,
		}).WithError(err).Warn("quote unusable, trying next")
	}
	return nil, fmt.Errorf("no eligible capacity: %w", lastErr)
}

// repair attempts single-member replacement after a loss. It reports
// whether the cluster is whole again.
func (run *runner) repair(cluster *coord.Cluster, lost coord.MemberLoss) bool {
	readyTimeout := time.Duration(run.registry.cfg.ReadinessTimeout)
	_, err := cluster.ReplaceMember(run.ctx, lost.Index, readyTimeout)
	if err != nil {
		run.logger.WithError(err).Warn("member replacement failed, reforming cluster")
		return false
	}
	run.registry.mtx.Lock()
	run.job.InstanceIDs = nil
	for _, m := range cluster.Members() {
		run.job.InstanceIDs = append(run.job.InstanceIDs, string(m.Instance.ID))
	}
	run.registry.mtx.Unlock()
	return true
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeCommandFailed
	outcomeInterrupted
	outcomeCancelled
)

type cmdResult struct {
	stderr []byte
	err    error
}

// execute runs the job's commands on the cluster leader, starting at
// the resume index, checkpointing output paths after each command.
func (run *runner) execute(cluster *coord.Cluster) (outcome, coord.MemberLoss) {
	run.setState(spotpool.StateRunning, "")
	spec := run.job.Spec
	exr := run.registry.newExecutor(cluster.Leader())
	defer exr.Close()

	env := map[string]string{
		"SPOTPOOL_JOB_UUID":     run.job.UUID,
		"SPOTPOOL_CLUSTER_ID":   cluster.ID,
		"SPOTPOOL_LEADER_ADDR":  cluster.Fabric.LeaderAddress,
		"SPOTPOOL_FABRIC_TOKEN": cluster.Fabric.Token,
		"SPOTPOOL_WORLD_SIZE":   fmt.Sprintf("%d", cluster.Size()),
	}

	if oc, loss := run.bootProbe(cluster, exr); oc != outcomeCompleted {
		return oc, loss
	}

	start := run.registry.checkpoints.ResumeIndex(run.job.UUID)
	env["SPOTPOOL_RESUME_INDEX"] = fmt.Sprintf("%d", start)
	for idx := start; idx < len(spec.Commands); idx++ {
		resultCh := make(chan cmdResult, 1)
		cmd := spec.Commands[idx]
		go func() {
			_, stderr, err := exr.Execute(env, cmd, nil)
			resultCh <- cmdResult{stderr: stderr, err: err}
		}()
		select {
		case res := <-resultCh:
			if res.err != nil {
				code := sshexecutor.ExitCode(res.err)
				run.registry.mtx.Lock()
				run.job.ExitCode = &code
				run.registry.mtx.Unlock()
				reason := fmt.Sprintf("command %d failed with exit code %d", idx, code)
				if msg := strings.TrimSpace(string(res.stderr)); msg != "" {
					reason += ": " + lastLine(msg)
				}
				run.registry.mtx.Lock()
				run.job.Reason = reason
				run.registry.mtx.Unlock()
				return outcomeCommandFailed, coord.MemberLoss{}
			}
			if err := run.checkpoint(exr, idx); err != nil {
				run.logger.WithError(err).WithField("Index", idx).Error("checkpoint could not be stored")
				run.registry.mtx.Lock()
				run.job.Reason = fmt.Sprintf("checkpoint %d could not be stored: %s", idx, err)
				run.registry.mtx.Unlock()
				return outcomeCommandFailed, coord.MemberLoss{}
			}
		case loss := <-cluster.Losses():
			run.logger.WithFields(logrus.Fields{
				"Instance": loss.Instance,
				"Reason":   loss.Reason,
			}).Warn("cluster member lost during command")
			return outcomeInterrupted, loss
		case <-run.ctx.Done():
			return outcomeCancelled, coord.MemberLoss{}
		}
	}
	return outcomeCompleted, coord.MemberLoss{}
}

// bootProbe waits for the configured readiness probe to succeed on
// the leader, retrying at the readiness poll interval. A leader that
// never passes the probe is treated like a lost member.
func (run *runner) bootProbe(cluster *coord.Cluster, exr Executor) (outcome, coord.MemberLoss) {
	cmd := run.registry.cfg.BootProbeCommand
	if cmd == "" {
		return outcomeCompleted, coord.MemberLoss{}
	}
	poll := time.Duration(run.registry.cfg.ReadinessPoll)
	if poll <= 0 {
		poll = time.Second
	}
	deadline := time.Now().Add(time.Duration(run.registry.cfg.ReadinessTimeout))
	var err error
	for {
		if _, _, err = exr.Execute(nil, cmd, nil); err == nil {
			return outcomeCompleted, coord.MemberLoss{}
		}
		if time.Now().After(deadline) {
			run.logger.WithError(err).Warn("boot probe never succeeded")
			return outcomeInterrupted, coord.MemberLoss{
				Index:    0,
				Instance: cluster.Leader().Instance.ID,
				Reason:   fmt.Sprintf("boot probe %q did not succeed: %s", cmd, err),
			}
		}
		select {
		case <-time.After(poll):
		case loss := <-cluster.Losses():
			return outcomeInterrupted, loss
		case <-run.ctx.Done():
			return outcomeCancelled, coord.MemberLoss{}
		}
	}
}

// checkpoint snapshots the declared output paths from the leader and
// appends a checkpoint for command idx. Store failures are retried
// with backoff before being reported; a completed command without a
// stored checkpoint would resume from the wrong index.
func (run *runner) checkpoint(exr Executor, idx int) error {
	files := map[string][]byte{}
	for _, path := range run.job.Spec.OutputPaths {
		stdout, _, err := exr.Execute(nil, "cat "+path, nil)
		if err != nil {
			// A declared output that doesn't exist yet is not an
			// error; it will appear in a later checkpoint.
			continue
		}
		files[path] = stdout
	}
	retries := run.registry.cfg.TransientRetries
	if retries < 1 {
		retries = 1
	}
	backoff := time.Duration(run.registry.cfg.TransientBackoff)
	var err error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			run.logger.WithError(err).WithField("Index", idx).Warn("checkpoint store failed, retrying")
			select {
			case <-time.After(backoff << (attempt - 1)):
			case <-run.ctx.Done():
				return run.ctx.Err()
			}
		}
		if _, err = run.registry.checkpoints.Record(run.ctx, run.job.UUID, idx, files); err == nil {
			break
		}
	}
	if err != nil {
		return err
	}
	run.registry.mtx.Lock()
	run.job.LastCheckpointedIndex = idx
	run.registry.mtx.Unlock()
	run.registry.notify()
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
