// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lifecycle

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spotpool/spotpool/lib/blobstore"
	"github.com/spotpool/spotpool/lib/broker"
	"github.com/spotpool/spotpool/lib/checkpoint"
	"github.com/spotpool/spotpool/lib/cloud"
	"github.com/spotpool/spotpool/lib/cloud/stub"
	"github.com/spotpool/spotpool/lib/coord"
	"github.com/spotpool/spotpool/lib/provision"
	"github.com/spotpool/spotpool/sdk/go/ctxlog"
	"github.com/spotpool/spotpool/sdk/go/spotpool"
	check "gopkg.in/check.v1"
)

// scriptedExecutor stands in for the SSH channel to a cluster leader.
// Commands append to a simulated filesystem; "cat X" reads from it.
type scriptedExecutor struct {
	mtx      sync.Mutex
	files    map[string][]byte
	ran      []string
	failCmd  string        // this command fails
	blockCmd string        // this command blocks on blockCh
	blockAll bool          // if set, blockCmd blocks on every run, not just the first
	blockCh  chan struct{}
	blocked  bool
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		files:   map[string][]byte{},
		blockCh: make(chan struct{}),
	}
}

func (sx *scriptedExecutor) Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	if path, ok := strings.CutPrefix(cmd, "cat "); ok {
		sx.mtx.Lock()
		defer sx.mtx.Unlock()
		content, ok := sx.files[path]
		if !ok {
			return nil, []byte("cat: " + path + ": No such file or directory"), errors.New("exit status 1")
		}
		return content, nil, nil
	}
	sx.mtx.Lock()
	sx.ran = append(sx.ran, cmd)
	shouldBlock := cmd == sx.blockCmd && (sx.blockAll || !sx.blocked)
	if cmd == sx.blockCmd {
		sx.blocked = true
	}
	sx.mtx.Unlock()
	if shouldBlock {
		<-sx.blockCh
	}
	if cmd == sx.failCmd {
		return nil, []byte("boom"), errors.New("exit status 1")
	}
	sx.mtx.Lock()
	sx.files["out.txt"] = []byte("after " + cmd)
	sx.mtx.Unlock()
	return nil, nil, nil
}

func (sx *scriptedExecutor) Close() {}

func (sx *scriptedExecutor) commands() []string {
	sx.mtx.Lock()
	defer sx.mtx.Unlock()
	out := make([]string, len(sx.ran))
	copy(out, sx.ran)
	return out
}

// failingStore rejects all writes, standing in for a blobstore
// outage.
type failingStore struct {
	blobstore.Store
}

func (failingStore) Put(ctx context.Context, data []byte) (blobstore.Ref, error) {
	return "", errors.New("store unavailable")
}

var _ = check.Suite(&LifecycleSuite{})

type LifecycleSuite struct {
	stub  *stub.InstanceSet
	store *blobstore.MemoryStore
	ckpt  *checkpoint.Controller
	exec  *scriptedExecutor
	reg   *Registry
}

func (s *LifecycleSuite) providerConfigs() map[string]spotpool.ProviderConfig {
	return map[string]spotpool.ProviderConfig{
		"stub": {
			Driver:  "stub",
			Regions: []string{"us-east"},
			InstanceTypes: []spotpool.InstanceType{
				{Name: "g1", ProviderType: "g1.8x", GPUKind: "a100", Price: 1.0, SpeedRank: 10},
			},
		},
	}
}

func (s *LifecycleSuite) dispatchConfig() spotpool.DispatchConfig {
	return spotpool.DispatchConfig{
		QuoteTimeout:      spotpool.Duration(100 * time.Millisecond),
		ProvisionTimeout:  spotpool.Duration(time.Second),
		ReadinessTimeout:  spotpool.Duration(time.Second),
		ReadinessPoll:     spotpool.Duration(time.Millisecond),
		HeartbeatInterval: spotpool.Duration(time.Millisecond),
		HeartbeatMisses:   3,
		RetryBudget:       3,
		TransientRetries:  1,
		QuoteCacheTTL:     spotpool.Duration(time.Millisecond),
	}
}

func (s *LifecycleSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	providers := s.providerConfigs()
	s.stub = stub.NewInstanceSet(providers["stub"], "stub", logger)
	s.store = blobstore.NewMemoryStore()
	s.ckpt = checkpoint.NewController(logger, s.store, nil)
	s.exec = newScriptedExecutor()

	sets := map[string]cloud.InstanceSet{"stub": s.stub}
	bkr := broker.New(logger, sets, s.dispatchConfig(), nil)
	prov := provision.New(logger, sets, providers, s.dispatchConfig(), nil)
	crd := coord.New(logger, prov, "spotpool:")
	s.reg = NewRegistry(logger, bkr, crd, s.ckpt, providers, s.dispatchConfig(), func(lease *provision.Lease) Executor {
		return s.exec
	}, nil)
}

func (s *LifecycleSuite) TearDownTest(c *check.C) {
	select {
	case <-s.exec.blockCh:
	default:
		close(s.exec.blockCh)
	}
	s.reg.Close()
}

func (s *LifecycleSuite) spec() spotpool.JobSpec {
	return spotpool.JobSpec{
		Name:        "train-run",
		Commands:    []string{"pip install -r requirements.txt", "python train.py", "python eval.py"},
		NodeCount:   1,
		Priority:    spotpool.PriorityPrice,
		OutputPaths: []string{"out.txt"},
	}
}

func (s *LifecycleSuite) wait(c *check.C, uuid string) spotpool.JobRun {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := s.reg.Wait(ctx, uuid)
	c.Assert(err, check.IsNil)
	return job
}

func (s *LifecycleSuite) TestJobCompletes(c *check.C) {
	job, err := s.reg.Submit(context.Background(), s.spec())
	c.Assert(err, check.IsNil)

	done := s.wait(c, job.UUID)
	c.Check(done.State, check.Equals, spotpool.StateCompleted)
	c.Check(done.Interruptions, check.Equals, 0)
	c.Check(done.Attempts, check.Equals, 1)
	c.Check(done.LastCheckpointedIndex, check.Equals, 2)
	c.Check(done.ClusterID, check.Not(check.Equals), "")
	c.Check(s.exec.commands(), check.DeepEquals, s.spec().Commands)

	// One checkpoint per completed command.
	c.Check(s.ckpt.Log(job.UUID), check.HasLen, 3)

	// Instances released after completion.
	c.Check(s.stub.Live(), check.HasLen, 0)
}

func (s *LifecycleSuite) TestMultiNodeJob(c *check.C) {
	spec := s.spec()
	spec.NodeCount = 3
	job, err := s.reg.Submit(context.Background(), spec)
	c.Assert(err, check.IsNil)
	done := s.wait(c, job.UUID)
	c.Check(done.State, check.Equals, spotpool.StateCompleted)
	c.Check(done.InstanceIDs, check.HasLen, 3)
	c.Check(s.stub.Live(), check.HasLen, 0)
}

func (s *LifecycleSuite) TestValidationRejected(c *check.C) {
	spec := s.spec()
	spec.Commands = nil
	_, err := s.reg.Submit(context.Background(), spec)
	c.Check(err, check.ErrorMatches, `invalid job spec: commands: .*`)
	c.Check(s.reg.List(), check.HasLen, 0)

	spec = s.spec()
	spec.Constraints.GPUKind = "tpu-v9"
	_, err = s.reg.Submit(context.Background(), spec)
	c.Check(err, check.ErrorMatches, `.*no configured provider offers GPU kind "tpu-v9".*`)
}

func (s *LifecycleSuite) TestCommandFailure(c *check.C) {
	s.exec.failCmd = "python train.py"
	job, err := s.reg.Submit(context.Background(), s.spec())
	c.Assert(err, check.IsNil)

	done := s.wait(c, job.UUID)
	c.Check(done.State, check.Equals, spotpool.StateFailed)
	c.Check(done.Reason, check.Matches, `command 1 failed .*boom.*`)
	c.Assert(done.ExitCode, check.NotNil)
	// Command 0 completed, so its checkpoint survives the failure.
	c.Check(done.LastCheckpointedIndex, check.Equals, 0)
	c.Check(s.stub.Live(), check.HasLen, 0)
}

func (s *LifecycleSuite) TestNoEligibleCapacity(c *check.C) {
	s.stub.CreateErr = stub.CapacityErr{ProviderType: "g1.8x"}
	job, err := s.reg.Submit(context.Background(), s.spec())
	c.Assert(err, check.IsNil)

	done := s.wait(c, job.UUID)
	c.Check(done.State, check.Equals, spotpool.StateFailed)
	c.Check(done.Reason, check.Matches, `no eligible capacity.*`)
}

func (s *LifecycleSuite) TestInterruptionAndResume(c *check.C) {
	s.exec.blockCmd = "python train.py"
	job, err := s.reg.Submit(context.Background(), s.spec())
	c.Assert(err, check.IsNil)

	// Wait for command 1 to be in flight, then preempt the node.
	s.waitForRun(c, "python train.py")
	for _, id := range s.stub.Live() {
		s.stub.Preempt(id)
	}

	done := s.wait(c, job.UUID)
	c.Check(done.State, check.Equals, spotpool.StateCompleted)
	c.Check(done.Interruptions, check.Equals, 1)
	// A single-node job re-provisions from fresh quotes after
	// losing its only instance.
	c.Check(done.Attempts, check.Equals, 2)

	// Command 0 was checkpointed before the preemption, so the
	// second pass resumed at command 1 instead of starting over.
	ran := s.exec.commands()
	c.Check(ran, check.DeepEquals, []string{
		"pip install -r requirements.txt",
		"python train.py",
		"python train.py",
		"python eval.py",
	})
	c.Check(done.LastCheckpointedIndex, check.Equals, 2)
	c.Check(s.stub.Live(), check.HasLen, 0)
}

func (s *LifecycleSuite) TestMultiNodeInterruption(c *check.C) {
	spec := s.spec()
	spec.NodeCount = 3
	s.exec.blockCmd = "python train.py"
	job, err := s.reg.Submit(context.Background(), spec)
	c.Assert(err, check.IsNil)

	// Preempt one member while command 1 is in flight. The cluster
	// is patched with a like-for-like replacement rather than torn
	// down and re-provisioned.
	s.waitForRun(c, "python train.py")
	live := s.stub.Live()
	c.Assert(len(live), check.Equals, 3)
	s.stub.Preempt(live[0])

	done := s.wait(c, job.UUID)
	c.Check(done.State, check.Equals, spotpool.StateCompleted)
	c.Check(done.Interruptions, check.Equals, 1)
	c.Check(done.Attempts, check.Equals, 1)
	c.Check(done.InstanceIDs, check.HasLen, 3)
	c.Check(s.stub.Live(), check.HasLen, 0)
}

func (s *LifecycleSuite) TestRankedQuoteSelection(c *check.C) {
	logger := ctxlog.TestLogger(c)
	providers := map[string]spotpool.ProviderConfig{}
	sets := map[string]cloud.InstanceSet{}
	stubs := map[string]*stub.InstanceSet{}
	for name, price := range map[string]float64{"alpha": 2.0, "beta": 1.0, "gamma": 3.0} {
		pc := spotpool.ProviderConfig{
			Driver:  "stub",
			Regions: []string{"us-east"},
			InstanceTypes: []spotpool.InstanceType{
				{Name: "g1", ProviderType: "g1.8x", GPUKind: "a100", Price: price, SpeedRank: 10},
			},
		}
		providers[name] = pc
		is := stub.NewInstanceSet(pc, name, logger)
		stubs[name] = is
		sets[name] = is
	}
	cfg := s.dispatchConfig()
	bkr := broker.New(logger, sets, cfg, nil)
	prov := provision.New(logger, sets, providers, cfg, nil)
	reg := NewRegistry(logger, bkr, coord.New(logger, prov, "spotpool:"), s.ckpt, providers, cfg, func(*provision.Lease) Executor {
		return s.exec
	}, nil)
	defer reg.Close()

	waitDone := func(uuid string) spotpool.JobRun {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		done, err := reg.Wait(ctx, uuid)
		c.Assert(err, check.IsNil)
		return done
	}

	// Price priority: the $1/h quote wins over $2/h and $3/h.
	job, err := reg.Submit(context.Background(), s.spec())
	c.Assert(err, check.IsNil)
	c.Check(waitDone(job.UUID).State, check.Equals, spotpool.StateCompleted)
	c.Check(stubs["beta"].CreateCalls(), check.Equals, 1)
	c.Check(stubs["alpha"].CreateCalls(), check.Equals, 0)
	c.Check(stubs["gamma"].CreateCalls(), check.Equals, 0)

	// With the cheapest provider out of capacity, the next job
	// falls through to the second-cheapest quote.
	stubs["beta"].CreateErr = stub.CapacityErr{ProviderType: "g1.8x"}
	job, err = reg.Submit(context.Background(), s.spec())
	c.Assert(err, check.IsNil)
	c.Check(waitDone(job.UUID).State, check.Equals, spotpool.StateCompleted)
	c.Check(stubs["beta"].CreateCalls(), check.Equals, 2)
	c.Check(stubs["alpha"].CreateCalls(), check.Equals, 1)
	c.Check(stubs["gamma"].CreateCalls(), check.Equals, 0)
}

func (s *LifecycleSuite) TestCheckpointStoreFailure(c *check.C) {
	logger := ctxlog.TestLogger(c)
	cfg := s.dispatchConfig()
	ckpt := checkpoint.NewController(logger, failingStore{s.store}, nil)
	sets := map[string]cloud.InstanceSet{"stub": s.stub}
	bkr := broker.New(logger, sets, cfg, nil)
	prov := provision.New(logger, sets, s.providerConfigs(), cfg, nil)
	reg := NewRegistry(logger, bkr, coord.New(logger, prov, "spotpool:"), ckpt, s.providerConfigs(), cfg, func(*provision.Lease) Executor {
		return s.exec
	}, nil)
	defer reg.Close()

	job, err := reg.Submit(context.Background(), s.spec())
	c.Assert(err, check.IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done, err := reg.Wait(ctx, job.UUID)
	c.Assert(err, check.IsNil)
	// A command whose checkpoint can't be stored fails the job; a
	// silent success here would leave resume (and artifact
	// retrieval) pointing at data that was never written.
	c.Check(done.State, check.Equals, spotpool.StateFailed)
	c.Check(done.Reason, check.Matches, `checkpoint 0 could not be stored: .*`)
	c.Check(done.LastCheckpointedIndex, check.Equals, -1)
	c.Check(s.stub.Live(), check.HasLen, 0)
}

func (s *LifecycleSuite) TestCloudConstraintMatchesProviderName(c *check.C) {
	logger := ctxlog.TestLogger(c)
	pc := s.providerConfigs()["stub"]
	providers := map[string]spotpool.ProviderConfig{"primary": pc}
	is := stub.NewInstanceSet(pc, "primary", logger)
	sets := map[string]cloud.InstanceSet{"primary": is}
	cfg := s.dispatchConfig()
	bkr := broker.New(logger, sets, cfg, nil)
	prov := provision.New(logger, sets, providers, cfg, nil)
	reg := NewRegistry(logger, bkr, coord.New(logger, prov, "spotpool:"), s.ckpt, providers, cfg, func(*provision.Lease) Executor {
		return s.exec
	}, nil)
	defer reg.Close()

	// The cloud constraint matches configured provider names, not
	// driver names; accepting a driver name here would admit a job
	// that quote ranking can never satisfy.
	spec := s.spec()
	spec.Constraints.Cloud = "stub"
	_, err := reg.Submit(context.Background(), spec)
	c.Check(err, check.ErrorMatches, `.*no configured provider matches cloud "stub".*`)

	spec.Constraints.Cloud = "primary"
	job, err := reg.Submit(context.Background(), spec)
	c.Assert(err, check.IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done, err := reg.Wait(ctx, job.UUID)
	c.Assert(err, check.IsNil)
	c.Check(done.State, check.Equals, spotpool.StateCompleted)
}

func (s *LifecycleSuite) TestBootProbeRunsFirst(c *check.C) {
	logger := ctxlog.TestLogger(c)
	cfg := s.dispatchConfig()
	cfg.BootProbeCommand = "systemctl is-system-running"
	sets := map[string]cloud.InstanceSet{"stub": s.stub}
	bkr := broker.New(logger, sets, cfg, nil)
	prov := provision.New(logger, sets, s.providerConfigs(), cfg, nil)
	reg := NewRegistry(logger, bkr, coord.New(logger, prov, "spotpool:"), s.ckpt, s.providerConfigs(), cfg, func(*provision.Lease) Executor {
		return s.exec
	}, nil)
	defer reg.Close()

	job, err := reg.Submit(context.Background(), s.spec())
	c.Assert(err, check.IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done, err := reg.Wait(ctx, job.UUID)
	c.Assert(err, check.IsNil)
	c.Check(done.State, check.Equals, spotpool.StateCompleted)
	c.Check(s.exec.commands()[0], check.Equals, "systemctl is-system-running")
	c.Check(s.ckpt.Log(job.UUID), check.HasLen, 3)
}

func (s *LifecycleSuite) TestRetryBudgetExceeded(c *check.C) {
	cfg := s.dispatchConfig()
	cfg.RetryBudget = 1
	logger := ctxlog.TestLogger(c)
	sets := map[string]cloud.InstanceSet{"stub": s.stub}
	bkr := broker.New(logger, sets, cfg, nil)
	prov := provision.New(logger, sets, s.providerConfigs(), cfg, nil)
	reg := NewRegistry(logger, bkr, coord.New(logger, prov, "spotpool:"), s.ckpt, s.providerConfigs(), cfg, func(*provision.Lease) Executor {
		return s.exec
	}, nil)
	defer reg.Close()

	// Every run of the training command hangs until its node is
	// preempted, so the job can only burn through its budget.
	s.exec.blockCmd = "python train.py"
	s.exec.blockAll = true
	job, err := reg.Submit(context.Background(), s.spec())
	c.Assert(err, check.IsNil)

	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			for _, id := range s.stub.Live() {
				s.stub.Preempt(id)
			}
			if got, _ := reg.Get(job.UUID); got.State.Terminal() {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done, err := reg.Wait(ctx, job.UUID)
	c.Assert(err, check.IsNil)
	c.Check(done.State, check.Equals, spotpool.StateFailed)
	c.Check(done.Reason, check.Matches, `exceeded interruption retry budget \(1\)`)
	c.Check(done.Interruptions, check.Equals, 2)
	c.Check(s.stub.Live(), check.HasLen, 0)
}

func (s *LifecycleSuite) TestCancel(c *check.C) {
	s.exec.blockCmd = "python train.py"
	s.exec.blockAll = true
	job, err := s.reg.Submit(context.Background(), s.spec())
	c.Assert(err, check.IsNil)

	s.waitForRun(c, "python train.py")
	c.Assert(s.reg.Cancel(context.Background(), job.UUID), check.IsNil)

	done := s.wait(c, job.UUID)
	c.Check(done.State, check.Equals, spotpool.StateCancelled)
	c.Check(done.Reason, check.Equals, "cancelled by user")
	c.Check(s.stub.Live(), check.HasLen, 0)

	// Cancelling a terminal job is an error.
	err = s.reg.Cancel(context.Background(), job.UUID)
	c.Check(err, check.ErrorMatches, `.*already Cancelled`)
}

func (s *LifecycleSuite) TestCancelWhileProvisioning(c *check.C) {
	s.stub.BootDelay = time.Hour
	job, err := s.reg.Submit(context.Background(), s.spec())
	c.Assert(err, check.IsNil)
	c.Assert(s.reg.Cancel(context.Background(), job.UUID), check.IsNil)
	done := s.wait(c, job.UUID)
	c.Check(done.State, check.Equals, spotpool.StateCancelled)
	c.Check(s.stub.Live(), check.HasLen, 0)
}

// waitForRun blocks until the named command has started executing.
func (s *LifecycleSuite) waitForRun(c *check.C, cmd string) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, ran := range s.exec.commands() {
			if ran == cmd {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	c.Fatalf("timed out waiting for %q to start", cmd)
}
