// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package coord

import (
	"context"
	"time"

	"github.com/spotpool/spotpool/lib/cloud"
	"github.com/spotpool/spotpool/lib/cloud/stub"
	"github.com/spotpool/spotpool/lib/provision"
	"github.com/spotpool/spotpool/sdk/go/ctxlog"
	"github.com/spotpool/spotpool/sdk/go/spotpool"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CoordinatorSuite{})

type CoordinatorSuite struct {
	stub  *stub.InstanceSet
	coord *Coordinator
}

func (s *CoordinatorSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	pc := spotpool.ProviderConfig{
		Driver:  "stub",
		Regions: []string{"us-east"},
		InstanceTypes: []spotpool.InstanceType{
			{Name: "g1", ProviderType: "g1.8x", GPUKind: "a100", Price: 1.0, SpeedRank: 10},
		},
	}
	s.stub = stub.NewInstanceSet(pc, "stub", logger)
	prov := provision.New(logger, map[string]cloud.InstanceSet{"stub": s.stub}, map[string]spotpool.ProviderConfig{"stub": pc}, spotpool.DispatchConfig{
		ProvisionTimeout:  spotpool.Duration(time.Second),
		ReadinessTimeout:  spotpool.Duration(time.Second),
		ReadinessPoll:     spotpool.Duration(time.Millisecond),
		HeartbeatInterval: spotpool.Duration(time.Millisecond),
		HeartbeatMisses:   3,
		TransientRetries:  1,
	}, nil)
	s.coord = New(logger, prov, "spotpool:")
}

func (s *CoordinatorSuite) quote() cloud.Quote {
	return cloud.Quote{
		Provider: "stub",
		Region:   "us-east",
		InstanceType: spotpool.InstanceType{
			Name: "g1", ProviderType: "g1.8x", GPUKind: "a100", Price: 1.0, SpeedRank: 10,
		},
	}
}

func (s *CoordinatorSuite) TestFormAndRelease(c *check.C) {
	ctx := context.Background()
	cluster, err := s.coord.Form(ctx, s.quote(), 3, time.Second, cloud.InstanceTags{"job": "job-x"})
	c.Assert(err, check.IsNil)
	defer cluster.Release(ctx)

	c.Check(cluster.Size(), check.Equals, 3)
	c.Check(cluster.Fabric.LeaderAddress, check.Equals, cluster.Leader().Instance.Address)
	c.Check(cluster.Fabric.Token, check.Not(check.Equals), "")
	c.Check(s.stub.Live(), check.HasLen, 3)

	c.Check(cluster.Release(ctx), check.IsNil)
	c.Check(s.stub.Live(), check.HasLen, 0)
	// Releasing again is a no-op.
	terminated := s.stub.TerminateCalls()
	c.Check(cluster.Release(ctx), check.IsNil)
	c.Check(s.stub.TerminateCalls(), check.Equals, terminated)
}

func (s *CoordinatorSuite) TestMemberTags(c *check.C) {
	ctx := context.Background()
	cluster, err := s.coord.Form(ctx, s.quote(), 2, time.Second, cloud.InstanceTags{"spotpool:job": "job-x"})
	c.Assert(err, check.IsNil)
	defer cluster.Release(ctx)

	for _, lease := range cluster.Members() {
		c.Check(lease.Instance.Tags["spotpool:job"], check.Equals, "job-x")
		c.Check(lease.Instance.Tags["spotpool:cluster"], check.Equals, cluster.ID)
	}
}

func (s *CoordinatorSuite) TestFormAllOrNothing(c *check.C) {
	// Only 3 instances fit under the quota; forming a 4-node
	// cluster must leave nothing leased behind.
	s.stub.CreateLimit = 3
	_, err := s.coord.Form(context.Background(), s.quote(), 4, time.Second, nil)
	c.Assert(err, check.NotNil)
	c.Check(s.stub.Live(), check.HasLen, 0)
}

func (s *CoordinatorSuite) TestFormReadinessFailure(c *check.C) {
	s.stub.BootDelay = time.Minute
	_, err := s.coord.Form(context.Background(), s.quote(), 2, 50*time.Millisecond, nil)
	c.Assert(err, check.NotNil)
	c.Check(s.stub.Live(), check.HasLen, 0)
}

func (s *CoordinatorSuite) TestMemberLossAndReplacement(c *check.C) {
	ctx := context.Background()
	cluster, err := s.coord.Form(ctx, s.quote(), 3, time.Second, nil)
	c.Assert(err, check.IsNil)
	defer cluster.Release(ctx)

	lost := cluster.Members()[1]
	s.stub.Preempt(lost.Instance.ID)

	var loss MemberLoss
	select {
	case loss = <-cluster.Losses():
	case <-time.After(time.Second):
		c.Fatal("timed out waiting for member loss")
	}
	c.Check(loss.Index, check.Equals, 1)
	c.Check(loss.Instance, check.Equals, lost.Instance.ID)

	replacement, err := cluster.ReplaceMember(ctx, loss.Index, time.Second)
	c.Assert(err, check.IsNil)
	c.Check(cluster.Size(), check.Equals, 3)
	c.Check(cluster.Members()[1].Instance.ID, check.Equals, replacement.Instance.ID)
	c.Check(lost.Released(), check.Equals, true)
	c.Check(s.stub.Live(), check.HasLen, 3)
}

func (s *CoordinatorSuite) TestLeaderReplacementUpdatesFabric(c *check.C) {
	ctx := context.Background()
	cluster, err := s.coord.Form(ctx, s.quote(), 2, time.Second, nil)
	c.Assert(err, check.IsNil)
	defer cluster.Release(ctx)

	oldToken := cluster.Fabric.Token
	leader := cluster.Leader()
	s.stub.Reclaim(leader.Instance.ID)

	select {
	case loss := <-cluster.Losses():
		c.Check(loss.Index, check.Equals, 0)
	case <-time.After(time.Second):
		c.Fatal("timed out waiting for leader loss")
	}

	replacement, err := cluster.ReplaceMember(ctx, 0, time.Second)
	c.Assert(err, check.IsNil)
	c.Check(cluster.Fabric.LeaderAddress, check.Equals, replacement.Instance.Address)
	// The surviving member and the shared secret are untouched.
	c.Check(cluster.Fabric.Token, check.Equals, oldToken)
}
