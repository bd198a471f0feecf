// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package broker

import (
	"context"
	"errors"
	"time"

	"github.com/spotpool/spotpool/lib/cloud"
	"github.com/spotpool/spotpool/lib/cloud/stub"
	"github.com/spotpool/spotpool/sdk/go/ctxlog"
	"github.com/spotpool/spotpool/sdk/go/spotpool"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&BrokerSuite{})

type BrokerSuite struct {
	cheap *stub.InstanceSet
	fast  *stub.InstanceSet
	bkr   *Broker
}

func (s *BrokerSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	s.cheap = stub.NewInstanceSet(spotpool.ProviderConfig{
		Driver:  "stub",
		Regions: []string{"us-east"},
		InstanceTypes: []spotpool.InstanceType{
			{Name: "g1", ProviderType: "g1.8x", GPUKind: "a100", Price: 1.0, SpeedRank: 5, ProvisionEstimate: spotpool.Duration(3 * time.Minute)},
			{Name: "g2", ProviderType: "g2.8x", GPUKind: "h100", Price: 3.0, SpeedRank: 20},
		},
	}, "cheapcloud", logger)
	s.fast = stub.NewInstanceSet(spotpool.ProviderConfig{
		Driver:  "stub",
		Regions: []string{"eu-west"},
		InstanceTypes: []spotpool.InstanceType{
			{Name: "g1", ProviderType: "g1.fast", GPUKind: "a100", Price: 2.0, SpeedRank: 10, ProvisionEstimate: spotpool.Duration(time.Minute)},
		},
	}, "fastcloud", logger)
	s.bkr = New(logger, map[string]cloud.InstanceSet{
		"cheapcloud": s.cheap,
		"fastcloud":  s.fast,
	}, spotpool.DispatchConfig{
		QuoteTimeout:  spotpool.Duration(50 * time.Millisecond),
		QuoteCacheTTL: spotpool.Duration(time.Hour),
	}, nil)
}

func (s *BrokerSuite) TestRankByPrice(c *check.C) {
	quotes := s.bkr.Rank(context.Background(), spotpool.Constraints{}, spotpool.PriorityPrice)
	c.Assert(quotes, check.HasLen, 3)
	c.Check(quotes[0].PricePerHour(), check.Equals, 1.0)
	c.Check(quotes[1].PricePerHour(), check.Equals, 2.0)
	c.Check(quotes[2].PricePerHour(), check.Equals, 3.0)
}

func (s *BrokerSuite) TestRankByTime(c *check.C) {
	quotes := s.bkr.Rank(context.Background(), spotpool.Constraints{}, spotpool.PriorityTime)
	c.Assert(quotes, check.HasLen, 3)
	c.Check(quotes[0].SpeedRank(), check.Equals, 20)
	c.Check(quotes[1].SpeedRank(), check.Equals, 10)
	c.Check(quotes[2].SpeedRank(), check.Equals, 5)
}

func (s *BrokerSuite) TestConstraintFiltering(c *check.C) {
	quotes := s.bkr.Rank(context.Background(), spotpool.Constraints{GPUKind: "a100"}, spotpool.PriorityPrice)
	c.Assert(quotes, check.HasLen, 2)
	for _, q := range quotes {
		c.Check(q.InstanceType.GPUKind, check.Equals, "a100")
	}

	quotes = s.bkr.Rank(context.Background(), spotpool.Constraints{Cloud: "fastcloud"}, spotpool.PriorityPrice)
	c.Assert(quotes, check.HasLen, 1)
	c.Check(quotes[0].Provider, check.Equals, "fastcloud")

	quotes = s.bkr.Rank(context.Background(), spotpool.Constraints{GPUKind: "nonesuch"}, spotpool.PriorityPrice)
	c.Check(quotes, check.HasLen, 0)
}

func (s *BrokerSuite) TestSlowProviderDropped(c *check.C) {
	s.fast.QuoteDelay = time.Second
	quotes := s.bkr.Rank(context.Background(), spotpool.Constraints{}, spotpool.PriorityPrice)
	c.Assert(quotes, check.HasLen, 2)
	for _, q := range quotes {
		c.Check(q.Provider, check.Equals, "cheapcloud")
	}
}

func (s *BrokerSuite) TestFailingProviderDropped(c *check.C) {
	s.cheap.QuoteErr = errors.New("stub: api down")
	quotes := s.bkr.Rank(context.Background(), spotpool.Constraints{}, spotpool.PriorityPrice)
	c.Assert(quotes, check.HasLen, 1)
	c.Check(quotes[0].Provider, check.Equals, "fastcloud")
}

func (s *BrokerSuite) TestQuoteCache(c *check.C) {
	quotes := s.bkr.Rank(context.Background(), spotpool.Constraints{}, spotpool.PriorityPrice)
	c.Assert(quotes, check.HasLen, 3)

	// Within the cache TTL, a provider outage does not affect
	// ranking.
	s.cheap.QuoteErr = errors.New("stub: api down")
	s.fast.QuoteErr = errors.New("stub: api down")
	quotes = s.bkr.Rank(context.Background(), spotpool.Constraints{}, spotpool.PriorityPrice)
	c.Check(quotes, check.HasLen, 3)
}
