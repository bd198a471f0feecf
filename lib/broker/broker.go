// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package broker ranks candidate (provider, region, instance type)
// tuples against a job's constraints and optimization priority.
package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spotpool/spotpool/lib/cloud"
	"github.com/spotpool/spotpool/sdk/go/spotpool"
)

const (
	defaultQuoteTimeout   = 10 * time.Second
	defaultQuoteCacheSize = 64
	defaultQuoteCacheTTL  = 15 * time.Second
)

// A Broker queries all eligible provider adapters concurrently and
// returns quotes ordered by the job's optimization priority. A slow
// or failing provider degrades the candidate set for that cycle
// instead of failing it.
type Broker struct {
	logger    logrus.FieldLogger
	providers map[string]cloud.InstanceSet
	timeout   time.Duration
	cacheTTL  time.Duration
	cache     *lru.Cache

	mQuotesReturned  prometheus.Counter
	mProvidersFailed prometheus.Counter
}

type cacheEnt struct {
	quotes []cloud.Quote
	at     time.Time
}

// New creates a Broker over the given named provider adapters.
func New(logger logrus.FieldLogger, providers map[string]cloud.InstanceSet, cfg spotpool.DispatchConfig, reg *prometheus.Registry) *Broker {
	size := cfg.QuoteCacheSize
	if size < 1 {
		size = defaultQuoteCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	bkr := &Broker{
		logger:    logger,
		providers: providers,
		timeout:   time.Duration(cfg.QuoteTimeout.Or(spotpool.Duration(defaultQuoteTimeout))),
		cacheTTL:  time.Duration(cfg.QuoteCacheTTL.Or(spotpool.Duration(defaultQuoteCacheTTL))),
		cache:     cache,
	}
	bkr.registerMetrics(reg)
	return bkr
}

func (bkr *Broker) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	bkr.mQuotesReturned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spotpool",
		Subsystem: "broker",
		Name:      "quotes_returned_total",
		Help:      "Number of quotes returned across all ranking cycles.",
	})
	reg.MustRegister(bkr.mQuotesReturned)
	bkr.mProvidersFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spotpool",
		Subsystem: "broker",
		Name:      "providers_dropped_total",
		Help:      "Number of times a provider was dropped from a ranking cycle because its quote call failed or timed out.",
	})
	reg.MustRegister(bkr.mProvidersFailed)
}

// Rank returns every quote satisfying the constraints, best candidate
// first. An empty list means no eligible capacity was quoted; the
// caller decides whether that is fatal.
func (bkr *Broker) Rank(ctx context.Context, c spotpool.Constraints, pri spotpool.Priority) []cloud.Quote {
	var (
		mtx    sync.Mutex
		quotes []cloud.Quote
		wg     sync.WaitGroup
	)
	for name, is := range bkr.providers {
		if c.Cloud != "" && c.Cloud != name {
			continue
		}
		wg.Add(1)
		go func(name string, is cloud.InstanceSet) {
			defer wg.Done()
			got, err := bkr.quote(ctx, name, is, c)
			if err != nil {
				bkr.mProvidersFailed.Inc()
				bkr.logger.WithField("Provider", name).WithError(err).Warn("dropping provider from ranking cycle")
				return
			}
			mtx.Lock()
			quotes = append(quotes, got...)
			mtx.Unlock()
		}(name, is)
	}
	wg.Wait()

	sort.SliceStable(quotes, func(i, j int) bool {
		qi, qj := quotes[i], quotes[j]
		switch pri {
		case spotpool.PriorityTime:
			if qi.SpeedRank() != qj.SpeedRank() {
				return qi.SpeedRank() > qj.SpeedRank()
			}
			return qi.PricePerHour() < qj.PricePerHour()
		default: // PriorityPrice
			if qi.PricePerHour() != qj.PricePerHour() {
				return qi.PricePerHour() < qj.PricePerHour()
			}
			return qi.ProvisionEstimate() < qj.ProvisionEstimate()
		}
	})
	bkr.mQuotesReturned.Add(float64(len(quotes)))
	return quotes
}

func (bkr *Broker) quote(ctx context.Context, name string, is cloud.InstanceSet, c spotpool.Constraints) ([]cloud.Quote, error) {
	key := fmt.Sprintf("%s/%s/%s/%s", name, c.Cloud, c.Region, c.GPUKind)
	if ent, ok := bkr.cache.Get(key); ok {
		if ent := ent.(cacheEnt); time.Since(ent.at) < bkr.cacheTTL {
			return ent.quotes, nil
		}
	}
	ctx, cancel := context.WithTimeout(ctx, bkr.timeout)
	defer cancel()
	quotes, err := is.Quote(ctx, c)
	if err != nil {
		return nil, err
	}
	bkr.cache.Add(key, cacheEnt{quotes: quotes, at: time.Now()})
	return quotes, nil
}
