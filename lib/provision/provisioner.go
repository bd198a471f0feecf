// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package provision drives a single instance through
// acquire -> ready -> release against a cloud provider adapter.
package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spotpool/spotpool/lib/cloud"
	"github.com/spotpool/spotpool/sdk/go/spotpool"
)

const (
	defaultProvisionTimeout  = 2 * time.Minute
	defaultReadinessTimeout  = 10 * time.Minute
	defaultReadinessPoll     = 5 * time.Second
	defaultCreateConcurrency = 4
	defaultTransientRetries  = 3
	defaultTransientBackoff  = time.Second
)

// ErrReadinessTimeout is returned by AwaitReady when the instance did
// not report ready before the deadline.
var ErrReadinessTimeout = errors.New("instance did not become ready before deadline")

// ErrInstanceLost is returned when the provider reports the instance
// gone while we were still waiting for it.
var ErrInstanceLost = errors.New("instance reclaimed by provider")

// A PermanentError marks an acquisition failure that will not be
// fixed by advancing to the next ranked quote (e.g. invalid driver
// configuration). All other acquisition failures are treated as
// retryable by the caller.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err (or anything it wraps) is a
// PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// A Lease is one acquired instance. The Provisioner owns the
// underlying instance until Release.
type Lease struct {
	Instance cloud.Instance
	Quote    cloud.Quote

	mtx      sync.Mutex
	released bool
}

// Released reports whether Release has been called on this lease.
func (l *Lease) Released() bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.released
}

// A LossEvent reports that a leased instance has been, or is about to
// be, taken away.
type LossEvent struct {
	Instance cloud.InstanceID
	Reason   string
}

// A Provisioner acquires and releases instances via provider
// adapters, throttling per provider and distinguishing retryable from
// permanent failures.
type Provisioner struct {
	logger       logrus.FieldLogger
	providers    map[string]cloud.InstanceSet
	providerCfgs map[string]spotpool.ProviderConfig
	cfg          spotpool.DispatchConfig

	mtx       sync.Mutex
	throttles map[string]*throttle
	sems      map[string]chan struct{}

	mLeased     prometheus.Gauge
	mLeasedCost prometheus.Gauge
}

// New creates a Provisioner over the given named provider adapters.
// providerCfgs supplies per-provider overrides such as
// MaxCreateConcurrency; it may be nil.
func New(logger logrus.FieldLogger, providers map[string]cloud.InstanceSet, providerCfgs map[string]spotpool.ProviderConfig, cfg spotpool.DispatchConfig, reg *prometheus.Registry) *Provisioner {
	p := &Provisioner{
		logger:       logger,
		providers:    providers,
		providerCfgs: providerCfgs,
		cfg:          cfg,
		throttles:    map[string]*throttle{},
		sems:         map[string]chan struct{}{},
	}
	p.registerMetrics(reg)
	return p
}

func (p *Provisioner) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p.mLeased = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spotpool",
		Subsystem: "provision",
		Name:      "instances_leased",
		Help:      "Number of instances currently leased.",
	})
	reg.MustRegister(p.mLeased)
	p.mLeasedCost = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spotpool",
		Subsystem: "provision",
		Name:      "instances_price_total",
		Help:      "Sum of hourly prices of all leased instances.",
	})
	reg.MustRegister(p.mLeasedCost)
}

func (p *Provisioner) throttleFor(provider string) *throttle {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	thr, ok := p.throttles[provider]
	if !ok {
		thr = &throttle{}
		p.throttles[provider] = thr
	}
	return thr
}

func (p *Provisioner) semFor(provider string) chan struct{} {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	sem, ok := p.sems[provider]
	if !ok {
		n := p.providerCfgs[provider].MaxCreateConcurrency
		if n < 1 {
			n = p.cfg.CreateConcurrency
		}
		if n < 1 {
			n = defaultCreateConcurrency
		}
		sem = make(chan struct{}, n)
		p.sems[provider] = sem
	}
	return sem
}

// Acquire creates one instance of the quoted type. Capacity, quota,
// and rate-limit errors are returned as-is so the caller can advance
// to its next ranked quote; transient API errors are retried in place
// with backoff before being returned; a PermanentError means the
// quote (or configuration) itself is unusable.
func (p *Provisioner) Acquire(ctx context.Context, q cloud.Quote, tags cloud.InstanceTags) (*Lease, error) {
	is, ok := p.providers[q.Provider]
	if !ok {
		return nil, &PermanentError{Err: fmt.Errorf("no such provider %q", q.Provider)}
	}
	logger := p.logger.WithFields(logrus.Fields{
		"Provider":     q.Provider,
		"InstanceType": q.InstanceType.Name,
	})
	thr := p.throttleFor(q.Provider)
	if err := thr.Error(); err != nil {
		return nil, err
	}

	sem := p.semFor(q.Provider)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-sem }()

	retries := p.cfg.TransientRetries
	if retries < 1 {
		retries = defaultTransientRetries
	}
	backoff := time.Duration(p.cfg.TransientBackoff.Or(spotpool.Duration(defaultTransientBackoff)))
	var err error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff << (attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		var insts []cloud.Instance
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.ProvisionTimeout.Or(spotpool.Duration(defaultProvisionTimeout))))
		insts, err = is.Create(callCtx, q, 1, tags)
		cancel()
		if err == nil {
			if len(insts) != 1 {
				p.terminateAll(is, logger, insts)
				return nil, &PermanentError{Err: fmt.Errorf("provider %q returned %d instances for a single-instance create", q.Provider, len(insts))}
			}
			logger.WithField("Instance", insts[0].ID).Info("instance acquired")
			p.mLeased.Inc()
			p.mLeasedCost.Add(q.PricePerHour())
			return &Lease{Instance: insts[0], Quote: q}, nil
		}
		// Create can fail after creating instances.
		p.terminateAll(is, logger, insts)
		if !retryInPlace(err) {
			break
		}
		logger.WithError(err).WithField("Attempt", attempt+1).Warn("transient create failure")
	}
	thr.CheckRateLimitError(err, logger, "create instance", nil)
	logger.WithError(err).Error("acquire failed")
	return nil, err
}

// terminateAll cleans up instances that came back from a Create call
// that did not succeed; the provider contract makes them the caller's
// responsibility.
func (p *Provisioner) terminateAll(is cloud.InstanceSet, logger logrus.FieldLogger, insts []cloud.Instance) {
	for _, inst := range insts {
		logger.WithField("Instance", inst.ID).Warn("terminating instance from failed create call")
		if err := is.Terminate(context.Background(), inst.ID); err != nil {
			logger.WithField("Instance", inst.ID).WithError(err).Error("terminate failed")
		}
	}
}

// retryInPlace reports whether an error is worth retrying against the
// same quote (transient API/timeouts), as opposed to advancing to the
// next candidate (capacity, quota, rate limit) or giving up
// (permanent).
func retryInPlace(err error) bool {
	if qe, ok := err.(cloud.QuotaError); ok && qe.IsQuotaError() {
		return false
	}
	if ce, ok := err.(cloud.CapacityError); ok && ce.IsCapacityError() {
		return false
	}
	if _, ok := err.(cloud.RateLimitError); ok {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// AwaitReady polls the instance until it reports ready, updating the
// lease's address if the provider assigns one late. It fails with
// ErrReadinessTimeout after the given timeout, or ErrInstanceLost if
// the provider reclaims the instance first.
func (p *Provisioner) AwaitReady(ctx context.Context, lease *Lease, timeout time.Duration) error {
	is, ok := p.providers[lease.Quote.Provider]
	if !ok {
		return &PermanentError{Err: fmt.Errorf("no such provider %q", lease.Quote.Provider)}
	}
	if timeout <= 0 {
		timeout = time.Duration(p.cfg.ReadinessTimeout.Or(spotpool.Duration(defaultReadinessTimeout)))
	}
	poll := time.Duration(p.cfg.ReadinessPoll.Or(spotpool.Duration(defaultReadinessPoll)))
	deadline := time.Now().Add(timeout)
	for {
		pollCtx, cancel := context.WithTimeout(ctx, poll*4)
		st, err := is.PollReadiness(pollCtx, lease.Instance.ID)
		cancel()
		switch {
		case err != nil:
			// Transient; keep polling until the deadline.
			p.logger.WithField("Instance", lease.Instance.ID).WithError(err).Warn("readiness poll failed")
		case st.State == cloud.StateGone:
			return ErrInstanceLost
		case st.State == cloud.StateReady:
			if st.Address != "" {
				lease.mtx.Lock()
				lease.Instance.Address = st.Address
				lease.mtx.Unlock()
			}
			return nil
		}
		if time.Now().After(deadline) {
			return ErrReadinessTimeout
		}
		select {
		case <-time.After(poll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release terminates the leased instance. It is idempotent, and safe
// to call on an instance the provider has already reclaimed: both are
// no-ops.
func (p *Provisioner) Release(ctx context.Context, lease *Lease) error {
	lease.mtx.Lock()
	if lease.released {
		lease.mtx.Unlock()
		return nil
	}
	lease.released = true
	lease.mtx.Unlock()

	p.mLeased.Dec()
	p.mLeasedCost.Sub(lease.Quote.PricePerHour())

	is, ok := p.providers[lease.Quote.Provider]
	if !ok {
		return fmt.Errorf("no such provider %q", lease.Quote.Provider)
	}
	err := is.Terminate(ctx, lease.Instance.ID)
	if err != nil {
		p.logger.WithField("Instance", lease.Instance.ID).WithError(err).Warn("release failed")
		return err
	}
	p.logger.WithField("Instance", lease.Instance.ID).Info("instance released")
	return nil
}

// Watch polls the leased instance on its own cadence and delivers at
// most one LossEvent: when the provider posts a preemption notice,
// reports the instance gone, or stops answering for longer than the
// miss threshold. The channel is closed after the event, or when ctx
// is cancelled. Repeated provider notices for the same incident
// therefore collapse into a single event.
func (p *Provisioner) Watch(ctx context.Context, lease *Lease) <-chan LossEvent {
	ch := make(chan LossEvent, 1)
	is, ok := p.providers[lease.Quote.Provider]
	if !ok {
		ch <- LossEvent{Instance: lease.Instance.ID, Reason: "unknown provider"}
		close(ch)
		return ch
	}
	interval := time.Duration(p.cfg.HeartbeatInterval.Or(spotpool.Duration(defaultReadinessPoll)))
	misses := p.cfg.HeartbeatMisses
	if misses < 1 {
		misses = 3
	}
	go func() {
		defer close(ch)
		consecutive := 0
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if lease.Released() {
				return
			}
			pollCtx, cancel := context.WithTimeout(ctx, interval*2)
			st, err := is.PollReadiness(pollCtx, lease.Instance.ID)
			cancel()
			if err != nil {
				consecutive++
				if consecutive >= misses {
					ch <- LossEvent{Instance: lease.Instance.ID, Reason: fmt.Sprintf("missed %d consecutive heartbeats", consecutive)}
					return
				}
				continue
			}
			consecutive = 0
			if st.PreemptionNotice {
				ch <- LossEvent{Instance: lease.Instance.ID, Reason: "provider preemption notice"}
				return
			}
			if st.State == cloud.StateGone {
				ch <- LossEvent{Instance: lease.Instance.ID, Reason: "instance disappeared"}
				return
			}
		}
	}()
	return ch
}
