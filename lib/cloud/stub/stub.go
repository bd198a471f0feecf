// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package stub provides an in-process cloud provider for tests and
// local development. Quotes come from the configured catalog;
// creation latency, API failures, and spot preemption are scriptable.
package stub

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spotpool/spotpool/lib/cloud"
	"github.com/spotpool/spotpool/sdk/go/spotpool"
)

// Driver is the stub implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newInstanceSet)

// RateLimitErr implements cloud.RateLimitError.
type RateLimitErr struct{ Retry time.Time }

func (e RateLimitErr) Error() string            { return "stub: rate limited" }
func (e RateLimitErr) EarliestRetry() time.Time { return e.Retry }

// QuotaErr implements cloud.QuotaError.
type QuotaErr struct{}

func (e QuotaErr) Error() string      { return "stub: instance quota reached" }
func (e QuotaErr) IsQuotaError() bool { return true }

// CapacityErr implements cloud.CapacityError.
type CapacityErr struct{ ProviderType string }

func (e CapacityErr) Error() string {
	return fmt.Sprintf("stub: no capacity for instance type %q", e.ProviderType)
}
func (e CapacityErr) IsCapacityError() bool { return true }

func newInstanceSet(pc spotpool.ProviderConfig, name string, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	return NewInstanceSet(pc, name, logger), nil
}

// NewInstanceSet returns a concrete *InstanceSet so tests can reach
// the scripting hooks.
func NewInstanceSet(pc spotpool.ProviderConfig, name string, logger logrus.FieldLogger) *InstanceSet {
	return &InstanceSet{
		name:    name,
		pc:      pc,
		logger:  logger,
		servers: map[cloud.InstanceID]*server{},
	}
}

// InstanceSet implements cloud.InstanceSet against in-memory state.
type InstanceSet struct {
	name   string
	pc     spotpool.ProviderConfig
	logger logrus.FieldLogger

	// Scripting hooks, settable before or between calls.
	QuoteDelay     time.Duration // Quote blocks this long (or until ctx expires)
	QuoteErr       error         // if set, Quote fails with it
	CreateErr      error         // if set, Create fails with it
	CreateErrAfter error         // if set, Create registers the instances and then fails anyway
	CreateLimit    int           // if >0, Create fails with QuotaErr once this many servers exist
	BootDelay      time.Duration // time from Create until PollReadiness reports ready

	mtx            sync.Mutex
	servers        map[cloud.InstanceID]*server
	stopped        bool
	createCalls    int
	terminateCalls int
}

type server struct {
	inst      cloud.Instance
	created   time.Time
	bootDelay time.Duration
	preempted bool
	gone      bool
	volumes   map[cloud.VolumeID]bool
}

func (sis *InstanceSet) Quote(ctx context.Context, c spotpool.Constraints) ([]cloud.Quote, error) {
	if sis.QuoteDelay > 0 {
		select {
		case <-time.After(sis.QuoteDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if sis.QuoteErr != nil {
		return nil, sis.QuoteErr
	}
	return cloud.Offerings(sis.name, sis.pc, c), nil
}

func (sis *InstanceSet) Create(ctx context.Context, q cloud.Quote, count int, tags cloud.InstanceTags) ([]cloud.Instance, error) {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	sis.createCalls++
	if sis.stopped {
		return nil, errors.New("stub: Create called after Stop")
	}
	if sis.CreateErr != nil {
		return nil, sis.CreateErr
	}
	if sis.CreateLimit > 0 && len(sis.servers)+count > sis.CreateLimit {
		return nil, QuotaErr{}
	}
	var insts []cloud.Instance
	for i := 0; i < count; i++ {
		id := cloud.InstanceID(fmt.Sprintf("stub-%s-%x", q.InstanceType.ProviderType, rand.Int63()))
		instTags := cloud.InstanceTags{}
		for k, v := range tags {
			instTags[k] = v
		}
		srv := &server{
			inst: cloud.Instance{
				ID:           id,
				Provider:     sis.name,
				Region:       q.Region,
				ProviderType: q.InstanceType.ProviderType,
				Address:      fmt.Sprintf("10.2.%d.%d", rand.Intn(250), rand.Intn(250)),
				Tags:         instTags,
			},
			created:   time.Now(),
			bootDelay: sis.BootDelay,
			volumes:   map[cloud.VolumeID]bool{},
		}
		sis.servers[id] = srv
		insts = append(insts, srv.inst)
	}
	if sis.CreateErrAfter != nil {
		return insts, sis.CreateErrAfter
	}
	return insts, nil
}

func (sis *InstanceSet) PollReadiness(ctx context.Context, id cloud.InstanceID) (cloud.InstanceStatus, error) {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	srv, ok := sis.servers[id]
	if !ok || srv.gone {
		return cloud.InstanceStatus{State: cloud.StateGone}, nil
	}
	st := cloud.InstanceStatus{State: cloud.StateReady, Address: srv.inst.Address}
	if time.Since(srv.created) < srv.bootDelay {
		st.State = cloud.StatePending
	}
	st.PreemptionNotice = srv.preempted
	return st, nil
}

func (sis *InstanceSet) Terminate(ctx context.Context, id cloud.InstanceID) error {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	sis.terminateCalls++
	if srv, ok := sis.servers[id]; ok {
		srv.gone = true
	}
	// Terminating an unknown instance is a no-op by contract.
	return nil
}

func (sis *InstanceSet) AttachVolume(ctx context.Context, vol cloud.VolumeID, ids []cloud.InstanceID) error {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	for _, id := range ids {
		srv, ok := sis.servers[id]
		if !ok || srv.gone {
			return cloud.ErrInstanceNotFound
		}
		srv.volumes[vol] = true
	}
	return nil
}

func (sis *InstanceSet) DetachVolume(ctx context.Context, vol cloud.VolumeID, ids []cloud.InstanceID) error {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	for _, id := range ids {
		if srv, ok := sis.servers[id]; ok {
			delete(srv.volumes, vol)
		}
	}
	return nil
}

func (sis *InstanceSet) Stop() {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	sis.stopped = true
}

// Preempt posts a spot preemption notice for the given instance. The
// instance keeps running until Reclaim is called.
func (sis *InstanceSet) Preempt(id cloud.InstanceID) {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if srv, ok := sis.servers[id]; ok {
		srv.preempted = true
	}
}

// Reclaim simulates the provider taking the instance back.
func (sis *InstanceSet) Reclaim(id cloud.InstanceID) {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if srv, ok := sis.servers[id]; ok {
		srv.gone = true
	}
}

// Live returns the IDs of instances that have been created and not
// terminated or reclaimed.
func (sis *InstanceSet) Live() []cloud.InstanceID {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	var ids []cloud.InstanceID
	for id, srv := range sis.servers {
		if !srv.gone {
			ids = append(ids, id)
		}
	}
	return ids
}

// Attached reports whether the volume is currently exported to the
// instance.
func (sis *InstanceSet) Attached(vol cloud.VolumeID, id cloud.InstanceID) bool {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	srv, ok := sis.servers[id]
	return ok && srv.volumes[vol]
}

// TerminateCalls returns the number of Terminate calls so far.
func (sis *InstanceSet) TerminateCalls() int {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	return sis.terminateCalls
}

// CreateCalls returns the number of Create calls so far, including
// failed ones.
func (sis *InstanceSet) CreateCalls() int {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	return sis.createCalls
}
