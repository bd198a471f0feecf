// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package coord assembles leased instances into multi-node clusters
// with a shared fabric descriptor, and replaces lost members.
package coord

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spotpool/spotpool/lib/cloud"
	"github.com/spotpool/spotpool/lib/provision"
)

// A Fabric describes how cluster members find each other: the leader
// address every member dials, and a shared secret scoped to this
// cluster incarnation.
type Fabric struct {
	LeaderAddress string
	Token         string
}

// A Cluster is a set of leased instances formed together. Member 0
// is the leader.
type Cluster struct {
	ID     string
	Fabric Fabric

	coord *Coordinator
	quote cloud.Quote
	tags  cloud.InstanceTags

	mtx      sync.Mutex
	members  []*provision.Lease
	released bool

	lossCh      chan MemberLoss
	watches     map[cloud.InstanceID]context.CancelFunc
	watchCtx    context.Context
	watchCancel context.CancelFunc
}

// A MemberLoss reports that one cluster member has been lost.
type MemberLoss struct {
	Index    int
	Instance cloud.InstanceID
	Reason   string
}

// A Coordinator forms clusters out of single-instance leases.
type Coordinator struct {
	logger      logrus.FieldLogger
	provisioner *provision.Provisioner
	tagPrefix   string
}

// New creates a Coordinator on top of the given Provisioner. Tag keys
// the coordinator writes on member instances are prefixed with
// tagPrefix so they don't collide with unrelated tags in the same
// cloud account.
func New(logger logrus.FieldLogger, provisioner *provision.Provisioner, tagPrefix string) *Coordinator {
	return &Coordinator{logger: logger, provisioner: provisioner, tagPrefix: tagPrefix}
}

// Form acquires n instances of the quoted type, waits for all of them
// to become ready, and assembles them into a cluster. Formation is
// all-or-nothing: if any member fails to acquire or to become ready
// before the timeout, every already-acquired member is released and
// an error is returned, leaving nothing leased.
func (c *Coordinator) Form(ctx context.Context, q cloud.Quote, n int, readyTimeout time.Duration, tags cloud.InstanceTags) (*Cluster, error) {
	if n < 1 {
		return nil, fmt.Errorf("cluster size %d out of range", n)
	}
	clusterID := newClusterID()
	logger := c.logger.WithFields(logrus.Fields{
		"ClusterID":    clusterID,
		"Provider":     q.Provider,
		"InstanceType": q.InstanceType.Name,
		"Nodes":        n,
	})
	memberTags := cloud.InstanceTags{}
	for k, v := range tags {
		memberTags[k] = v
	}
	memberTags[c.tagPrefix+"cluster"] = clusterID

	leases := make([]*provision.Lease, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := c.provisioner.Acquire(ctx, q, memberTags)
			if err != nil {
				errs[i] = err
				return
			}
			if err := c.provisioner.AwaitReady(ctx, lease, readyTimeout); err != nil {
				c.provisioner.Release(context.Background(), lease)
				errs[i] = err
				return
			}
			leases[i] = lease
		}(i)
	}
	wg.Wait()

	var firstErr error
	for _, err := range errs {
		if err != nil {
			firstErr = err
			break
		}
	}
	if firstErr != nil {
		for _, lease := range leases {
			if lease != nil {
				c.provisioner.Release(context.Background(), lease)
			}
		}
		logger.WithError(firstErr).Warn("cluster formation failed, all members released")
		return nil, fmt.Errorf("cluster formation: %w", firstErr)
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	cluster := &Cluster{
		ID:          clusterID,
		coord:       c,
		quote:       q,
		tags:        memberTags,
		members:     leases,
		lossCh:      make(chan MemberLoss, n),
		watches:     map[cloud.InstanceID]context.CancelFunc{},
		watchCtx:    watchCtx,
		watchCancel: watchCancel,
	}
	cluster.Fabric = Fabric{
		LeaderAddress: leases[0].Instance.Address,
		Token:         newFabricToken(clusterID),
	}
	for _, lease := range leases {
		cluster.startWatch(lease)
	}
	logger.WithField("Leader", leases[0].Instance.ID).Info("cluster formed")
	return cluster, nil
}

// Members returns the current member leases, leader first.
func (cl *Cluster) Members() []*provision.Lease {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	out := make([]*provision.Lease, len(cl.members))
	copy(out, cl.members)
	return out
}

// Leader returns the leader lease.
func (cl *Cluster) Leader() *provision.Lease {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	return cl.members[0]
}

// Size returns the number of members.
func (cl *Cluster) Size() int {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	return len(cl.members)
}

// Losses returns the channel on which member loss events are
// delivered, one per lost member.
func (cl *Cluster) Losses() <-chan MemberLoss {
	return cl.lossCh
}

func (cl *Cluster) startWatch(lease *provision.Lease) {
	wctx, cancel := context.WithCancel(cl.watchCtx)
	cl.mtx.Lock()
	cl.watches[lease.Instance.ID] = cancel
	cl.mtx.Unlock()
	events := cl.coord.provisioner.Watch(wctx, lease)
	go func() {
		ev, ok := <-events
		if !ok {
			return
		}
		cl.mtx.Lock()
		released := cl.released
		// The member may have shifted position since the watch
		// started; report its current index.
		idx := -1
		for i, m := range cl.members {
			if m.Instance.ID == ev.Instance {
				idx = i
				break
			}
		}
		cl.mtx.Unlock()
		if released || idx < 0 {
			return
		}
		select {
		case cl.lossCh <- MemberLoss{Index: idx, Instance: ev.Instance, Reason: ev.Reason}:
		case <-cl.watchCtx.Done():
		}
	}()
}

// ReplaceMember acquires one replacement instance of the cluster's
// original quote, waits for it to become ready, releases the lost
// member's lease, and joins the replacement to the existing fabric.
// The surviving members and the fabric descriptor are untouched; if
// the lost member was the leader, the replacement takes over its slot
// and the fabric leader address is updated.
func (cl *Cluster) ReplaceMember(ctx context.Context, index int, readyTimeout time.Duration) (*provision.Lease, error) {
	cl.mtx.Lock()
	if cl.released {
		cl.mtx.Unlock()
		return nil, fmt.Errorf("cluster %s already released", cl.ID)
	}
	if index < 0 || index >= len(cl.members) {
		cl.mtx.Unlock()
		return nil, fmt.Errorf("member index %d out of range", index)
	}
	lost := cl.members[index]
	cl.mtx.Unlock()

	lease, err := cl.coord.provisioner.Acquire(ctx, cl.quote, cl.tags)
	if err != nil {
		return nil, fmt.Errorf("replace member %d: %w", index, err)
	}
	if err := cl.coord.provisioner.AwaitReady(ctx, lease, readyTimeout); err != nil {
		cl.coord.provisioner.Release(context.Background(), lease)
		return nil, fmt.Errorf("replace member %d: %w", index, err)
	}

	// Release the lost lease; no-op if the provider already
	// reclaimed it.
	cl.coord.provisioner.Release(context.Background(), lost)

	cl.mtx.Lock()
	if cancel, ok := cl.watches[lost.Instance.ID]; ok {
		cancel()
		delete(cl.watches, lost.Instance.ID)
	}
	cl.members[index] = lease
	if index == 0 {
		cl.Fabric.LeaderAddress = lease.Instance.Address
	}
	cl.mtx.Unlock()

	cl.startWatch(lease)
	cl.coord.logger.WithFields(logrus.Fields{
		"ClusterID": cl.ID,
		"Index":     index,
		"Old":       lost.Instance.ID,
		"New":       lease.Instance.ID,
	}).Info("cluster member replaced")
	return lease, nil
}

// Release terminates every member lease. Idempotent; individual
// release failures are logged and do not stop the rest.
func (cl *Cluster) Release(ctx context.Context) error {
	cl.mtx.Lock()
	if cl.released {
		cl.mtx.Unlock()
		return nil
	}
	cl.released = true
	members := make([]*provision.Lease, len(cl.members))
	copy(members, cl.members)
	cl.mtx.Unlock()

	cl.watchCancel()
	var firstErr error
	for _, lease := range members {
		if err := cl.coord.provisioner.Release(ctx, lease); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	cl.coord.logger.WithField("ClusterID", cl.ID).Info("cluster released")
	return firstErr
}

func newClusterID() string {
	buf := make([]byte, 5)
	rand.Read(buf)
	return fmt.Sprintf("cluster-%x", buf)
}

func newFabricToken(clusterID string) string {
	key := make([]byte, 32)
	rand.Read(key)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(clusterID))
	return fmt.Sprintf("%x", mac.Sum(nil))
}
