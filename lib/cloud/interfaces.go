// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cloud defines the uniform interface implemented by each
// cloud provider adapter: instance catalog quoting, creation,
// readiness polling, termination, and volume attachment.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spotpool/spotpool/sdk/go/spotpool"
)

// A RateLimitError should be returned by an InstanceSet when the
// cloud service indicates it is rejecting all API calls for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by an InstanceSet when the cloud
// service indicates the account cannot create more instances than
// already exist.
type QuotaError interface {
	// If true, don't create more instances until some existing
	// instances are destroyed. If false, don't handle the error
	// as a quota error.
	IsQuotaError() bool
	error
}

// A CapacityError should be returned by an InstanceSet when the cloud
// service indicates it has run out of capacity for the requested
// instance type in the requested region.
type CapacityError interface {
	// If true, this instance type is currently unavailable; the
	// caller should advance to its next candidate.
	IsCapacityError() bool
	error
}

var ErrInstanceNotFound = errors.New("instance not found")

type InstanceID string
type VolumeID string
type InstanceTags map[string]string

// A Quote is one purchasable (provider, region, instance type) tuple,
// produced by an InstanceSet per ranking cycle and never persisted
// beyond the current provisioning attempt.
type Quote struct {
	Provider     string                `json:"provider"`
	Region       string                `json:"region"`
	InstanceType spotpool.InstanceType `json:"instance_type"`
}

// PricePerHour returns the quoted hourly price.
func (q Quote) PricePerHour() float64 { return q.InstanceType.Price }

// SpeedRank returns the quoted relative speed; higher is faster.
func (q Quote) SpeedRank() int { return q.InstanceType.SpeedRank }

// ProvisionEstimate returns the expected time from Create to ready.
func (q Quote) ProvisionEstimate() time.Duration {
	return time.Duration(q.InstanceType.ProvisionEstimate)
}

// An Instance is a single leased compute unit.
type Instance struct {
	ID           InstanceID   `json:"id"`
	Provider     string       `json:"provider"`
	Region       string       `json:"region"`
	ProviderType string       `json:"provider_type"`
	Address      string       `json:"address"`
	Tags         InstanceTags `json:"tags,omitempty"`
}

// ReadinessState is an Instance's provider-reported lifecycle state.
type ReadinessState string

const (
	StatePending ReadinessState = "pending"
	StateReady   ReadinessState = "ready"
	StateGone    ReadinessState = "gone" // terminated or reclaimed by the provider
)

// InstanceStatus is the result of one readiness poll.
type InstanceStatus struct {
	State ReadinessState

	// The provider has announced it will reclaim this instance
	// shortly (spot preemption notice).
	PreemptionNotice bool

	// Refreshed network address, if the provider assigns it after
	// creation.
	Address string
}

// An InstanceSet manages instances on one elastic cloud provider.
//
// All methods are goroutine safe. All remote calls honor ctx
// deadlines; a call that cannot complete before the deadline returns
// ctx.Err() (wrapped or not) rather than blocking. Errors should
// implement RateLimitError, QuotaError, and CapacityError where
// applicable.
type InstanceSet interface {
	// Quote returns every offering that satisfies the constraints,
	// in no particular order. An empty result is not an error.
	Quote(ctx context.Context, c spotpool.Constraints) ([]Quote, error)

	// Create launches count instances of the quoted type. Created
	// instances carry the given tags. Create is atomic per
	// instance, not per call: on error, any instances it did
	// create are reported in the returned slice and remain the
	// caller's responsibility to terminate.
	Create(ctx context.Context, q Quote, count int, tags InstanceTags) ([]Instance, error)

	// PollReadiness reports the instance's current state and
	// whether a preemption notice is pending. Polling an unknown
	// or already-reclaimed instance returns StateGone, not an
	// error.
	PollReadiness(ctx context.Context, id InstanceID) (InstanceStatus, error)

	// Terminate is idempotent: terminating an unknown or
	// already-terminated instance is a no-op.
	Terminate(ctx context.Context, id InstanceID) error

	// AttachVolume exports the network volume to the given
	// instances. Safely retryable.
	AttachVolume(ctx context.Context, vol VolumeID, ids []InstanceID) error

	// DetachVolume removes the export from the given instances,
	// leaving any other attachments intact.
	DetachVolume(ctx context.Context, vol VolumeID, ids []InstanceID) error

	// Stop releases background resources. No other method may be
	// called after Stop.
	Stop()
}

// A Driver returns an InstanceSet configured by the provider section
// of the service configuration.
type Driver interface {
	InstanceSet(pc spotpool.ProviderConfig, name string, logger logrus.FieldLogger) (InstanceSet, error)
}

// DriverFunc makes a Driver using the provided function as its
// InstanceSet method, similar to http.HandlerFunc.
func DriverFunc(fn func(pc spotpool.ProviderConfig, name string, logger logrus.FieldLogger) (InstanceSet, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(pc spotpool.ProviderConfig, name string, logger logrus.FieldLogger) (InstanceSet, error)

func (df driverFunc) InstanceSet(pc spotpool.ProviderConfig, name string, logger logrus.FieldLogger) (InstanceSet, error) {
	return df(pc, name, logger)
}

// DecodeDriverConfig unmarshals a provider's driver_config section
// into the driver's own config struct.
func DecodeDriverConfig(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
