// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package volume manages shared storage volumes and their attachments
// to running clusters.
//
// Locking discipline: the per-volume lock is never held across a
// provider call. Each mutating operation validates and records intent
// under the lock, releases it, performs the remote calls, then
// re-acquires the lock to commit (or roll back) the result.
package volume

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spotpool/spotpool/lib/cloud"
	"github.com/spotpool/spotpool/sdk/go/spotpool"
)

// CreateOptions are the caller-settable properties of a new volume.
type CreateOptions struct {
	Name               string
	Provider           string
	Region             string
	DeletionProtection bool
}

type volume struct {
	mtx sync.Mutex
	rec spotpool.Volume
	// set while an attach or detach is in flight, to serialize
	// remote operations per volume without holding mtx
	busy      bool
	destroyed bool
}

// A Manager owns the volume registry and drives provider-side
// attach/detach calls.
type Manager struct {
	logger    logrus.FieldLogger
	providers map[string]cloud.InstanceSet

	mtx     sync.Mutex
	volumes map[string]*volume
}

// NewManager creates a Manager over the given provider adapters.
func NewManager(logger logrus.FieldLogger, providers map[string]cloud.InstanceSet) *Manager {
	return &Manager{
		logger:    logger,
		providers: providers,
		volumes:   map[string]*volume{},
	}
}

// Create registers a new volume of the given size.
func (m *Manager) Create(ctx context.Context, sizeGiB int64, opts CreateOptions) (spotpool.Volume, error) {
	if sizeGiB < 1 {
		return spotpool.Volume{}, fmt.Errorf("volume size must be at least %s", humanize.IBytes(1<<30))
	}
	if _, ok := m.providers[opts.Provider]; !ok {
		return spotpool.Volume{}, fmt.Errorf("no such provider %q", opts.Provider)
	}
	vol := &volume{rec: spotpool.Volume{
		UUID:               spotpool.NewUUID("vol"),
		Name:               opts.Name,
		SizeGiB:            sizeGiB,
		Provider:           opts.Provider,
		Region:             opts.Region,
		DeletionProtection: opts.DeletionProtection,
		Attachments:        map[string][]string{},
		CreatedAt:          time.Now().UTC(),
	}}
	m.mtx.Lock()
	m.volumes[vol.rec.UUID] = vol
	m.mtx.Unlock()
	m.logger.WithFields(logrus.Fields{
		"Volume": vol.rec.UUID,
		"Size":   humanize.IBytes(uint64(sizeGiB) << 30),
	}).Info("volume created")
	return vol.rec, nil
}

func (m *Manager) lookup(uuid string) (*volume, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	vol, ok := m.volumes[uuid]
	if !ok {
		return nil, fmt.Errorf("no such volume %s", uuid)
	}
	return vol, nil
}

// Get returns a copy of the volume record.
func (m *Manager) Get(uuid string) (spotpool.Volume, error) {
	vol, err := m.lookup(uuid)
	if err != nil {
		return spotpool.Volume{}, err
	}
	vol.mtx.Lock()
	defer vol.mtx.Unlock()
	return copyRecord(vol.rec), nil
}

// List returns copies of all volume records, oldest first.
func (m *Manager) List() []spotpool.Volume {
	m.mtx.Lock()
	vols := make([]*volume, 0, len(m.volumes))
	for _, vol := range m.volumes {
		vols = append(vols, vol)
	}
	m.mtx.Unlock()
	out := make([]spotpool.Volume, 0, len(vols))
	for _, vol := range vols {
		vol.mtx.Lock()
		out = append(out, copyRecord(vol.rec))
		vol.mtx.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Attach attaches the volume to every instance of a cluster. A
// cluster smaller than two nodes is refused: shared volumes exist to
// be shared, and single-node jobs should use instance-local storage.
// Multi-attach to additional clusters is allowed. On any provider
// failure the attachment is rolled back and no state is recorded.
func (m *Manager) Attach(ctx context.Context, uuid, clusterID string, instances []cloud.InstanceID) error {
	if len(instances) < 2 {
		return fmt.Errorf("attaching volume %s requires a multi-node cluster (got %d node(s))", uuid, len(instances))
	}
	vol, err := m.lookup(uuid)
	if err != nil {
		return err
	}

	// Phase 1: validate and mark busy under the lock.
	vol.mtx.Lock()
	if vol.destroyed {
		vol.mtx.Unlock()
		return fmt.Errorf("no such volume %s", uuid)
	}
	if vol.busy {
		vol.mtx.Unlock()
		return fmt.Errorf("volume %s has an attach/detach in progress", uuid)
	}
	if _, ok := vol.rec.Attachments[clusterID]; ok {
		vol.mtx.Unlock()
		return fmt.Errorf("volume %s is already attached to cluster %s", uuid, clusterID)
	}
	vol.busy = true
	provider := vol.rec.Provider
	vol.mtx.Unlock()
	defer func() {
		vol.mtx.Lock()
		vol.busy = false
		vol.mtx.Unlock()
	}()

	// Phase 2: remote call, no lock held.
	is := m.providers[provider]
	if err := is.AttachVolume(ctx, cloud.VolumeID(uuid), instances); err != nil {
		return fmt.Errorf("attach volume %s to cluster %s: %w", uuid, clusterID, err)
	}

	// Phase 3: commit.
	vol.mtx.Lock()
	if vol.destroyed {
		vol.mtx.Unlock()
		is.DetachVolume(context.Background(), cloud.VolumeID(uuid), instances)
		return fmt.Errorf("no such volume %s", uuid)
	}
	ids := make([]string, len(instances))
	for i, id := range instances {
		ids[i] = string(id)
	}
	vol.rec.Attachments[clusterID] = ids
	vol.mtx.Unlock()

	m.logger.WithFields(logrus.Fields{
		"Volume":  uuid,
		"Cluster": clusterID,
		"Nodes":   len(instances),
	}).Info("volume attached")
	return nil
}

// Detach removes the volume's attachment to one cluster. Attachments
// to other clusters are untouched. Detaching a cluster that is not
// attached is an error.
func (m *Manager) Detach(ctx context.Context, uuid, clusterID string) error {
	vol, err := m.lookup(uuid)
	if err != nil {
		return err
	}

	vol.mtx.Lock()
	if vol.busy {
		vol.mtx.Unlock()
		return fmt.Errorf("volume %s has an attach/detach in progress", uuid)
	}
	ids, ok := vol.rec.Attachments[clusterID]
	if !ok {
		vol.mtx.Unlock()
		return fmt.Errorf("volume %s is not attached to cluster %s", uuid, clusterID)
	}
	vol.busy = true
	provider := vol.rec.Provider
	vol.mtx.Unlock()
	defer func() {
		vol.mtx.Lock()
		vol.busy = false
		vol.mtx.Unlock()
	}()

	is := m.providers[provider]
	instances := make([]cloud.InstanceID, len(ids))
	for i, id := range ids {
		instances[i] = cloud.InstanceID(id)
	}
	if err := is.DetachVolume(ctx, cloud.VolumeID(uuid), instances); err != nil {
		return fmt.Errorf("detach volume %s from cluster %s: %w", uuid, clusterID, err)
	}

	vol.mtx.Lock()
	delete(vol.rec.Attachments, clusterID)
	vol.mtx.Unlock()
	m.logger.WithFields(logrus.Fields{
		"Volume":  uuid,
		"Cluster": clusterID,
	}).Info("volume detached")
	return nil
}

// Destroy removes the volume. It fails while any attachment remains
// or while deletion protection is set.
func (m *Manager) Destroy(ctx context.Context, uuid string) error {
	vol, err := m.lookup(uuid)
	if err != nil {
		return err
	}
	vol.mtx.Lock()
	if vol.busy {
		vol.mtx.Unlock()
		return fmt.Errorf("volume %s has an attach/detach in progress", uuid)
	}
	if vol.rec.DeletionProtection {
		vol.mtx.Unlock()
		return fmt.Errorf("volume %s has deletion protection enabled", uuid)
	}
	if n := len(vol.rec.Attachments); n > 0 {
		vol.mtx.Unlock()
		return fmt.Errorf("volume %s is attached to %d cluster(s)", uuid, n)
	}
	vol.destroyed = true
	vol.mtx.Unlock()

	m.mtx.Lock()
	delete(m.volumes, uuid)
	m.mtx.Unlock()
	m.logger.WithField("Volume", uuid).Info("volume destroyed")
	return nil
}

// Resize grows the volume. Shrinking is refused: provider filesystems
// cannot shrink in place without data loss.
func (m *Manager) Resize(ctx context.Context, uuid string, newSizeGiB int64) (spotpool.Volume, error) {
	vol, err := m.lookup(uuid)
	if err != nil {
		return spotpool.Volume{}, err
	}
	vol.mtx.Lock()
	defer vol.mtx.Unlock()
	if newSizeGiB <= vol.rec.SizeGiB {
		return spotpool.Volume{}, fmt.Errorf("volume %s cannot shrink from %s to %s",
			uuid,
			humanize.IBytes(uint64(vol.rec.SizeGiB)<<30),
			humanize.IBytes(uint64(newSizeGiB)<<30))
	}
	old := vol.rec.SizeGiB
	vol.rec.SizeGiB = newSizeGiB
	m.logger.WithFields(logrus.Fields{
		"Volume": uuid,
		"Old":    humanize.IBytes(uint64(old) << 30),
		"New":    humanize.IBytes(uint64(newSizeGiB) << 30),
	}).Info("volume resized")
	return copyRecord(vol.rec), nil
}

// Update changes a volume's name and/or deletion protection flag. A
// nil field means "leave unchanged".
func (m *Manager) Update(ctx context.Context, uuid string, name *string, deletionProtection *bool) (spotpool.Volume, error) {
	vol, err := m.lookup(uuid)
	if err != nil {
		return spotpool.Volume{}, err
	}
	vol.mtx.Lock()
	defer vol.mtx.Unlock()
	if name != nil {
		vol.rec.Name = *name
	}
	if deletionProtection != nil {
		vol.rec.DeletionProtection = *deletionProtection
	}
	return copyRecord(vol.rec), nil
}

func copyRecord(rec spotpool.Volume) spotpool.Volume {
	out := rec
	out.Attachments = map[string][]string{}
	for k, v := range rec.Attachments {
		ids := make([]string, len(v))
		copy(ids, v)
		out.Attachments[k] = ids
	}
	return out
}
