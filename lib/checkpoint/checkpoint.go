// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package checkpoint records per-job snapshots into a
// content-addressed blob store and answers where an interrupted job
// should resume.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spotpool/spotpool/lib/blobstore"
)

// A Manifest is the durable record of one checkpoint: which blob
// holds each output path at snapshot time.
type Manifest struct {
	JobUUID   string                   `json:"job_uuid"`
	Index     int                      `json:"index"`
	Timestamp time.Time                `json:"timestamp"`
	Files     map[string]blobstore.Ref `json:"files"`
}

// An Entry is one checkpoint in a job's log.
type Entry struct {
	Index       int
	SnapshotRef blobstore.Ref
	Timestamp   time.Time
}

// A Controller owns the append-only checkpoint log of every job.
// Incremental snapshots: a file whose content hash matches the
// previous checkpoint is referenced, not re-uploaded.
type Controller struct {
	logger logrus.FieldLogger
	store  blobstore.Store

	mtx      sync.Mutex
	logs     map[string][]Entry
	lastHash map[string]map[string]blobstore.Ref

	mRecorded prometheus.Counter
	mBytes    prometheus.Counter
}

// NewController creates a Controller over the given blob store.
func NewController(logger logrus.FieldLogger, store blobstore.Store, reg *prometheus.Registry) *Controller {
	ctrl := &Controller{
		logger:   logger,
		store:    store,
		logs:     map[string][]Entry{},
		lastHash: map[string]map[string]blobstore.Ref{},
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	ctrl.mRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spotpool",
		Subsystem: "checkpoint",
		Name:      "records_total",
		Help:      "Number of checkpoints recorded.",
	})
	reg.MustRegister(ctrl.mRecorded)
	ctrl.mBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spotpool",
		Subsystem: "checkpoint",
		Name:      "bytes_total",
		Help:      "Bytes of new snapshot content uploaded.",
	})
	reg.MustRegister(ctrl.mBytes)
	return ctrl
}

// Record appends checkpoint index for the job, storing the given
// files and returning the manifest's snapshot ref. Indexes must
// strictly increase per job; re-recording an index at or below the
// latest is rejected, keeping the log append-only. Files whose
// content is unchanged since the previous checkpoint are referenced
// by their existing blob and not stored again.
func (ctrl *Controller) Record(ctx context.Context, jobUUID string, index int, files map[string][]byte) (blobstore.Ref, error) {
	ctrl.mtx.Lock()
	log := ctrl.logs[jobUUID]
	if len(log) > 0 && index <= log[len(log)-1].Index {
		latest := log[len(log)-1].Index
		ctrl.mtx.Unlock()
		return "", fmt.Errorf("checkpoint index %d for job %s is not above latest recorded index %d", index, jobUUID, latest)
	}
	prev := ctrl.lastHash[jobUUID]
	ctrl.mtx.Unlock()

	manifest := Manifest{
		JobUUID:   jobUUID,
		Index:     index,
		Timestamp: time.Now().UTC(),
		Files:     map[string]blobstore.Ref{},
	}
	newHashes := map[string]blobstore.Ref{}
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		data := files[path]
		ref := blobstore.RefOf(data)
		if prevRef, ok := prev[path]; ok && prevRef == ref {
			manifest.Files[path] = prevRef
			newHashes[path] = prevRef
			continue
		}
		stored, err := ctrl.store.Put(ctx, data)
		if err != nil {
			return "", fmt.Errorf("store %s: %w", path, err)
		}
		manifest.Files[path] = stored
		newHashes[path] = stored
		ctrl.mBytes.Add(float64(len(data)))
	}

	buf, err := json.Marshal(manifest)
	if err != nil {
		return "", err
	}
	snapRef, err := ctrl.store.Put(ctx, buf)
	if err != nil {
		return "", fmt.Errorf("store manifest: %w", err)
	}

	ctrl.mtx.Lock()
	// Re-check monotonicity in case of a concurrent Record for the
	// same job.
	log = ctrl.logs[jobUUID]
	if len(log) > 0 && index <= log[len(log)-1].Index {
		latest := log[len(log)-1].Index
		ctrl.mtx.Unlock()
		return "", fmt.Errorf("checkpoint index %d for job %s is not above latest recorded index %d", index, jobUUID, latest)
	}
	ctrl.logs[jobUUID] = append(log, Entry{Index: index, SnapshotRef: snapRef, Timestamp: manifest.Timestamp})
	ctrl.lastHash[jobUUID] = newHashes
	ctrl.mtx.Unlock()

	ctrl.mRecorded.Inc()
	ctrl.logger.WithFields(logrus.Fields{
		"JobUUID": jobUUID,
		"Index":   index,
		"Ref":     snapRef,
	}).Info("checkpoint recorded")
	return snapRef, nil
}

// Latest returns the most recent checkpoint entry for the job, or
// ok=false if none has been recorded.
func (ctrl *Controller) Latest(jobUUID string) (Entry, bool) {
	ctrl.mtx.Lock()
	defer ctrl.mtx.Unlock()
	log := ctrl.logs[jobUUID]
	if len(log) == 0 {
		return Entry{}, false
	}
	return log[len(log)-1], true
}

// ResumeIndex returns the index at which an interrupted job should
// resume: one past the latest recorded checkpoint, or 0 if none.
func (ctrl *Controller) ResumeIndex(jobUUID string) int {
	if latest, ok := ctrl.Latest(jobUUID); ok {
		return latest.Index + 1
	}
	return 0
}

// Log returns the full checkpoint log for the job, oldest first.
func (ctrl *Controller) Log(jobUUID string) []Entry {
	ctrl.mtx.Lock()
	defer ctrl.mtx.Unlock()
	log := ctrl.logs[jobUUID]
	out := make([]Entry, len(log))
	copy(out, log)
	return out
}

// Manifest fetches and decodes the manifest behind a snapshot ref.
func (ctrl *Controller) Manifest(ctx context.Context, ref blobstore.Ref) (Manifest, error) {
	var m Manifest
	buf, err := ctrl.store.Get(ctx, ref)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(buf, &m); err != nil {
		return m, fmt.Errorf("decode manifest %s: %w", ref, err)
	}
	return m, nil
}

// File fetches one file's content from a checkpoint manifest.
func (ctrl *Controller) File(ctx context.Context, m Manifest, path string) ([]byte, error) {
	ref, ok := m.Files[path]
	if !ok {
		return nil, fmt.Errorf("path %q not in checkpoint %d of job %s", path, m.Index, m.JobUUID)
	}
	return ctrl.store.Get(ctx, ref)
}
