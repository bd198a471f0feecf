// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/spotpool/spotpool/lib/checkpoint"
	"github.com/spotpool/spotpool/lib/cloud"
	"github.com/spotpool/spotpool/lib/volume"
	"github.com/spotpool/spotpool/sdk/go/spotpool"
)

// Management API: submit a job.
func (disp *Dispatcher) apiJobSubmit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var spec spotpool.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	job, err := disp.jobs.Submit(r.Context(), spec)
	if err != nil {
		var verr *spotpool.ValidationError
		if errors.As(err, &verr) {
			httpError(w, http.StatusUnprocessableEntity, err)
		} else {
			httpError(w, http.StatusInternalServerError, err)
		}
		return
	}
	json.NewEncoder(w).Encode(job)
}

// Management API: all known jobs.
func (disp *Dispatcher) apiJobList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var resp struct {
		Items []spotpool.JobRun `json:"items"`
	}
	resp.Items = disp.jobs.List()
	json.NewEncoder(w).Encode(resp)
}

// Management API: one job's current record.
func (disp *Dispatcher) apiJobGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	job, ok := disp.jobs.Get(ps.ByName("uuid"))
	if !ok {
		httpError(w, http.StatusNotFound, errors.New("no such job"))
		return
	}
	json.NewEncoder(w).Encode(job)
}

// Management API: request cancellation.
func (disp *Dispatcher) apiJobCancel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	err := disp.jobs.Cancel(r.Context(), ps.ByName("uuid"))
	if err != nil {
		code := http.StatusConflict
		if strings.HasPrefix(err.Error(), "no such job") {
			code = http.StatusNotFound
		}
		httpError(w, code, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Management API: the job's latest checkpoint manifest, the handle
// for pulling outputs.
func (disp *Dispatcher) apiJobArtifacts(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	uuid := ps.ByName("uuid")
	if _, ok := disp.jobs.Get(uuid); !ok {
		httpError(w, http.StatusNotFound, errors.New("no such job"))
		return
	}
	latest, ok := disp.checkpoints.Latest(uuid)
	if !ok {
		httpError(w, http.StatusNotFound, errors.New("job has no checkpoints yet"))
		return
	}
	manifest, err := disp.checkpoints.Manifest(r.Context(), latest.SnapshotRef)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	json.NewEncoder(w).Encode(struct {
		Index       int                 `json:"index"`
		SnapshotRef string              `json:"snapshot_ref"`
		Manifest    checkpoint.Manifest `json:"manifest"`
	}{latest.Index, string(latest.SnapshotRef), manifest})
}

// Management API: create a volume.
func (disp *Dispatcher) apiVolumeCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Name               string `json:"name"`
		SizeGiB            int64  `json:"size_gib"`
		Provider           string `json:"provider"`
		Region             string `json:"region"`
		DeletionProtection bool   `json:"deletion_protection"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if req.Provider == "" {
		req.Provider = disp.Config.Volumes.Provider
	}
	vol, err := disp.volumes.Create(r.Context(), req.SizeGiB, volume.CreateOptions{
		Name:               req.Name,
		Provider:           req.Provider,
		Region:             req.Region,
		DeletionProtection: req.DeletionProtection,
	})
	if err != nil {
		httpError(w, http.StatusUnprocessableEntity, err)
		return
	}
	json.NewEncoder(w).Encode(vol)
}

// Management API: all volumes.
func (disp *Dispatcher) apiVolumeList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var resp struct {
		Items []spotpool.Volume `json:"items"`
	}
	resp.Items = disp.volumes.List()
	json.NewEncoder(w).Encode(resp)
}

// Management API: one volume.
func (disp *Dispatcher) apiVolumeGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	vol, err := disp.volumes.Get(ps.ByName("uuid"))
	if err != nil {
		httpError(w, http.StatusNotFound, err)
		return
	}
	json.NewEncoder(w).Encode(vol)
}

// Management API: rename a volume or toggle deletion protection.
func (disp *Dispatcher) apiVolumeUpdate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Name               *string `json:"name"`
		DeletionProtection *bool   `json:"deletion_protection"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	vol, err := disp.volumes.Update(r.Context(), ps.ByName("uuid"), req.Name, req.DeletionProtection)
	if err != nil {
		httpError(w, http.StatusNotFound, err)
		return
	}
	json.NewEncoder(w).Encode(vol)
}

// Management API: destroy a volume.
func (disp *Dispatcher) apiVolumeDestroy(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	err := disp.volumes.Destroy(r.Context(), ps.ByName("uuid"))
	if err != nil {
		code := http.StatusConflict
		if strings.HasPrefix(err.Error(), "no such volume") {
			code = http.StatusNotFound
		}
		httpError(w, code, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Management API: attach a volume to a running cluster.
func (disp *Dispatcher) apiVolumeAttach(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		ClusterID   string   `json:"cluster_id"`
		InstanceIDs []string `json:"instance_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	instances := make([]cloud.InstanceID, len(req.InstanceIDs))
	for i, id := range req.InstanceIDs {
		instances[i] = cloud.InstanceID(id)
	}
	if err := disp.volumes.Attach(r.Context(), ps.ByName("uuid"), req.ClusterID, instances); err != nil {
		httpError(w, http.StatusUnprocessableEntity, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Management API: detach a volume from one cluster.
func (disp *Dispatcher) apiVolumeDetach(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		ClusterID string `json:"cluster_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if err := disp.volumes.Detach(r.Context(), ps.ByName("uuid"), req.ClusterID); err != nil {
		httpError(w, http.StatusUnprocessableEntity, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Management API: grow a volume.
func (disp *Dispatcher) apiVolumeResize(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		SizeGiB int64 `json:"size_gib"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	vol, err := disp.volumes.Resize(r.Context(), ps.ByName("uuid"), req.SizeGiB)
	if err != nil {
		httpError(w, http.StatusUnprocessableEntity, err)
		return
	}
	json.NewEncoder(w).Encode(vol)
}
