// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatch assembles the control plane components and serves
// the management HTTP API.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spotpool/spotpool/lib/blobstore"
	"github.com/spotpool/spotpool/lib/broker"
	"github.com/spotpool/spotpool/lib/checkpoint"
	"github.com/spotpool/spotpool/lib/cloud"
	"github.com/spotpool/spotpool/lib/cloud/ec2"
	"github.com/spotpool/spotpool/lib/cloud/stub"
	"github.com/spotpool/spotpool/lib/coord"
	"github.com/spotpool/spotpool/lib/lifecycle"
	"github.com/spotpool/spotpool/lib/provision"
	"github.com/spotpool/spotpool/lib/sshexecutor"
	"github.com/spotpool/spotpool/lib/volume"
	"github.com/spotpool/spotpool/sdk/go/ctxlog"
	"github.com/spotpool/spotpool/sdk/go/httpserver"
	"github.com/spotpool/spotpool/sdk/go/spotpool"
	"golang.org/x/crypto/ssh"
)

// Drivers maps config driver names to provider adapters.
var Drivers = map[string]cloud.Driver{
	"ec2":  ec2.Driver,
	"stub": stub.Driver,
}

// A Dispatcher owns every long-lived component and the management
// API. Exported fields must be set before the first call to Start,
// ServeHTTP, or CheckHealth.
type Dispatcher struct {
	Config   *spotpool.Config
	Context  context.Context
	Registry *prometheus.Registry

	logger      logrus.FieldLogger
	providers   map[string]cloud.InstanceSet
	broker      *broker.Broker
	provisioner *provision.Provisioner
	coord       *coord.Coordinator
	store       blobstore.Store
	checkpoints *checkpoint.Controller
	volumes     *volume.Manager
	jobs        *lifecycle.Registry
	httpHandler http.Handler
	sshKey      ssh.Signer
	setupErr    error

	// test hook: overrides the sshexecutor-based factory
	executorFactory lifecycle.ExecutorFactory

	setupOnce sync.Once
	stopped   chan struct{}
}

// Start initializes the dispatcher. Start can be called multiple
// times with no ill effect.
func (disp *Dispatcher) Start() error {
	disp.setupOnce.Do(disp.setup)
	return disp.setupErr
}

// ServeHTTP implements http.Handler.
func (disp *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := disp.Start(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth reports whether the dispatcher is able to do its job.
func (disp *Dispatcher) CheckHealth() error {
	if err := disp.Start(); err != nil {
		return err
	}
	if len(disp.providers) == 0 {
		return errors.New("no providers configured")
	}
	return nil
}

// Done returns a channel that is closed after Close finishes.
func (disp *Dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// Close cancels all running jobs, releases their instances, and shuts
// down the provider adapters.
func (disp *Dispatcher) Close() {
	if disp.Start() != nil {
		return
	}
	disp.jobs.Close()
	for _, is := range disp.providers {
		is.Stop()
	}
	close(disp.stopped)
}

// JobRegistry exposes the lifecycle registry, for tests and embedding
// callers.
func (disp *Dispatcher) JobRegistry() *lifecycle.Registry {
	disp.Start()
	return disp.jobs
}

func (disp *Dispatcher) setup() {
	disp.stopped = make(chan struct{})
	disp.logger = ctxlog.FromContext(disp.Context)
	if disp.Registry == nil {
		disp.Registry = prometheus.NewRegistry()
	}

	if disp.Config.Dispatch.InstallPrivateKey != "" {
		key, err := ssh.ParsePrivateKey([]byte(disp.Config.Dispatch.InstallPrivateKey))
		if err != nil {
			disp.setupErr = errors.New("error parsing configured InstallPrivateKey: " + err.Error())
			return
		}
		disp.sshKey = key
	}

	disp.providers = map[string]cloud.InstanceSet{}
	for name, pc := range disp.Config.Providers {
		driver, ok := Drivers[pc.Driver]
		if !ok {
			disp.setupErr = errors.New("unsupported provider driver " + pc.Driver)
			return
		}
		is, err := driver.InstanceSet(pc, name, disp.logger.WithField("Provider", name))
		if err != nil {
			disp.setupErr = err
			return
		}
		disp.providers[name] = is
	}

	switch disp.Config.Blobstore.Driver {
	case "", "memory":
		disp.store = blobstore.NewMemoryStore()
	case "s3":
		store, err := blobstore.NewS3Store(disp.Context, disp.Config.Blobstore)
		if err != nil {
			disp.setupErr = err
			return
		}
		disp.store = store
	default:
		disp.setupErr = errors.New("unsupported blobstore driver " + disp.Config.Blobstore.Driver)
		return
	}

	disp.broker = broker.New(disp.logger, disp.providers, disp.Config.Dispatch, disp.Registry)
	disp.provisioner = provision.New(disp.logger, disp.providers, disp.Config.Providers, disp.Config.Dispatch, disp.Registry)
	disp.coord = coord.New(disp.logger, disp.provisioner, disp.Config.Dispatch.TagKeyPrefix)
	disp.checkpoints = checkpoint.NewController(disp.logger, disp.store, disp.Registry)
	disp.volumes = volume.NewManager(disp.logger, disp.providers)
	newExecutor := disp.executorFactory
	if newExecutor == nil {
		newExecutor = disp.newExecutor
	}
	disp.jobs = lifecycle.NewRegistry(disp.logger, disp.broker, disp.coord, disp.checkpoints, disp.Config.Providers, disp.Config.Dispatch, newExecutor, disp.Registry)

	if disp.Config.ManagementToken == "" {
		disp.httpHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
		return
	}
	mux := httprouter.New()
	mux.POST("/spotpool/v1/jobs", disp.apiJobSubmit)
	mux.GET("/spotpool/v1/jobs", disp.apiJobList)
	mux.GET("/spotpool/v1/jobs/:uuid", disp.apiJobGet)
	mux.POST("/spotpool/v1/jobs/:uuid/cancel", disp.apiJobCancel)
	mux.GET("/spotpool/v1/jobs/:uuid/artifacts", disp.apiJobArtifacts)
	mux.POST("/spotpool/v1/volumes", disp.apiVolumeCreate)
	mux.GET("/spotpool/v1/volumes", disp.apiVolumeList)
	mux.GET("/spotpool/v1/volumes/:uuid", disp.apiVolumeGet)
	mux.PUT("/spotpool/v1/volumes/:uuid", disp.apiVolumeUpdate)
	mux.DELETE("/spotpool/v1/volumes/:uuid", disp.apiVolumeDestroy)
	mux.POST("/spotpool/v1/volumes/:uuid/attach", disp.apiVolumeAttach)
	mux.POST("/spotpool/v1/volumes/:uuid/detach", disp.apiVolumeDetach)
	mux.POST("/spotpool/v1/volumes/:uuid/resize", disp.apiVolumeResize)
	metricsH := promhttp.HandlerFor(disp.Registry, promhttp.HandlerOpts{
		ErrorLog: disp.logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	mux.Handler("GET", "/_health/ping", http.HandlerFunc(disp.apiHealthPing))
	disp.httpHandler = httpserver.AddRequestIDs(
		httpserver.LogRequests(disp.logger,
			httpserver.Instrument(disp.Registry,
				requireLiteralToken(disp.Config.ManagementToken, mux))))
}

// Make an executor for the lead node of a new cluster.
func (disp *Dispatcher) newExecutor(lease *provision.Lease) lifecycle.Executor {
	exr := sshexecutor.New(leaseTarget{lease: lease, user: disp.Config.Dispatch.RemoteUser})
	if disp.sshKey != nil {
		exr.SetSigners(disp.sshKey)
	}
	return exr
}

type leaseTarget struct {
	lease *provision.Lease
	user  string
}

func (t leaseTarget) Address() string    { return t.lease.Instance.Address }
func (t leaseTarget) RemoteUser() string { return t.user }

// requireLiteralToken responds 401/403 unless the request carries the
// configured management token as a bearer token.
func requireLiteralToken(token string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := r.Header.Get("Authorization")
		if hdr == "" {
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}
		got := strings.TrimPrefix(hdr, "Bearer ")
		if got == hdr || got != token {
			http.Error(w, "authorization error", http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (disp *Dispatcher) apiHealthPing(w http.ResponseWriter, r *http.Request) {
	if err := disp.CheckHealth(); err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"health": "OK"})
}

func httpError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
