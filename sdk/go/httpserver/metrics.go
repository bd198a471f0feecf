// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instrument returns a new http.Handler that passes requests through
// to next and tracks a summary of request durations, labeled by
// method and response code, in registry.
//
// If registry is nil, a new registry is created.
func Instrument(registry *prometheus.Registry, next http.Handler) http.Handler {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	reqDuration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name: "request_duration_seconds",
		Help: "Summary of request duration.",
	}, []string{"code", "method"})
	registry.MustRegister(reqDuration)
	return promhttp.InstrumentHandlerDuration(reqDuration, next)
}
