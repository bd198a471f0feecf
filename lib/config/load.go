// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads and defaults the service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/spotpool/spotpool/sdk/go/spotpool"
)

// Load reads the YAML config file at path and applies defaults.
func Load(path string) (*spotpool.Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(buf)
}

// Parse decodes YAML config bytes and applies defaults.
func Parse(buf []byte) (*spotpool.Config, error) {
	var cfg spotpool.Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	SetDefaults(&cfg)
	if err := checkConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills in zero-valued fields.
func SetDefaults(cfg *spotpool.Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":9310"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.Blobstore.Driver == "" {
		cfg.Blobstore.Driver = "memory"
	}
	d := &cfg.Dispatch
	def := func(dst *spotpool.Duration, val time.Duration) {
		if *dst == 0 {
			*dst = spotpool.Duration(val)
		}
	}
	def(&d.QuoteTimeout, 15*time.Second)
	def(&d.ProvisionTimeout, 2*time.Minute)
	def(&d.ReadinessTimeout, 10*time.Minute)
	def(&d.ReadinessPoll, 5*time.Second)
	def(&d.HeartbeatInterval, 10*time.Second)
	def(&d.TransientBackoff, time.Second)
	def(&d.QuoteCacheTTL, 30*time.Second)
	if d.HeartbeatMisses == 0 {
		d.HeartbeatMisses = 3
	}
	if d.RetryBudget == 0 {
		d.RetryBudget = 3
	}
	if d.CreateConcurrency == 0 {
		d.CreateConcurrency = 4
	}
	if d.TransientRetries == 0 {
		d.TransientRetries = 3
	}
	if d.QuoteCacheSize == 0 {
		d.QuoteCacheSize = 256
	}
	if d.RemoteUser == "" {
		d.RemoteUser = "spotpool"
	}
	if d.BootProbeCommand == "" {
		d.BootProbeCommand = "systemctl is-system-running"
	}
	if d.TagKeyPrefix == "" {
		d.TagKeyPrefix = "spotpool:"
	}
}

func checkConfig(cfg *spotpool.Config) error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("config has no providers")
	}
	for name, pc := range cfg.Providers {
		if pc.Driver == "" {
			return fmt.Errorf("provider %q has no driver", name)
		}
		if len(pc.InstanceTypes) == 0 {
			return fmt.Errorf("provider %q has no instance types", name)
		}
		for _, it := range pc.InstanceTypes {
			if it.Name == "" {
				return fmt.Errorf("provider %q has an instance type with no name", name)
			}
			if it.Price < 0 {
				return fmt.Errorf("provider %q instance type %q has negative price", name, it.Name)
			}
		}
	}
	if cfg.Blobstore.Driver == "s3" && cfg.Blobstore.S3.Bucket == "" {
		return fmt.Errorf("blobstore driver s3 requires a bucket")
	}
	return nil
}
