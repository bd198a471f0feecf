// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package spotpool

import "encoding/json"

// Config is the top-level service configuration, loaded from YAML by
// lib/config.
type Config struct {
	Listen          string `json:"listen"`
	ManagementToken string `json:"management_token"`
	LogLevel        string `json:"log_level"`
	LogFormat       string `json:"log_format"`

	Providers map[string]ProviderConfig `json:"providers"`
	Dispatch  DispatchConfig            `json:"dispatch"`
	Blobstore BlobstoreConfig           `json:"blobstore"`
	Volumes   VolumeConfig              `json:"volumes"`
}

// ProviderConfig configures one cloud provider adapter. DriverConfig
// is passed through to the named driver without interpretation here.
type ProviderConfig struct {
	Driver       string          `json:"driver"`
	DriverConfig json.RawMessage `json:"driver_config,omitempty"`

	Regions       []string       `json:"regions,omitempty"`
	InstanceTypes []InstanceType `json:"instance_types"`

	// Cap on concurrent Create calls, to respect provider rate
	// limits. 0 means the dispatch-level default.
	MaxCreateConcurrency int `json:"max_create_concurrency,omitempty"`
}

// InstanceType describes one purchasable instance type, including the
// operator-configured price and relative speed used for ranking.
type InstanceType struct {
	Name              string   `json:"name"`
	ProviderType      string   `json:"provider_type"`
	GPUKind           string   `json:"gpu_kind,omitempty"`
	GPUCount          int      `json:"gpu_count,omitempty"`
	VCPUs             int      `json:"vcpus"`
	RAM               int64    `json:"ram"`
	Price             float64  `json:"price"` // per hour
	Preemptible       bool     `json:"preemptible"`
	SpeedRank         int      `json:"speed_rank"` // higher is faster
	ProvisionEstimate Duration `json:"provision_estimate,omitempty"`
}

// DispatchConfig holds the orchestration timeouts and budgets.
type DispatchConfig struct {
	QuoteTimeout       Duration `json:"quote_timeout"`
	ProvisionTimeout   Duration `json:"provision_timeout"`
	ReadinessTimeout   Duration `json:"readiness_timeout"`
	ReadinessPoll      Duration `json:"readiness_poll"`
	HeartbeatInterval  Duration `json:"heartbeat_interval"`
	HeartbeatMisses    int      `json:"heartbeat_misses"`
	RetryBudget        int      `json:"retry_budget"` // max re-provision attempts per JobRun
	CreateConcurrency  int      `json:"create_concurrency"`
	TransientRetries   int      `json:"transient_retries"`
	TransientBackoff   Duration `json:"transient_backoff"`
	QuoteCacheTTL      Duration `json:"quote_cache_ttl"`
	QuoteCacheSize     int      `json:"quote_cache_size"`
	InstallPrivateKey  string   `json:"install_private_key,omitempty"`
	RemoteUser         string   `json:"remote_user,omitempty"`
	BootProbeCommand   string   `json:"boot_probe_command,omitempty"`
	TagKeyPrefix       string   `json:"tag_key_prefix,omitempty"`
}

// BlobstoreConfig selects the content-addressed durable store used
// for checkpoints and output artifacts.
type BlobstoreConfig struct {
	Driver string `json:"driver"` // "memory" or "s3"
	S3     struct {
		Region string `json:"region"`
		Bucket string `json:"bucket"`
		Prefix string `json:"prefix,omitempty"`
	} `json:"s3"`
}

// VolumeConfig configures the storage/volume manager.
type VolumeConfig struct {
	// Provider whose adapter performs volume attach/detach calls.
	Provider string `json:"provider"`
}
