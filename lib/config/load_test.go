// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"os"
	"path/filepath"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&LoadSuite{})

type LoadSuite struct{}

const exampleYAML = `
listen: ":9310"
management_token: xyzzy
log_level: debug
providers:
  aws-spot:
    driver: ec2
    regions: [us-east-1, us-west-2]
    driver_config:
      access_key_id: AKIEXAMPLE
      secret_access_key: sekrit
    instance_types:
      - name: a100x8
        provider_type: p4d.24xlarge
        gpu_kind: a100
        gpu_count: 8
        vcpus: 96
        ram: 1199511627776
        price: 32.77
        preemptible: true
        speed_rank: 20
        provision_estimate: 4m
dispatch:
  readiness_timeout: 15m
  retry_budget: 5
blobstore:
  driver: s3
  s3:
    region: us-east-1
    bucket: spotpool-checkpoints
`

func (s *LoadSuite) TestParse(c *check.C) {
	cfg, err := Parse([]byte(exampleYAML))
	c.Assert(err, check.IsNil)
	c.Check(cfg.ManagementToken, check.Equals, "xyzzy")

	pc, ok := cfg.Providers["aws-spot"]
	c.Assert(ok, check.Equals, true)
	c.Check(pc.Driver, check.Equals, "ec2")
	c.Check(pc.Regions, check.DeepEquals, []string{"us-east-1", "us-west-2"})
	c.Assert(pc.InstanceTypes, check.HasLen, 1)
	c.Check(pc.InstanceTypes[0].GPUCount, check.Equals, 8)
	c.Check(pc.InstanceTypes[0].Price, check.Equals, 32.77)
	c.Check(time.Duration(pc.InstanceTypes[0].ProvisionEstimate), check.Equals, 4*time.Minute)

	// Explicit values survive defaulting.
	c.Check(time.Duration(cfg.Dispatch.ReadinessTimeout), check.Equals, 15*time.Minute)
	c.Check(cfg.Dispatch.RetryBudget, check.Equals, 5)
}

func (s *LoadSuite) TestDefaults(c *check.C) {
	cfg, err := Parse([]byte(`
providers:
  stub:
    driver: stub
    instance_types:
      - name: g1
        provider_type: g1.8x
        vcpus: 8
        ram: 68719476736
        price: 1.5
`))
	c.Assert(err, check.IsNil)
	c.Check(cfg.Listen, check.Equals, ":9310")
	c.Check(cfg.LogLevel, check.Equals, "info")
	c.Check(cfg.LogFormat, check.Equals, "json")
	c.Check(cfg.Blobstore.Driver, check.Equals, "memory")
	c.Check(time.Duration(cfg.Dispatch.QuoteTimeout), check.Equals, 15*time.Second)
	c.Check(time.Duration(cfg.Dispatch.ReadinessTimeout), check.Equals, 10*time.Minute)
	c.Check(cfg.Dispatch.HeartbeatMisses, check.Equals, 3)
	c.Check(cfg.Dispatch.RetryBudget, check.Equals, 3)
	c.Check(cfg.Dispatch.RemoteUser, check.Equals, "spotpool")
}

func (s *LoadSuite) TestRejectBadConfigs(c *check.C) {
	for _, yaml := range []string{
		``,
		`providers: {}`,
		"providers:\n  p1:\n    driver: ec2\n",
		"providers:\n  p1:\n    instance_types:\n      - name: g1\n        price: 1\n",
		"blobstore:\n  driver: s3\nproviders:\n  p1:\n    driver: stub\n    instance_types:\n      - name: g1\n        price: 1\n",
		"providers:\n  p1:\n    driver: stub\n    instance_types:\n      - name: g1\n        price: -1\n",
	} {
		_, err := Parse([]byte(yaml))
		c.Check(err, check.NotNil, check.Commentf("yaml: %q", yaml))
	}
}

func (s *LoadSuite) TestLoadFile(c *check.C) {
	path := filepath.Join(c.MkDir(), "config.yml")
	c.Assert(os.WriteFile(path, []byte(exampleYAML), 0600), check.IsNil)
	cfg, err := Load(path)
	c.Assert(err, check.IsNil)
	c.Check(cfg.ManagementToken, check.Equals, "xyzzy")

	_, err = Load(filepath.Join(c.MkDir(), "nonexistent.yml"))
	c.Check(err, check.NotNil)
}
