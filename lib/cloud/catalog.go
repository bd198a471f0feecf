// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import "github.com/spotpool/spotpool/sdk/go/spotpool"

// Offerings expands a provider's configured instance-type catalog
// into one Quote per (instance type, region) pair satisfying the
// given constraints. Drivers use this as the basis of their Quote
// implementation, then drop offerings the live API reports as
// unavailable.
func Offerings(provider string, pc spotpool.ProviderConfig, c spotpool.Constraints) []Quote {
	if c.Cloud != "" && c.Cloud != provider {
		return nil
	}
	regions := pc.Regions
	if len(regions) == 0 {
		regions = []string{""}
	}
	var quotes []Quote
	for _, region := range regions {
		if c.Region != "" && c.Region != region {
			continue
		}
		for _, it := range pc.InstanceTypes {
			if c.GPUKind != "" && c.GPUKind != it.GPUKind {
				continue
			}
			quotes = append(quotes, Quote{
				Provider:     provider,
				Region:       region,
				InstanceType: it,
			})
		}
	}
	return quotes
}

// SupportsGPUKind reports whether the provider's catalog announces
// the given GPU kind. Used to reject contradictory constraints at
// submission instead of discovering them mid-provisioning.
func SupportsGPUKind(pc spotpool.ProviderConfig, kind string) bool {
	for _, it := range pc.InstanceTypes {
		if it.GPUKind == kind {
			return true
		}
	}
	return false
}
