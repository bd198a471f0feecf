// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package spotpool

import "time"

// A Volume is a shared storage volume that can be attached to running
// clusters. A volume may be attached to several clusters at once.
type Volume struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name,omitempty"`
	SizeGiB  int64  `json:"size_gib"`
	Provider string `json:"provider"`
	Region   string `json:"region,omitempty"`

	// While set, Destroy is refused.
	DeletionProtection bool `json:"deletion_protection"`

	// Cluster IDs the volume is currently attached to, with the
	// instances holding the attachment.
	Attachments map[string][]string `json:"attachments,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
