// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"errors"
	"time"

	"github.com/spotpool/spotpool/lib/cloud/stub"
	"github.com/spotpool/spotpool/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ThrottleSuite{})

type ThrottleSuite struct{}

func (s *ThrottleSuite) TestRateLimitError(c *check.C) {
	var t throttle
	c.Check(t.Error(), check.IsNil)
	t.ErrorUntil(errors.New("wait"), time.Now().Add(time.Second), nil)
	c.Check(t.Error(), check.NotNil)
	t.ErrorUntil(nil, time.Now(), nil)
	c.Check(t.Error(), check.IsNil)

	notified := false
	t.ErrorUntil(errors.New("wait"), time.Now().Add(time.Millisecond), func() { notified = true })
	c.Check(t.Error(), check.NotNil)
	time.Sleep(time.Millisecond * 10)
	c.Check(t.Error(), check.IsNil)
	c.Check(notified, check.Equals, true)

	logger := ctxlog.TestLogger(c)
	t.CheckRateLimitError(errors.New("harmless"), logger, "test", nil)
	c.Check(t.Error(), check.IsNil)
	t.CheckRateLimitError(stub.RateLimitErr{Retry: time.Now().Add(time.Minute)}, logger, "test", nil)
	c.Check(t.Error(), check.NotNil)
}
