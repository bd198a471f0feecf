// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package spotpool

import (
	"encoding/json"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DurationSuite{})

type DurationSuite struct{}

func (s *DurationSuite) TestMarshalJSON(c *check.C) {
	var t struct {
		D Duration `json:"d"`
	}
	err := json.Unmarshal([]byte(`{"d":"1.5s"}`), &t)
	c.Check(err, check.IsNil)
	c.Check(time.Duration(t.D), check.Equals, 1500*time.Millisecond)

	buf, err := json.Marshal(&t)
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"d":"1.5s"}`)

	err = json.Unmarshal([]byte(`{"d":1500000000}`), &t)
	c.Check(err, check.ErrorMatches, `duration must be given as a string .*`)
}

func (s *DurationSuite) TestOr(c *check.C) {
	c.Check(Duration(0).Or(Duration(time.Second)), check.Equals, Duration(time.Second))
	c.Check(Duration(time.Minute).Or(Duration(time.Second)), check.Equals, Duration(time.Minute))
}
