// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package rm

import (
	"encoding/json"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DurationSuite{})

type DurationSuite struct{}

func (s *DurationSuite) TestNodeSourcesConfig(c *check.C) {
	var nsc NodeSourcesConfig
	err := json.Unmarshal([]byte(`{"PingFrequency":"45s","PingTimeout":"2.5s","LookupTimeout":"0"}`), &nsc)
	c.Assert(err, check.IsNil)
	c.Check(nsc.PingFrequency.Duration(), check.Equals, 45*time.Second)
	c.Check(nsc.PingTimeout.Duration(), check.Equals, 2500*time.Millisecond)
	c.Check(nsc.LookupTimeout.Duration(), check.Equals, time.Duration(0))

	buf, err := json.Marshal(struct{ PingFrequency Duration }{nsc.PingFrequency})
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"PingFrequency":"45s"}`)
}

func (s *DurationSuite) TestString(c *check.C) {
	for in, out := range map[time.Duration]string{
		500 * time.Millisecond:     "500ms",
		90 * time.Second:           "1m30s",
		5 * time.Minute:            "5m",
		2 * time.Hour:              "2h",
		time.Hour + time.Second:    "1h1s",
		26*time.Hour + time.Minute: "26h1m",
	} {
		c.Check(Duration(in).String(), check.Equals, out)
	}
}

func (s *DurationSuite) TestRejectBadValues(c *check.C) {
	for in, msg := range map[string]string{
		`{"PingFrequency":30}`:      `.*missing unit in duration "?30"?`,
		`{"PingFrequency":"30"}`:    `.*missing unit in duration "?30"?`,
		`{"PingFrequency":"often"}`: `.*invalid duration "?often"?`,
	} {
		var nsc NodeSourcesConfig
		err := json.Unmarshal([]byte(in), &nsc)
		c.Check(err, check.ErrorMatches, msg, check.Commentf("%s", in))
	}
}

func (s *DurationSuite) TestFlagValue(c *check.C) {
	d := Duration(time.Second)
	c.Check(d.Set("0"), check.IsNil)
	c.Check(d.Duration(), check.Equals, time.Duration(0))
	c.Check(d.Set("3m"), check.IsNil)
	c.Check(d.Duration(), check.Equals, 3*time.Minute)
	c.Check(d.Set("3"), check.NotNil)
}

func (s *DurationSuite) TestDurationOr(c *check.C) {
	c.Check(DurationOr(0, time.Minute), check.Equals, time.Minute)
	c.Check(DurationOr(-1, time.Minute), check.Equals, time.Minute)
	c.Check(DurationOr(Duration(time.Second), time.Minute), check.Equals, time.Second)
}
