// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodesource

import (
	"encoding/json"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DescriptorSuite{})

type DescriptorSuite struct{}

func (s *DescriptorSuite) TestStatusJSON(c *check.C) {
	buf, err := json.Marshal(Descriptor{Name: "ns1", Status: StatusNodesDeployed})
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Matches, `.*"status":"deployed".*`)

	var d Descriptor
	c.Check(json.Unmarshal([]byte(`{"name":"ns1","status":"undeployed"}`), &d), check.IsNil)
	c.Check(d.Status, check.Equals, StatusNodesUndeployed)
	c.Check(json.Unmarshal([]byte(`{"status":"deployed"}`), &d), check.IsNil)
	c.Check(d.Status, check.Equals, StatusNodesDeployed)
	c.Check(json.Unmarshal([]byte(`{"status":"bogus"}`), &d), check.ErrorMatches, `.*invalid node source status.*`)

	_, err = json.Marshal(Descriptor{Status: Status(7)})
	c.Check(err, check.NotNil)
}

func (s *DescriptorSuite) TestWithStatus(c *check.C) {
	d := Descriptor{Name: "ns1", InfrastructureParameters: map[string]string{"k": "v"}}
	d2 := d.WithStatus(StatusNodesDeployed)
	c.Check(d.Status, check.Equals, StatusNodesUndeployed)
	c.Check(d2.Status, check.Equals, StatusNodesDeployed)
	c.Check(d2.Name, check.Equals, "ns1")
}

func (s *DescriptorSuite) TestValidate(c *check.C) {
	c.Check(Descriptor{}.Validate(), check.ErrorMatches, `.*name is empty`)
	c.Check(Descriptor{Name: "x"}.Validate(), check.ErrorMatches, `.*infrastructure type is empty`)
	c.Check(Descriptor{Name: "x", InfrastructureType: "default"}.Validate(), check.ErrorMatches, `.*policy type is empty`)
	c.Check(Descriptor{Name: "x", InfrastructureType: "default", PolicyType: "static"}.Validate(), check.IsNil)
}
