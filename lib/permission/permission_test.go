// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package permission

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PermissionSuite{})

type PermissionSuite struct{}

var (
	alice = Client{Name: "alice", Groups: []string{"ops", "dev"}}
	bob   = Client{Name: "bob", Groups: []string{"dev"}}
	carol = Client{Name: "carol", Groups: []string{"qa"}}
	root  = Client{Name: "root", Admin: true}
)

func (s *PermissionSuite) TestParseAccessType(c *check.C) {
	for _, trial := range []struct {
		in  string
		out string
	}{
		{"", "ALL"},
		{"all", "ALL"},
		{"ME", "ME"},
		{"my_groups", "MY_GROUPS"},
		{"PROVIDER", "PROVIDER"},
		{"PROVIDER_GROUPS", "PROVIDER_GROUPS"},
		{"users=bob,alice", "users=alice,bob"},
		{"users=alice; groups=qa ;tokens=t1", "users=alice;groups=qa;tokens=t1"},
	} {
		at, err := ParseAccessType(trial.in)
		c.Check(err, check.IsNil, check.Commentf("%q", trial.in))
		c.Check(at.String(), check.Equals, trial.out)
	}
	for _, bad := range []string{"nobody", "users", "colors=red", "users=;groups="} {
		_, err := ParseAccessType(bad)
		c.Check(err, check.FitsTypeOf, ErrBadAccessType(""), check.Commentf("%q", bad))
	}
}

func (s *PermissionSuite) TestIdentityPrincipals(c *check.C) {
	c.Check(AccessMe.IdentityPrincipals(alice).Sorted(), check.DeepEquals, []Principal{User("alice")})
	c.Check(AccessMyGroups.IdentityPrincipals(alice).Sorted(), check.DeepEquals, []Principal{Group("dev"), Group("ops")})
	c.Check(AccessAll.IdentityPrincipals(alice), check.HasLen, 0)
	at := MustParseAccessType("users=bob;tokens=t1")
	c.Check(at.IdentityPrincipals(alice).Sorted(), check.DeepEquals, []Principal{Token("t1"), User("bob")})
	c.Check(at.Tokens(), check.DeepEquals, []string{"t1"})
	c.Check(AccessMe.Tokens(), check.IsNil)
}

func (s *PermissionSuite) TestOwnedByProvider(c *check.C) {
	c.Check(AccessProvider.OwnedByProvider(), check.Equals, true)
	c.Check(AccessProviderGroups.OwnedByProvider(), check.Equals, true)
	c.Check(AccessMe.OwnedByProvider(), check.Equals, false)
	c.Check(AccessAll.OwnedByProvider(), check.Equals, false)
}

func (s *PermissionSuite) TestAllows(c *check.C) {
	me := AccessMe.Permission(alice)
	c.Check(me.Allows(alice), check.Equals, true)
	c.Check(me.Allows(bob), check.Equals, false)
	c.Check(me.Allows(root), check.Equals, true)

	groups := AccessMyGroups.Permission(alice)
	c.Check(groups.Allows(bob), check.Equals, true)
	c.Check(groups.Allows(carol), check.Equals, false)

	all := AccessAll.Permission(alice)
	c.Check(all.Allows(carol), check.Equals, true)
	c.Check(all.String(), check.Equals, "ALL")

	tok := ForToken("s3cret")
	c.Check(tok.Allows(alice), check.Equals, false)
	c.Check(tok.Allows(Client{Name: "x", Tokens: []string{"s3cret"}}), check.Equals, true)
	c.Check(tok.String(), check.Equals, "token:s3cret")
}

func (s *PermissionSuite) TestTextRoundTrip(c *check.C) {
	var at AccessType
	c.Check(at.UnmarshalText([]byte("groups=qa")), check.IsNil)
	c.Check(at.Permission(alice).Allows(carol), check.Equals, true)
	buf, err := at.MarshalText()
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, "groups=qa")
	c.Check(at.UnmarshalText([]byte("bogus")), check.NotNil)
}
