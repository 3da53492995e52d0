// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package permission computes who may provide, administer, and use
// the nodes of a node source.
package permission

import (
	"fmt"
	"sort"
	"strings"
)

// A Client is an authenticated caller: a user name, the groups the
// user belongs to, and any node access tokens the caller presents.
type Client struct {
	Name   string
	Groups []string
	Tokens []string

	// Admin clients pass every permission check.
	Admin bool
}

func (c Client) String() string {
	return c.Name
}

// PrincipalKind distinguishes the identities a Principal can name.
type PrincipalKind string

const (
	KindUser  PrincipalKind = "user"
	KindGroup PrincipalKind = "group"
	KindToken PrincipalKind = "token"
)

// A Principal is one identity that can be granted access.
type Principal struct {
	Kind PrincipalKind
	Name string
}

func (p Principal) String() string {
	return string(p.Kind) + ":" + p.Name
}

func User(name string) Principal  { return Principal{KindUser, name} }
func Group(name string) Principal { return Principal{KindGroup, name} }
func Token(name string) Principal { return Principal{KindToken, name} }

// PrincipalSet is a set of principals.
type PrincipalSet map[Principal]struct{}

func NewPrincipalSet(ps ...Principal) PrincipalSet {
	set := PrincipalSet{}
	for _, p := range ps {
		set[p] = struct{}{}
	}
	return set
}

func (set PrincipalSet) Add(p Principal) {
	set[p] = struct{}{}
}

func (set PrincipalSet) Has(p Principal) bool {
	_, ok := set[p]
	return ok
}

// Sorted returns the principals in a stable order.
func (set PrincipalSet) Sorted() []Principal {
	r := make([]Principal, 0, len(set))
	for p := range set {
		r = append(r, p)
	}
	sort.Slice(r, func(i, j int) bool {
		return r[i].String() < r[j].String()
	})
	return r
}

// Permission grants access to anyone matching one of its principals,
// or to everyone if Everyone is set.
type Permission struct {
	Everyone   bool
	Principals PrincipalSet
}

// Allows returns true if the given client passes the check.
func (perm Permission) Allows(c Client) bool {
	if c.Admin || perm.Everyone {
		return true
	}
	if c.Name != "" && perm.Principals.Has(User(c.Name)) {
		return true
	}
	for _, g := range c.Groups {
		if perm.Principals.Has(Group(g)) {
			return true
		}
	}
	for _, t := range c.Tokens {
		if perm.Principals.Has(Token(t)) {
			return true
		}
	}
	return false
}

func (perm Permission) String() string {
	if perm.Everyone {
		return "ALL"
	}
	var names []string
	for _, p := range perm.Principals.Sorted() {
		names = append(names, p.String())
	}
	return strings.Join(names, ",")
}

// ForToken returns a permission that only clients presenting the given
// token can satisfy.
func ForToken(token string) Permission {
	return Permission{Principals: NewPrincipalSet(Token(token))}
}

// ForUser returns a permission that only the named user (and admins)
// can satisfy.
func ForUser(name string) Permission {
	return Permission{Principals: NewPrincipalSet(User(name))}
}

// ErrBadAccessType is returned by ParseAccessType.
type ErrBadAccessType string

func (e ErrBadAccessType) Error() string {
	return fmt.Sprintf("invalid access type %q", string(e))
}
