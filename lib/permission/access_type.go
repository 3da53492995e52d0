// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package permission

import (
	"sort"
	"strings"
)

// An AccessType describes whose identity a permission is computed
// from.
//
// The keyword forms are relative to an owner: ME (the owner only),
// MY_GROUPS (anyone sharing a group with the owner), PROVIDER and
// PROVIDER_GROUPS (same, but the owner is the node provider rather
// than the node source administrator), and ALL. The explicit form
// lists principals directly:
//
//	users=alice,bob;groups=ops;tokens=t0k3n
type AccessType struct {
	keyword string
	users   []string
	groups  []string
	tokens  []string
}

var (
	AccessMe             = AccessType{keyword: "ME"}
	AccessMyGroups       = AccessType{keyword: "MY_GROUPS"}
	AccessProvider       = AccessType{keyword: "PROVIDER"}
	AccessProviderGroups = AccessType{keyword: "PROVIDER_GROUPS"}
	AccessAll            = AccessType{keyword: "ALL"}
)

// ParseAccessType parses the keyword and explicit forms. An empty
// string means ALL.
func ParseAccessType(s string) (AccessType, error) {
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "", "ALL":
		return AccessAll, nil
	case "ME":
		return AccessMe, nil
	case "MY_GROUPS":
		return AccessMyGroups, nil
	case "PROVIDER":
		return AccessProvider, nil
	case "PROVIDER_GROUPS":
		return AccessProviderGroups, nil
	}
	var at AccessType
	for _, clause := range strings.Split(s, ";") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		kv := strings.SplitN(clause, "=", 2)
		if len(kv) != 2 {
			return AccessType{}, ErrBadAccessType(s)
		}
		var names []string
		for _, name := range strings.Split(kv[1], ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		switch strings.TrimSpace(kv[0]) {
		case "users":
			at.users = append(at.users, names...)
		case "groups":
			at.groups = append(at.groups, names...)
		case "tokens":
			at.tokens = append(at.tokens, names...)
		default:
			return AccessType{}, ErrBadAccessType(s)
		}
	}
	if len(at.users)+len(at.groups)+len(at.tokens) == 0 {
		return AccessType{}, ErrBadAccessType(s)
	}
	return at, nil
}

// MustParseAccessType is like ParseAccessType but panics on error.
func MustParseAccessType(s string) AccessType {
	at, err := ParseAccessType(s)
	if err != nil {
		panic(err)
	}
	return at
}

// OwnedByProvider returns true if permissions of this type are
// relative to the node provider instead of the node source
// administrator.
func (at AccessType) OwnedByProvider() bool {
	return at.keyword == "PROVIDER" || at.keyword == "PROVIDER_GROUPS"
}

// IdentityPrincipals returns the principals granted access, given the
// owner the access type is relative to.
func (at AccessType) IdentityPrincipals(owner Client) PrincipalSet {
	set := PrincipalSet{}
	switch at.keyword {
	case "ME", "PROVIDER":
		set.Add(User(owner.Name))
	case "MY_GROUPS", "PROVIDER_GROUPS":
		for _, g := range owner.Groups {
			set.Add(Group(g))
		}
	case "ALL":
	default:
		for _, u := range at.users {
			set.Add(User(u))
		}
		for _, g := range at.groups {
			set.Add(Group(g))
		}
		for _, t := range at.tokens {
			set.Add(Token(t))
		}
	}
	return set
}

// Tokens returns the tokens listed in an explicit access type, or nil.
func (at AccessType) Tokens() []string {
	if len(at.tokens) == 0 {
		return nil
	}
	return append([]string(nil), at.tokens...)
}

// Permission returns the permission granted by this access type
// relative to owner.
func (at AccessType) Permission(owner Client) Permission {
	if at.keyword == "ALL" {
		return Permission{Everyone: true, Principals: PrincipalSet{}}
	}
	return Permission{Principals: at.IdentityPrincipals(owner)}
}

func (at AccessType) String() string {
	if at.keyword != "" {
		return at.keyword
	}
	var clauses []string
	for _, c := range []struct {
		key   string
		names []string
	}{{"users", at.users}, {"groups", at.groups}, {"tokens", at.tokens}} {
		if len(c.names) > 0 {
			names := append([]string(nil), c.names...)
			sort.Strings(names)
			clauses = append(clauses, c.key+"="+strings.Join(names, ","))
		}
	}
	return strings.Join(clauses, ";")
}

// MarshalText implements encoding.TextMarshaler.
func (at AccessType) MarshalText() ([]byte, error) {
	return []byte(at.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (at *AccessType) UnmarshalText(text []byte) error {
	parsed, err := ParseAccessType(string(text))
	if err != nil {
		return err
	}
	*at = parsed
	return nil
}
