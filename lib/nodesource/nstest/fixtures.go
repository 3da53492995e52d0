// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nstest

import (
	"fmt"

	"github.com/ow2-proactive/scheduling-sub049/lib/permission"
)

var (
	// AdminClient has administrator rights everywhere.
	AdminClient = permission.Client{Name: "admin", Admin: true}
	// ProviderClient is an ordinary user in group "providers".
	ProviderClient = permission.Client{Name: "provider", Groups: []string{"providers"}}
	// OtherClient is an ordinary user in group "others".
	OtherClient = permission.Client{Name: "other", Groups: []string{"others"}}
)

// NodeURL returns a fake node URL for node n on host h.
func NodeURL(h, n int) string {
	return fmt.Sprintf("node://h%d/n%d", h, n)
}

// HostName returns the host name used by NodeURL(h, n).
func HostName(h int) string {
	return fmt.Sprintf("h%d", h)
}
