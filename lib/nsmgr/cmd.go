// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nsmgr

import (
	"github.com/ow2-proactive/scheduling-sub049/lib/cmd"
	"github.com/ow2-proactive/scheduling-sub049/lib/service"
)

var Command cmd.Handler = service.Command("nodesource-manager", NewHandler)
