// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ow2-proactive/scheduling-sub049/sdk/go/rm"
)

// ExportJSON writes a JSON object with the safe (non-secret) portions
// of the cluster config to w.
func ExportJSON(w io.Writer, cluster *rm.Cluster) error {
	buf, err := json.Marshal(cluster)
	if err != nil {
		return err
	}
	var m map[string]interface{}
	err = json.Unmarshal(buf, &m)
	if err != nil {
		return err
	}
	err = redactUnsafe(m, "", "")
	if err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(m)
}

// whitelist classifies configs as safe/unsafe to reveal to
// authenticated non-admin clients.
//
// Every config entry must either be listed explicitly here along with
// all of its parent keys (e.g., "NodeSources" +
// "NodeSources.PingFrequency"), or have an ancestor listed as false
// (e.g., "Users.*.Token" has an ancestor "Users" with a false
// value). Otherwise, it is a bug which should be caught by tests.
var whitelist = map[string]bool{
	// | sort -t'"' -k2,2
	"DescriptorStore":                  true,
	"DescriptorStore.DSN":              false,
	"DescriptorStore.DialTimeout":      true,
	"DescriptorStore.Driver":           true,
	"DescriptorStore.Endpoints":        false,
	"DescriptorStore.Prefix":           false,
	"Docker":                           false,
	"ManagementToken":                  false,
	"NodeSources":                      true,
	"NodeSources.LookupTimeout":        true,
	"NodeSources.PingFrequency":        true,
	"NodeSources.PingTimeout":          true,
	"NodeSources.Preconfigured":        false,
	"NodeSources.ShutdownDrainTimeout": true,
	"NodeSources.ThreadPoolSize":       true,
	"Services":                         true,
	"Services.*":                       true,
	"Services.*.ExternalURL":           true,
	"Services.*.InternalURLs":          false,
	"SystemLogs":                       false,
	"Users":                            false,
}

func redactUnsafe(m map[string]interface{}, mPrefix, lookupPrefix string) error {
	var errs []string
	for k, v := range m {
		lookupKey := k
		safe, ok := whitelist[lookupPrefix+k]
		if !ok {
			lookupKey = "*"
			safe, ok = whitelist[lookupPrefix+"*"]
		}
		if !ok {
			errs = append(errs, fmt.Sprintf("config bug: key %q not in whitelist map", lookupPrefix+k))
			continue
		}
		if !safe {
			delete(m, k)
			continue
		}
		if v, ok := v.(map[string]interface{}); ok {
			err := redactUnsafe(v, mPrefix+k+".", lookupPrefix+lookupKey+".")
			if err != nil {
				errs = append(errs, err.Error())
			}
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "\n"))
	}
	return nil
}
