// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/rm"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

var ErrNoClustersDefined = errors.New("config does not define any clusters")

type Loader struct {
	Logger logrus.FieldLogger

	// Site config file, or "-" for stdin.
	Path string

	stdin io.Reader
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{stdin: stdin, Logger: logger}
	// Calling SetupFlags on a throwaway FlagSet has the side
	// effect of assigning default values to the configurable
	// fields.
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path fields.
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	path := os.Getenv("RM_CONFIG")
	if path == "" {
		path = rm.DefaultConfigFile
	}
	flagset.StringVar(&ldr.Path, "config", path, "Site configuration `file` (default may be overridden by setting an RM_CONFIG environment variable)")
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(ldr.stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Load reads the site config file, applies the defaults to each
// cluster it defines, and checks the result.
func (ldr *Loader) Load() (*rm.Config, error) {
	buf, err := ldr.loadBytes(ldr.Path)
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

func (ldr *Loader) load(buf []byte) (*rm.Config, error) {
	// Load the config into a dummy map to get the cluster ID
	// keys, discarding the values; then set up defaults for each
	// cluster ID; then load the real config on top of the
	// defaults.
	var dummy struct {
		Clusters map[string]struct{}
	}
	err := yaml.Unmarshal(buf, &dummy)
	if err != nil {
		return nil, err
	}
	if len(dummy.Clusters) == 0 {
		return nil, ErrNoClustersDefined
	}

	// We can't merge deep structs here; instead, we unmarshal the
	// default & loaded config files into generic maps, merge
	// those, and then json-encode+decode the result into the
	// config struct type.
	var merged map[string]interface{}
	for id := range dummy.Clusters {
		var src map[string]interface{}
		err = yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte(" xxxxx:"), []byte(" "+id+":"), -1), &src)
		if err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %s", id, err)
		}
		mergeConfig(&merged, src)
	}
	var src map[string]interface{}
	err = yaml.Unmarshal(buf, &src)
	if err != nil {
		return nil, fmt.Errorf("loading config data: %s", err)
	}
	ldr.logExtraKeys(merged, src, "")
	mergeConfig(&merged, src)
	removeSampleKeys(merged)

	var cfg rm.Config
	mergedbuf, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("reencoding merged config: %s", err)
	}
	err = yaml.Unmarshal(mergedbuf, &cfg)
	if err != nil {
		return nil, fmt.Errorf("transcoding config data: %s", err)
	}

	for id, cc := range cfg.Clusters {
		for _, err := range []error{
			checkKeyConflict(fmt.Sprintf("Clusters.%s.Users", id), cc.Users),
			checkNodeSources(fmt.Sprintf("Clusters.%s.NodeSources", id), &cc),
			checkDescriptorStore(fmt.Sprintf("Clusters.%s.DescriptorStore", id), cc.DescriptorStore),
		} {
			if err != nil {
				return nil, err
			}
		}
		cc.ClusterID = id
		cfg.Clusters[id] = cc
	}
	return &cfg, nil
}

// mergeConfig merges src into *dst. Maps are merged recursively;
// other values in src replace those in dst.
func mergeConfig(dst *map[string]interface{}, src map[string]interface{}) {
	if *dst == nil {
		*dst = map[string]interface{}{}
	}
	for k, v := range src {
		srcmap, srcok := v.(map[string]interface{})
		dstmap, dstok := (*dst)[k].(map[string]interface{})
		if srcok && dstok {
			mergeConfig(&dstmap, srcmap)
			(*dst)[k] = dstmap
		} else {
			(*dst)[k] = v
		}
	}
}

// removeSampleKeys deletes the SAMPLE entries of the default config's
// example maps.
func removeSampleKeys(m map[string]interface{}) {
	delete(m, "SAMPLE")
	for _, v := range m {
		if v, _ := v.(map[string]interface{}); v != nil {
			removeSampleKeys(v)
		}
	}
}

// logExtraKeys warns about keys in src that do not appear in the
// defaults. Entries of maps whose keys are chosen by the site (the
// ones with a SAMPLE entry in the defaults) are checked against the
// SAMPLE entry.
func (ldr *Loader) logExtraKeys(expected, supplied map[string]interface{}, prefix string) {
	if ldr.Logger == nil {
		return
	}
	allowed := map[string]interface{}{}
	for k, v := range expected {
		allowed[strings.ToLower(k)] = v
	}
	keys := make([]string, 0, len(supplied))
	for k := range supplied {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vsupp := supplied[k]
		vexp, ok := allowed[strings.ToLower(k)]
		if !ok && expected["SAMPLE"] != nil {
			vexp, ok = expected["SAMPLE"], true
		} else if !ok && prefix == "Clusters." {
			// cluster IDs are checked against the
			// defaults loaded for them
			continue
		}
		if !ok {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s%s", prefix, k)
			continue
		}
		if vsupp, ok := vsupp.(map[string]interface{}); !ok {
			continue
		} else if vexp, ok := vexp.(map[string]interface{}); !ok || len(vexp) == 0 {
			// free-form map, e.g. InfrastructureParameters
			continue
		} else {
			ldr.logExtraKeys(vexp, vsupp, prefix+k+".")
		}
	}
}

func checkKeyConflict(label string, users map[string]rm.UserConfig) error {
	seen := map[string]string{}
	for name, u := range users {
		if u.Token == "" {
			continue
		}
		if other, ok := seen[u.Token]; ok {
			return fmt.Errorf("%s: users %q and %q have the same token", label, other, name)
		}
		seen[u.Token] = name
	}
	return nil
}

func checkNodeSources(label string, cc *rm.Cluster) error {
	ns := cc.NodeSources
	if ns.ThreadPoolSize < 2 {
		return fmt.Errorf("%s.ThreadPoolSize: must be at least 2, got %d", label, ns.ThreadPoolSize)
	}
	for key, d := range map[string]rm.Duration{
		"PingFrequency":        ns.PingFrequency,
		"PingTimeout":          ns.PingTimeout,
		"LookupTimeout":        ns.LookupTimeout,
		"ShutdownDrainTimeout": ns.ShutdownDrainTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s.%s: must be positive, got %s", label, key, d)
		}
	}
	for name, pc := range ns.Preconfigured {
		if pc.Administrator == "" {
			continue
		}
		if _, ok := cc.Users[pc.Administrator]; !ok {
			return fmt.Errorf("%s.Preconfigured.%s.Administrator: no such user %q", label, name, pc.Administrator)
		}
	}
	return nil
}

func checkDescriptorStore(label string, ds rm.DescriptorStoreConfig) error {
	switch ds.Driver {
	case "", "memory":
	case "postgres", "sqlite":
		if ds.DSN == "" {
			return fmt.Errorf("%s.DSN: required for driver %q", label, ds.Driver)
		}
	case "etcd":
		if len(ds.Endpoints) == 0 {
			return fmt.Errorf("%s.Endpoints: required for driver %q", label, ds.Driver)
		}
	default:
		return fmt.Errorf("%s.Driver: unsupported driver %q", label, ds.Driver)
	}
	return nil
}
