// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package rm holds the configuration types shared by the resource
// manager's services and tools.
package rm

import (
	"fmt"
	"net/url"
	"sort"
)

const DefaultConfigFile = "/etc/rm/config.yml"

type Config struct {
	Clusters map[string]Cluster
}

// GetCluster returns the cluster ID and config for the given
// cluster, or the default/only configured cluster if clusterID is "".
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, fmt.Errorf("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, fmt.Errorf("multiple clusters configured, cannot choose")
		} else {
			for id, cc := range sc.Clusters {
				cc.ClusterID = id
				return &cc, nil
			}
		}
	}
	if cc, ok := sc.Clusters[clusterID]; !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	} else {
		cc.ClusterID = clusterID
		return &cc, nil
	}
}

type Cluster struct {
	ClusterID       string `json:"-"`
	ManagementToken string
	SystemLogs      struct {
		Format   string
		LogLevel string
	}
	Services struct {
		NodeSourceManager Service
	}
	NodeSources     NodeSourcesConfig
	DescriptorStore DescriptorStoreConfig
	Users           map[string]UserConfig
	Docker          DockerConfig
}

type Service struct {
	InternalURLs map[URL]ServiceInstance
	ExternalURL  URL
}

type ServiceInstance struct{}

type NodeSourcesConfig struct {
	// Default interval between liveness sweeps of a node
	// source's alive nodes.
	PingFrequency Duration

	// Maximum time a single liveness probe may take before the
	// node is considered down.
	PingTimeout Duration

	// Maximum time to wait for a node lookup when a node is
	// added by URL.
	LookupTimeout Duration

	// Total number of workers shared by all node sources, split
	// between the lookup pool and the task pool. Minimum 2.
	ThreadPoolSize int

	// Maximum time to wait for queued tasks to finish when a pool
	// is shut down.
	ShutdownDrainTimeout Duration

	// Node sources to create at startup if they do not already
	// exist in the descriptor store.
	Preconfigured map[string]PreconfiguredNodeSource
}

type PreconfiguredNodeSource struct {
	Description              string
	Administrator            string
	InfrastructureType       string
	InfrastructureParameters map[string]string
	PolicyType               string
	PolicyParameters         map[string]string
	Recoverable              bool
	Deploy                   bool
}

type DescriptorStoreConfig struct {
	// "memory", "postgres", "sqlite", or "etcd".
	Driver      string
	DSN         string
	Endpoints   []string
	DialTimeout Duration
	Prefix      string
}

type UserConfig struct {
	Token  string
	Groups []string
	Admin  bool
}

type DockerConfig struct {
	Host       string
	APIVersion string
}

// UserByToken returns the name and config of the user with the given
// token.
func (cc *Cluster) UserByToken(token string) (string, UserConfig, bool) {
	if token == "" {
		return "", UserConfig{}, false
	}
	names := make([]string, 0, len(cc.Users))
	for name := range cc.Users {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if u := cc.Users[name]; u.Token == token {
			return name, u, true
		}
	}
	return "", UserConfig{}, false
}

// URL is a url.URL that is also usable as a JSON key/value.
type URL url.URL

// UnmarshalText implements encoding.TextUnmarshaler so URL can be
// used as a JSON key/value.
func (su *URL) UnmarshalText(text []byte) error {
	u, err := url.Parse(string(text))
	if err == nil {
		*su = URL(*u)
		if su.Path == "" && su.Host != "" {
			su.Path = "/"
		}
	}
	return err
}

func (su URL) MarshalText() ([]byte, error) {
	return []byte(su.String()), nil
}

func (su URL) String() string {
	return (*url.URL)(&su).String()
}
