// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package infrastructure

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

const (
	labelNodeSource = "rm.nodesource"
	labelNodeURL    = "rm.node-url"

	variablePrefix = "container."

	defaultAgentPort     = 8000
	defaultDockerTimeout = time.Minute
	defaultAgentCommand  = "rm-server node-agent"
)

// dockerAPI is the subset of *client.Client used here.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
	ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error)
}

type dockerParams struct {
	Image           string
	Network         string
	Command         []string
	AgentPort       int
	MaxNodes        int
	MaxOpsPerSecond int
	NodeToken       string
	APIToken        string
	Timeout         time.Duration
}

func parseDockerParams(params map[string]string) (dockerParams, error) {
	p := dockerParams{
		Image:     params["image"],
		Network:   params["network"],
		Command:   strings.Fields(defaultAgentCommand),
		AgentPort: defaultAgentPort,
		MaxNodes:  1,
		NodeToken: params["node_token"],
		APIToken:  params["api_token"],
		Timeout:   defaultDockerTimeout,
	}
	if p.Image == "" {
		return p, fmt.Errorf("docker infrastructure: image parameter is required")
	}
	if cmd := params["command"]; cmd != "" {
		p.Command = strings.Fields(cmd)
	}
	for key, dst := range map[string]*int{
		"agent_port":         &p.AgentPort,
		"max_nodes":          &p.MaxNodes,
		"max_ops_per_second": &p.MaxOpsPerSecond,
	} {
		s, ok := params[key]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return p, fmt.Errorf("docker infrastructure: invalid %s %q", key, s)
		}
		*dst = n
	}
	if s, ok := params["timeout"]; ok {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return p, fmt.Errorf("docker infrastructure: invalid timeout %q", s)
		}
		p.Timeout = d
	}
	return p, nil
}

// dockerNode is a container started for a node source, or a
// registered node whose container was recorded before a restart.
type dockerNode struct {
	placeholder nodesource.Node
	containerID string
	registered  bool
}

// docker deploys each node as a container running the node agent.
// The agent registers itself at the node source's registration URL.
type docker struct {
	logger logrus.FieldLogger
	api    dockerAPI
	params dockerParams
	ticker *time.Ticker

	mtx             sync.Mutex
	nodeSource      *nodesource.NodeSource
	name            string
	registrationURL string
	seq             int
	nodes           map[string]*dockerNode
	stopped         bool
	wg              sync.WaitGroup
}

func newDocker(env Env, params map[string]string) (nodesource.InfrastructureManager, error) {
	p, err := parseDockerParams(params)
	if err != nil {
		return nil, err
	}
	opts := []client.Opt{client.FromEnv}
	if env.Docker.Host != "" {
		opts = append(opts, client.WithHost(env.Docker.Host))
	}
	if env.Docker.APIVersion != "" {
		opts = append(opts, client.WithVersion(env.Docker.APIVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker infrastructure: %w", err)
	}
	return newDockerWithAPI(env, cli, p), nil
}

func newDockerWithAPI(env Env, api dockerAPI, p dockerParams) *docker {
	d := &docker{
		logger: env.Logger,
		api:    api,
		params: p,
		name:   env.NodeSource,
		nodes:  map[string]*dockerNode{},
	}
	if p.MaxOpsPerSecond > 0 {
		d.ticker = time.NewTicker(time.Second / time.Duration(p.MaxOpsPerSecond))
	}
	return d
}

func (d *docker) Bind(ns *nodesource.NodeSource) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.nodeSource = ns
	d.name = ns.Name()
	d.registrationURL = ns.RegistrationURL()
}

// throttle waits for the next API call slot, if rate limited.
func (d *docker) throttle() {
	if d.ticker != nil {
		<-d.ticker.C
	}
}

func (d *docker) AcquireNode() {
	d.deploy(nil)
}

func (d *docker) AcquireNodes(n int, params map[string]string) {
	for i := 0; i < n; i++ {
		d.deploy(params)
	}
}

// AcquireAllNodes deploys nodes until max_nodes containers exist.
func (d *docker) AcquireAllNodes(params map[string]string) {
	d.mtx.Lock()
	n := d.params.MaxNodes - len(d.nodes)
	d.mtx.Unlock()
	d.AcquireNodes(n, params)
}

var invalidContainerNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// deploy adds a deploying placeholder and starts its container in
// the background.
func (d *docker) deploy(params map[string]string) {
	d.mtx.Lock()
	if d.stopped {
		d.mtx.Unlock()
		d.logger.Info("infrastructure is shut down, not deploying")
		return
	}
	d.seq++
	cname := fmt.Sprintf("rm-%s-%d", invalidContainerNameChars.ReplaceAllString(d.name, "-"), d.seq)
	url := fmt.Sprintf("node://%s:%d", cname, d.params.AgentPort)
	ph := nodesource.Node{
		URL:         url,
		NodeSource:  d.name,
		Host:        cname,
		State:       nodesource.NodeDeploying,
		Description: fmt.Sprintf("container %s (image %s)", cname, d.params.Image),
		Added:       time.Now(),
	}
	if lock := params["lock_by"]; lock != "" {
		ph.LockedBy = lock
		ph.LockTime = ph.Added
	}
	d.nodes[url] = &dockerNode{placeholder: ph}
	ns, regURL := d.nodeSource, d.registrationURL
	d.wg.Add(1)
	d.mtx.Unlock()

	if ns != nil {
		ns.NotifyDeploying(ph)
	}
	go func() {
		defer d.wg.Done()
		d.startContainer(cname, url, regURL)
	}()
}

func (d *docker) startContainer(cname, url, regURL string) {
	logger := d.logger.WithFields(logrus.Fields{
		"Container": cname,
		"NodeURL":   url,
	})
	env := []string{
		"RM_REGISTRATION_URL=" + regURL,
		"RM_NODE_URL=" + url,
		fmt.Sprintf("RM_NODE_LISTEN=:%d", d.params.AgentPort),
	}
	if d.params.NodeToken != "" {
		env = append(env, "RM_NODE_TOKEN="+d.params.NodeToken)
	}
	if d.params.APIToken != "" {
		env = append(env, "RM_API_TOKEN="+d.params.APIToken)
	}
	hostCfg := &container.HostConfig{}
	if d.params.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(d.params.Network)
	}

	d.throttle()
	ctx, cancel := context.WithTimeout(context.Background(), d.params.Timeout)
	defer cancel()
	resp, err := d.api.ContainerCreate(ctx, &container.Config{
		Image: d.params.Image,
		Cmd:   d.params.Command,
		Env:   env,
		Labels: map[string]string{
			labelNodeSource: d.name,
			labelNodeURL:    url,
		},
	}, hostCfg, nil, nil, cname)
	if err != nil {
		logger.WithError(err).Error("cannot create container")
		d.forget(url)
		return
	}
	logger = logger.WithField("ContainerID", resp.ID)

	d.mtx.Lock()
	n, ok := d.nodes[url]
	if ok {
		n.containerID = resp.ID
	}
	d.mtx.Unlock()
	if !ok {
		logger.Info("deploying node was abandoned, removing container")
		d.removeContainer(resp.ID)
		return
	}

	d.throttle()
	if err := d.api.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		logger.WithError(err).Error("cannot start container")
		d.forget(url)
		d.removeContainer(resp.ID)
		return
	}
	logger.Info("container started")
}

// forget drops url unless its node has registered.
func (d *docker) forget(url string) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if n, ok := d.nodes[url]; ok && !n.registered {
		delete(d.nodes, url)
	}
}

func (d *docker) removeContainer(id string) {
	d.throttle()
	ctx, cancel := context.WithTimeout(context.Background(), d.params.Timeout)
	defer cancel()
	err := d.api.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		d.logger.WithField("ContainerID", id).WithError(err).Warn("cannot remove container")
	}
}

// removeContainerAsync removes a container without blocking the
// caller.
func (d *docker) removeContainerAsync(id string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.removeContainer(id)
	}()
}

func (d *docker) RegisterAcquiredNode(raw nodesource.RawNode) *nodesource.Node {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	n, ok := d.nodes[raw.URL()]
	if !ok {
		// Not one of ours. Track it so Variables and
		// RemoveNode treat it consistently.
		d.nodes[raw.URL()] = &dockerNode{registered: true}
		return nil
	}
	if n.registered {
		return nil
	}
	n.registered = true
	ph := n.placeholder
	return &ph
}

func (d *docker) RemoveNode(raw nodesource.RawNode, isDown bool) error {
	d.mtx.Lock()
	n, ok := d.nodes[raw.URL()]
	delete(d.nodes, raw.URL())
	d.mtx.Unlock()
	if !ok {
		return fmt.Errorf("unknown node %s", raw.URL())
	}
	if n.containerID != "" {
		d.removeContainerAsync(n.containerID)
	}
	return nil
}

func (d *docker) RemoveDeployingNode(url string) bool {
	d.mtx.Lock()
	n, ok := d.nodes[url]
	if !ok || n.registered {
		d.mtx.Unlock()
		return false
	}
	delete(d.nodes, url)
	d.mtx.Unlock()
	if n.containerID != "" {
		d.removeContainerAsync(n.containerID)
	}
	return true
}

func (d *docker) OnDownNodeReconnection(raw nodesource.RawNode) {
	d.logger.WithField("NodeURL", raw.URL()).Info("node reconnected")
}

func (d *docker) NotifyDownNode(raw nodesource.RawNode) {
	d.logger.WithField("NodeURL", raw.URL()).Info("node is down; its container is kept until the node is removed")
}

func (d *docker) DeployingNodes() []nodesource.Node {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var nodes []nodesource.Node
	for _, n := range d.nodes {
		if !n.registered {
			nodes = append(nodes, n.placeholder)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].URL < nodes[j].URL })
	return nodes
}

func (d *docker) DeployingNode(url string) (nodesource.Node, bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	n, ok := d.nodes[url]
	if !ok || n.registered {
		return nodesource.Node{}, false
	}
	return n.placeholder, true
}

// ShutDown removes every container labelled with this node source,
// including any whose IDs were lost.
func (d *docker) ShutDown() {
	d.mtx.Lock()
	if d.stopped {
		d.mtx.Unlock()
		return
	}
	d.stopped = true
	ids := map[string]bool{}
	for _, n := range d.nodes {
		if n.containerID != "" {
			ids[n.containerID] = true
		}
	}
	d.nodes = map[string]*dockerNode{}
	d.wg.Add(1)
	d.mtx.Unlock()

	go func() {
		defer d.wg.Done()
		d.throttle()
		ctx, cancel := context.WithTimeout(context.Background(), d.params.Timeout)
		defer cancel()
		ctrs, err := d.api.ContainerList(ctx, types.ContainerListOptions{
			All:     true,
			Filters: filters.NewArgs(filters.Arg("label", labelNodeSource+"="+d.name)),
		})
		if err != nil {
			d.logger.WithError(err).Warn("cannot list containers")
		}
		for _, ctr := range ctrs {
			ids[ctr.ID] = true
		}
		for id := range ids {
			d.removeContainer(id)
		}
		d.logger.WithField("Containers", len(ids)).Info("infrastructure shut down")
	}()
}

// Variables returns the container ID of each node, so containers
// can be removed after a restart.
func (d *docker) Variables() map[string]string {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	vars := map[string]string{}
	for url, n := range d.nodes {
		if n.containerID != "" {
			vars[variablePrefix+url] = n.containerID
		}
	}
	return vars
}

func (d *docker) RestoreVariables(vars map[string]string) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	for k, id := range vars {
		url := strings.TrimPrefix(k, variablePrefix)
		if url == k || id == "" {
			continue
		}
		d.nodes[url] = &dockerNode{containerID: id, registered: true}
	}
}

// wait for in-flight container operations to finish.
func (d *docker) wait() {
	d.wg.Wait()
}
