// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package nsmgr is the resource manager core that owns node sources:
// it creates, deploys, and removes them, keeps track of every node
// they register, and serves the management API.
package nsmgr

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/ow2-proactive/scheduling-sub049/lib/infrastructure"
	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
	"github.com/ow2-proactive/scheduling-sub049/lib/nsstore"
	"github.com/ow2-proactive/scheduling-sub049/lib/permission"
	"github.com/ow2-proactive/scheduling-sub049/lib/policy"
	"github.com/ow2-proactive/scheduling-sub049/lib/threadpool"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/rm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound          = errors.New("node source not found")
	ErrNodeNotFound      = errors.New("node not found")
	ErrExists            = errors.New("node source already exists")
	ErrNotDeployed       = errors.New("node source is not deployed")
	ErrInvalidDescriptor = errors.New("invalid node source descriptor")
	ErrStopped           = errors.New("node source manager is stopped")
)

const storeTimeout = 10 * time.Second

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// SystemClient is the identity used for node sources created and
// recovered at startup.
var SystemClient = permission.Client{Name: "system", Admin: true}

// Config holds a Manager's collaborators.
type Config struct {
	Cluster  *rm.Cluster
	Registry *prometheus.Registry
	Lookup   nodesource.Lookup
	Store    nsstore.Store

	// Base URL node agents use to reach the management API.
	// Registration URLs are {RegistrationBaseURL}/v1/nodesources/{name}/nodes.
	RegistrationBaseURL string
}

// Manager owns a set of node sources. It is the MonitoringSink and
// Configurator of each of them, and through core and topology, their
// OwningCore and host Topology.
//
// The Manager's mutex is never held while calling a node source, since
// node sources call back into the Manager from their control
// goroutines.
type Manager struct {
	logger      logrus.FieldLogger
	cluster     *rm.Cluster
	lookup      nodesource.Lookup
	store       nsstore.Store
	regBase     string
	pools       *threadpool.Holder
	nsMetrics   *nodesource.Metrics
	pingTimeout time.Duration

	mtx     sync.Mutex
	sources map[string]*managedSource
	nodes   map[string]*NodeRecord
	hosts   map[string]map[string]bool
	dirty   map[string]bool

	dirtyNotify chan struct{}
	stop        chan struct{}
	stopOnce    sync.Once
	persisterWG sync.WaitGroup

	mNodes  *prometheus.GaugeVec
	mEvents *prometheus.CounterVec
}

type managedSource struct {
	desc      nodesource.Descriptor
	ns        *nodesource.NodeSource
	infra     nodesource.InfrastructureManager
	deploying bool
	removed   bool
}

// NodeStatus is the manager's view of a node.
type NodeStatus string

const (
	NodeDeploying   NodeStatus = "deploying"
	NodeConfiguring NodeStatus = "configuring"
	NodeFree        NodeStatus = "free"
	NodeDown        NodeStatus = "down"
)

// NodeRecord is a node known to the manager.
type NodeRecord struct {
	nodesource.Node
	Status      NodeStatus
	ToBeRemoved bool `json:",omitempty"`

	removeBy permission.Client
}

// NodeSourceInfo describes a node source and its current state.
type NodeSourceInfo struct {
	nodesource.Descriptor
	State           string      `json:"state"`
	RegistrationURL string      `json:"registration_url"`
	PingFrequency   rm.Duration `json:"ping_frequency,omitempty"`
	AliveNodes      int         `json:"alive_nodes"`
	DownNodes       int         `json:"down_nodes"`
	DeployingNodes  int         `json:"deploying_nodes"`
}

// New returns a Manager, after recovering the node sources recorded in
// cfg.Store and creating the preconfigured ones.
func New(ctx context.Context, logger logrus.FieldLogger, cfg Config) (*Manager, error) {
	if cfg.Cluster == nil || cfg.Lookup == nil || cfg.Store == nil {
		return nil, errors.New("node source manager: missing cluster config, lookup, or store")
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	nscfg := cfg.Cluster.NodeSources
	m := &Manager{
		logger:      logger,
		cluster:     cfg.Cluster,
		lookup:      cfg.Lookup,
		store:       cfg.Store,
		regBase:     cfg.RegistrationBaseURL,
		pools:       threadpool.NewFromTotal(logger, rm.DurationOr(nscfg.ShutdownDrainTimeout, 10*time.Second), nscfg.ThreadPoolSize),
		nsMetrics:   nodesource.NewMetrics(cfg.Registry),
		pingTimeout: rm.DurationOr(nscfg.PingTimeout, 10*time.Second),
		sources:     map[string]*managedSource{},
		nodes:       map[string]*NodeRecord{},
		hosts:       map[string]map[string]bool{},
		dirty:       map[string]bool{},
		dirtyNotify: make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	m.registerMetrics(cfg.Registry)
	m.persisterWG.Add(1)
	go m.runPersister()

	if err := m.recover(ctx); err != nil {
		m.Stop()
		return nil, err
	}
	m.createPreconfigured(ctx)
	return m, nil
}

// Stop ends every node source's control loop and acquisition policy,
// shuts down the shared worker pools, and closes the store. Node
// sources are not undeployed: their nodes and stored status are left
// as they are, so they are recovered at the next start.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.mtx.Lock()
		var running []*nodesource.NodeSource
		for _, src := range m.sources {
			if src.ns != nil {
				running = append(running, src.ns)
			}
		}
		m.mtx.Unlock()
		for _, ns := range running {
			ns.Stop()
		}
		m.persisterWG.Wait()
		m.pools.ShutdownAll()
		if err := m.store.Close(); err != nil {
			m.logger.WithError(err).Warn("error closing descriptor store")
		}
		m.logger.Info("node source manager stopped")
	})
}

func (m *Manager) stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// CheckHealth returns an error if the manager is stopped or the
// descriptor store is unreachable.
func (m *Manager) CheckHealth() error {
	if m.stopped() {
		return ErrStopped
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if _, err := m.store.List(ctx); err != nil {
		return fmt.Errorf("descriptor store: %w", err)
	}
	return nil
}

// recover loads the stored descriptors and redeploys the recoverable
// node sources that were deployed.
func (m *Manager) recover(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	descs, err := m.store.List(sctx)
	cancel()
	if err != nil {
		return fmt.Errorf("load node source descriptors: %w", err)
	}
	m.mtx.Lock()
	for _, d := range descs {
		m.sources[d.Name] = &managedSource{desc: d}
	}
	m.mtx.Unlock()

	for _, d := range descs {
		if d.Status != nodesource.StatusNodesDeployed {
			continue
		}
		logger := m.logger.WithField("NodeSource", d.Name)
		if !d.Recoverable {
			logger.Info("node source is not recoverable, marking undeployed")
			m.setStatus(ctx, d.Name, nodesource.StatusNodesUndeployed)
			continue
		}
		logger.WithField("Variables", len(d.LastRecoveredInfrastructureVariables)).Info("recovering node source")
		if err := m.Deploy(ctx, d.Name, SystemClient); err != nil {
			logger.WithError(err).Error("cannot recover node source")
			m.setStatus(ctx, d.Name, nodesource.StatusNodesUndeployed)
		}
	}
	return nil
}

func (m *Manager) createPreconfigured(ctx context.Context) {
	var names []string
	for name := range m.cluster.NodeSources.Preconfigured {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m.mtx.Lock()
		_, exists := m.sources[name]
		m.mtx.Unlock()
		if exists {
			continue
		}
		pc := m.cluster.NodeSources.Preconfigured[name]
		d := nodesource.Descriptor{
			Name:                     name,
			InfrastructureType:       pc.InfrastructureType,
			InfrastructureParameters: pc.InfrastructureParameters,
			PolicyType:               pc.PolicyType,
			PolicyParameters:         pc.PolicyParameters,
			Provider:                 pc.Administrator,
			Description:              pc.Description,
			Recoverable:              pc.Recoverable,
		}
		if err := m.Create(ctx, d, SystemClient, pc.Deploy); err != nil {
			m.logger.WithError(err).WithField("NodeSource", name).Error("cannot create preconfigured node source")
		}
	}
}

// client returns the identity of the configured user with the given
// name.
func (m *Manager) client(name string) permission.Client {
	u := m.cluster.Users[name]
	return permission.Client{
		Name:   name,
		Groups: u.Groups,
		Admin:  u.Admin,
	}
}

func mayAdminister(d nodesource.Descriptor, c permission.Client) bool {
	return c.Admin || (c.Name != "" && c.Name == d.Provider)
}

func (m *Manager) registrationURL(name string) string {
	return m.regBase + "/v1/nodesources/" + url.PathEscape(name) + "/nodes"
}

// setStatus records a node source's status in memory and in the
// store. Store errors are logged.
func (m *Manager) setStatus(ctx context.Context, name string, status nodesource.Status) {
	m.mtx.Lock()
	if src, ok := m.sources[name]; ok {
		src.desc.Status = status
	}
	m.mtx.Unlock()
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := m.store.UpdateStatus(ctx, name, status); err != nil && !errors.Is(err, nsstore.ErrNotFound) {
		m.logger.WithError(err).WithField("NodeSource", name).Error("cannot record node source status")
	}
}

// validate checks that d names a known infrastructure and a policy
// whose parameters parse.
func (m *Manager) validate(d nodesource.Descriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDescriptor, err)
	}
	if !validName.MatchString(d.Name) {
		return fmt.Errorf("%w: invalid node source name %q", ErrInvalidDescriptor, d.Name)
	}
	known := false
	for _, typ := range infrastructure.Types() {
		known = known || typ == d.InfrastructureType
	}
	if !known {
		return fmt.Errorf("%w: unsupported infrastructure type %q", ErrInvalidDescriptor, d.InfrastructureType)
	}
	if _, err := policy.New(d.PolicyType, policy.Env{Logger: m.logger, NodeSource: d.Name}, d.PolicyParameters); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDescriptor, err)
	}
	return nil
}

// Create adds a node source, and deploys it if deploy is true. The
// creator becomes the provider unless d names one, which only an
// administrator may do.
func (m *Manager) Create(ctx context.Context, d nodesource.Descriptor, creator permission.Client, deploy bool) error {
	if m.stopped() {
		return ErrStopped
	}
	if d.Provider == "" {
		d.Provider = creator.Name
	} else if d.Provider != creator.Name && !creator.Admin {
		return nodesource.ErrPermissionDenied
	}
	d.Status = nodesource.StatusNodesUndeployed
	d.LastRecoveredInfrastructureVariables = nil
	if err := m.validate(d); err != nil {
		return err
	}

	m.mtx.Lock()
	if _, ok := m.sources[d.Name]; ok {
		m.mtx.Unlock()
		return ErrExists
	}
	m.sources[d.Name] = &managedSource{desc: d}
	m.mtx.Unlock()

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := m.store.Save(sctx, d); err != nil {
		m.mtx.Lock()
		delete(m.sources, d.Name)
		m.mtx.Unlock()
		return fmt.Errorf("save descriptor: %w", err)
	}
	m.logger.WithFields(logrus.Fields{
		"NodeSource":     d.Name,
		"Creator":        creator.Name,
		"Provider":       d.Provider,
		"Infrastructure": d.InfrastructureType,
		"Policy":         d.PolicyType,
	}).Info("node source created")
	if deploy {
		return m.Deploy(ctx, d.Name, creator)
	}
	return nil
}

// Deploy starts a node source and activates its policy. Deploying a
// running node source has no effect.
func (m *Manager) Deploy(ctx context.Context, name string, client permission.Client) error {
	if m.stopped() {
		return ErrStopped
	}
	m.mtx.Lock()
	src, ok := m.sources[name]
	switch {
	case !ok || src.removed:
		m.mtx.Unlock()
		return ErrNotFound
	case !mayAdminister(src.desc, client):
		m.mtx.Unlock()
		return nodesource.ErrPermissionDenied
	case src.ns != nil:
		state := src.ns.State()
		m.mtx.Unlock()
		if state == nodesource.StateRunning {
			return nil
		}
		return nodesource.ErrShuttingDown
	case src.deploying:
		m.mtx.Unlock()
		return nil
	}
	src.deploying = true
	desc := src.desc
	m.mtx.Unlock()

	ns, infra, err := m.start(desc)

	m.mtx.Lock()
	src.deploying = false
	if err == nil {
		src.ns, src.infra = ns, infra
	}
	m.mtx.Unlock()
	if err != nil {
		return err
	}
	m.setStatus(ctx, name, nodesource.StatusNodesDeployed)
	if !ns.Activate() {
		m.logger.WithField("NodeSource", name).Error("acquisition policy could not be activated, undeploying")
		m.Undeploy(ctx, name, client, true)
		return fmt.Errorf("node source %q: acquisition policy could not be activated", name)
	}
	return nil
}

func (m *Manager) start(d nodesource.Descriptor) (*nodesource.NodeSource, nodesource.InfrastructureManager, error) {
	infra, err := infrastructure.New(d.InfrastructureType, infrastructure.Env{
		Logger:     m.logger,
		NodeSource: d.Name,
		Docker:     m.cluster.Docker,
	}, d.InfrastructureParameters)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidDescriptor, err)
	}
	if vr, ok := infra.(nodesource.VariableRecorder); ok && len(d.LastRecoveredInfrastructureVariables) > 0 {
		vr.RestoreVariables(d.LastRecoveredInfrastructureVariables)
	}
	pol, err := policy.New(d.PolicyType, policy.Env{Logger: m.logger, NodeSource: d.Name}, d.PolicyParameters)
	if err != nil {
		infra.ShutDown()
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidDescriptor, err)
	}
	nscfg := m.cluster.NodeSources
	ns, err := nodesource.New(m.logger, m.pools, m.nsMetrics, nodesource.Config{
		Name:            d.Name,
		RegistrationURL: m.registrationURL(d.Name),
		Administrator:   m.client(d.Provider),
		PingFrequency:   nscfg.PingFrequency.Duration(),
		PingTimeout:     nscfg.PingTimeout.Duration(),
		LookupTimeout:   nscfg.LookupTimeout.Duration(),
		Lookup:          m.lookup,
		Infrastructure:  infra,
		Policy:          pol,
		Core:            (*core)(m),
		Sink:            m,
		Configurator:    m,
		Topology:        (*topology)(m),
	})
	if err != nil {
		infra.ShutDown()
		return nil, nil, err
	}
	m.logger.WithFields(logrus.Fields{
		"NodeSource":      d.Name,
		"RegistrationURL": ns.RegistrationURL(),
	}).Info("node source deployed")
	return ns, infra, nil
}

// Undeploy shuts a node source down and releases its nodes. Locked
// nodes are released when they are unlocked, unless preempt is true.
// The node source terminates once all of its alive nodes are gone.
func (m *Manager) Undeploy(ctx context.Context, name string, client permission.Client, preempt bool) error {
	m.mtx.Lock()
	src, ok := m.sources[name]
	if !ok || src.removed {
		m.mtx.Unlock()
		return ErrNotFound
	}
	if !mayAdminister(src.desc, client) {
		m.mtx.Unlock()
		return nodesource.ErrPermissionDenied
	}
	ns := src.ns
	m.mtx.Unlock()

	m.setStatus(ctx, name, nodesource.StatusNodesUndeployed)
	if ns == nil {
		return nil
	}
	if err := ns.Shutdown(client); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"NodeSource": name,
		"Initiator":  client.Name,
		"Preempt":    preempt,
	}).Info("undeploying node source")
	for _, node := range ns.DeployingNodes() {
		if _, err := ns.RemoveDeployingNode(node.URL, client); err != nil {
			m.logger.WithError(err).WithField("NodeURL", node.URL).Warn("cannot abandon deploying node")
		}
		m.forgetDeploying(node.URL)
	}
	for _, node := range ns.AliveNodes() {
		if _, err := m.removeNode(ns, node.URL, client, preempt); err != nil && !errors.Is(err, nodesource.ErrTerminated) {
			m.logger.WithError(err).WithField("NodeURL", node.URL).Warn("cannot remove node")
		}
	}
	return nil
}

// Remove undeploys a node source and deletes its descriptor.
func (m *Manager) Remove(ctx context.Context, name string, client permission.Client, preempt bool) error {
	if err := m.Undeploy(ctx, name, client, preempt); err != nil {
		return err
	}
	m.mtx.Lock()
	src, ok := m.sources[name]
	if ok {
		src.removed = true
		if src.ns == nil {
			delete(m.sources, name)
		}
	}
	delete(m.dirty, name)
	m.mtx.Unlock()

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := m.store.Delete(sctx, name); err != nil && !errors.Is(err, nsstore.ErrNotFound) {
		return fmt.Errorf("delete descriptor: %w", err)
	}
	m.logger.WithFields(logrus.Fields{
		"NodeSource": name,
		"Initiator":  client.Name,
	}).Info("node source removed")
	return nil
}

// nodeSource returns the running node source with the given name.
func (m *Manager) nodeSource(name string) (*nodesource.NodeSource, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	src, ok := m.sources[name]
	if !ok || src.removed {
		return nil, ErrNotFound
	}
	if src.ns == nil {
		return nil, ErrNotDeployed
	}
	return src.ns, nil
}

// nodeSourceOf returns the record of the node at url and its node
// source.
func (m *Manager) nodeSourceOf(url string) (NodeRecord, *nodesource.NodeSource, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	rec, ok := m.nodes[url]
	if !ok {
		return NodeRecord{}, nil, ErrNodeNotFound
	}
	src, ok := m.sources[rec.NodeSource]
	if !ok || src.ns == nil {
		return NodeRecord{}, nil, ErrNodeNotFound
	}
	return *rec, src.ns, nil
}

// AddNode looks up the node at url and adds it to the named node
// source on behalf of client.
func (m *Manager) AddNode(ctx context.Context, name, url string, client permission.Client) (bool, error) {
	ns, err := m.nodeSource(name)
	if err != nil {
		return false, err
	}
	return ns.AcquireNode(ctx, url, client)
}

// RemoveNode releases the node at url. If the node is locked and
// preempt is false, removal is deferred until the node is unlocked,
// and RemoveNode returns false.
func (m *Manager) RemoveNode(ctx context.Context, url string, client permission.Client, preempt bool) (bool, error) {
	rec, ns, err := m.nodeSourceOf(url)
	if err != nil {
		return false, err
	}
	if rec.Status == NodeDeploying {
		ok, err := ns.RemoveDeployingNode(url, client)
		if ok {
			m.forgetDeploying(url)
		}
		return ok, err
	}
	return m.removeNode(ns, url, client, preempt)
}

func (m *Manager) removeNode(ns *nodesource.NodeSource, url string, client permission.Client, preempt bool) (bool, error) {
	if !preempt {
		m.mtx.Lock()
		rec, ok := m.nodes[url]
		if ok && rec.Locked() {
			if !ns.HasAdminAccess(client) && client.Name != rec.Provider {
				m.mtx.Unlock()
				return false, nodesource.ErrPermissionDenied
			}
			rec.ToBeRemoved = true
			rec.removeBy = client
			lockedBy := rec.LockedBy
			m.mtx.Unlock()
			m.logger.WithFields(logrus.Fields{
				"NodeURL":  url,
				"LockedBy": lockedBy,
			}).Info("node is locked, removing it when unlocked")
			return false, nil
		}
		m.mtx.Unlock()
	}
	return ns.RemoveNode(url, client)
}

// SetNodeAvailable brings a down node back.
func (m *Manager) SetNodeAvailable(ctx context.Context, url string, client permission.Client) (bool, error) {
	rec, ns, err := m.nodeSourceOf(url)
	if err != nil {
		return false, err
	}
	if !ns.HasAdminAccess(client) && client.Name != rec.Provider {
		return false, nodesource.ErrPermissionDenied
	}
	return ns.SetNodeAvailable(url)
}

// LockNode marks a node as in use by client. A locked node survives a
// non-preemptive removal until it is unlocked.
func (m *Manager) LockNode(url string, client permission.Client) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	rec, ok := m.nodes[url]
	if !ok || rec.Status == NodeDeploying {
		return ErrNodeNotFound
	}
	if !client.Admin && !rec.Permission.Allows(client) {
		return nodesource.ErrPermissionDenied
	}
	if rec.Locked() {
		return nil
	}
	rec.LockedBy = client.Name
	rec.LockTime = time.Now()
	return nil
}

// UnlockNode clears a node's lock, and carries out a removal deferred
// by the lock.
func (m *Manager) UnlockNode(url string, client permission.Client) error {
	m.mtx.Lock()
	rec, ok := m.nodes[url]
	if !ok || rec.Status == NodeDeploying {
		m.mtx.Unlock()
		return ErrNodeNotFound
	}
	if !client.Admin && client.Name != rec.LockedBy {
		m.mtx.Unlock()
		return nodesource.ErrPermissionDenied
	}
	rec.LockedBy = ""
	rec.LockTime = time.Time{}
	remove, removeBy := rec.ToBeRemoved, rec.removeBy
	var ns *nodesource.NodeSource
	if src, ok := m.sources[rec.NodeSource]; ok {
		ns = src.ns
	}
	m.mtx.Unlock()
	if !remove || ns == nil {
		return nil
	}
	_, err := ns.RemoveNode(url, removeBy)
	return err
}

// SetPingFrequency changes how often the named node source pings its
// nodes.
func (m *Manager) SetPingFrequency(name string, d time.Duration, client permission.Client) error {
	m.mtx.Lock()
	src, ok := m.sources[name]
	if !ok || src.removed {
		m.mtx.Unlock()
		return ErrNotFound
	}
	allowed := mayAdminister(src.desc, client)
	ns := src.ns
	m.mtx.Unlock()
	if !allowed {
		return nodesource.ErrPermissionDenied
	}
	if ns == nil {
		return ErrNotDeployed
	}
	return ns.SetPingFrequency(d)
}

// NodeSources returns every node source, sorted by name.
func (m *Manager) NodeSources() []NodeSourceInfo {
	type snap struct {
		desc nodesource.Descriptor
		ns   *nodesource.NodeSource
	}
	var snaps []snap
	m.mtx.Lock()
	for _, src := range m.sources {
		if !src.removed {
			snaps = append(snaps, snap{src.desc, src.ns})
		}
	}
	m.mtx.Unlock()
	infos := make([]NodeSourceInfo, 0, len(snaps))
	for _, s := range snaps {
		infos = append(infos, m.info(s.desc, s.ns))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// NodeSource returns the named node source.
func (m *Manager) NodeSource(name string) (NodeSourceInfo, error) {
	m.mtx.Lock()
	src, ok := m.sources[name]
	if !ok || src.removed {
		m.mtx.Unlock()
		return NodeSourceInfo{}, ErrNotFound
	}
	desc, ns := src.desc, src.ns
	m.mtx.Unlock()
	return m.info(desc, ns), nil
}

func (m *Manager) info(d nodesource.Descriptor, ns *nodesource.NodeSource) NodeSourceInfo {
	d.LastRecoveredInfrastructureVariables = nil
	info := NodeSourceInfo{
		Descriptor:      d,
		State:           "undeployed",
		RegistrationURL: m.registrationURL(d.Name),
	}
	if ns == nil {
		return info
	}
	info.State = ns.State().String()
	info.PingFrequency = rm.Duration(ns.PingFrequency())
	info.AliveNodes = len(ns.AliveNodes())
	info.DownNodes = len(ns.DownNodes())
	info.DeployingNodes = len(ns.DeployingNodes())
	return info
}

// SourceNodes returns the alive, down, and deploying nodes of the
// named node source.
func (m *Manager) SourceNodes(name string) ([]nodesource.Node, error) {
	ns, err := m.nodeSource(name)
	if err != nil {
		return nil, err
	}
	nodes := append(ns.AliveNodes(), ns.DownNodes()...)
	nodes = append(nodes, ns.DeployingNodes()...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].URL < nodes[j].URL })
	return nodes, nil
}

// Nodes returns every node known to the manager, sorted by URL.
// Deploying nodes their infrastructure has abandoned are dropped.
func (m *Manager) Nodes() []NodeRecord {
	m.mtx.Lock()
	recs := make([]NodeRecord, 0, len(m.nodes))
	owners := map[string]*nodesource.NodeSource{}
	for _, rec := range m.nodes {
		recs = append(recs, *rec)
		if src, ok := m.sources[rec.NodeSource]; ok {
			owners[rec.NodeSource] = src.ns
		}
	}
	m.mtx.Unlock()

	kept := recs[:0]
	for _, rec := range recs {
		if rec.Status == NodeDeploying {
			ns := owners[rec.NodeSource]
			if ns == nil {
				m.forgetDeploying(rec.URL)
				continue
			}
			if _, ok := ns.Node(rec.URL); !ok {
				m.forgetDeploying(rec.URL)
				continue
			}
		}
		kept = append(kept, rec)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].URL < kept[j].URL })
	return kept
}

// forgetDeploying drops the record of url if it is still deploying.
func (m *Manager) forgetDeploying(url string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if rec, ok := m.nodes[url]; ok && rec.Status == NodeDeploying {
		m.deleteRecord(url)
	}
}

// Topology returns the URLs of the free nodes on each host.
func (m *Manager) Topology() map[string][]string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	topo := make(map[string][]string, len(m.hosts))
	for host, urls := range m.hosts {
		for u := range urls {
			topo[host] = append(topo[host], u)
		}
		sort.Strings(topo[host])
	}
	return topo
}
