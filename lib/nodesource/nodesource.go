// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package nodesource manages the lifecycle of a set of nodes acquired
// from one infrastructure under one acquisition policy.
//
// Each NodeSource runs a single control goroutine that owns its
// registry. Public methods send a request to that goroutine and wait
// for the reply. Lookups, pings, and node configuration run on a
// shared threadpool.Holder, and report back to the control goroutine
// as requests of their own, so the control goroutine never waits for
// a node.
package nodesource

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ow2-proactive/scheduling-sub049/lib/permission"
	"github.com/ow2-proactive/scheduling-sub049/lib/threadpool"
	"github.com/sirupsen/logrus"
)

const (
	defaultPingFrequency = 45 * time.Second
	defaultPingTimeout   = 10 * time.Second
	defaultLookupTimeout = 60 * time.Second
)

// State of a node source.
type State int32

const (
	StateRunning State = iota
	StateShuttingDown
	StateTerminated
)

var stateString = map[State]string{
	StateRunning:      "running",
	StateShuttingDown: "shutting down",
	StateTerminated:   "terminated",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if str, ok := stateString[s]; ok {
		return str
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds a node source's settings and collaborators. Lookup,
// Infrastructure, Policy, and Core are required.
type Config struct {
	Name            string
	RegistrationURL string
	Administrator   permission.Client

	// Zero values mean use the defaults.
	PingFrequency time.Duration
	PingTimeout   time.Duration
	LookupTimeout time.Duration

	Lookup         Lookup
	Infrastructure InfrastructureManager
	Policy         AcquisitionPolicy
	Core           OwningCore
	Sink           MonitoringSink
	Configurator   Configurator
	Topology       Topology
}

// NodeSource is a set of nodes acquired from one infrastructure.
type NodeSource struct {
	logger          logrus.FieldLogger
	name            string
	registrationURL string
	admin           permission.Client
	pingTimeout     time.Duration
	lookupTimeout   time.Duration

	adminPermission    permission.Permission
	providerPermission permission.Permission
	userAccess         permission.AccessType

	pools        *threadpool.Holder
	metrics      *Metrics
	lookup       Lookup
	infra        InfrastructureManager
	policy       AcquisitionPolicy
	core         OwningCore
	sink         MonitoringSink
	configurator Configurator
	topology     Topology

	reg         *registry
	inbox       chan request
	pingResults chan pingResult
	done        chan struct{}
	ctx         context.Context // cancelled when the control goroutine exits
	cancel      context.CancelFunc

	state         atomic.Int32
	pingFrequency atomic.Int64

	// owned by the control goroutine
	shutdownRequested bool
	shutdownInitiator permission.Client
	lastPing          time.Time
	pinging           map[string]bool
	sweeping          bool
	quit              bool
}

type request struct {
	fn    func() (interface{}, error)
	reply chan result // nil if the sender does not wait
}

type result struct {
	val interface{}
	err error
}

// New returns a running node source. The caller should call Activate
// to start its acquisition policy.
//
// pools must have a threadpool.PoolLookup and a threadpool.PoolTask
// pool. metrics may be nil.
func New(logger logrus.FieldLogger, pools *threadpool.Holder, metrics *Metrics, cfg Config) (*NodeSource, error) {
	if cfg.Name == "" {
		return nil, errors.New("node source name is empty")
	}
	if cfg.Lookup == nil || cfg.Infrastructure == nil || cfg.Policy == nil || cfg.Core == nil {
		return nil, fmt.Errorf("node source %q: missing lookup, infrastructure, policy, or core", cfg.Name)
	}
	ns := &NodeSource{
		logger:             logger.WithField("NodeSource", cfg.Name),
		name:               cfg.Name,
		registrationURL:    cfg.RegistrationURL,
		admin:              cfg.Administrator,
		pingTimeout:        durationOr(cfg.PingTimeout, defaultPingTimeout),
		lookupTimeout:      durationOr(cfg.LookupTimeout, defaultLookupTimeout),
		adminPermission:    permission.ForUser(cfg.Administrator.Name),
		providerPermission: cfg.Policy.ProviderAccessType().Permission(cfg.Administrator),
		userAccess:         cfg.Policy.UserAccessType(),
		pools:              pools,
		metrics:            metrics,
		lookup:             cfg.Lookup,
		infra:              cfg.Infrastructure,
		policy:             cfg.Policy,
		core:               cfg.Core,
		sink:               cfg.Sink,
		configurator:       cfg.Configurator,
		topology:           cfg.Topology,
		reg:                newRegistry(),
		inbox:              make(chan request),
		pingResults:        make(chan pingResult, pingResultsBuffer),
		done:               make(chan struct{}),
		pinging:            map[string]bool{},
	}
	if ns.sink == nil {
		ns.sink = nopSink{}
	}
	if ns.topology == nil {
		ns.topology = nopTopology{}
	}
	ns.ctx, ns.cancel = context.WithCancel(context.Background())
	ns.pingFrequency.Store(int64(durationOr(cfg.PingFrequency, defaultPingFrequency)))
	if b, ok := ns.infra.(Binder); ok {
		b.Bind(ns)
	}
	ns.metrics.update(ns.name, ns.reg)
	go ns.run()
	return ns, nil
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (ns *NodeSource) Name() string                     { return ns.name }
func (ns *NodeSource) RegistrationURL() string          { return ns.registrationURL }
func (ns *NodeSource) Administrator() permission.Client { return ns.admin }

// State returns the current state. It is safe to call from any
// goroutine, including after termination.
func (ns *NodeSource) State() State {
	return State(ns.state.Load())
}

// Done returns a channel that is closed when the node source has
// terminated.
func (ns *NodeSource) Done() <-chan struct{} {
	return ns.done
}

// HasProviderAccess returns true if c may add nodes to this node
// source.
func (ns *NodeSource) HasProviderAccess(c permission.Client) bool {
	return ns.providerPermission.Allows(c)
}

// HasAdminAccess returns true if c may administer this node source.
func (ns *NodeSource) HasAdminAccess(c permission.Client) bool {
	return ns.adminPermission.Allows(c)
}

// run is the control goroutine.
func (ns *NodeSource) run() {
	defer close(ns.done)
	defer ns.cancel()
	ns.lastPing = time.Now()
	timer := time.NewTimer(ns.PingFrequency())
	defer timer.Stop()
	for {
		select {
		case req := <-ns.inbox:
			ns.handle(req)
		case res := <-ns.pingResults:
			ns.pingFinished(res)
		case <-timer.C:
		}
		if ns.State() == StateTerminated {
			ns.logger.Info("node source terminated")
			return
		}
		if ns.quit {
			ns.logger.Info("node source stopped")
			return
		}
		now := time.Now()
		ns.pingIfDue(now)
		next := ns.lastPing.Add(ns.PingFrequency()).Sub(now)
		if next <= 0 {
			next = ns.PingFrequency()
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}
}

func (ns *NodeSource) handle(req request) {
	var res result
	func() {
		defer func() {
			if r := recover(); r != nil {
				ns.logger.WithField("Panic", r).Error("recovered from panic while handling request")
				res = result{err: fmt.Errorf("internal error in node source %q: %v", ns.name, r)}
			}
		}()
		res.val, res.err = req.fn()
	}()
	if req.reply != nil {
		req.reply <- res
	}
}

// call runs fn on the control goroutine and returns its result.
func (ns *NodeSource) call(fn func() (interface{}, error)) (interface{}, error) {
	req := request{fn: fn, reply: make(chan result, 1)}
	select {
	case ns.inbox <- req:
	case <-ns.done:
		return nil, ErrTerminated
	}
	res := <-req.reply
	return res.val, res.err
}

// post runs fn on the control goroutine without waiting for it. It
// is a no-op after termination.
func (ns *NodeSource) post(fn func()) {
	select {
	case ns.inbox <- request{fn: func() (interface{}, error) { fn(); return nil, nil }}:
	case <-ns.done:
	}
}

// AcquireNode looks up the node at url and registers it on behalf of
// provider. It returns false if the node was already registered with
// the same process.
func (ns *NodeSource) AcquireNode(ctx context.Context, url string, provider permission.Client) (bool, error) {
	logger := ns.logger.WithFields(logrus.Fields{
		"NodeURL":  url,
		"Provider": provider.Name,
	})
	if !ns.HasProviderAccess(provider) {
		logger.Warn("provider is not allowed to add nodes")
		ns.metrics.acquired(ns.name, "denied")
		return false, ErrPermissionDenied
	}
	switch ns.State() {
	case StateShuttingDown:
		return false, ErrShuttingDown
	case StateTerminated:
		return false, ErrTerminated
	}
	raw, err := ns.lookupNode(ctx, url)
	if err != nil {
		logger.WithError(err).Warn("node lookup failed")
		ns.metrics.acquired(ns.name, "failed")
		return false, &AcquisitionError{URL: url, Err: err}
	}
	v, err := ns.call(func() (interface{}, error) {
		return ns.internalAddNode(url, raw, provider)
	})
	if err != nil {
		return false, err
	}
	added := v.(bool)
	if added {
		ns.metrics.acquired(ns.name, "added")
	} else {
		ns.metrics.acquired(ns.name, "duplicate")
	}
	return added, nil
}

// lookupNode resolves url on the lookup pool, giving up after the
// lookup timeout.
func (ns *NodeSource) lookupNode(ctx context.Context, url string) (RawNode, error) {
	ctx, cancel := context.WithTimeout(ctx, ns.lookupTimeout)
	defer cancel()
	f, err := ns.pools.Submit(ctx, threadpool.PoolLookup, func(poolCtx context.Context) (interface{}, error) {
		stop := context.AfterFunc(poolCtx, cancel)
		defer stop()
		return ns.lookup.Lookup(ctx, url)
	})
	if err != nil {
		return nil, err
	}
	v, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	raw, ok := v.(RawNode)
	if !ok || raw == nil {
		return nil, errors.New("lookup returned no node")
	}
	return raw, nil
}

func (ns *NodeSource) internalAddNode(url string, raw RawNode, provider permission.Client) (bool, error) {
	if ns.shutdownRequested {
		return false, ErrShuttingDown
	}
	logger := ns.logger.WithFields(logrus.Fields{
		"NodeURL": url,
		"NodeID":  raw.ID(),
	})
	if existing, ok := ns.reg.lookup(url); ok {
		if existing.State == NodeDown {
			ns.reconnect(url, raw)
			logger.Info("down node reconnected")
			return true, nil
		}
		if existing.Raw != nil && existing.Raw.ID() == raw.ID() {
			logger.Info("node is already registered")
			return false, nil
		}
		// The node restarted under the same URL. Its old
		// process is gone, so the infrastructure must not be
		// asked to remove it.
		logger.Info("node restarted, replacing stale registration")
		ns.reg.remove(url)
		ns.topology.RemoveNode(existing)
		ns.core.RemoveNodeFromCore(url)
	}

	node := Node{
		URL:        url,
		NodeSource: ns.name,
		Host:       raw.Host(),
		State:      NodeAlive,
		Provider:   provider.Name,
		Added:      time.Now(),
		Raw:        raw,
	}
	if placeholder := ns.infra.RegisterAcquiredNode(raw); placeholder != nil {
		node.LockedBy = placeholder.LockedBy
		node.LockTime = placeholder.LockTime
		node.Description = placeholder.Description
	}
	node.Permission, node.ProtectedByToken = ns.nodePermission(provider, raw.Token())
	if err := ns.reg.add(url, node); err != nil {
		return false, err
	}
	ns.core.InternalRegisterConfiguringNode(node)
	ns.emit(EventNodeAdded, url, provider.Name)
	ns.metrics.update(ns.name, ns.reg)
	logger.WithFields(logrus.Fields{
		"Permission":       node.Permission.String(),
		"ProtectedByToken": node.ProtectedByToken,
		"Locked":           node.Locked(),
	}).Info("node added")
	ns.configure(node)
	return true, nil
}

// nodePermission returns the permission for a node provided by
// provider. A node started with a token can only be used by holders
// of that token.
func (ns *NodeSource) nodePermission(provider permission.Client, token string) (permission.Permission, bool) {
	if token != "" {
		return permission.ForToken(token), true
	}
	owner := ns.admin
	if ns.userAccess.OwnedByProvider() {
		owner = provider
	}
	return ns.userAccess.Permission(owner), false
}

func (ns *NodeSource) configure(node Node) {
	if ns.configurator == nil {
		return
	}
	task := func(ctx context.Context) (interface{}, error) {
		ns.configurator.Configure(ctx, node)
		return nil, nil
	}
	err := ns.pools.Execute(threadpool.PoolTask, task)
	if errors.Is(err, threadpool.ErrQueueFull) {
		ns.logger.WithField("NodeURL", node.URL).Warn("task queue is full, configuring node in a new goroutine")
		go task(context.Background())
	} else if err != nil {
		ns.logger.WithField("NodeURL", node.URL).WithError(err).Error("cannot configure node")
	}
}

// reconnect moves a down node back to the alive partition. Caller
// must be the control goroutine and url must be down.
func (ns *NodeSource) reconnect(url string, raw RawNode) bool {
	if !ns.reg.markAvailable(url) {
		return false
	}
	if raw != nil {
		ns.reg.setRaw(url, raw)
	}
	node, _ := ns.reg.lookup(url)
	ns.infra.OnDownNodeReconnection(node.Raw)
	ns.core.SetNodeAvailable(url)
	ns.topology.AddNode(node)
	ns.emit(EventNodeReconnected, url, "")
	ns.metrics.update(ns.name, ns.reg)
	return true
}

// AcquireOneNode asks the infrastructure to deploy a node. It is
// ignored once shutdown is pending.
func (ns *NodeSource) AcquireOneNode() error {
	_, err := ns.call(func() (interface{}, error) {
		if ns.ignoreAcquisition("AcquireOneNode") {
			return nil, nil
		}
		ns.infra.AcquireNode()
		return nil, nil
	})
	return err
}

// AcquireNodes asks the infrastructure to deploy n nodes.
func (ns *NodeSource) AcquireNodes(n int, params map[string]string) error {
	if n < 1 {
		return fmt.Errorf("invalid number of nodes %d", n)
	}
	_, err := ns.call(func() (interface{}, error) {
		if ns.ignoreAcquisition("AcquireNodes") {
			return nil, nil
		}
		ns.infra.AcquireNodes(n, params)
		return nil, nil
	})
	return err
}

// AcquireAllNodes asks the infrastructure to deploy every node it can.
func (ns *NodeSource) AcquireAllNodes(params map[string]string) error {
	_, err := ns.call(func() (interface{}, error) {
		if ns.ignoreAcquisition("AcquireAllNodes") {
			return nil, nil
		}
		ns.infra.AcquireAllNodes(params)
		return nil, nil
	})
	return err
}

func (ns *NodeSource) ignoreAcquisition(op string) bool {
	if ns.shutdownRequested {
		ns.logger.WithField("Op", op).Info("node source is shutting down, ignoring acquisition request")
		return true
	}
	return false
}

// RemoveNode removes a registered node and releases it through the
// infrastructure. Only an administrator or the node's provider may
// remove it. It returns false if url is not registered.
func (ns *NodeSource) RemoveNode(url string, initiator permission.Client) (bool, error) {
	v, err := ns.call(func() (interface{}, error) {
		return ns.internalRemoveNode(url, initiator)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (ns *NodeSource) internalRemoveNode(url string, initiator permission.Client) (bool, error) {
	logger := ns.logger.WithFields(logrus.Fields{
		"NodeURL":   url,
		"Initiator": initiator.Name,
	})
	node, ok := ns.reg.lookup(url)
	if !ok {
		logger.Debug("cannot remove unknown node")
		return false, nil
	}
	if !ns.HasAdminAccess(initiator) && (initiator.Name == "" || initiator.Name != node.Provider) {
		logger.Warn("initiator is not allowed to remove node")
		return false, ErrPermissionDenied
	}
	if node.State == NodeAlive {
		ns.topology.RemoveNode(node)
		ns.releaseNode(node, false)
	} else {
		ns.releaseNode(node, true)
	}
	ns.emit(EventNodeRemoved, url, initiator.Name)
	ns.metrics.update(ns.name, ns.reg)
	logger.WithField("State", node.State).Info("node removed")
	ns.teardownIfDrained()
	return true, nil
}

// releaseNode drops node from the registry and the core, and asks the
// infrastructure to release it. Infrastructure errors are logged; the
// node is removed regardless.
func (ns *NodeSource) releaseNode(node Node, isDown bool) {
	if node.Raw != nil {
		if err := ns.infra.RemoveNode(node.Raw, isDown); err != nil {
			ns.logger.WithError(&InfrastructureError{Op: "RemoveNode", URL: node.URL, Err: err}).Warn("infrastructure failed to release node")
		}
	}
	ns.reg.remove(node.URL)
	ns.core.RemoveNodeFromCore(node.URL)
}

// RemoveDeployingNode abandons a node the infrastructure is still
// deploying.
func (ns *NodeSource) RemoveDeployingNode(url string, initiator permission.Client) (bool, error) {
	if !ns.HasAdminAccess(initiator) {
		return false, ErrPermissionDenied
	}
	v, err := ns.call(func() (interface{}, error) {
		return ns.infra.RemoveDeployingNode(url), nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Shutdown stops accepting new nodes. The node source terminates once
// all of its alive nodes have been removed, right away if there are
// none. Calling Shutdown again has no effect.
func (ns *NodeSource) Shutdown(initiator permission.Client) error {
	if !ns.HasAdminAccess(initiator) {
		return ErrPermissionDenied
	}
	_, err := ns.call(func() (interface{}, error) {
		if ns.shutdownRequested {
			return nil, nil
		}
		ns.shutdownRequested = true
		ns.shutdownInitiator = initiator
		ns.state.Store(int32(StateShuttingDown))
		ns.logger.WithFields(logrus.Fields{
			"Initiator": initiator.Name,
			"Alive":     ns.reg.aliveCount(),
			"Down":      ns.reg.downCount(),
		}).Info("node source shutdown requested")
		ns.teardownIfDrained()
		return nil, nil
	})
	if errors.Is(err, ErrTerminated) {
		return nil
	}
	return err
}

// Stop ends the control goroutine and the acquisition policy without
// shutting the node source down: nodes, infrastructure, and stored
// state are left as they are, so a later process can recover them.
// Afterwards every request fails with ErrTerminated, although State
// still reports the state at the time of the call.
func (ns *NodeSource) Stop() {
	_, err := ns.call(func() (interface{}, error) {
		ns.quit = true
		return nil, nil
	})
	if err == nil {
		ns.policy.Shutdown(ns.admin)
	}
	<-ns.done
}

// teardownIfDrained releases everything and terminates the node
// source if shutdown was requested and no alive nodes remain.
func (ns *NodeSource) teardownIfDrained() {
	if !ns.shutdownRequested || ns.State() == StateTerminated || ns.reg.aliveCount() > 0 {
		return
	}
	for _, node := range ns.reg.downSnapshot() {
		ns.releaseNode(node, true)
	}
	ns.policy.Shutdown(ns.shutdownInitiator)
	ns.infra.ShutDown()
	ev := ns.event(EventNodeSourceShutdown, "", ns.shutdownInitiator.Name)
	ns.core.NodeSourceUnregister(ns.name, ev)
	ns.sink.NodeEvent(ev)
	ns.metrics.forget(ns.name)
	ns.state.Store(int32(StateTerminated))
}

// DetectedPingedDownNode marks an alive node down, as if it had
// failed a ping.
func (ns *NodeSource) DetectedPingedDownNode(url string) error {
	_, err := ns.call(func() (interface{}, error) {
		if node, ok := ns.reg.lookup(url); ok && node.State == NodeAlive {
			ns.detectedPingedDownNode(url, node.Raw)
		}
		return nil, nil
	})
	return err
}

// detectedPingedDownNode marks url down if raw is still the handle
// registered for it.
func (ns *NodeSource) detectedPingedDownNode(url string, raw RawNode) {
	if ns.shutdownRequested {
		return
	}
	node, ok := ns.reg.lookup(url)
	if !ok || node.State != NodeAlive || !sameRaw(node.Raw, raw) {
		return
	}
	ns.reg.markDown(url)
	node.State = NodeDown
	ns.topology.RemoveNode(node)
	ns.infra.NotifyDownNode(raw)
	ns.core.SetDownNode(url)
	ns.emit(EventNodeDown, url, "")
	ns.metrics.update(ns.name, ns.reg)
	ns.logger.WithField("NodeURL", url).Warn("node is down")
}

func sameRaw(a, b RawNode) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID() == b.ID()
}

// SetNodeAvailable moves a down node back to the alive partition. It
// returns false if url is not down.
func (ns *NodeSource) SetNodeAvailable(url string) (bool, error) {
	v, err := ns.call(func() (interface{}, error) {
		if ns.shutdownRequested {
			return false, ErrShuttingDown
		}
		return ns.reconnect(url, nil), nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// NotifyDeploying records a node the infrastructure has started
// deploying. It may be called from any goroutine, including from
// infrastructure methods called by the control goroutine.
func (ns *NodeSource) NotifyDeploying(node Node) bool {
	node.NodeSource = ns.name
	node.State = NodeDeploying
	ok := ns.core.SetDeploying(node)
	ns.emit(EventNodeDeploying, node.URL, "")
	return ok
}

// SetPingFrequency changes the interval between ping sweeps, starting
// with the next sweep.
func (ns *NodeSource) SetPingFrequency(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("invalid ping frequency %s", d)
	}
	_, err := ns.call(func() (interface{}, error) {
		ns.pingFrequency.Store(int64(d))
		ns.logger.WithField("PingFrequency", d).Info("ping frequency changed")
		return nil, nil
	})
	return err
}

func (ns *NodeSource) PingFrequency() time.Duration {
	return time.Duration(ns.pingFrequency.Load())
}

// AliveNodes returns the alive nodes, sorted by URL.
func (ns *NodeSource) AliveNodes() []Node {
	return ns.reg.aliveSnapshot()
}

// DownNodes returns the down nodes, sorted by URL.
func (ns *NodeSource) DownNodes() []Node {
	return ns.reg.downSnapshot()
}

// DeployingNodes returns the nodes the infrastructure is deploying.
func (ns *NodeSource) DeployingNodes() []Node {
	return ns.infra.DeployingNodes()
}

// Node returns the registered or deploying node with the given URL.
func (ns *NodeSource) Node(url string) (Node, bool) {
	if node, ok := ns.reg.lookup(url); ok {
		return node, true
	}
	return ns.infra.DeployingNode(url)
}

// Activate starts the acquisition policy.
func (ns *NodeSource) Activate() bool {
	ok := ns.policy.Activate(ns)
	ns.logger.WithField("Activated", ok).Info("acquisition policy activated")
	return ok
}

func (ns *NodeSource) event(t EventType, url, initiator string) Event {
	return Event{
		Type:       t,
		NodeSource: ns.name,
		NodeURL:    url,
		Initiator:  initiator,
		Time:       time.Now(),
	}
}

func (ns *NodeSource) emit(t EventType, url, initiator string) {
	ns.sink.NodeEvent(ns.event(t, url, initiator))
}

type nopSink struct{}

func (nopSink) NodeEvent(Event) {}

type nopTopology struct{}

func (nopTopology) AddNode(Node)    {}
func (nopTopology) RemoveNode(Node) {}
