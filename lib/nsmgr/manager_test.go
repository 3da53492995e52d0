// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nsmgr

import (
	"context"
	"errors"
	"time"

	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource/nstest"
	"github.com/ow2-proactive/scheduling-sub049/lib/nsstore"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/ctxlog"
	"github.com/ow2-proactive/scheduling-sub049/sdk/go/rm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ManagerSuite{})

type ManagerSuite struct {
	managerFixture
}

// managerFixture runs a Manager with a memory store and a stub
// lookup.
type managerFixture struct {
	ctx     context.Context
	cluster *rm.Cluster
	lookup  *nstest.StubLookup
	store   nsstore.Store
	reg     *prometheus.Registry
	mgr     *Manager
}

func testCluster() *rm.Cluster {
	cluster := &rm.Cluster{ManagementToken: "mgmttoken"}
	cluster.NodeSources.PingFrequency = rm.Duration(time.Hour)
	cluster.NodeSources.PingTimeout = rm.Duration(time.Second)
	cluster.NodeSources.LookupTimeout = rm.Duration(time.Second)
	cluster.NodeSources.ThreadPoolSize = 4
	cluster.NodeSources.ShutdownDrainTimeout = rm.Duration(time.Second)
	cluster.Users = map[string]rm.UserConfig{
		"admin":    {Token: "admintoken", Admin: true},
		"provider": {Token: "providertoken", Groups: []string{"providers"}},
		"other":    {Token: "othertoken", Groups: []string{"others"}},
	}
	return cluster
}

func testDescriptor(name string) nodesource.Descriptor {
	return nodesource.Descriptor{
		Name:               name,
		InfrastructureType: "default",
		PolicyType:         "static",
		PolicyParameters:   map[string]string{"user_access": "ALL"},
	}
}

func (s *managerFixture) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.cluster = testCluster()
	s.lookup = &nstest.StubLookup{}
	s.store = nsstore.NewMemory()
	s.reg = prometheus.NewRegistry()
	s.mgr = s.newManager(c)
}

func (s *managerFixture) newManager(c *check.C) *Manager {
	mgr, err := New(s.ctx, ctxlog.TestLogger(c), Config{
		Cluster:             s.cluster,
		Registry:            s.reg,
		Lookup:              s.lookup,
		Store:               s.store,
		RegistrationBaseURL: "http://rm.example",
	})
	c.Assert(err, check.IsNil)
	return mgr
}

func (s *managerFixture) TearDownTest(c *check.C) {
	if s.mgr == nil {
		return
	}
	for _, info := range s.mgr.NodeSources() {
		s.mgr.Undeploy(s.ctx, info.Name, SystemClient, true)
	}
	s.mgr.Stop()
}

func waitFor(c *check.C, what string, ok func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !ok() {
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *managerFixture) nodeStatus(url string) NodeStatus {
	for _, rec := range s.mgr.Nodes() {
		if rec.URL == url {
			return rec.Status
		}
	}
	return ""
}

func (s *managerFixture) state(c *check.C, name string) string {
	info, err := s.mgr.NodeSource(name)
	c.Assert(err, check.IsNil)
	return info.State
}

func (s *managerFixture) storedStatus(c *check.C, name string) (nodesource.Status, bool) {
	ds, err := s.store.List(s.ctx)
	c.Assert(err, check.IsNil)
	for _, d := range ds {
		if d.Name == name {
			return d.Status, true
		}
	}
	return 0, false
}

// startNode makes a node available to the stub lookup and adds it to
// ns1, waiting until it is free.
func (s *managerFixture) startNode(c *check.C, h, n int) *nstest.StubRawNode {
	raw := nstest.NewStubRawNode(nstest.NodeURL(h, n), nstest.HostName(h))
	s.lookup.Put(raw)
	added, err := s.mgr.AddNode(s.ctx, "ns1", raw.URL(), nstest.ProviderClient)
	c.Assert(err, check.IsNil)
	c.Check(added, check.Equals, true)
	waitFor(c, "node to be free", func() bool { return s.nodeStatus(raw.URL()) == NodeFree })
	return raw
}

func (s *managerFixture) deployNS1(c *check.C) {
	c.Assert(s.mgr.Create(s.ctx, testDescriptor("ns1"), nstest.ProviderClient, true), check.IsNil)
}

func (s *ManagerSuite) TestCreateWithoutDeploy(c *check.C) {
	c.Assert(s.mgr.Create(s.ctx, testDescriptor("ns1"), nstest.ProviderClient, false), check.IsNil)
	info, err := s.mgr.NodeSource("ns1")
	c.Assert(err, check.IsNil)
	c.Check(info.State, check.Equals, "undeployed")
	c.Check(info.Provider, check.Equals, "provider")
	c.Check(info.RegistrationURL, check.Equals, "http://rm.example/v1/nodesources/ns1/nodes")
	status, ok := s.storedStatus(c, "ns1")
	c.Check(ok, check.Equals, true)
	c.Check(status, check.Equals, nodesource.StatusNodesUndeployed)

	_, err = s.mgr.AddNode(s.ctx, "ns1", nstest.NodeURL(1, 1), nstest.ProviderClient)
	c.Check(errors.Is(err, ErrNotDeployed), check.Equals, true)
}

func (s *ManagerSuite) TestCreateErrors(c *check.C) {
	c.Assert(s.mgr.Create(s.ctx, testDescriptor("ns1"), nstest.ProviderClient, false), check.IsNil)
	err := s.mgr.Create(s.ctx, testDescriptor("ns1"), nstest.AdminClient, false)
	c.Check(err, check.Equals, ErrExists)

	d := testDescriptor("ns2")
	d.InfrastructureType = "nonexistent"
	err = s.mgr.Create(s.ctx, d, nstest.AdminClient, false)
	c.Check(errors.Is(err, ErrInvalidDescriptor), check.Equals, true)

	d = testDescriptor("ns2")
	d.PolicyParameters = map[string]string{"nodes": "-1"}
	err = s.mgr.Create(s.ctx, d, nstest.AdminClient, false)
	c.Check(errors.Is(err, ErrInvalidDescriptor), check.Equals, true)

	err = s.mgr.Create(s.ctx, testDescriptor("bad name"), nstest.AdminClient, false)
	c.Check(errors.Is(err, ErrInvalidDescriptor), check.Equals, true)

	d = testDescriptor("ns2")
	d.Provider = "admin"
	err = s.mgr.Create(s.ctx, d, nstest.ProviderClient, false)
	c.Check(errors.Is(err, nodesource.ErrPermissionDenied), check.Equals, true)
	c.Check(s.mgr.Create(s.ctx, d, nstest.AdminClient, false), check.IsNil)

	_, err = s.mgr.NodeSource("ns3")
	c.Check(err, check.Equals, ErrNotFound)
}

func (s *ManagerSuite) TestDeployPermission(c *check.C) {
	c.Assert(s.mgr.Create(s.ctx, testDescriptor("ns1"), nstest.ProviderClient, false), check.IsNil)
	err := s.mgr.Deploy(s.ctx, "ns1", nstest.OtherClient)
	c.Check(errors.Is(err, nodesource.ErrPermissionDenied), check.Equals, true)
	c.Check(s.mgr.Deploy(s.ctx, "ns1", nstest.ProviderClient), check.IsNil)
	c.Check(s.state(c, "ns1"), check.Equals, "running")
	// Deploying again is a no-op.
	c.Check(s.mgr.Deploy(s.ctx, "ns1", nstest.AdminClient), check.IsNil)
	status, _ := s.storedStatus(c, "ns1")
	c.Check(status, check.Equals, nodesource.StatusNodesDeployed)
}

func (s *ManagerSuite) TestAddNode(c *check.C) {
	s.deployNS1(c)
	raw := s.startNode(c, 1, 1)
	c.Check(s.mgr.Topology(), check.DeepEquals, map[string][]string{
		"h1": {raw.URL()},
	})
	nodes, err := s.mgr.SourceNodes("ns1")
	c.Assert(err, check.IsNil)
	c.Assert(nodes, check.HasLen, 1)
	c.Check(nodes[0].Provider, check.Equals, "provider")
	c.Check(nodes[0].State, check.Equals, nodesource.NodeAlive)

	added, err := s.mgr.AddNode(s.ctx, "ns1", raw.URL(), nstest.ProviderClient)
	c.Check(err, check.IsNil)
	c.Check(added, check.Equals, false)

	_, err = s.mgr.AddNode(s.ctx, "ns1", nstest.NodeURL(2, 1), nstest.OtherClient)
	c.Check(errors.Is(err, nodesource.ErrPermissionDenied), check.Equals, true)

	_, err = s.mgr.AddNode(s.ctx, "ns1", nstest.NodeURL(9, 9), nstest.ProviderClient)
	c.Check(errors.Is(err, nodesource.ErrNodeAcquisitionFailed), check.Equals, true)

	c.Check(testutil.ToFloat64(s.mgr.mNodes.WithLabelValues("free")), check.Equals, 1.0)
	c.Check(testutil.ToFloat64(s.mgr.mEvents.WithLabelValues(nodesource.EventNodeAdded.String())), check.Equals, 1.0)

	info, err := s.mgr.NodeSource("ns1")
	c.Assert(err, check.IsNil)
	c.Check(info.AliveNodes, check.Equals, 1)
	c.Check(time.Duration(info.PingFrequency), check.Equals, time.Hour)
}

func (s *ManagerSuite) TestConfigurationFailure(c *check.C) {
	s.deployNS1(c)
	url := nstest.NodeURL(1, 1)
	raw := nstest.NewStubRawNode(url, nstest.HostName(1))
	raw.SetPingError(nstest.ErrStubPing)
	s.lookup.Put(raw)
	_, err := s.mgr.AddNode(s.ctx, "ns1", url, nstest.ProviderClient)
	c.Assert(err, check.IsNil)
	waitFor(c, "node to be down", func() bool { return s.nodeStatus(url) == NodeDown })
	c.Check(s.mgr.Topology(), check.HasLen, 0)

	_, err = s.mgr.SetNodeAvailable(s.ctx, url, nstest.OtherClient)
	c.Check(errors.Is(err, nodesource.ErrPermissionDenied), check.Equals, true)

	raw.SetPingError(nil)
	ok, err := s.mgr.SetNodeAvailable(s.ctx, url, nstest.ProviderClient)
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)
	c.Check(s.nodeStatus(url), check.Equals, NodeFree)
	c.Check(s.mgr.Topology(), check.DeepEquals, map[string][]string{"h1": {url}})

	_, err = s.mgr.SetNodeAvailable(s.ctx, nstest.NodeURL(7, 7), nstest.ProviderClient)
	c.Check(err, check.Equals, ErrNodeNotFound)
}

func (s *ManagerSuite) TestRemoveNode(c *check.C) {
	s.deployNS1(c)
	raw := s.startNode(c, 1, 1)
	s.startNode(c, 1, 2)

	_, err := s.mgr.RemoveNode(s.ctx, raw.URL(), nstest.OtherClient, false)
	c.Check(errors.Is(err, nodesource.ErrPermissionDenied), check.Equals, true)

	removed, err := s.mgr.RemoveNode(s.ctx, raw.URL(), nstest.ProviderClient, false)
	c.Check(err, check.IsNil)
	c.Check(removed, check.Equals, true)
	c.Check(s.mgr.Nodes(), check.HasLen, 1)
	c.Check(s.mgr.Topology(), check.DeepEquals, map[string][]string{"h1": {nstest.NodeURL(1, 2)}})

	_, err = s.mgr.RemoveNode(s.ctx, raw.URL(), nstest.ProviderClient, false)
	c.Check(err, check.Equals, ErrNodeNotFound)
	c.Check(s.state(c, "ns1"), check.Equals, "running")
}

func (s *ManagerSuite) TestLockDefersRemoval(c *check.C) {
	s.deployNS1(c)
	locked := s.startNode(c, 1, 1)
	s.startNode(c, 2, 1)

	c.Check(s.mgr.LockNode(locked.URL(), nstest.OtherClient), check.IsNil)
	c.Check(s.mgr.Undeploy(s.ctx, "ns1", nstest.ProviderClient, false), check.IsNil)
	c.Check(s.state(c, "ns1"), check.Equals, "shutting down")
	nodes := s.mgr.Nodes()
	c.Assert(nodes, check.HasLen, 1)
	c.Check(nodes[0].URL, check.Equals, locked.URL())
	c.Check(nodes[0].ToBeRemoved, check.Equals, true)
	c.Check(nodes[0].LockedBy, check.Equals, "other")
	status, _ := s.storedStatus(c, "ns1")
	c.Check(status, check.Equals, nodesource.StatusNodesUndeployed)

	_, err := s.mgr.AddNode(s.ctx, "ns1", nstest.NodeURL(3, 1), nstest.ProviderClient)
	c.Check(errors.Is(err, nodesource.ErrShuttingDown), check.Equals, true)

	c.Check(s.mgr.UnlockNode(locked.URL(), nstest.ProviderClient), check.Equals, nodesource.ErrPermissionDenied)
	c.Check(s.mgr.UnlockNode(locked.URL(), nstest.OtherClient), check.IsNil)
	waitFor(c, "node source to terminate", func() bool { return s.state(c, "ns1") == "undeployed" })
	c.Check(s.mgr.Nodes(), check.HasLen, 0)
	c.Check(s.mgr.Topology(), check.HasLen, 0)

	// An undeployed node source can be deployed again.
	c.Check(s.mgr.Deploy(s.ctx, "ns1", nstest.ProviderClient), check.IsNil)
	c.Check(s.state(c, "ns1"), check.Equals, "running")
}

func (s *ManagerSuite) TestPreemptiveUndeploy(c *check.C) {
	s.deployNS1(c)
	raw := s.startNode(c, 1, 1)
	c.Check(s.mgr.LockNode(raw.URL(), nstest.ProviderClient), check.IsNil)
	c.Check(s.mgr.Undeploy(s.ctx, "ns1", nstest.AdminClient, true), check.IsNil)
	c.Check(s.state(c, "ns1"), check.Equals, "undeployed")
	c.Check(s.mgr.Nodes(), check.HasLen, 0)
}

func (s *ManagerSuite) TestRemove(c *check.C) {
	s.deployNS1(c)
	s.startNode(c, 1, 1)
	err := s.mgr.Remove(s.ctx, "ns1", nstest.OtherClient, true)
	c.Check(errors.Is(err, nodesource.ErrPermissionDenied), check.Equals, true)

	c.Check(s.mgr.Remove(s.ctx, "ns1", nstest.ProviderClient, true), check.IsNil)
	_, err = s.mgr.NodeSource("ns1")
	c.Check(err, check.Equals, ErrNotFound)
	c.Check(s.mgr.NodeSources(), check.HasLen, 0)
	c.Check(s.mgr.Nodes(), check.HasLen, 0)
	_, ok := s.storedStatus(c, "ns1")
	c.Check(ok, check.Equals, false)

	// The name can be reused.
	c.Check(s.mgr.Create(s.ctx, testDescriptor("ns1"), nstest.ProviderClient, false), check.IsNil)
}

func (s *ManagerSuite) TestSetPingFrequency(c *check.C) {
	c.Assert(s.mgr.Create(s.ctx, testDescriptor("ns1"), nstest.ProviderClient, false), check.IsNil)
	c.Check(s.mgr.SetPingFrequency("ns1", time.Minute, nstest.ProviderClient), check.Equals, ErrNotDeployed)
	c.Assert(s.mgr.Deploy(s.ctx, "ns1", nstest.ProviderClient), check.IsNil)
	c.Check(s.mgr.SetPingFrequency("ns1", time.Minute, nstest.OtherClient), check.Equals, nodesource.ErrPermissionDenied)
	c.Check(s.mgr.SetPingFrequency("ns1", time.Minute, nstest.ProviderClient), check.IsNil)
	info, err := s.mgr.NodeSource("ns1")
	c.Assert(err, check.IsNil)
	c.Check(time.Duration(info.PingFrequency), check.Equals, time.Minute)
}

func (s *ManagerSuite) TestRecovery(c *check.C) {
	s.mgr.Stop()
	s.mgr = nil
	s.store = nsstore.NewMemory()
	recoverable := testDescriptor("recoverable")
	recoverable.Provider = "provider"
	recoverable.Recoverable = true
	recoverable.Status = nodesource.StatusNodesDeployed
	recoverable.LastRecoveredInfrastructureVariables = map[string]string{"k": "v"}
	volatile := testDescriptor("volatile")
	volatile.Provider = "provider"
	volatile.Status = nodesource.StatusNodesDeployed
	idle := testDescriptor("idle")
	idle.Provider = "provider"
	idle.Recoverable = true
	for _, d := range []nodesource.Descriptor{recoverable, volatile, idle} {
		c.Assert(s.store.Save(s.ctx, d), check.IsNil)
	}

	s.reg = prometheus.NewRegistry()
	s.mgr = s.newManager(c)
	c.Check(s.state(c, "recoverable"), check.Equals, "running")
	c.Check(s.state(c, "volatile"), check.Equals, "undeployed")
	c.Check(s.state(c, "idle"), check.Equals, "undeployed")
	status, _ := s.storedStatus(c, "volatile")
	c.Check(status, check.Equals, nodesource.StatusNodesUndeployed)
	status, _ = s.storedStatus(c, "recoverable")
	c.Check(status, check.Equals, nodesource.StatusNodesDeployed)

	info, err := s.mgr.NodeSource("recoverable")
	c.Assert(err, check.IsNil)
	c.Check(info.LastRecoveredInfrastructureVariables, check.IsNil)
}

func (s *ManagerSuite) TestPreconfigured(c *check.C) {
	s.mgr.Stop()
	s.cluster.NodeSources.Preconfigured = map[string]rm.PreconfiguredNodeSource{
		"pre": {
			Administrator:      "admin",
			InfrastructureType: "default",
			PolicyType:         "static",
			Deploy:             true,
		},
		"broken": {
			Administrator:      "admin",
			InfrastructureType: "nonexistent",
			PolicyType:         "static",
		},
	}
	s.reg = prometheus.NewRegistry()
	s.store = nsstore.NewMemory()
	s.mgr = s.newManager(c)
	info, err := s.mgr.NodeSource("pre")
	c.Assert(err, check.IsNil)
	c.Check(info.State, check.Equals, "running")
	c.Check(info.Provider, check.Equals, "admin")
	_, err = s.mgr.NodeSource("broken")
	c.Check(err, check.Equals, ErrNotFound)

	// Preconfigured node sources already in the store are left
	// alone.
	c.Assert(s.mgr.Undeploy(s.ctx, "pre", nstest.AdminClient, true), check.IsNil)
	s.mgr.Stop()
	s.reg = prometheus.NewRegistry()
	s.mgr = s.newManager(c)
	c.Check(s.state(c, "pre"), check.Equals, "undeployed")
}

// recordingInfra is an infrastructure whose variables are set by the
// test.
type recordingInfra struct {
	nodesource.InfrastructureManager
	vars map[string]string
}

func (ri *recordingInfra) Variables() map[string]string         { return ri.vars }
func (ri *recordingInfra) RestoreVariables(v map[string]string) { ri.vars = v }

func (s *ManagerSuite) TestPersistVariables(c *check.C) {
	d := testDescriptor("ns1")
	d.Recoverable = true
	c.Assert(s.mgr.Create(s.ctx, d, nstest.ProviderClient, true), check.IsNil)
	s.mgr.mtx.Lock()
	s.mgr.sources["ns1"].infra = &recordingInfra{vars: map[string]string{"container.node://h1/n1": "abc123"}}
	s.mgr.mtx.Unlock()

	s.startNode(c, 1, 1)
	waitFor(c, "variables to be stored", func() bool {
		ds, err := s.store.List(s.ctx)
		c.Assert(err, check.IsNil)
		return len(ds) == 1 && ds[0].LastRecoveredInfrastructureVariables["container.node://h1/n1"] == "abc123"
	})
}

func (s *ManagerSuite) TestCheckHealth(c *check.C) {
	c.Check(s.mgr.CheckHealth(), check.IsNil)
	s.mgr.Stop()
	c.Check(s.mgr.CheckHealth(), check.Equals, ErrStopped)
	c.Check(s.mgr.Create(s.ctx, testDescriptor("ns1"), nstest.AdminClient, false), check.Equals, ErrStopped)
}

func (s *ManagerSuite) TestStopLeavesNodeSourcesDeployed(c *check.C) {
	s.deployNS1(c)
	s.startNode(c, 1, 1)
	s.mgr.mtx.Lock()
	ns := s.mgr.sources["ns1"].ns
	s.mgr.mtx.Unlock()

	s.mgr.Stop()
	select {
	case <-ns.Done():
	case <-time.After(5 * time.Second):
		c.Fatal("node source still running after Stop")
	}
	_, err := ns.RemoveNode(nstest.NodeURL(1, 1), nstest.ProviderClient)
	c.Check(err, check.Equals, nodesource.ErrTerminated)
	status, ok := s.storedStatus(c, "ns1")
	c.Check(ok, check.Equals, true)
	c.Check(status, check.Equals, nodesource.StatusNodesDeployed)
	s.mgr = nil
}
