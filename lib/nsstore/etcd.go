// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	defaultEtcdPrefix = "/rm/nodesources/"
	maxUpdateAttempts = 5
)

var errConflict = errors.New("descriptor changed during update")

type etcdStore struct {
	logger logrus.FieldLogger
	client *clientv3.Client
	prefix string
}

// NewEtcd returns a Store that keeps each descriptor as a JSON value
// at {prefix}{name}.
func NewEtcd(ctx context.Context, logger logrus.FieldLogger, endpoints []string, dialTimeout time.Duration, prefix string) (Store, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("etcd descriptor store: no endpoints configured")
	}
	if prefix == "" {
		prefix = defaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd descriptor store: %w", err)
	}
	// clientv3.New does not wait for a connection.
	sctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if _, err := cli.Status(sctx, endpoints[0]); err != nil {
		cli.Close()
		return nil, fmt.Errorf("connect to etcd descriptor store: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"Endpoints": endpoints,
		"Prefix":    prefix,
	}).Info("descriptor store ready")
	return &etcdStore{logger: logger, client: cli, prefix: prefix}, nil
}

func (es *etcdStore) key(name string) string {
	return es.prefix + name
}

func (es *etcdStore) Save(ctx context.Context, d nodesource.Descriptor) error {
	buf, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = es.client.Put(ctx, es.key(d.Name), string(buf))
	return err
}

func (es *etcdStore) UpdateStatus(ctx context.Context, name string, status nodesource.Status) error {
	return es.update(ctx, name, func(d *nodesource.Descriptor) { d.Status = status })
}

func (es *etcdStore) UpdateVariables(ctx context.Context, name string, vars map[string]string) error {
	return es.update(ctx, name, func(d *nodesource.Descriptor) {
		d.LastRecoveredInfrastructureVariables = copyVariables(vars)
	})
}

// update applies fn to the stored descriptor, retrying if another
// writer changes it in the meantime.
func (es *etcdStore) update(ctx context.Context, name string, fn func(*nodesource.Descriptor)) error {
	key := es.key(name)
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		resp, err := es.client.Get(ctx, key)
		if err != nil {
			return err
		}
		if len(resp.Kvs) == 0 {
			return ErrNotFound
		}
		kv := resp.Kvs[0]
		var d nodesource.Descriptor
		if err := json.Unmarshal(kv.Value, &d); err != nil {
			return fmt.Errorf("decode descriptor %q: %w", name, err)
		}
		fn(&d)
		buf, err := json.Marshal(d)
		if err != nil {
			return err
		}
		txn, err := es.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
			Then(clientv3.OpPut(key, string(buf))).
			Commit()
		if err != nil {
			return err
		}
		if txn.Succeeded {
			return nil
		}
		es.logger.WithFields(logrus.Fields{
			"NodeSource": name,
			"Attempt":    attempt,
		}).Debug("descriptor changed concurrently, retrying update")
	}
	return fmt.Errorf("update descriptor %q: %w", name, errConflict)
}

func (es *etcdStore) Delete(ctx context.Context, name string) error {
	resp, err := es.client.Delete(ctx, es.key(name))
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func (es *etcdStore) List(ctx context.Context) ([]nodesource.Descriptor, error) {
	resp, err := es.client.Get(ctx, es.prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}
	ds := make([]nodesource.Descriptor, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var d nodesource.Descriptor
		if err := json.Unmarshal(kv.Value, &d); err != nil {
			es.logger.WithError(err).WithField("Key", string(kv.Key)).Warn("skipping unreadable descriptor")
			continue
		}
		ds = append(ds, d)
	}
	sortDescriptors(ds)
	return ds, nil
}

func (es *etcdStore) Close() error {
	return es.client.Close()
}
