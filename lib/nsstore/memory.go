// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nsstore

import (
	"context"
	"sync"

	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
)

type memoryStore struct {
	mtx         sync.Mutex
	descriptors map[string]nodesource.Descriptor
}

// NewMemory returns a Store that forgets everything when the process
// exits.
func NewMemory() Store {
	return &memoryStore{descriptors: map[string]nodesource.Descriptor{}}
}

func (ms *memoryStore) Save(ctx context.Context, d nodesource.Descriptor) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.descriptors[d.Name] = copyDescriptor(d)
	return nil
}

func (ms *memoryStore) UpdateStatus(ctx context.Context, name string, status nodesource.Status) error {
	return ms.update(name, func(d *nodesource.Descriptor) { d.Status = status })
}

func (ms *memoryStore) UpdateVariables(ctx context.Context, name string, vars map[string]string) error {
	return ms.update(name, func(d *nodesource.Descriptor) {
		d.LastRecoveredInfrastructureVariables = copyVariables(vars)
	})
}

func (ms *memoryStore) update(name string, fn func(*nodesource.Descriptor)) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	d, ok := ms.descriptors[name]
	if !ok {
		return ErrNotFound
	}
	fn(&d)
	ms.descriptors[name] = d
	return nil
}

func (ms *memoryStore) Delete(ctx context.Context, name string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if _, ok := ms.descriptors[name]; !ok {
		return ErrNotFound
	}
	delete(ms.descriptors, name)
	return nil
}

func (ms *memoryStore) List(ctx context.Context) ([]nodesource.Descriptor, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ds := make([]nodesource.Descriptor, 0, len(ms.descriptors))
	for _, d := range ms.descriptors {
		ds = append(ds, copyDescriptor(d))
	}
	sortDescriptors(ds)
	return ds, nil
}

func (ms *memoryStore) Close() error { return nil }
