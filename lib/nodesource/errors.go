// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodesource

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied      = errors.New("permission denied")
	ErrNodeAcquisitionFailed = errors.New("node acquisition failed")
	ErrDuplicateNode         = errors.New("node is already registered")
	ErrShuttingDown          = errors.New("node source is shutting down")
	ErrTerminated            = errors.New("node source is terminated")
)

// AcquisitionError is returned by AcquireNode when the node at URL
// could not be looked up. errors.Is(err, ErrNodeAcquisitionFailed) is
// true for any AcquisitionError.
type AcquisitionError struct {
	URL string
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrNodeAcquisitionFailed, e.URL, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

func (e *AcquisitionError) Is(target error) bool { return target == ErrNodeAcquisitionFailed }

// InfrastructureError wraps a failure reported by an
// InfrastructureManager. These are logged, never returned to the
// caller of a node removal.
type InfrastructureError struct {
	Op  string
	URL string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure %s %s: %s", e.Op, e.URL, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }
