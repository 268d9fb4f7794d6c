//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package store

import (
	"errors"

	enterrors "github.com/weaviate/msgbroker/entities/errors"
)

var (
	// ErrCapacityExceeded is returned when a pool or the generation limit
	// is exhausted. It is transient: capacity comes back once references
	// are pruned and generations reclaimed.
	ErrCapacityExceeded = enterrors.NewTransient("store capacity exceeded")

	// ErrOwnerLimit is returned when the per owner-type record cap is hit.
	// It matches ErrCapacityExceeded with errors.Is.
	ErrOwnerLimit = &ownerLimitError{}

	ErrTransactionConflict = errors.New("store transaction conflict")
	ErrCorrupt             = errors.New("store data corrupt")
	ErrNotFound            = errors.New("store item not found")
	ErrStateNotAvailable   = errors.New("store not in a state to serve the request")
	ErrInvalidValue        = errors.New("invalid value")

	// ErrNotPersisted is returned by Commit when the operations were
	// applied and journaled but the journal could not be flushed.
	ErrNotPersisted = errors.New("store commit applied but not persisted")
)

type ownerLimitError struct{}

func (e *ownerLimitError) Error() string { return "store owner limit reached" }

func (e *ownerLimitError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

func (e *ownerLimitError) Transient() bool { return true }
