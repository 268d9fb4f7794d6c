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

package errors

import (
	"errors"
	"fmt"
)

// transient errors may succeed when retried later, e.g. once the store
// reclaimed a generation or an alert was cleared
type transient interface {
	Transient() bool
}

type transientError struct {
	msg string
}

func (e *transientError) Error() string   { return e.msg }
func (e *transientError) Transient() bool { return true }

// NewTransient returns a sentinel error that IsTransient recognizes, even
// when wrapped.
func NewTransient(msg string) error {
	return &transientError{msg: msg}
}

var OutOfMemory = NewTransient("not enough memory")

func NewOutOfMemory(msg string) error {
	return fmt.Errorf("%s: %w", msg, OutOfMemory)
}

func IsTransient(err error) bool {
	var t transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}
