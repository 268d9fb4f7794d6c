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

package storagestate

import "errors"

// Lifecycle of the store and the engine on top of it. Transitions only move
// forward: Uninitialized -> Initialized -> Recovering -> Ready -> Terminated.
const (
	StatusUninitialized Status = "UNINITIALIZED"
	StatusInitialized   Status = "INITIALIZED"
	StatusRecovering    Status = "RECOVERING"
	StatusReady         Status = "READY"
	StatusTerminated    Status = "TERMINATED"
)

var ErrInvalidStatus = errors.New("invalid storage status")

type Status string

func (s Status) String() string {
	return string(s)
}

func (s Status) rank() int {
	switch s {
	case StatusUninitialized:
		return 0
	case StatusInitialized:
		return 1
	case StatusRecovering:
		return 2
	case StatusReady:
		return 3
	case StatusTerminated:
		return 4
	default:
		return -1
	}
}

// CanTransition reports whether next directly follows s. Terminating is
// allowed from every status except Uninitialized.
func (s Status) CanTransition(next Status) bool {
	if s.rank() < 0 || next.rank() < 0 {
		return false
	}
	if next == StatusTerminated {
		return s != StatusUninitialized && s != StatusTerminated
	}
	return next.rank() == s.rank()+1
}

// Accepting reports whether regular (non-recovery) operations are allowed.
func (s Status) Accepting() bool {
	return s == StatusReady
}

func ValidateStatus(in string) (status Status, err error) {
	switch Status(in) {
	case StatusUninitialized, StatusInitialized, StatusRecovering,
		StatusReady, StatusTerminated:
		status = Status(in)
	default:
		err = ErrInvalidStatus
	}

	return
}
