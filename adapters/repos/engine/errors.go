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

package engine

import (
	"errors"

	enterrors "github.com/weaviate/msgbroker/entities/errors"
)

var (
	// ErrDestinationFull is returned by Put when the queue reached its
	// maximum message count and the policy rejects new messages. It clears
	// up once consumers catch up.
	ErrDestinationFull = enterrors.NewTransient("destination full")
	ErrWaiterInUse     = errors.New("queue already has a consumer")
	ErrNoMsgAvail      = errors.New("no message available")
	ErrQueueDeleted    = errors.New("queue deleted")
	ErrQueueExists     = errors.New("queue already exists")
	ErrClientExists    = errors.New("client already exists")
	ErrTranFinished    = errors.New("transaction already completed")
)
