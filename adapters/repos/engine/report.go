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
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/weaviate/msgbroker/adapters/repos/store"
)

type BadRecord struct {
	Handle store.Handle
	Err    error
}

// RecoveryReport summarizes a recovery. Records that could not be read
// are kept in the store and listed here by type.
type RecoveryReport struct {
	Queues                 int
	Clients                int
	RemoteServers          int
	Messages               int
	Deliveries             int
	TransactionsCommitted  int
	TransactionsRolledBack int
	// half created or deleted records removed
	Discarded int
	// message records no queue referenced
	OrphanMessages int
	// owners of types the engine does not manage, left untouched
	Unmanaged int

	BadRecords map[store.RecordType][]BadRecord
}

func newRecoveryReport() *RecoveryReport {
	return &RecoveryReport{BadRecords: map[store.RecordType][]BadRecord{}}
}

func (r *RecoveryReport) addBad(t store.RecordType, h store.Handle, err error) {
	r.BadRecords[t] = append(r.BadRecords[t], BadRecord{Handle: h, Err: err})
}

func (r *RecoveryReport) BadRecordCount() int {
	n := 0
	for _, bad := range r.BadRecords {
		n += len(bad)
	}
	return n
}

// Err combines all bad records, grouped by record type, nil if there are
// none.
func (r *RecoveryReport) Err() error {
	types := make([]store.RecordType, 0, len(r.BadRecords))
	for t := range r.BadRecords {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var result *multierror.Error
	for _, t := range types {
		for _, bad := range r.BadRecords[t] {
			result = multierror.Append(result, errors.Wrapf(bad.Err, "%s record %s", t, bad.Handle))
		}
	}
	return result.ErrorOrNil()
}
