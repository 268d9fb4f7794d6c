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
	"time"

	"github.com/pkg/errors"
)

// Config tunes capacity, persistence and alerting of a Store.
type Config struct {
	RootPath  string
	ColdStart bool

	// management generation: owners go to pool 1 (small granules), other
	// definition records and state objects to pool 2
	TotalMemSizeBytes         uint64
	MgmtMemPercent            uint8
	MgmtSmallGranulesPercent  uint8
	MgmtSmallGranuleSizeBytes uint32
	MgmtGranuleSizeBytes      uint32
	MgmtAlertOnPercent        uint8
	MgmtAlertOffPercent       uint8
	OwnerLimitPercent         uint8
	// overrides the limit derived from OwnerLimitPercent when > 0
	MaxOwnersPerType int

	// data generations
	GenerationSizeBytes uint64
	GranuleSizeBytes    uint32
	GenFillPercent      uint8
	MaxGenerations      int
	DiskAlertOnPercent  uint8
	DiskAlertOffPercent uint8
	CompactLivePercent  uint8

	RefChunkSize int
	StreamsMax   int

	SyncPersist          bool
	PersistFlushInterval time.Duration
	CheckpointInterval   time.Duration
	JournalMaxBytes      int64
	PruneRetryInterval   time.Duration
}

func DefaultConfig(rootPath string) Config {
	return Config{
		RootPath:                  rootPath,
		TotalMemSizeBytes:         512 * 1024 * 1024,
		MgmtMemPercent:            25,
		MgmtSmallGranulesPercent:  40,
		MgmtSmallGranuleSizeBytes: 256,
		MgmtGranuleSizeBytes:      1024,
		MgmtAlertOnPercent:        90,
		MgmtAlertOffPercent:       80,
		OwnerLimitPercent:         80,
		GenerationSizeBytes:       64 * 1024 * 1024,
		GranuleSizeBytes:          512,
		GenFillPercent:            90,
		MaxGenerations:            64,
		DiskAlertOnPercent:        90,
		DiskAlertOffPercent:       80,
		CompactLivePercent:        30,
		RefChunkSize:              64,
		StreamsMax:                1024,
		PersistFlushInterval:      10 * time.Millisecond,
		CheckpointInterval:        30 * time.Second,
		JournalMaxBytes:           128 * 1024 * 1024,
		PruneRetryInterval:        500 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.RootPath == "" {
		return errors.Wrap(ErrInvalidValue, "root path must be set")
	}
	if c.TotalMemSizeBytes == 0 || c.GenerationSizeBytes == 0 {
		return errors.Wrap(ErrInvalidValue, "memory and generation sizes must be > 0")
	}
	for name, pct := range map[string]uint8{
		"mgmt mem":             c.MgmtMemPercent,
		"mgmt small granules":  c.MgmtSmallGranulesPercent,
		"owner limit":          c.OwnerLimitPercent,
		"generation fill":      c.GenFillPercent,
		"mgmt alert on":        c.MgmtAlertOnPercent,
		"disk alert on":        c.DiskAlertOnPercent,
		"compaction live part": c.CompactLivePercent,
	} {
		if pct > 100 {
			return errors.Wrapf(ErrInvalidValue, "%s percent %d out of range", name, pct)
		}
	}
	if c.MgmtMemPercent == 0 || c.MgmtSmallGranulesPercent == 0 || c.MgmtSmallGranulesPercent >= 100 {
		return errors.Wrap(ErrInvalidValue, "management pools must both get memory")
	}
	if c.MgmtAlertOffPercent > c.MgmtAlertOnPercent || c.DiskAlertOffPercent > c.DiskAlertOnPercent {
		return errors.Wrap(ErrInvalidValue, "alert off threshold above alert on threshold")
	}
	if c.MgmtSmallGranuleSizeBytes == 0 || c.MgmtGranuleSizeBytes == 0 || c.GranuleSizeBytes == 0 {
		return errors.Wrap(ErrInvalidValue, "granule sizes must be > 0")
	}
	if c.MaxGenerations < 1 || c.MaxGenerations > int(maxGenID) {
		return errors.Wrapf(ErrInvalidValue, "max generations %d out of range", c.MaxGenerations)
	}
	if c.RefChunkSize < 1 {
		return errors.Wrap(ErrInvalidValue, "reference chunk size must be > 0")
	}
	if c.StreamsMax < 1 {
		return errors.Wrap(ErrInvalidValue, "streams max must be > 0")
	}
	return nil
}

func (c Config) mgmtBytes() uint64 {
	return c.TotalMemSizeBytes * uint64(c.MgmtMemPercent) / 100
}

func (c Config) pool1Bytes() uint64 {
	return c.mgmtBytes() * uint64(c.MgmtSmallGranulesPercent) / 100
}

func (c Config) pool2Bytes() uint64 {
	return c.mgmtBytes() - c.pool1Bytes()
}

// ownerLimit is the number of owner records allowed per owner type.
func (c Config) ownerLimit() int {
	if c.MaxOwnersPerType > 0 {
		return c.MaxOwnersPerType
	}
	granules := c.pool1Bytes() / uint64(c.MgmtSmallGranuleSizeBytes)
	limit := int(granules * uint64(c.OwnerLimitPercent) / 100)
	if limit < 1 {
		limit = 1
	}
	return limit
}
