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

// Package ha mirrors a broker store to a standby node. The store only
// exposes commit boundaries and snapshot files; this package moves them
// between the nodes of a pair and tells each node its role.
package ha

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

type Role string

const (
	RolePrimary Role = "primary"
	RoleStandby Role = "standby"
	// RoleUnsynced is a standby that has not received a full copy yet.
	RoleUnsynced Role = "unsynced"
)

var knownRoles = []string{string(RolePrimary), string(RoleStandby), string(RoleUnsynced)}

// ErrNoPeer is returned by operations that need the other node of the pair.
var ErrNoPeer = errors.New("no HA peer")

type View struct {
	Role        Role
	ActiveNodes int
	SyncNodes   int
	PrimaryName string
}

// Replicator connects a node to its HA peer.
type Replicator interface {
	View() View

	// SendAdminMessage delivers a small control message to the peer.
	SendAdminMessage(ctx context.Context, msg []byte) error
	OnAdminMessage(fn func(msg []byte))

	// TransferFile streams one file of the initial bulk sync, CompleteSync
	// marks the copy complete.
	TransferFile(ctx context.Context, name string, r io.Reader) error
	CompleteSync(ctx context.Context) error
	OnFile(fn func(name string, r io.Reader) error)
	OnSynced(fn func())

	// Mirror forwards a committed store frame to the standby.
	Mirror(frame []byte) error
	OnMirroredFrame(fn func(frame []byte) error)

	// OnViewChange reports role and membership changes.
	OnViewChange(fn func(View))

	Close() error
}

// Standalone is a node without a peer, always primary.
type Standalone struct {
	Name string
}

func NewStandalone(name string) *Standalone {
	return &Standalone{Name: name}
}

func (s *Standalone) View() View {
	return View{Role: RolePrimary, ActiveNodes: 1, SyncNodes: 1, PrimaryName: s.Name}
}

func (s *Standalone) SendAdminMessage(context.Context, []byte) error {
	return ErrNoPeer
}

func (s *Standalone) OnAdminMessage(func([]byte)) {}

func (s *Standalone) TransferFile(context.Context, string, io.Reader) error {
	return ErrNoPeer
}

func (s *Standalone) CompleteSync(context.Context) error {
	return ErrNoPeer
}

func (s *Standalone) OnFile(func(string, io.Reader) error) {}

func (s *Standalone) OnSynced(func()) {}

// Mirror drops the frame, there is nobody to mirror to.
func (s *Standalone) Mirror([]byte) error {
	return nil
}

func (s *Standalone) OnMirroredFrame(func([]byte) error) {}

// OnViewChange calls fn once, a standalone broker never changes its role.
func (s *Standalone) OnViewChange(fn func(View)) {
	fn(s.View())
}

func (s *Standalone) Close() error {
	return nil
}
