package dbus

import (
	"cmp"
	"context"
	"strings"
)

type Peer struct {
	c    *Conn
	name string
}

func (p Peer) Ping(ctx context.Context, opts ...CallOption) error {
	return p.Conn().call(ctx, p.name, "/", "org.freedesktop.DBus.Peer", "Ping", nil, nil, opts...)
}

func (p Peer) Conn() *Conn  { return p.c }
func (p Peer) Name() string { return p.name }

func (p Peer) String() string {
	if p.c == nil {
		return "<no peer>"
	}
	return p.name
}

func (p Peer) Object(path ObjectPath) Object {
	return Object{
		p:    p,
		path: path,
	}
}

// Compare orders two Peers by name, for use with slices.SortFunc.
func (p Peer) Compare(other Peer) int {
	return cmp.Compare(p.name, other.name)
}

// IsUniqueName reports whether p identifies a connection's unique bus
// name (e.g. ":1.42") rather than a well-known name someone has
// claimed (e.g. "org.freedesktop.DBus").
func (p Peer) IsUniqueName() bool {
	return strings.HasPrefix(p.name, ":")
}

// Exists reports whether p currently has an owner on the bus.
func (p Peer) Exists(ctx context.Context) (bool, error) {
	return p.c.NameHasOwner(ctx, p.name)
}

// Owner returns the Peer that currently owns p's name.
func (p Peer) Owner(ctx context.Context) (Peer, error) {
	owner, err := p.c.GetNameOwner(ctx, p.name)
	if err != nil {
		return Peer{}, err
	}
	return p.c.Peer(owner), nil
}

// QueuedOwners returns the Peers waiting in line for ownership of
// p's name, in queue order. The current owner, if any, is not
// included.
func (p Peer) QueuedOwners(ctx context.Context) ([]Peer, error) {
	names, err := p.c.ListQueuedOwners(ctx, p.name)
	if err != nil {
		return nil, err
	}
	ret := make([]Peer, len(names))
	for i, n := range names {
		ret[i] = p.c.Peer(n)
	}
	return ret, nil
}

// Identity returns p's connection credentials, as reported by the bus.
func (p Peer) Identity(ctx context.Context) (*PeerCredentials, error) {
	return p.c.GetPeerCredentials(ctx, p.name)
}

// UID returns the Unix user ID of p's connection.
//
// Deprecated: use Identity, which returns everything the bus knows
// about a connection's identity in a single round trip.
func (p Peer) UID(ctx context.Context) (uint32, error) {
	return p.c.GetPeerUID(ctx, p.name)
}

// PID returns the Unix process ID of p's connection.
//
// Deprecated: use Identity, which returns everything the bus knows
// about a connection's identity in a single round trip.
func (p Peer) PID(ctx context.Context) (uint32, error) {
	return p.c.GetPeerPID(ctx, p.name)
}
