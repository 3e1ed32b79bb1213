package session

import (
	"time"

	"github.com/kedmegas/bobbin/bitfield"
	"github.com/kedmegas/bobbin/elastic"
	"github.com/kedmegas/bobbin/peerwire"
)

// PeerState is the passive per-session record described in spec §3. It
// carries no behaviour of its own; PeerSession is the component that
// mutates it under lock.
type PeerState struct {
	RemotePeerID [20]byte

	WeAreChoking      bool
	WeAreInterested   bool
	TheyAreChoking    bool
	TheyAreInterested bool

	FastExtensionEnabled     bool
	ExtensionProtocolEnabled bool

	RemoteBitfield *bitfield.Set
	RemoteView     elastic.StorageDescriptor
	// RemoteViewSignatures is bounded to at most two entries (spec
	// invariant 2).
	RemoteViewSignatures elastic.History

	RemoteExtensions map[peerwire.ExtensionName]uint8

	LastDataReceivedTime time.Time
}

func newPeerState(remotePeerID [20]byte, fastEnabled, extensionEnabled bool, view elastic.StorageDescriptor, now time.Time) *PeerState {
	return &PeerState{
		RemotePeerID:             remotePeerID,
		WeAreChoking:             true,
		WeAreInterested:          false,
		TheyAreChoking:           true,
		TheyAreInterested:        false,
		FastExtensionEnabled:     fastEnabled,
		ExtensionProtocolEnabled: extensionEnabled,
		RemoteBitfield:           bitfield.New(view.NumPieces()),
		RemoteView:               view,
		RemoteExtensions:         make(map[peerwire.ExtensionName]uint8),
		LastDataReceivedTime:     now,
	}
}
