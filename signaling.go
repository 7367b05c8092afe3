package jingle

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Room is the enclosing conference object the signaling layer attaches to.
// Only the back-reference lifecycle matters here; participant bookkeeping
// lives on the other side of this interface.
type Room interface {
	SessionAttached(session *Session)
	SessionDetached(session *Session)
}

// SignalingLayer holds the ssrc → owner resource mapping read from inbound
// content and exposes it to higher layers.
type SignalingLayer struct {
	log *logrus.Entry

	mu         sync.Mutex
	ssrcOwners map[uint32]string
	room       Room
	session    *Session
}

func NewSignalingLayer(log *logrus.Entry) *SignalingLayer {
	return &SignalingLayer{
		log:        log,
		ssrcOwners: make(map[uint32]string),
	}
}

func (layer *SignalingLayer) Attach(room Room, session *Session) {
	layer.mu.Lock()
	layer.room = room
	layer.session = session
	layer.mu.Unlock()
	if room != nil {
		room.SessionAttached(session)
	}
}

func (layer *SignalingLayer) Detach() {
	layer.mu.Lock()
	room := layer.room
	session := layer.session
	layer.room = nil
	layer.session = nil
	layer.mu.Unlock()
	if room != nil {
		room.SessionDetached(session)
	}
}

// SetSSRCOwner records the owner resource of an ssrc. Later writes overwrite.
func (layer *SignalingLayer) SetSSRCOwner(ssrc uint32, ownerResource string) {
	layer.mu.Lock()
	defer layer.mu.Unlock()
	layer.ssrcOwners[ssrc] = ownerResource
}

func (layer *SignalingLayer) GetSSRCOwner(ssrc uint32) (string, bool) {
	layer.mu.Lock()
	defer layer.mu.Unlock()
	owner, found := layer.ssrcOwners[ssrc]
	return owner, found
}
