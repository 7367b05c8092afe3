package jingle

import (
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// PeerConnection is the capability the session needs from the local peer
// connection. The production implementation wraps pion; tests use a fake.
type PeerConnection interface {
	SetRemoteDescription(description webrtc.SessionDescription) error
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(description webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// Compile-time interface check.
var _ PeerConnection = (*WebRTCPeerConnection)(nil)

// WebRTCPeerConnection adapts *webrtc.PeerConnection to the session's
// capability surface and fans its state changes out as host events. Local
// candidates are forwarded to onCandidate; the gathering-finished marker
// arrives as nil.
type WebRTCPeerConnection struct {
	log *logrus.Entry
	pc  *webrtc.PeerConnection

	events      EventSink
	onCandidate func(candidate *IceCandidate)

	everConnected bool
}

func NewWebRTCPeerConnection(
	log *logrus.Entry,
	configuration webrtc.Configuration,
	events EventSink,
	onCandidate func(candidate *IceCandidate),
) (*WebRTCPeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(configuration)
	if err != nil {
		return nil, err
	}
	adapter := &WebRTCPeerConnection{
		log:         log,
		pc:          pc,
		events:      events,
		onCandidate: onCandidate,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if adapter.onCandidate == nil {
			return
		}
		if candidate == nil {
			adapter.onCandidate(nil)
			return
		}
		init := candidate.ToJSON()
		converted := &IceCandidate{
			Candidate: init.Candidate,
			Protocol:  candidateProtocol(init.Candidate),
		}
		if init.SDPMid != nil {
			converted.SdpMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			converted.SdpMLineIndex = int(*init.SDPMLineIndex)
		}
		adapter.onCandidate(converted)
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		adapter.log.Infof("ice connection state = %v", state)
		adapter.emit(EventIceConnectionStateChanged, state.String())
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			if adapter.everConnected {
				adapter.emit(EventConnectionRestored)
			} else {
				adapter.everConnected = true
				adapter.emit(EventPeerConnectionReady)
			}
		case webrtc.ICEConnectionStateDisconnected:
			adapter.emit(EventConnectionInterrupted)
		case webrtc.ICEConnectionStateFailed:
			adapter.emit(EventConnectionIceFailed)
		}
	})

	return adapter, nil
}

func (adapter *WebRTCPeerConnection) emit(event Event, args ...interface{}) {
	if adapter.events != nil {
		adapter.events(event, args...)
	}
}

func (adapter *WebRTCPeerConnection) SetRemoteDescription(description webrtc.SessionDescription) error {
	return adapter.pc.SetRemoteDescription(description)
}

func (adapter *WebRTCPeerConnection) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return adapter.pc.CreateAnswer(options)
}

func (adapter *WebRTCPeerConnection) SetLocalDescription(description webrtc.SessionDescription) error {
	return adapter.pc.SetLocalDescription(description)
}

func (adapter *WebRTCPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return adapter.pc.AddICECandidate(candidate)
}

func (adapter *WebRTCPeerConnection) LocalDescription() *webrtc.SessionDescription {
	return adapter.pc.LocalDescription()
}

func (adapter *WebRTCPeerConnection) RemoteDescription() *webrtc.SessionDescription {
	return adapter.pc.RemoteDescription()
}

func (adapter *WebRTCPeerConnection) SignalingState() webrtc.SignalingState {
	return adapter.pc.SignalingState()
}

func (adapter *WebRTCPeerConnection) ConnectionState() webrtc.PeerConnectionState {
	return adapter.pc.ConnectionState()
}

func (adapter *WebRTCPeerConnection) Close() error {
	return adapter.pc.Close()
}

// candidateProtocol extracts the transport protocol field from a candidate
// attribute string.
func candidateProtocol(candidate string) string {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimPrefix(candidate, "a="), "candidate:"))
	if len(fields) < 3 {
		return ""
	}
	return strings.ToLower(fields[2])
}
