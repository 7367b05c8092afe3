package jingle

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/Connect-Club/connectclub-jingle-session/internal/volatile"
)

type SessionState uint32

const (
	SessionPending SessionState = iota
	SessionActive
	SessionEnded
)

func (state SessionState) String() string {
	return [...]string{
		"PENDING",
		"ACTIVE",
		"ENDED",
	}[state]
}

// Session bridges the Jingle signalling channel with the local peer
// connection for one call to the focus. All peer-connection mutations go
// through the modification queue; ICE candidate emission deliberately does
// not, so candidate delivery never blocks on an in-flight o/a cycle.
type Session struct {
	log     *logrus.Entry
	sid     string
	me      string
	peerjid string

	initiator bool

	config    *Config
	transport SignalTransport
	pc        PeerConnection
	signaling *SignalingLayer
	queue     *ModificationQueue
	events    EventSink
	errorSink func(err error)

	state             *volatile.Value[SessionState]
	localUfrag        *volatile.Value[string]
	remoteUfrag       *volatile.Value[string]
	remoteSdp         *volatile.Value[*ParsedSDP]
	lastCandidateSeen *volatile.Value[bool]

	closeLock  sync.Mutex
	closedFlag bool
	closedCh   chan Signal

	dripLock    sync.Mutex
	dripPending []*IceCandidate
	dripKick    chan Signal
}

func NewSession(
	me, peerjid string,
	initiator bool,
	room Room,
	config *Config,
	transport SignalTransport,
	pc PeerConnection,
	events EventSink,
	errorSink func(err error),
) *Session {
	sid := uuid.NewString()
	log := logrus.WithField("sid", sid)
	log.Info("🚀")

	session := &Session{
		log:               log,
		sid:               sid,
		me:                me,
		peerjid:           peerjid,
		initiator:         initiator,
		config:            config,
		transport:         transport,
		pc:                pc,
		events:            events,
		errorSink:         errorSink,
		state:             volatile.NewValue(SessionPending),
		localUfrag:        volatile.NewValue(""),
		remoteUfrag:       volatile.NewValue(""),
		remoteSdp:         volatile.NewValue[*ParsedSDP](nil),
		lastCandidateSeen: volatile.NewValue(false),
		closedCh:          make(chan Signal),
		dripKick:          make(chan Signal, 1),
	}
	session.signaling = NewSignalingLayer(log)
	session.queue = NewModificationQueue(log)
	session.signaling.Attach(room, session)
	go session.dripLoop()
	return session
}

func (s *Session) SID() string {
	return s.sid
}

func (s *Session) PeerJid() string {
	return s.peerjid
}

func (s *Session) State() SessionState {
	return s.state.Load()
}

func (s *Session) Signaling() *SignalingLayer {
	return s.signaling
}

func (s *Session) role() string {
	if s.initiator {
		return "initiator"
	}
	return "responder"
}

func (s *Session) emit(event Event, args ...interface{}) {
	if s.events != nil {
		s.events(event, args...)
	}
}

func (s *Session) reportError(err error) {
	s.log.WithError(err).Error("session error")
	if s.errorSink != nil {
		s.errorSink(err)
	}
}

func (s *Session) onJingleFatalError(err error) {
	s.log.WithError(err).Error("🔥")
	s.emit(EventConferenceSetupFailed)
	s.emit(EventJingleFatalError, err)
	if s.errorSink != nil {
		s.errorSink(err)
	}
}

func (s *Session) newJingleIQ(action string) *IQ {
	jingleEl := &Jingle{Action: action, SID: s.sid}
	if s.initiator {
		jingleEl.Initiator = s.me
	} else {
		jingleEl.Initiator = s.peerjid
	}
	return &IQ{To: s.peerjid, From: s.me, Type: "set", Jingle: jingleEl}
}

// ProcessStanza applies one inbound Jingle IQ to the session.
func (s *Session) ProcessStanza(iq *IQ) error {
	if iq.Jingle == nil {
		return fmt.Errorf("%w, not a jingle iq", UnknownContentError)
	}
	jingleEl := iq.Jingle
	switch jingleEl.Action {
	case ActionSessionInitiate:
		s.AcceptOffer(jingleEl, nil, nil)
	case ActionTransportReplace:
		s.ReplaceTransport(jingleEl, nil, nil)
	case ActionSourceAdd:
		s.AddRemoteStream(jingleEl.Contents)
	case ActionSourceRemove:
		s.RemoveRemoteStream(jingleEl.Contents)
	case ActionTransportInfo:
		s.addRemoteCandidates(jingleEl.Contents)
	case ActionSessionTerminate:
		s.state.Store(SessionEnded)
		s.Close()
	default:
		return fmt.Errorf("unhandled jingle action, %v", jingleEl.Action)
	}
	return nil
}

// readSsrcInfo records ssrc ownership carried by inbound content, before any
// task depending on it is enqueued.
func (s *Session) readSsrcInfo(contents []Content) {
	for i := range contents {
		description := contents[i].Description
		if description == nil {
			continue
		}
		for _, source := range description.Sources {
			if source.SsrcInfo == nil || len(source.SsrcInfo.Owner) == 0 {
				continue
			}
			ssrc, err := strconv.ParseUint(source.SSRC, 10, 32)
			if err != nil {
				s.log.Warnf("bad ssrc value, ssrc = %v", source.SSRC)
				continue
			}
			s.signaling.SetSSRCOwner(uint32(ssrc), source.SsrcInfo.Owner)
		}
	}
}

// AcceptOffer handles session-initiate: runs the offer cycle on the queue and
// answers with session-accept on success.
func (s *Session) AcceptOffer(offer *Jingle, success func(), failure func(err error)) {
	s.log.Info("🚀")

	s.readSsrcInfo(offer.Contents)
	s.queue.Push(func(done func(err error)) {
		done(s.setOfferCycle(offer))
	}, func(err error) {
		if err != nil {
			s.onJingleFatalError(err)
			if failure != nil {
				failure(err)
			}
			return
		}
		s.state.Store(SessionActive)
		s.sendSessionAccept(success, failure)
	})
}

// ReplaceTransport handles transport-replace: two renegotiations back to
// back, the first with the data content stripped to force SCTP teardown, the
// second with the full offer against the new bridge.
func (s *Session) ReplaceTransport(offer *Jingle, success func(), failure func(err error)) {
	s.log.Info("🚀")

	s.emit(EventIceRestarting)

	stripped := *offer
	stripped.Contents = nil
	for _, content := range offer.Contents {
		if content.Name == "data" {
			continue
		}
		stripped.Contents = append(stripped.Contents, content)
	}

	s.queue.Push(func(done func(err error)) {
		if err := s.setOfferCycle(&stripped); err != nil {
			done(err)
			return
		}
		done(s.setOfferCycle(offer))
	}, func(err error) {
		if err != nil {
			s.onJingleFatalError(err)
			if failure != nil {
				failure(err)
			}
			return
		}
		s.sendTransportAccept(success, failure)
	})
}

func (s *Session) setOfferCycle(offer *Jingle) error {
	remoteSdp := fromJingle(offer)
	remoteSdp.SetCandidateFilters(s.config.WebrtcIceTcpDisable, s.config.WebrtcIceUdpDisable, s.config.FailICE)
	return s.renegotiate(remoteSdp)
}

// renegotiate runs one offer/answer cycle. Must be called from inside a
// queued task.
func (s *Session) renegotiate(remoteSdp *ParsedSDP) error {
	if remoteSdp == nil {
		remoteSdp = s.remoteSdp.Load()
	}
	if remoteSdp == nil {
		return fmt.Errorf("%w, no remote description to renegotiate", UnknownContentError)
	}

	newRemoteUfrag := remoteSdp.Ufrag()
	if len(newRemoteUfrag) > 0 && newRemoteUfrag != s.remoteUfrag.Load() {
		s.remoteUfrag.Store(newRemoteUfrag)
		s.emit(EventRemoteUfragChanged, newRemoteUfrag)
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteSdp.Raw}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("setRemoteDescription error, %v", err)
	}
	if s.pc.SignalingState() == webrtc.SignalingStateClosed {
		return fmt.Errorf("%w, during renegotiation", ClosedPeerConnectionError)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("createAnswer error, %v", err)
	}

	newLocalUfrag := NewParsedSDP(answer.SDP).Ufrag()
	if len(newLocalUfrag) > 0 && newLocalUfrag != s.localUfrag.Load() {
		s.localUfrag.Store(newLocalUfrag)
		s.emit(EventLocalUfragChanged, newLocalUfrag)
	}

	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("setLocalDescription error, %v", err)
	}
	s.remoteSdp.Store(remoteSdp)
	return nil
}

// localSnapshot captures the current local description with the session's
// candidate filters applied.
func (s *Session) localSnapshot() (*ParsedSDP, error) {
	local := s.pc.LocalDescription()
	if local == nil {
		return nil, LocalDescriptionNotReadyError
	}
	parsed := NewParsedSDP(local.SDP)
	parsed.SetCandidateFilters(s.config.WebrtcIceTcpDisable, s.config.WebrtcIceUdpDisable, s.config.FailICE)
	return parsed, nil
}

func (s *Session) sendSessionAccept(success func(), failure func(err error)) {
	local, err := s.localSnapshot()
	if err != nil {
		s.reportError(err)
		if failure != nil {
			failure(err)
		}
		return
	}
	iq := s.newJingleIQ(ActionSessionAccept)
	iq.Jingle.Responder = s.me
	if err := local.ToJingle(iq.Jingle, s.role()); err != nil {
		s.reportError(err)
		if failure != nil {
			failure(err)
		}
		return
	}
	s.transport.Send(iq, func(*IQ) {
		if success != nil {
			success()
		}
	}, func(response *IQ) {
		stanzaError := newStanzaError(s, iq, response)
		if stanzaError.Reason == "timeout" {
			s.emit(EventSessionAcceptTimeout)
		}
		s.reportError(stanzaError)
		if failure != nil {
			failure(stanzaError)
		}
	}, s.config.IqTimeout)
}

// sendTransportAccept carries only per-media transport elements, no
// descriptions.
func (s *Session) sendTransportAccept(success func(), failure func(err error)) {
	local, err := s.localSnapshot()
	if err != nil {
		s.reportError(err)
		if failure != nil {
			failure(err)
		}
		return
	}
	iq := s.newJingleIQ(ActionTransportAccept)
	for i := range local.Media {
		transport, err := local.TransportToJingle(i)
		if err != nil {
			s.reportError(err)
			if failure != nil {
				failure(err)
			}
			return
		}
		iq.Jingle.Contents = append(iq.Jingle.Contents, Content{
			Creator:   s.role(),
			Name:      local.Mid(i),
			Transport: transport,
		})
	}
	s.transport.Send(iq, func(*IQ) {
		if success != nil {
			success()
		}
	}, func(response *IQ) {
		stanzaError := newStanzaError(s, iq, response)
		s.reportError(stanzaError)
		if failure != nil {
			failure(stanzaError)
		}
	}, s.config.IqTimeout)
}

// SendTransportReject refuses a transport-replace. Best effort.
func (s *Session) SendTransportReject() {
	iq := s.newJingleIQ(ActionTransportReject)
	s.transport.Send(iq, nil, func(response *IQ) {
		s.log.WithError(newStanzaError(s, iq, response)).Warn("transport-reject failed")
	}, s.config.IqTimeout)
}

// AddRemoteStream handles source-add content.
func (s *Session) AddRemoteStream(contents []Content) {
	s.log.Info("🚀")
	s.readSsrcInfo(contents)
	s.modifyRemoteStreams(contents, true)
}

// RemoveRemoteStream handles source-remove content.
func (s *Session) RemoveRemoteStream(contents []Content) {
	s.log.Info("🚀")
	s.modifyRemoteStreams(contents, false)
}

func (s *Session) modifyRemoteStreams(contents []Content, add bool) {
	if s.pc.LocalDescription() != nil {
		s.queue.Push(func(done func(err error)) {
			done(s.doModifyRemoteStreams(contents, add))
		}, nil)
		return
	}
	go func() {
		for attempt := 1; ; attempt++ {
			if attempt > s.config.SourceReadyRetryLimit {
				s.reportError(fmt.Errorf("%w, cannot modify remote streams", LocalDescriptionNotReadyError))
				return
			}
			select {
			case <-s.closedCh:
				return
			case <-time.After(s.config.SourceReadyRetry):
			}
			if s.pc.LocalDescription() != nil {
				break
			}
		}
		s.queue.Push(func(done func(err error)) {
			done(s.doModifyRemoteStreams(contents, add))
		}, nil)
	}()
}

func (s *Session) doModifyRemoteStreams(contents []Content, add bool) error {
	local := s.pc.LocalDescription()
	if local == nil {
		return LocalDescriptionNotReadyError
	}
	oldLocal := NewParsedSDP(local.SDP)

	remoteSdp := s.remoteSdp.Load()
	if remoteSdp == nil {
		return fmt.Errorf("%w, no remote description", UnknownContentError)
	}
	remoteSdp = remoteSdp.Clone()

	changed := false
	for i := range contents {
		content := &contents[i]
		description := content.Description
		if description == nil {
			continue
		}
		mediaIndex := remoteSdp.MediaIndexForMid(content.Name)
		if mediaIndex < 0 {
			s.log.Warnf("no media section for content, name = %v", content.Name)
			continue
		}
		var lines []string
		if add {
			lines = s.sourceAddLines(remoteSdp, mediaIndex, description)
			remoteSdp.AddMediaLines(mediaIndex, lines)
		} else {
			lines = sourceRemoveLines(remoteSdp, mediaIndex, description)
			remoteSdp.RemoveMediaLines(mediaIndex, lines)
		}
		if len(lines) > 0 {
			changed = true
		}
	}
	if !changed {
		s.log.Info("no source changes to apply")
		return nil
	}

	if err := s.renegotiate(remoteSdp); err != nil {
		return err
	}
	newLocal, err := s.localSnapshot()
	if err != nil {
		return err
	}
	s.notifyMySSRCUpdate(oldLocal, newLocal)
	return nil
}

func (s *Session) sourceAddLines(remoteSdp *ParsedSDP, mediaIndex int, description *Description) []string {
	var lines []string
	for _, source := range description.Sources {
		if remoteSdp.ContainsSSRC(source.SSRC) {
			s.log.Warnf("existing SSRC %v", source.SSRC)
			continue
		}
		for _, parameter := range source.Parameters {
			lines = append(lines, ssrcLine(source.SSRC, parameter))
		}
	}
	for _, group := range description.SsrcGroups {
		line := ssrcGroupLine(group)
		if strings.Contains(remoteSdp.Media[mediaIndex], line) {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func sourceRemoveLines(remoteSdp *ParsedSDP, mediaIndex int, description *Description) []string {
	var lines []string
	for _, source := range description.Sources {
		lines = append(lines, findLines(remoteSdp.Media[mediaIndex], "a=ssrc:"+source.SSRC+" ")...)
	}
	for _, group := range description.SsrcGroups {
		lines = append(lines, ssrcGroupLine(group))
	}
	return lines
}

func ssrcLine(ssrc string, parameter Parameter) string {
	if len(parameter.Value) > 0 {
		return "a=ssrc:" + ssrc + " " + parameter.Name + ":" + parameter.Value
	}
	return "a=ssrc:" + ssrc + " " + parameter.Name
}

func ssrcGroupLine(group SsrcGroup) string {
	ssrcs := make([]string, len(group.Sources))
	for i, source := range group.Sources {
		ssrcs[i] = source.SSRC
	}
	return "a=ssrc-group:" + group.Semantics + " " + strings.Join(ssrcs, " ")
}

// notifyMySSRCUpdate sends source-remove and source-add for the delta between
// two local descriptions. Only while ACTIVE.
func (s *Session) notifyMySSRCUpdate(oldLocal, newLocal *ParsedSDP) {
	if s.state.Load() != SessionActive {
		s.log.Infof("skip ssrc update, state = %v", s.state.Load())
		return
	}

	removeIq := s.newJingleIQ(ActionSourceRemove)
	if NewSdpDiffer(newLocal, oldLocal).ToJingle(removeIq.Jingle) {
		s.transport.Send(removeIq, nil, func(response *IQ) {
			s.reportError(newStanzaError(s, removeIq, response))
		}, s.config.IqTimeout)
	}

	addIq := s.newJingleIQ(ActionSourceAdd)
	if NewSdpDiffer(oldLocal, newLocal).ToJingle(addIq.Jingle) {
		s.transport.Send(addIq, nil, func(response *IQ) {
			s.reportError(newStanzaError(s, addIq, response))
		}, s.config.IqTimeout)
	}
}

// addRemoteCandidates applies candidates from an inbound transport-info.
func (s *Session) addRemoteCandidates(contents []Content) {
	for i := range contents {
		transport := contents[i].Transport
		if transport == nil {
			continue
		}
		mid := contents[i].Name
		remoteSdp := s.remoteSdp.Load()
		mediaIndex := 0
		if remoteSdp != nil {
			if index := remoteSdp.MediaIndexForMid(mid); index >= 0 {
				mediaIndex = index
			}
		}
		for j := range transport.Candidates {
			line := strings.TrimPrefix(transport.Candidates[j].toLine(), "a=")
			index := uint16(mediaIndex)
			candidate := webrtc.ICECandidateInit{
				Candidate:     line,
				SDPMid:        &mid,
				SDPMLineIndex: &index,
			}
			if err := s.pc.AddICECandidate(candidate); err != nil {
				s.reportError(fmt.Errorf("%w, %v", InvalidCandidateError, err))
			}
		}
	}
}

// OnIceCandidate receives each local candidate from the peer connection. A
// nil candidate is the gathering-finished marker: recorded, never sent.
// End-of-candidates stays implicit on the wire.
func (s *Session) OnIceCandidate(candidate *IceCandidate) {
	if candidate == nil {
		s.lastCandidateSeen.Store(true)
		return
	}
	if s.state.Load() == SessionEnded {
		return
	}
	switch strings.ToLower(candidate.Protocol) {
	case "tcp", "ssltcp":
		if s.config.WebrtcIceTcpDisable {
			s.log.Debugf("dropping tcp candidate, %v", candidate.Candidate)
			return
		}
	case "udp":
		if s.config.WebrtcIceUdpDisable {
			s.log.Debugf("dropping udp candidate, %v", candidate.Candidate)
			return
		}
	}

	if s.config.UseDrip {
		s.dripLock.Lock()
		s.dripPending = append(s.dripPending, candidate)
		s.dripLock.Unlock()
		select {
		case s.dripKick <- SignalInstance:
		default:
		}
		return
	}
	s.sendIceCandidates([]*IceCandidate{candidate})
}

// dripLoop flushes buffered candidates after a quiescence window: each flush
// waits until no new candidate arrived for a whole DripFlush interval.
func (s *Session) dripLoop() {
	for {
		select {
		case <-s.closedCh:
			return
		case <-s.dripKick:
		}
		for {
			s.dripLock.Lock()
			count := len(s.dripPending)
			s.dripLock.Unlock()
			select {
			case <-s.closedCh:
				return
			case <-time.After(s.config.DripFlush):
			}
			s.dripLock.Lock()
			grown := len(s.dripPending) > count
			s.dripLock.Unlock()
			if !grown {
				break
			}
		}
		clearSignalChan(s.dripKick)
		s.dripLock.Lock()
		pending := s.dripPending
		s.dripPending = nil
		s.dripLock.Unlock()
		if len(pending) > 0 {
			s.sendIceCandidates(pending)
		}
	}
}

// sendIceCandidates emits one transport-info stanza carrying the given
// candidates grouped by media section.
func (s *Session) sendIceCandidates(candidates []*IceCandidate) {
	s.log.Infof("sending %d candidates", len(candidates))

	local, err := s.localSnapshot()
	if err != nil {
		s.reportError(err)
		return
	}
	iq := s.newJingleIQ(ActionTransportInfo)
	for i := range local.Media {
		var mediaCandidates []*IceCandidate
		for _, candidate := range candidates {
			if candidate.SdpMLineIndex == i {
				mediaCandidates = append(mediaCandidates, candidate)
			}
		}
		if len(mediaCandidates) == 0 {
			continue
		}
		transport, err := local.TransportToJingle(i)
		if err != nil {
			s.reportError(err)
			return
		}
		transport.Candidates = nil
		for fp := range transport.Fingerprints {
			transport.Fingerprints[fp].Required = "true"
		}
		for _, candidate := range mediaCandidates {
			parsed, err := parseCandidateLine(candidate.Candidate)
			if err != nil {
				s.reportError(fmt.Errorf("%w, %v", InvalidCandidateError, candidate.Candidate))
				continue
			}
			if s.config.FailICE {
				parsed.IP = failICEAddress
			}
			transport.Candidates = append(transport.Candidates, *parsed)
		}
		iq.Jingle.Contents = append(iq.Jingle.Contents, Content{
			Creator:   s.role(),
			Name:      local.Mid(i),
			Transport: transport,
		})
	}
	if len(iq.Jingle.Contents) == 0 {
		return
	}
	s.transport.Send(iq, nil, func(response *IQ) {
		s.reportError(newStanzaError(s, iq, response))
	}, s.config.IqTimeout)
}

// Terminate ends the session and notifies the peer. Best effort: a failed
// terminate does not resurrect the session.
func (s *Session) Terminate(reason, text string) {
	s.log.Info("🚀")

	if s.state.Swap(SessionEnded) == SessionEnded {
		return
	}
	iq := s.newJingleIQ(ActionSessionTerminate)
	iq.Jingle.Reason = newReason(reason, text)
	s.transport.Send(iq, nil, func(response *IQ) {
		s.log.WithError(newStanzaError(s, iq, response)).Warn("session-terminate failed")
	}, s.config.IqTimeout)
}

// Close marks the session closed, detaches the signaling layer and closes the
// peer connection unless it is already closed. Idempotent.
func (s *Session) Close() {
	s.closeLock.Lock()
	if s.closedFlag {
		s.closeLock.Unlock()
		return
	}
	s.closedFlag = true
	s.closeLock.Unlock()

	s.log.Info("🚀")
	s.state.Store(SessionEnded)
	close(s.closedCh)
	s.signaling.Detach()
	if err := s.queue.Stop(10 * time.Second); err != nil {
		s.log.WithError(err).Warn("cannot stop modification queue")
	}
	if s.pc.SignalingState() != webrtc.SignalingStateClosed &&
		s.pc.ConnectionState() != webrtc.PeerConnectionStateClosed {
		if err := s.pc.Close(); err != nil {
			s.log.WithError(err).Warn("cannot close peer connection")
		}
	}
}
