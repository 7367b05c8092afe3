package jingle

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

type fakePeerConnection struct {
	mu              sync.Mutex
	remote          *webrtc.SessionDescription
	local           *webrtc.SessionDescription
	answerSDP       string
	remoteHistory   []string
	addedCandidates []webrtc.ICECandidateInit
	signalingState  webrtc.SignalingState
	connectionState webrtc.PeerConnectionState
	closeCount      int
	failSetRemote   error
}

func newFakePeerConnection(answerSDP string) *fakePeerConnection {
	return &fakePeerConnection{
		answerSDP:       answerSDP,
		signalingState:  webrtc.SignalingStateStable,
		connectionState: webrtc.PeerConnectionStateNew,
	}
}

func (f *fakePeerConnection) SetRemoteDescription(description webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetRemote != nil {
		return f.failSetRemote
	}
	f.remote = &description
	f.remoteHistory = append(f.remoteHistory, description.SDP)
	return nil
}

func (f *fakePeerConnection) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: f.answerSDP}, nil
}

func (f *fakePeerConnection) SetLocalDescription(description webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = &description
	return nil
}

func (f *fakePeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addedCandidates = append(f.addedCandidates, candidate)
	return nil
}

func (f *fakePeerConnection) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakePeerConnection) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakePeerConnection) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signalingState
}

func (f *fakePeerConnection) ConnectionState() webrtc.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectionState
}

func (f *fakePeerConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	f.signalingState = webrtc.SignalingStateClosed
	f.connectionState = webrtc.PeerConnectionStateClosed
	return nil
}

func (f *fakePeerConnection) remoteSDPs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.remoteHistory...)
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []*IQ
	respond func(iq *IQ, onResult func(*IQ), onError func(*IQ))
}

func (f *fakeTransport) Send(iq *IQ, onResult func(*IQ), onError func(*IQ), _ time.Duration) {
	f.mu.Lock()
	f.sent = append(f.sent, iq)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		respond(iq, onResult, onError)
		return
	}
	if onResult != nil {
		onResult(&IQ{Type: "result", ID: iq.ID})
	}
}

func (f *fakeTransport) sentByAction(action string) []*IQ {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []*IQ
	for _, iq := range f.sent {
		if iq.Jingle != nil && iq.Jingle.Action == action {
			matched = append(matched, iq)
		}
	}
	return matched
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) sink() EventSink {
	return func(event Event, _ ...interface{}) {
		r.mu.Lock()
		r.events = append(r.events, event)
		r.mu.Unlock()
	}
}

func (r *eventRecorder) count(event Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, recorded := range r.events {
		if recorded == event {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type sessionFixture struct {
	session   *Session
	pc        *fakePeerConnection
	transport *fakeTransport
	events    *eventRecorder
	errors    []error
	errorLock sync.Mutex
}

func newSessionFixture(t *testing.T, config *Config) *sessionFixture {
	t.Helper()
	fixture := &sessionFixture{
		pc:        newFakePeerConnection(testLocalSdp),
		transport: &fakeTransport{},
		events:    &eventRecorder{},
	}
	fixture.session = NewSession(
		"room@conference.example.com/me",
		"focus@auth.example.com/focus1",
		false,
		nil,
		config,
		fixture.transport,
		fixture.pc,
		fixture.events.sink(),
		func(err error) {
			fixture.errorLock.Lock()
			fixture.errors = append(fixture.errors, err)
			fixture.errorLock.Unlock()
		},
	)
	t.Cleanup(fixture.session.Close)
	return fixture
}

func (fixture *sessionFixture) acceptOffer(t *testing.T) {
	t.Helper()
	fixture.session.AcceptOffer(testOfferJingle(), nil, nil)
	waitFor(t, "session-accept", func() bool {
		return len(fixture.transport.sentByAction(ActionSessionAccept)) == 1
	})
}

func TestAcceptOffer(t *testing.T) {
	fixture := newSessionFixture(t, DefaultConfig())

	fixture.acceptOffer(t)

	if got := fixture.session.State(); got != SessionActive {
		t.Errorf("state = %v, want ACTIVE", got)
	}
	accept := fixture.transport.sentByAction(ActionSessionAccept)[0]
	if len(accept.Jingle.Contents) != 3 {
		t.Errorf("accept contents = %d, want 3", len(accept.Jingle.Contents))
	}
	for _, content := range accept.Jingle.Contents[:2] {
		if content.Description == nil || len(content.Description.PayloadTypes) == 0 {
			t.Errorf("accept content %q has no payloads", content.Name)
		}
	}
	if got := fixture.session.remoteUfrag.Load(); got != "remotefrag" {
		t.Errorf("remote ufrag = %q, want remotefrag", got)
	}
	for _, ssrc := range []uint32{111, 222, 223} {
		if _, found := fixture.session.Signaling().GetSSRCOwner(ssrc); !found {
			t.Errorf("owner of ssrc %d not recorded", ssrc)
		}
	}
}

func TestAcceptOfferFailureIsFatal(t *testing.T) {
	fixture := newSessionFixture(t, DefaultConfig())
	fixture.pc.failSetRemote = errors.New("sdp rejected")

	failed := make(chan error, 1)
	fixture.session.AcceptOffer(testOfferJingle(), nil, func(err error) {
		failed <- err
	})

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("failure callback never fired")
	}
	if fixture.events.count(EventConferenceSetupFailed) != 1 {
		t.Error("CONFERENCE_SETUP_FAILED not emitted")
	}
	if fixture.events.count(EventJingleFatalError) != 1 {
		t.Error("JINGLE_FATAL_ERROR not emitted")
	}
	if len(fixture.transport.sentByAction(ActionSessionAccept)) != 0 {
		t.Error("session-accept sent despite failed offer cycle")
	}
}

func TestDripBatchesCandidates(t *testing.T) {
	config := DefaultConfig()
	config.UseDrip = true
	fixture := newSessionFixture(t, config)
	fixture.acceptOffer(t)

	candidates := []*IceCandidate{
		{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host generation 0", SdpMid: "audio", SdpMLineIndex: 0, Protocol: "udp"},
		{Candidate: "candidate:2 1 udp 2130706430 10.0.0.1 50001 typ host generation 0", SdpMid: "audio", SdpMLineIndex: 0, Protocol: "udp"},
		{Candidate: "candidate:3 1 udp 2130706429 10.0.0.1 50002 typ host generation 0", SdpMid: "video", SdpMLineIndex: 1, Protocol: "udp"},
		{Candidate: "candidate:4 1 udp 2130706428 10.0.0.1 50003 typ host generation 0", SdpMid: "video", SdpMLineIndex: 1, Protocol: "udp"},
		{Candidate: "candidate:5 1 udp 2130706427 10.0.0.1 50004 typ host generation 0", SdpMid: "video", SdpMLineIndex: 1, Protocol: "udp"},
	}
	for _, candidate := range candidates {
		fixture.session.OnIceCandidate(candidate)
		time.Sleep(time.Millisecond)
	}

	waitFor(t, "transport-info", func() bool {
		return len(fixture.transport.sentByAction(ActionTransportInfo)) > 0
	})
	time.Sleep(3 * config.DripFlush)

	infos := fixture.transport.sentByAction(ActionTransportInfo)
	if len(infos) != 1 {
		t.Fatalf("transport-info stanzas = %d, want 1", len(infos))
	}
	info := infos[0]
	if len(info.Jingle.Contents) != 2 {
		t.Fatalf("transport-info contents = %d, want 2", len(info.Jingle.Contents))
	}
	total := 0
	for _, content := range info.Jingle.Contents {
		if content.Transport == nil {
			t.Fatal("content without transport")
		}
		for _, fingerprint := range content.Transport.Fingerprints {
			if fingerprint.Required != "true" {
				t.Errorf("fingerprint required = %q, want true", fingerprint.Required)
			}
		}
		total += len(content.Transport.Candidates)
	}
	if total != 5 {
		t.Errorf("candidates across contents = %d, want 5", total)
	}
}

func TestNoDripSendsOneStanzaPerCandidate(t *testing.T) {
	fixture := newSessionFixture(t, DefaultConfig())
	fixture.acceptOffer(t)

	for i := 0; i < 3; i++ {
		fixture.session.OnIceCandidate(&IceCandidate{
			Candidate:     "candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host generation 0",
			SdpMid:        "audio",
			SdpMLineIndex: 0,
			Protocol:      "udp",
		})
	}
	if got := len(fixture.transport.sentByAction(ActionTransportInfo)); got != 3 {
		t.Fatalf("transport-info stanzas = %d, want 3", got)
	}
}

func TestCandidateFilterDropsDisabledProtocols(t *testing.T) {
	config := DefaultConfig()
	config.WebrtcIceTcpDisable = true
	fixture := newSessionFixture(t, config)
	fixture.acceptOffer(t)

	fixture.session.OnIceCandidate(&IceCandidate{
		Candidate:     "candidate:9 1 tcp 1694498815 10.0.0.1 443 typ host generation 0",
		SdpMid:        "audio",
		SdpMLineIndex: 0,
		Protocol:      "tcp",
	})
	fixture.session.OnIceCandidate(&IceCandidate{
		Candidate:     "candidate:9 1 ssltcp 1694498815 10.0.0.1 443 typ host generation 0",
		SdpMid:        "audio",
		SdpMLineIndex: 0,
		Protocol:      "ssltcp",
	})
	if got := len(fixture.transport.sentByAction(ActionTransportInfo)); got != 0 {
		t.Fatalf("transport-info stanzas = %d, want 0", got)
	}
}

func TestLastCandidateIsRecordedNotSent(t *testing.T) {
	fixture := newSessionFixture(t, DefaultConfig())
	fixture.acceptOffer(t)

	sentBefore := len(fixture.transport.sentByAction(ActionTransportInfo))
	fixture.session.OnIceCandidate(nil)
	if !fixture.session.lastCandidateSeen.Load() {
		t.Error("last candidate marker not recorded")
	}
	if got := len(fixture.transport.sentByAction(ActionTransportInfo)); got != sentBefore {
		t.Error("end-of-candidates produced a stanza")
	}
}

func TestSourceAddAppendsToRemoteSdpAndRenegotiates(t *testing.T) {
	fixture := newSessionFixture(t, DefaultConfig())
	fixture.acceptOffer(t)
	cyclesBefore := len(fixture.pc.remoteSDPs())

	fixture.session.AddRemoteStream([]Content{{
		Name: "video",
		Description: &Description{
			Media: "video",
			Sources: []Source{{
				SSRC:       "333",
				Parameters: []Parameter{{Name: "cname", Value: "x"}},
				SsrcInfo:   &SsrcInfo{Owner: "room@conference.example.com/carol"},
			}},
			SsrcGroups: []SsrcGroup{{
				Semantics: "FID",
				Sources:   []SsrcGroupSource{{SSRC: "333"}, {SSRC: "334"}},
			}},
		},
	}})

	waitFor(t, "renegotiation", func() bool {
		return len(fixture.pc.remoteSDPs()) == cyclesBefore+1
	})
	remoteSdp := fixture.session.remoteSdp.Load()
	if !strings.Contains(remoteSdp.Raw, "a=ssrc:333 cname:x\r\n") {
		t.Error("remote sdp misses added ssrc line")
	}
	if !strings.Contains(remoteSdp.Raw, "a=ssrc-group:FID 333 334\r\n") {
		t.Error("remote sdp misses added group line")
	}
	if owner, _ := fixture.session.Signaling().GetSSRCOwner(333); owner != "room@conference.example.com/carol" {
		t.Errorf("owner of 333 = %q", owner)
	}
	// local description did not change, so no outbound source-add
	if got := len(fixture.transport.sentByAction(ActionSourceAdd)); got != 0 {
		t.Errorf("outbound source-add stanzas = %d, want 0", got)
	}
}

func TestDuplicateSourceAddIsSkipped(t *testing.T) {
	fixture := newSessionFixture(t, DefaultConfig())
	fixture.acceptOffer(t)

	contents := []Content{{
		Name: "video",
		Description: &Description{
			Media:   "video",
			Sources: []Source{{SSRC: "333", Parameters: []Parameter{{Name: "cname", Value: "x"}}}},
			SsrcGroups: []SsrcGroup{{
				Semantics: "FID",
				Sources:   []SsrcGroupSource{{SSRC: "333"}, {SSRC: "334"}},
			}},
		},
	}}
	cyclesBefore := len(fixture.pc.remoteSDPs())
	fixture.session.AddRemoteStream(contents)
	waitFor(t, "first source-add renegotiation", func() bool {
		return len(fixture.pc.remoteSDPs()) == cyclesBefore+1
	})
	snapshotAfterFirst := fixture.session.remoteSdp.Load().Raw

	fixture.session.AddRemoteStream(contents)
	time.Sleep(100 * time.Millisecond)

	if got := fixture.session.remoteSdp.Load().Raw; got != snapshotAfterFirst {
		t.Error("duplicate source-add changed the remote sdp")
	}
	if got := len(fixture.transport.sentByAction(ActionSourceAdd)); got != 0 {
		t.Errorf("outbound source-add stanzas = %d, want 0", got)
	}
}

func TestSourceRemoveStripsLines(t *testing.T) {
	fixture := newSessionFixture(t, DefaultConfig())
	fixture.acceptOffer(t)

	fixture.session.RemoveRemoteStream([]Content{{
		Name: "video",
		Description: &Description{
			Media:   "video",
			Sources: []Source{{SSRC: "222", Parameters: []Parameter{{Name: "cname", Value: "mixed"}}}},
			SsrcGroups: []SsrcGroup{{
				Semantics: "FID",
				Sources:   []SsrcGroupSource{{SSRC: "222"}, {SSRC: "223"}},
			}},
		},
	}})

	waitFor(t, "remote sdp without ssrc 222", func() bool {
		remoteSdp := fixture.session.remoteSdp.Load()
		return remoteSdp != nil && !remoteSdp.ContainsSSRC("222")
	})
	if strings.Contains(fixture.session.remoteSdp.Load().Raw, "a=ssrc-group:FID 222 223") {
		t.Error("remote sdp still carries the removed group")
	}
}

func TestTransportReplaceRunsTwoCyclesAndAccepts(t *testing.T) {
	fixture := newSessionFixture(t, DefaultConfig())
	fixture.acceptOffer(t)
	cyclesBefore := len(fixture.pc.remoteSDPs())

	replacement := testOfferJingle()
	replacement.Action = ActionTransportReplace
	replacement.Contents = append(replacement.Contents, Content{
		Creator: "initiator",
		Name:    "data",
		Transport: &Transport{
			Ufrag: "newfrag",
			Pwd:   "newpwd",
			Fingerprints: []Fingerprint{
				{Hash: "sha-256", Setup: "actpass", Value: "44:55:66"},
			},
		},
	})
	for i := range replacement.Contents {
		if replacement.Contents[i].Transport != nil {
			replacement.Contents[i].Transport.Ufrag = "newfrag"
		}
	}

	fixture.session.ReplaceTransport(replacement, nil, nil)

	waitFor(t, "transport-accept", func() bool {
		return len(fixture.transport.sentByAction(ActionTransportAccept)) == 1
	})
	if fixture.events.count(EventIceRestarting) != 1 {
		t.Error("ICE_RESTARTING not emitted")
	}
	remoteSDPs := fixture.pc.remoteSDPs()[cyclesBefore:]
	if len(remoteSDPs) != 2 {
		t.Fatalf("renegotiations = %d, want 2", len(remoteSDPs))
	}
	if strings.Contains(remoteSDPs[0], "m=application") {
		t.Error("first cycle still carries the data section")
	}
	if !strings.Contains(remoteSDPs[1], "m=application") {
		t.Error("second cycle misses the data section")
	}
	accept := fixture.transport.sentByAction(ActionTransportAccept)[0]
	if len(accept.Jingle.Contents) != 3 {
		t.Fatalf("transport-accept contents = %d, want 3", len(accept.Jingle.Contents))
	}
	for _, content := range accept.Jingle.Contents {
		if content.Description != nil {
			t.Errorf("transport-accept content %q carries a description", content.Name)
		}
		if content.Transport == nil {
			t.Errorf("transport-accept content %q misses the transport", content.Name)
		}
	}
}

func TestRemoteUfragChangeEmitsOnce(t *testing.T) {
	fixture := newSessionFixture(t, DefaultConfig())
	fixture.acceptOffer(t)

	if got := fixture.events.count(EventRemoteUfragChanged); got != 1 {
		t.Fatalf("REMOTE_UFRAG_CHANGED after accept = %d, want 1", got)
	}

	remoteSdp := fixture.session.remoteSdp.Load().Clone()
	if err := fixture.session.renegotiate(remoteSdp); err != nil {
		t.Fatalf("renegotiate error = %v", err)
	}
	if got := fixture.events.count(EventRemoteUfragChanged); got != 1 {
		t.Errorf("REMOTE_UFRAG_CHANGED after identical ufrag = %d, want 1", got)
	}
}

func TestNotifySSRCUpdateGuardedByState(t *testing.T) {
	fixture := newSessionFixture(t, DefaultConfig())

	older := NewParsedSDP(testLocalSdp)
	newer := older.Clone()
	newer.AddMediaLines(1, []string{"a=ssrc:999 cname:me"})

	fixture.session.notifyMySSRCUpdate(older, newer)
	if got := len(fixture.transport.sentByAction(ActionSourceAdd)); got != 0 {
		t.Fatalf("source-add stanzas while PENDING = %d, want 0", got)
	}

	fixture.session.state.Store(SessionActive)
	fixture.session.notifyMySSRCUpdate(older, newer)
	if got := len(fixture.transport.sentByAction(ActionSourceAdd)); got != 1 {
		t.Fatalf("source-add stanzas while ACTIVE = %d, want 1", got)
	}
	if got := len(fixture.transport.sentByAction(ActionSourceRemove)); got != 0 {
		t.Fatalf("source-remove stanzas = %d, want 0", got)
	}
}

func TestSessionAcceptTimeout(t *testing.T) {
	fixture := newSessionFixture(t, DefaultConfig())
	fixture.transport.respond = func(iq *IQ, _ func(*IQ), onError func(*IQ)) {
		if iq.Jingle.Action == ActionSessionAccept && onError != nil {
			onError(nil) // transport never heard back
		}
	}

	failed := make(chan error, 1)
	fixture.session.AcceptOffer(testOfferJingle(), nil, func(err error) {
		failed <- err
	})

	select {
	case err := <-failed:
		var stanzaError *StanzaError
		if !errors.As(err, &stanzaError) || stanzaError.Reason != "timeout" {
			t.Fatalf("failure = %v, want stanza error with reason timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failure callback never fired")
	}
	if fixture.events.count(EventSessionAcceptTimeout) != 1 {
		t.Error("SESSION_ACCEPT_TIMEOUT not emitted")
	}
}

func TestTerminateSendsReasonAndEndsSession(t *testing.T) {
	fixture := newSessionFixture(t, DefaultConfig())
	fixture.acceptOffer(t)

	fixture.session.Terminate("success", "all done")

	if got := fixture.session.State(); got != SessionEnded {
		t.Errorf("state = %v, want ENDED", got)
	}
	terminates := fixture.transport.sentByAction(ActionSessionTerminate)
	if len(terminates) != 1 {
		t.Fatalf("session-terminate stanzas = %d, want 1", len(terminates))
	}
	reason := terminates[0].Jingle.Reason
	if reason == nil || reason.Condition.XMLName.Local != "success" || reason.Text != "all done" {
		t.Errorf("reason = %+v", reason)
	}

	fixture.session.Terminate("success", "again")
	if got := len(fixture.transport.sentByAction(ActionSessionTerminate)); got != 1 {
		t.Errorf("session-terminate stanzas after second terminate = %d, want 1", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	fixture := newSessionFixture(t, DefaultConfig())
	fixture.acceptOffer(t)
	sentBefore := len(fixture.transport.sentByAction(ActionSessionTerminate))

	fixture.session.Close()
	fixture.session.Close()

	if got := fixture.pc.closeCount; got != 1 {
		t.Errorf("peer connection close count = %d, want 1", got)
	}
	if got := len(fixture.transport.sentByAction(ActionSessionTerminate)); got != sentBefore {
		t.Error("close produced stanzas")
	}
	if got := fixture.session.State(); got != SessionEnded {
		t.Errorf("state = %v, want ENDED", got)
	}
}

func TestProcessStanzaDispatch(t *testing.T) {
	fixture := newSessionFixture(t, DefaultConfig())

	offer := testOfferJingle()
	if err := fixture.session.ProcessStanza(&IQ{Type: "set", ID: "i1", Jingle: offer}); err != nil {
		t.Fatalf("session-initiate dispatch error = %v", err)
	}
	waitFor(t, "session-accept", func() bool {
		return len(fixture.transport.sentByAction(ActionSessionAccept)) == 1
	})

	transportInfo := &Jingle{
		Action: ActionTransportInfo,
		SID:    fixture.session.SID(),
		Contents: []Content{{
			Name: "audio",
			Transport: &Transport{
				Candidates: []CandidateEl{{
					Foundation: "7",
					Component:  1,
					Protocol:   "udp",
					Priority:   1,
					IP:         "203.0.113.5",
					Port:       9999,
					Type:       "host",
				}},
			},
		}},
	}
	if err := fixture.session.ProcessStanza(&IQ{Type: "set", ID: "i2", Jingle: transportInfo}); err != nil {
		t.Fatalf("transport-info dispatch error = %v", err)
	}
	waitFor(t, "remote candidate", func() bool {
		fixture.pc.mu.Lock()
		defer fixture.pc.mu.Unlock()
		return len(fixture.pc.addedCandidates) == 1
	})

	if err := fixture.session.ProcessStanza(&IQ{Type: "set", ID: "i3", Jingle: &Jingle{Action: "description-info"}}); err == nil {
		t.Error("unhandled action dispatched without error")
	}

	if err := fixture.session.ProcessStanza(&IQ{Type: "set", ID: "i4", Jingle: &Jingle{Action: ActionSessionTerminate}}); err != nil {
		t.Fatalf("session-terminate dispatch error = %v", err)
	}
	if got := fixture.session.State(); got != SessionEnded {
		t.Errorf("state after remote terminate = %v, want ENDED", got)
	}
}
