package call

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmirzaev/Pulse/internal/domain"
	"github.com/tmirzaev/Pulse/internal/protocol"
)

type fakeSignaler struct {
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (f *fakeSignaler) Send(_ domain.ParticipantID, env protocol.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) all() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Envelope{}, f.sent...)
}

func (f *fakeSignaler) byType(typ protocol.MessageType) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range f.all() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

type fakeLink struct {
	offerGate chan struct{}

	mu            sync.Mutex
	offered       bool
	appliedOffer  string
	appliedAnswer string
	candidates    []string
	closed        bool
	onCand        func(protocol.CandidatePayload)
	onState       func(LinkState)
}

func (l *fakeLink) CreateOffer() (string, error) {
	if l.offerGate != nil {
		<-l.offerGate
	}
	l.mu.Lock()
	l.offered = true
	l.mu.Unlock()
	return "local-offer", nil
}

func (l *fakeLink) ApplyAnswer(sdp string) error {
	l.mu.Lock()
	l.appliedAnswer = sdp
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) ApplyOfferAndCreateAnswer(sdp string) (string, error) {
	l.mu.Lock()
	l.appliedOffer = sdp
	l.mu.Unlock()
	return "local-answer", nil
}

func (l *fakeLink) AddICECandidate(c protocol.CandidatePayload) error {
	l.mu.Lock()
	l.candidates = append(l.candidates, c.Candidate)
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) OnICECandidate(fn func(protocol.CandidatePayload)) {
	l.mu.Lock()
	l.onCand = fn
	l.mu.Unlock()
}

func (l *fakeLink) OnStateChange(fn func(LinkState)) {
	l.mu.Lock()
	l.onState = fn
	l.mu.Unlock()
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) didOffer() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offered
}

// adopted reports whether the session installed its callbacks.
func (l *fakeLink) adopted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.onState != nil
}

func (l *fakeLink) applied() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.candidates...)
}

// fakeFactory builds fakeLinks. A non-nil gate blocks acquisition until the
// test closes it, simulating slow capture; offerGate does the same for
// offer creation on the built links.
type fakeFactory struct {
	mu        sync.Mutex
	links     []*fakeLink
	err       error
	gate      chan struct{}
	offerGate chan struct{}
}

func (f *fakeFactory) make(_ domain.SessionID, _ domain.MediaKind) (Link, error) {
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	l := &fakeLink{offerGate: f.offerGate}
	f.mu.Lock()
	f.links = append(f.links, l)
	f.mu.Unlock()
	return l, nil
}

func (f *fakeFactory) link(i int) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.links) {
		return nil
	}
	return f.links[i]
}

type eventLog struct {
	mu        sync.Mutex
	incoming  []domain.SessionID
	connected []domain.SessionID
	ended     map[domain.SessionID]domain.EndReason
	busy      []domain.SessionID
}

func newEventLog() *eventLog {
	return &eventLog{ended: make(map[domain.SessionID]domain.EndReason)}
}

func (e *eventLog) events() Events {
	return Events{
		Incoming: func(s *Session, _ protocol.IncomingNoticePayload) {
			e.mu.Lock()
			e.incoming = append(e.incoming, s.ID())
			e.mu.Unlock()
		},
		Connected: func(s *Session) {
			e.mu.Lock()
			e.connected = append(e.connected, s.ID())
			e.mu.Unlock()
		},
		Ended: func(s *Session, reason domain.EndReason) {
			e.mu.Lock()
			e.ended[s.ID()] = reason
			e.mu.Unlock()
		},
		BusyRejected: func(sid domain.SessionID, _ domain.ParticipantID) {
			e.mu.Lock()
			e.busy = append(e.busy, sid)
			e.mu.Unlock()
		},
	}
}

func (e *eventLog) endReason(sid domain.SessionID) (domain.EndReason, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.ended[sid]
	return r, ok
}

func (e *eventLog) incomingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.incoming)
}

func (e *eventLog) connectedIDs() []domain.SessionID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.SessionID{}, e.connected...)
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testLocal() domain.Participant {
	return domain.Participant{ID: "alice", DisplayName: "Alice", Role: domain.RoleCustomer}
}

func newTestManager(sig *fakeSignaler, factory *fakeFactory, ev *eventLog) *Manager {
	return NewManager(testLocal(), sig, factory.make, 5*time.Second, ev.events())
}

// inbound builds an envelope as the relay would deliver it: From stamped.
func inbound(t *testing.T, typ protocol.MessageType, sid domain.SessionID, from domain.ParticipantID, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.New(typ, sid, "alice", payload)
	require.NoError(t, err)
	env.From = from
	return env
}

func TestOutboundCallFullFlow(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	sess, err := m.Initiate("bob", domain.MediaVideo)
	require.NoError(t, err)
	assert.Equal(t, domain.CallCalling, sess.State())

	waitUntil(t, func() bool { return len(sig.all()) >= 2 }, "offer and notice not sent")
	sent := sig.all()
	// Offer must precede the notice so the callee holds SDP before ringing.
	assert.Equal(t, protocol.TypeOffer, sent[0].Type)
	assert.Equal(t, protocol.TypeIncomingNotice, sent[1].Type)
	assert.Equal(t, sess.ID(), sent[0].SessionID)
	assert.Equal(t, domain.ParticipantID("bob"), sent[0].To)
	// The notice rings with the local participant's display name.
	var notice protocol.IncomingNoticePayload
	require.NoError(t, sent[1].Decode(&notice))
	assert.Equal(t, domain.ParticipantID("alice"), notice.CallerID)
	assert.Equal(t, "Alice", notice.CallerName)

	// Candidates arriving before the answer are buffered, not applied.
	m.HandleEnvelope(inbound(t, protocol.TypeCandidate, sess.ID(), "bob", protocol.CandidatePayload{Candidate: "c1"}))
	m.HandleEnvelope(inbound(t, protocol.TypeCandidate, sess.ID(), "bob", protocol.CandidatePayload{Candidate: "c2"}))
	link := factory.link(0)
	require.NotNil(t, link)
	assert.Empty(t, link.applied())

	m.HandleEnvelope(inbound(t, protocol.TypeAnswer, sess.ID(), "bob", protocol.AnswerPayload{SDP: "remote-answer"}))
	waitUntil(t, func() bool { return len(ev.connectedIDs()) == 1 }, "never connected")

	assert.Equal(t, domain.CallConnected, sess.State())
	assert.Equal(t, "remote-answer", link.appliedAnswer)
	assert.Equal(t, []string{"c1", "c2"}, link.applied())
	assert.Equal(t, []domain.SessionID{sess.ID()}, ev.connectedIDs())
}

func TestIncomingAcceptDrainsQueuedCandidates(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	m.HandleEnvelope(inbound(t, protocol.TypeOffer, "s1", "bob",
		protocol.OfferPayload{SDP: "remote-offer", MediaKind: domain.MediaVoice}))
	m.HandleEnvelope(inbound(t, protocol.TypeIncomingNotice, "s1", "bob",
		protocol.IncomingNoticePayload{CallerID: "bob", CallerName: "Bob", MediaKind: domain.MediaVoice}))
	assert.Equal(t, 1, ev.incomingCount())

	sess, ok := m.Get("s1")
	require.True(t, ok)
	assert.Equal(t, domain.CallIncoming, sess.State())

	// Trickled candidates pile up while the phone is still ringing.
	for _, c := range []string{"c3", "c1", "c2"} {
		m.HandleEnvelope(inbound(t, protocol.TypeCandidate, "s1", "bob", protocol.CandidatePayload{Candidate: c}))
	}

	require.NoError(t, sess.Accept())
	waitUntil(t, func() bool { return sess.State() == domain.CallConnected }, "never connected")

	answers := sig.byType(protocol.TypeAnswer)
	require.Len(t, answers, 1)
	link := factory.link(0)
	require.NotNil(t, link)
	assert.Equal(t, "remote-offer", link.appliedOffer)
	assert.Equal(t, []string{"c3", "c1", "c2"}, link.applied())
}

func TestNoticeWithoutOfferCannotAcceptYet(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	m.HandleEnvelope(inbound(t, protocol.TypeIncomingNotice, "s1", "bob",
		protocol.IncomingNoticePayload{CallerID: "bob", MediaKind: domain.MediaVoice}))
	sess, ok := m.Get("s1")
	require.True(t, ok)

	assert.ErrorIs(t, sess.Accept(), ErrNoOffer)

	// The late offer fills the gap; accept now proceeds.
	m.HandleEnvelope(inbound(t, protocol.TypeOffer, "s1", "bob",
		protocol.OfferPayload{SDP: "remote-offer", MediaKind: domain.MediaVoice}))
	require.NoError(t, sess.Accept())
	waitUntil(t, func() bool { return sess.State() == domain.CallConnected }, "never connected")
	assert.Equal(t, 1, ev.incomingCount())
}

func TestDeclineSendsRejectAndEnds(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	m.HandleEnvelope(inbound(t, protocol.TypeOffer, "s1", "bob",
		protocol.OfferPayload{SDP: "remote-offer", MediaKind: domain.MediaVoice}))
	sess, ok := m.Get("s1")
	require.True(t, ok)

	sess.Decline()

	rejects := sig.byType(protocol.TypeReject)
	require.Len(t, rejects, 1)
	var p protocol.RejectPayload
	require.NoError(t, rejects[0].Decode(&p))
	assert.Equal(t, domain.EndDeclined, p.Reason)

	reason, ok := ev.endReason("s1")
	require.True(t, ok)
	assert.Equal(t, domain.EndDeclined, reason)
	_, ok = m.Get("s1")
	assert.False(t, ok)
}

func TestSecondInitiateSupersedesFirst(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	first, err := m.Initiate("bob", domain.MediaVoice)
	require.NoError(t, err)
	second, err := m.Initiate("carol", domain.MediaVoice)
	require.NoError(t, err)

	assert.Equal(t, domain.CallEnded, first.State())
	assert.Equal(t, domain.CallCalling, second.State())

	reason, ok := ev.endReason(first.ID())
	require.True(t, ok)
	assert.Equal(t, domain.EndSuperseded, reason)

	ends := sig.byType(protocol.TypeEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, first.ID(), ends[0].SessionID)

	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, second.ID(), active[0].ID())
}

func TestBusyAutoRejectsSecondCaller(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	sess, err := m.Initiate("bob", domain.MediaVoice)
	require.NoError(t, err)

	m.HandleEnvelope(inbound(t, protocol.TypeOffer, "s9", "carol",
		protocol.OfferPayload{SDP: "x", MediaKind: domain.MediaVoice}))

	rejects := sig.byType(protocol.TypeReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, domain.SessionID("s9"), rejects[0].SessionID)
	var p protocol.RejectPayload
	require.NoError(t, rejects[0].Decode(&p))
	assert.Equal(t, domain.EndBusy, p.Reason)

	assert.Equal(t, []domain.SessionID{"s9"}, ev.busy)
	assert.Zero(t, ev.incomingCount())
	// The call in progress is untouched.
	assert.Equal(t, domain.CallCalling, sess.State())
	_, ok := m.Get("s9")
	assert.False(t, ok)
}

func TestMutualCallRaceBothRingFirstConnectWins(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	outbound, err := m.Initiate("bob", domain.MediaVoice)
	require.NoError(t, err)
	waitUntil(t, func() bool { return len(sig.byType(protocol.TypeOffer)) == 1 }, "offer not sent")

	// Bob dialed us in the same instant. Not busy: both sessions ring.
	m.HandleEnvelope(inbound(t, protocol.TypeOffer, "bob-call", "bob",
		protocol.OfferPayload{SDP: "bob-offer", MediaKind: domain.MediaVoice}))
	m.HandleEnvelope(inbound(t, protocol.TypeIncomingNotice, "bob-call", "bob",
		protocol.IncomingNoticePayload{CallerID: "bob", MediaKind: domain.MediaVoice}))

	assert.Equal(t, 1, ev.incomingCount())
	assert.Empty(t, ev.busy)
	assert.Len(t, m.Active(), 2)

	// Our outbound leg connects first; the ringing inbound leg is superseded.
	m.HandleEnvelope(inbound(t, protocol.TypeAnswer, outbound.ID(), "bob", protocol.AnswerPayload{SDP: "a"}))
	waitUntil(t, func() bool { return outbound.State() == domain.CallConnected }, "never connected")

	reason, ok := ev.endReason("bob-call")
	require.True(t, ok)
	assert.Equal(t, domain.EndSuperseded, reason)
	require.Len(t, m.Active(), 1)
	assert.Equal(t, outbound.ID(), m.Active()[0].ID())
}

func TestEndedIsTerminalAndIdempotent(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	sess, err := m.Initiate("bob", domain.MediaVoice)
	require.NoError(t, err)
	waitUntil(t, func() bool { return len(sig.all()) >= 2 }, "offer and notice not sent")

	sess.HangUp()
	sess.HangUp()

	assert.Len(t, sig.byType(protocol.TypeEnd), 1)
	reason, ok := ev.endReason(sess.ID())
	require.True(t, ok)
	assert.Equal(t, domain.EndHangUp, reason)

	// Envelopes for an ended session fall on the floor.
	before := len(sig.all())
	m.HandleEnvelope(inbound(t, protocol.TypeAnswer, sess.ID(), "bob", protocol.AnswerPayload{SDP: "late"}))
	m.HandleEnvelope(inbound(t, protocol.TypeCandidate, sess.ID(), "bob", protocol.CandidatePayload{Candidate: "late"}))
	assert.Equal(t, domain.CallEnded, sess.State())
	assert.Len(t, sig.all(), before)
}

func TestRingTimeoutEndsUnansweredCall(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{}
	ev := newEventLog()
	m := NewManager(testLocal(), sig, factory.make, 30*time.Millisecond, ev.events())

	sess, err := m.Initiate("bob", domain.MediaVoice)
	require.NoError(t, err)

	waitUntil(t, func() bool {
		r, ok := ev.endReason(sess.ID())
		return ok && r == domain.EndRingTimeout
	}, "ring timeout never fired")

	ends := sig.byType(protocol.TypeEnd)
	require.Len(t, ends, 1)
	var p protocol.EndPayload
	require.NoError(t, ends[0].Decode(&p))
	assert.Equal(t, domain.EndRingTimeout, p.Reason)
}

func TestHangUpDuringAcquisitionDiscardsLink(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{gate: make(chan struct{})}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	sess, err := m.Initiate("bob", domain.MediaVoice)
	require.NoError(t, err)

	// Hang up while capture is still blocking.
	sess.HangUp()
	close(factory.gate)

	waitUntil(t, func() bool {
		l := factory.link(0)
		return l != nil && l.isClosed()
	}, "late link never released")

	// No offer went out; the only signal is the hang-up itself.
	assert.Empty(t, sig.byType(protocol.TypeOffer))
	assert.Len(t, sig.byType(protocol.TypeEnd), 1)
}

func TestMediaFailureOnInitiateEndsSilently(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{err: ErrMediaAccessDenied}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	sess, err := m.Initiate("bob", domain.MediaVideo)
	require.NoError(t, err)

	waitUntil(t, func() bool {
		_, ok := ev.endReason(sess.ID())
		return ok
	}, "session never ended")

	reason, _ := ev.endReason(sess.ID())
	assert.Equal(t, domain.EndMediaDenied, reason)
	// The remote side never rang, so nothing is signaled.
	assert.Empty(t, sig.all())
}

func TestMediaFailureOnAcceptRejectsCaller(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{err: ErrNoDevice}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	m.HandleEnvelope(inbound(t, protocol.TypeOffer, "s1", "bob",
		protocol.OfferPayload{SDP: "remote-offer", MediaKind: domain.MediaVideo}))
	sess, ok := m.Get("s1")
	require.True(t, ok)

	require.NoError(t, sess.Accept())
	waitUntil(t, func() bool { return len(sig.byType(protocol.TypeReject)) == 1 }, "reject not sent")

	var p protocol.RejectPayload
	require.NoError(t, sig.byType(protocol.TypeReject)[0].Decode(&p))
	assert.Equal(t, domain.EndNoDevice, p.Reason)
	assert.Equal(t, domain.CallEnded, sess.State())
}

func TestHandleDisconnectEndsAllWithoutSignaling(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	sess, err := m.Initiate("bob", domain.MediaVoice)
	require.NoError(t, err)
	// Let the outbound goroutine finish its sends first.
	waitUntil(t, func() bool { return len(sig.all()) >= 2 }, "offer and notice not sent")

	before := len(sig.all())
	m.HandleDisconnect()

	reason, ok := ev.endReason(sess.ID())
	require.True(t, ok)
	assert.Equal(t, domain.EndDisconnected, reason)
	// The channel is gone; nothing more may be written to it.
	assert.Len(t, sig.all(), before)
	assert.True(t, factory.link(0).isClosed())
	assert.Empty(t, m.Active())
}

func TestRemoteRejectEndsOutbound(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	sess, err := m.Initiate("bob", domain.MediaVoice)
	require.NoError(t, err)
	waitUntil(t, func() bool { return len(sig.byType(protocol.TypeOffer)) == 1 }, "offer not sent")

	m.HandleEnvelope(inbound(t, protocol.TypeReject, sess.ID(), "bob",
		protocol.RejectPayload{Reason: domain.EndBusy}))

	reason, ok := ev.endReason(sess.ID())
	require.True(t, ok)
	assert.Equal(t, domain.EndBusy, reason)
	// A reject is not answered; no end goes back.
	assert.Empty(t, sig.byType(protocol.TypeEnd))
}

func TestLinkFailureEndsCall(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	sess, err := m.Initiate("bob", domain.MediaVoice)
	require.NoError(t, err)
	waitUntil(t, func() bool { return factory.link(0) != nil }, "link not acquired")
	m.HandleEnvelope(inbound(t, protocol.TypeAnswer, sess.ID(), "bob", protocol.AnswerPayload{SDP: "a"}))
	waitUntil(t, func() bool { return sess.State() == domain.CallConnected }, "never connected")

	link := factory.link(0)
	link.mu.Lock()
	onState := link.onState
	link.mu.Unlock()
	require.NotNil(t, onState)
	onState(LinkFailed)

	reason, ok := ev.endReason(sess.ID())
	require.True(t, ok)
	assert.Equal(t, domain.EndFailed, reason)
	assert.True(t, link.isClosed())
}

func TestGroupCallConnectKeepsSiblingsRinging(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	sessions, err := m.InitiateGroup([]domain.ParticipantID{"bob", "carol", "alice"}, domain.MediaVoice)
	require.NoError(t, err)
	// Self is skipped.
	require.Len(t, sessions, 2)
	assert.Equal(t, sessions[0].Snapshot().Group, sessions[1].Snapshot().Group)

	waitUntil(t, func() bool { return len(sig.byType(protocol.TypeOffer)) == 2 }, "offers not sent")

	m.HandleEnvelope(inbound(t, protocol.TypeAnswer, sessions[0].ID(), sessions[0].Remote(),
		protocol.AnswerPayload{SDP: "a"}))
	waitUntil(t, func() bool { return sessions[0].State() == domain.CallConnected }, "never connected")

	// The sibling leg keeps ringing; a group is one call.
	assert.Equal(t, domain.CallCalling, sessions[1].State())

	m.HangUpGroup(sessions[0].Snapshot().Group)
	assert.Equal(t, domain.CallEnded, sessions[0].State())
	assert.Equal(t, domain.CallEnded, sessions[1].State())
	assert.Empty(t, m.Active())
}

func TestHangUpRacingOfferSignalsNothingLate(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{offerGate: make(chan struct{})}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	sess, err := m.Initiate("bob", domain.MediaVoice)
	require.NoError(t, err)
	waitUntil(t, func() bool {
		l := factory.link(0)
		return l != nil && l.adopted()
	}, "link never adopted")

	// The link is in place but the offer has not gone out yet. Ending the
	// call here must keep offer and notice off the wire: an end followed by
	// an offer would leave the callee ringing with no cancel.
	sess.HangUp()
	close(factory.offerGate)

	waitUntil(t, func() bool { return factory.link(0).didOffer() }, "offer never produced")
	assert.Empty(t, sig.byType(protocol.TypeOffer))
	assert.Empty(t, sig.byType(protocol.TypeIncomingNotice))
	assert.Len(t, sig.byType(protocol.TypeEnd), 1)
}

func TestEnvelopeFromWrongPeerIgnored(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	sess, err := m.Initiate("bob", domain.MediaVoice)
	require.NoError(t, err)
	waitUntil(t, func() bool { return len(sig.byType(protocol.TypeOffer)) == 1 }, "offer not sent")

	// Only the session's peer may steer it.
	m.HandleEnvelope(inbound(t, protocol.TypeAnswer, sess.ID(), "mallory", protocol.AnswerPayload{SDP: "x"}))
	assert.Equal(t, domain.CallCalling, sess.State())
	m.HandleEnvelope(inbound(t, protocol.TypeEnd, sess.ID(), "mallory", protocol.EndPayload{Reason: domain.EndRemote}))
	assert.Equal(t, domain.CallCalling, sess.State())

	m.HandleEnvelope(inbound(t, protocol.TypeAnswer, sess.ID(), "bob", protocol.AnswerPayload{SDP: "a"}))
	waitUntil(t, func() bool { return sess.State() == domain.CallConnected }, "never connected")
}

func TestPhaseFollowsCallLifecycle(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	assert.Equal(t, domain.CallIdle, m.Phase())

	sess, err := m.Initiate("bob", domain.MediaVoice)
	require.NoError(t, err)
	assert.Equal(t, domain.CallCalling, m.Phase())

	waitUntil(t, func() bool { return len(sig.byType(protocol.TypeOffer)) == 1 }, "offer not sent")
	m.HandleEnvelope(inbound(t, protocol.TypeAnswer, sess.ID(), "bob", protocol.AnswerPayload{SDP: "a"}))
	waitUntil(t, func() bool { return sess.State() == domain.CallConnected }, "never connected")
	assert.Equal(t, domain.CallConnected, m.Phase())

	sess.HangUp()
	assert.Equal(t, domain.CallIdle, m.Phase())

	m.HandleEnvelope(inbound(t, protocol.TypeOffer, "s2", "carol",
		protocol.OfferPayload{SDP: "o", MediaKind: domain.MediaVoice}))
	assert.Equal(t, domain.CallIncoming, m.Phase())
}

func TestInitiateValidation(t *testing.T) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{}
	ev := newEventLog()
	m := newTestManager(sig, factory, ev)

	_, err := m.Initiate("bob", "hologram")
	assert.Error(t, err)
	_, err = m.Initiate("alice", domain.MediaVoice)
	assert.Error(t, err)
	assert.Empty(t, m.Active())
}
