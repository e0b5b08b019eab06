package api

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// DefaultRingTimeout bounds how long an unanswered call keeps ringing before
// both sides fall back to idle and the invitation is cleared.
const DefaultRingTimeout = 45 * time.Second

type CallState int

const (
	CallIdle CallState = iota
	CallCalling
	CallRinging
	CallConnected
)

func (s CallState) String() string {
	switch s {
	case CallCalling:
		return "calling"
	case CallRinging:
		return "ringing"
	case CallConnected:
		return "connected"
	default:
		return "idle"
	}
}

// PeerConnection is the platform peer connection owned by one call. It is
// discarded at the end of the call, never reused. Candidates are gathered
// STUN-only and embedded in the initial SDP; there is no trickle channel, so
// restrictive NATs may fail to connect.
type PeerConnection interface {
	// CreateOffer returns the local SDP offer (caller side).
	CreateOffer(ctx context.Context) (string, error)
	// AcceptAnswer applies the remote answer (caller side).
	AcceptAnswer(answer string) error
	// CreateAnswer applies the remote offer and returns the local SDP
	// answer (callee side).
	CreateAnswer(ctx context.Context, offer string) (string, error)
	Close() error
}

// PeerConnector builds a peer connection around an acquired local stream.
type PeerConnector interface {
	NewPeerConnection(ctx context.Context, stream MediaStream) (PeerConnection, error)
}

// CallEvent notifies the UI of a state transition.
type CallEvent struct {
	State      CallState       `json:"state"`
	Invitation *CallInvitation `json:"invitation,omitempty"`
}

// CallService is the signaling state machine for one logged-in user.
//
// The protocol is asymmetric by design: the invitation lives in the callee's
// user document, and caller and callee each watch the other party's document
// to discover the other half of the handshake. Each party writes only its own
// document, with one documented exception: the answer is written into the
// callee's own document by the callee and read by the caller through its
// watch on that document.
type CallService struct {
	store     Store
	devices   MediaDevices
	connector PeerConnector
	guard     *CaptureGuard
	clock     clock.Clock
	ringFor   time.Duration
	self      User

	mu        sync.Mutex
	state     CallState
	invite    *CallInvitation
	peerID    string
	stream    MediaStream
	pc        PeerConnection
	selfWatch *Subscription[*User]
	peerWatch *Subscription[*User]
	ringTimer *clock.Timer
	onEvent   func(CallEvent)
}

func NewCallService(store Store, devices MediaDevices, connector PeerConnector, guard *CaptureGuard, clk clock.Clock, ringTimeout time.Duration, self User) *CallService {
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}
	return &CallService{
		store:     store,
		devices:   devices,
		connector: connector,
		guard:     guard,
		clock:     clk,
		ringFor:   ringTimeout,
		self:      self,
	}
}

// OnEvent registers the transition callback. Events fire outside the service
// lock, in state order.
func (c *CallService) OnEvent(fn func(CallEvent)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

func (c *CallService) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Invitation returns the live invitation, or nil when idle.
func (c *CallService) Invitation() *CallInvitation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invite == nil {
		return nil
	}
	inv := *c.invite
	return &inv
}

// Run attaches the inbound-invitation listener on the user's own document.
// It returns once the watch is established; teardown happens through Close.
func (c *CallService) Run(ctx context.Context) error {
	sub, err := c.store.WatchUser(ctx, c.self.ID)
	if err != nil {
		return errors.Wrap(err, "watching own user document")
	}
	c.mu.Lock()
	c.selfWatch = sub
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.Done():
				return
			case u := <-sub.C():
				c.observeSelf(ctx, u)
			}
		}
	}()
	return nil
}

// Close stops the listener and terminates any live call.
func (c *CallService) Close() {
	c.mu.Lock()
	sub := c.selfWatch
	c.selfWatch = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
	c.End(context.Background())
}

// observeSelf reacts to the invitation embedded in the local user's own
// document: its appearance rings the callee, its disappearance (or an ended
// status) tells the callee the caller hung up.
func (c *CallService) observeSelf(ctx context.Context, u *User) {
	var inv *CallInvitation
	if u != nil {
		inv = u.IncomingCall
	}

	c.mu.Lock()
	switch {
	case inv != nil && inv.CallerID != c.self.ID && inv.Status == CallRingingStatus && c.state == CallIdle:
		cp := *inv
		c.invite = &cp
		c.peerID = inv.CallerID
		c.state = CallRinging
		c.armRingTimerLocked()
		c.mu.Unlock()
		jww.INFO.Printf("incoming %s call from %s", inv.Type, inv.CallerID)
		c.emit()
		return
	case (inv == nil || inv.Status == CallEndedStatus) && (c.state == CallRinging || (c.state == CallConnected && c.answeredLocked())):
		// Caller withdrew the invitation, or a connected call we answered
		// was cleared out from under us.
		c.mu.Unlock()
		c.End(ctx)
		return
	}
	c.mu.Unlock()
}

// answeredLocked reports whether the live call was answered locally, i.e.
// the invitation sits in our own document.
func (c *CallService) answeredLocked() bool {
	return c.invite != nil && c.invite.CallerID != c.self.ID
}

// StartCall acquires local media for t, creates an offer and writes a
// ringing invitation into the callee's document. A media-permission failure
// aborts back to idle before anything is written.
func (c *CallService) StartCall(ctx context.Context, peer User, t CallType) error {
	c.mu.Lock()
	if c.state != CallIdle {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	c.mu.Unlock()

	if err := c.guard.TryAcquire(); err != nil {
		return err
	}
	stream, err := c.devices.OpenStream(ctx, t == CallVideo)
	if err != nil {
		c.guard.Release()
		return errors.Wrap(err, "acquiring local media")
	}
	pc, err := c.connector.NewPeerConnection(ctx, stream)
	if err != nil {
		_ = stream.Close()
		c.guard.Release()
		return errors.Wrap(err, "creating peer connection")
	}
	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		_ = pc.Close()
		_ = stream.Close()
		c.guard.Release()
		return errors.Wrap(err, "creating offer")
	}

	inv := CallInvitation{
		ChatID:       ChatID(c.self.ID, peer.ID),
		CallerID:     c.self.ID,
		CallerName:   c.self.Name,
		CallerAvatar: c.self.Avatar,
		Type:         t,
		Status:       CallRingingStatus,
		Offer:        offer,
	}
	if err := c.store.MergeUser(ctx, peer.ID, Fields{"incomingCall": inv}); err != nil {
		_ = pc.Close()
		_ = stream.Close()
		c.guard.Release()
		return errors.Wrap(err, "writing call invitation")
	}

	peerWatch, err := c.store.WatchUser(ctx, peer.ID)
	if err != nil {
		_ = pc.Close()
		_ = stream.Close()
		c.guard.Release()
		cleanupCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = c.store.MergeUser(cleanupCtx, peer.ID, Fields{"incomingCall": nil})
		return errors.Wrap(err, "watching callee document")
	}

	c.mu.Lock()
	cp := inv
	c.invite = &cp
	c.peerID = peer.ID
	c.stream = stream
	c.pc = pc
	c.peerWatch = peerWatch
	c.state = CallCalling
	c.armRingTimerLocked()
	c.mu.Unlock()
	jww.INFO.Printf("calling %s (%s)", peer.ID, t)
	c.emit()

	go func() {
		for {
			select {
			case <-peerWatch.Done():
				return
			case u := <-peerWatch.C():
				c.observePeer(ctx, u)
			}
		}
	}()
	return nil
}

// observePeer runs on the caller's watch of the callee's document. The
// callee answering shows up as status=connected with an answer SDP; the
// callee rejecting (or anyone clearing the invitation) shows up as nil or
// status=ended.
func (c *CallService) observePeer(ctx context.Context, u *User) {
	var inv *CallInvitation
	if u != nil {
		inv = u.IncomingCall
	}

	c.mu.Lock()
	if c.state != CallCalling && c.state != CallConnected {
		c.mu.Unlock()
		return
	}
	switch {
	case c.state == CallCalling && inv != nil && inv.Status == CallConnectedStatus && inv.Answer != "":
		pc := c.pc
		peerID := c.peerID
		c.state = CallConnected
		cp := *inv
		c.invite = &cp
		c.disarmRingTimerLocked()
		c.mu.Unlock()
		if err := pc.AcceptAnswer(inv.Answer); err != nil {
			jww.ERROR.Printf("applying remote answer: %v", err)
			c.End(ctx)
			return
		}
		jww.INFO.Printf("call to %s connected", peerID)
		c.emit()
	case inv == nil || inv.Status == CallEndedStatus:
		c.mu.Unlock()
		c.End(ctx)
	default:
		c.mu.Unlock()
	}
}

// Answer accepts the ringing invitation: acquire media matching its type,
// synthesize the SDP answer and write it back into our own document with
// status connected, where the caller's watch picks it up.
func (c *CallService) Answer(ctx context.Context) error {
	c.mu.Lock()
	if c.state != CallRinging || c.invite == nil {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	inv := *c.invite
	c.mu.Unlock()

	if err := c.guard.TryAcquire(); err != nil {
		return err
	}
	stream, err := c.devices.OpenStream(ctx, inv.Type == CallVideo)
	if err != nil {
		c.guard.Release()
		c.End(ctx)
		return errors.Wrap(err, "acquiring local media")
	}
	pc, err := c.connector.NewPeerConnection(ctx, stream)
	if err != nil {
		_ = stream.Close()
		c.guard.Release()
		c.End(ctx)
		return errors.Wrap(err, "creating peer connection")
	}
	answer, err := pc.CreateAnswer(ctx, inv.Offer)
	if err != nil {
		_ = pc.Close()
		_ = stream.Close()
		c.guard.Release()
		c.End(ctx)
		return errors.Wrap(err, "creating answer")
	}

	inv.Answer = answer
	inv.Status = CallConnectedStatus
	if err := c.store.MergeUser(ctx, c.self.ID, Fields{"incomingCall": inv}); err != nil {
		_ = pc.Close()
		_ = stream.Close()
		c.guard.Release()
		c.End(ctx)
		return errors.Wrap(err, "writing answer")
	}

	c.mu.Lock()
	cp := inv
	c.invite = &cp
	c.stream = stream
	c.pc = pc
	c.state = CallConnected
	c.disarmRingTimerLocked()
	c.mu.Unlock()
	jww.INFO.Printf("answered call from %s", inv.CallerID)
	c.emit()
	return nil
}

// End terminates the call from any state: stop local media, discard the peer
// connection and clear the invitation from both parties' documents. The
// remote clear is best-effort; if it fails the other side converges through
// its own listener when the local clear lands, or through its ring timeout.
func (c *CallService) End(ctx context.Context) {
	c.mu.Lock()
	if c.state == CallIdle {
		c.mu.Unlock()
		return
	}
	state := c.state
	stream := c.stream
	pc := c.pc
	peerWatch := c.peerWatch
	peerID := c.peerID
	c.stream = nil
	c.pc = nil
	c.peerWatch = nil
	c.peerID = ""
	c.invite = nil
	c.state = CallIdle
	c.disarmRingTimerLocked()
	c.mu.Unlock()

	if peerWatch != nil {
		peerWatch.Cancel()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			jww.WARN.Printf("closing peer connection: %v", err)
		}
	}
	if stream != nil {
		_ = stream.Close()
		c.guard.Release()
	}

	clearCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := c.store.MergeUser(clearCtx, c.self.ID, Fields{"incomingCall": nil}); err != nil {
		jww.WARN.Printf("clearing own invitation: %v", err)
	}
	if peerID != "" {
		if err := c.store.MergeUser(clearCtx, peerID, Fields{"incomingCall": nil}); err != nil {
			jww.WARN.Printf("clearing peer invitation: %v", err)
		}
	}

	jww.INFO.Printf("call ended from state %s", state)
	c.emit()
}

func (c *CallService) armRingTimerLocked() {
	c.disarmRingTimerLocked()
	c.ringTimer = c.clock.AfterFunc(c.ringFor, func() {
		c.mu.Lock()
		expired := c.state == CallCalling || c.state == CallRinging
		c.mu.Unlock()
		if expired {
			jww.INFO.Printf("ring timeout after %s, ending call", c.ringFor)
			c.End(context.Background())
		}
	})
}

func (c *CallService) disarmRingTimerLocked() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

func (c *CallService) emit() {
	c.mu.Lock()
	fn := c.onEvent
	var inv *CallInvitation
	if c.invite != nil {
		cp := *c.invite
		inv = &cp
	}
	state := c.state
	c.mu.Unlock()
	if fn != nil {
		fn(CallEvent{State: state, Invitation: inv})
	}
}
