package api_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatbridge/pkg/api"
	"chatbridge/pkg/repository"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

// fakePeerConnection scripts the SDP half of a call. The answer embeds the
// remote offer so the test can check it travelled through the store.
type fakePeerConnection struct {
	mu       sync.Mutex
	offer    string
	accepted string
	closed   bool
}

func (p *fakePeerConnection) CreateOffer(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offer = "offer-sdp"
	return p.offer, nil
}

func (p *fakePeerConnection) AcceptAnswer(answer string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accepted = answer
	return nil
}

func (p *fakePeerConnection) CreateAnswer(_ context.Context, offer string) (string, error) {
	return "answer-to-" + offer, nil
}

func (p *fakePeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeerConnection) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeConnector struct {
	pc *fakePeerConnection
}

func (c *fakeConnector) NewPeerConnection(context.Context, api.MediaStream) (api.PeerConnection, error) {
	return c.pc, nil
}

// callParty bundles one side of a signaling scenario.
type callParty struct {
	user  api.User
	svc   *api.CallService
	guard *api.CaptureGuard
	pc    *fakePeerConnection
	clk   *clock.Mock
}

func newCallParty(t *testing.T, store api.Store, user api.User, ringTimeout time.Duration) *callParty {
	t.Helper()
	pc := &fakePeerConnection{}
	guard := api.NewCaptureGuard()
	clk := clock.NewMock()
	devices := &fakeDevices{stream: &fakeStream{}}
	svc := api.NewCallService(store, devices, &fakeConnector{pc: pc}, guard, clk, ringTimeout, user)
	require.NoError(t, svc.Run(context.Background()))
	t.Cleanup(svc.Close)
	return &callParty{user: user, svc: svc, guard: guard, pc: pc, clk: clk}
}

func waitForState(t *testing.T, svc *api.CallService, want api.CallState) {
	t.Helper()
	require.Eventually(t, func() bool { return svc.State() == want },
		2*time.Second, 5*time.Millisecond,
		"state never reached %s (still %s)", want, svc.State())
}

func callScenario(t *testing.T, ringTimeout time.Duration) (*repository.MemoryStore, *callParty, *callParty) {
	t.Helper()
	store := repository.NewMemoryStore()
	ctx := context.Background()
	alice := api.User{ID: "9876543210", Name: "Asha", Avatar: "a.png"}
	bob := api.User{ID: "6000000000", Name: "Ravi", Avatar: "r.png"}
	for _, u := range []api.User{alice, bob} {
		require.NoError(t, store.MergeUser(ctx, u.ID, api.Fields{
			"id": u.ID, "phone": u.ID, "name": u.Name, "avatar": u.Avatar,
		}))
	}
	return store, newCallParty(t, store, alice, ringTimeout), newCallParty(t, store, bob, ringTimeout)
}

// Tests the full handshake: the caller's offer rings the callee, the answer
// connects both sides, and hanging up returns both to idle with the
// invitation cleared from the store.
func TestCallService_Handshake(t *testing.T) {
	store, alice, bob := callScenario(t, 0)
	ctx := context.Background()

	require.NoError(t, alice.svc.StartCall(ctx, bob.user, api.CallAudio))
	require.Equal(t, api.CallCalling, alice.svc.State())

	waitForState(t, bob.svc, api.CallRinging)
	inv := bob.svc.Invitation()
	require.NotNil(t, inv)
	require.Equal(t, alice.user.ID, inv.CallerID)
	require.Equal(t, "Asha", inv.CallerName)
	require.Equal(t, api.CallAudio, inv.Type)
	require.Equal(t, "offer-sdp", inv.Offer)
	require.Equal(t, api.ChatID(alice.user.ID, bob.user.ID), inv.ChatID)

	require.NoError(t, bob.svc.Answer(ctx))
	waitForState(t, bob.svc, api.CallConnected)
	waitForState(t, alice.svc, api.CallConnected)
	require.Eventually(t, func() bool {
		alice.pc.mu.Lock()
		defer alice.pc.mu.Unlock()
		return alice.pc.accepted == "answer-to-offer-sdp"
	}, time.Second, 5*time.Millisecond)

	// Both hold their capture device for the duration of the call.
	require.ErrorIs(t, alice.guard.TryAcquire(), api.ErrDeviceBusy)
	require.ErrorIs(t, bob.guard.TryAcquire(), api.ErrDeviceBusy)

	bob.svc.End(ctx)
	waitForState(t, bob.svc, api.CallIdle)
	waitForState(t, alice.svc, api.CallIdle)

	require.Eventually(t, func() bool {
		u, err := store.GetUser(ctx, bob.user.ID)
		return err == nil && u.IncomingCall == nil
	}, time.Second, 5*time.Millisecond)
	// Teardown runs just after the state flip; wait for the devices to free.
	for _, party := range []*callParty{alice, bob} {
		party := party
		require.Eventually(t, func() bool {
			if err := party.guard.TryAcquire(); err != nil {
				return false
			}
			party.guard.Release()
			return true
		}, time.Second, 5*time.Millisecond)
		require.Eventually(t, party.pc.isClosed, time.Second, 5*time.Millisecond)
	}
}

// Tests that the callee declining while ringing pulls the caller back to
// idle without ever connecting.
func TestCallService_Reject(t *testing.T) {
	store, alice, bob := callScenario(t, 0)
	ctx := context.Background()

	require.NoError(t, alice.svc.StartCall(ctx, bob.user, api.CallVideo))
	waitForState(t, bob.svc, api.CallRinging)

	bob.svc.End(ctx)
	waitForState(t, bob.svc, api.CallIdle)
	waitForState(t, alice.svc, api.CallIdle)

	u, err := store.GetUser(ctx, bob.user.ID)
	require.NoError(t, err)
	require.Nil(t, u.IncomingCall)
}

// Tests that the caller hanging up while the callee is still ringing clears
// the callee back to idle.
func TestCallService_CallerWithdraws(t *testing.T) {
	_, alice, bob := callScenario(t, 0)
	ctx := context.Background()

	require.NoError(t, alice.svc.StartCall(ctx, bob.user, api.CallAudio))
	waitForState(t, bob.svc, api.CallRinging)

	alice.svc.End(ctx)
	waitForState(t, alice.svc, api.CallIdle)
	waitForState(t, bob.svc, api.CallIdle)
}

// Tests that an unanswered call times out on the caller's ring timer and
// withdraws the invitation.
func TestCallService_RingTimeout(t *testing.T) {
	store, alice, bob := callScenario(t, 45*time.Second)
	ctx := context.Background()

	require.NoError(t, alice.svc.StartCall(ctx, bob.user, api.CallAudio))
	waitForState(t, bob.svc, api.CallRinging)

	alice.clk.Add(45 * time.Second)
	waitForState(t, alice.svc, api.CallIdle)
	waitForState(t, bob.svc, api.CallIdle)

	require.Eventually(t, func() bool {
		u, err := store.GetUser(ctx, bob.user.ID)
		return err == nil && u.IncomingCall == nil
	}, time.Second, 5*time.Millisecond)
}

// Tests that a second outgoing call is refused while one is live.
func TestCallService_SingleCall(t *testing.T) {
	_, alice, bob := callScenario(t, 0)
	ctx := context.Background()

	require.NoError(t, alice.svc.StartCall(ctx, bob.user, api.CallAudio))
	require.ErrorIs(t, alice.svc.StartCall(ctx, bob.user, api.CallAudio), api.ErrCallInProgress)
}

// Tests that answering with no ringing invitation fails cleanly.
func TestCallService_AnswerWithoutCall(t *testing.T) {
	_, _, bob := callScenario(t, 0)
	require.ErrorIs(t, bob.svc.Answer(context.Background()), api.ErrNoIncomingCall)
}

// Tests that state change events arrive in order on both sides.
func TestCallService_EventOrder(t *testing.T) {
	_, alice, bob := callScenario(t, 0)
	ctx := context.Background()

	var mu sync.Mutex
	var bobStates []api.CallState
	bob.svc.OnEvent(func(ev api.CallEvent) {
		mu.Lock()
		bobStates = append(bobStates, ev.State)
		mu.Unlock()
	})

	require.NoError(t, alice.svc.StartCall(ctx, bob.user, api.CallAudio))
	waitForState(t, bob.svc, api.CallRinging)
	require.NoError(t, bob.svc.Answer(ctx))
	waitForState(t, alice.svc, api.CallConnected)
	bob.svc.End(ctx)
	waitForState(t, alice.svc, api.CallIdle)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bobStates) >= 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []api.CallState{api.CallRinging, api.CallConnected, api.CallIdle}, bobStates[:3])
}
