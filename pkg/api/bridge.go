package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// bridgeTimeout bounds how long the core waits for a browser tab to service
// a device request. Covers the user staring at a permission prompt.
const bridgeTimeout = 30 * time.Second

// BridgeRequest asks a browser tab to perform a platform media operation.
// The capture devices and the peer connection live in the browser; the core
// only owns their lifecycle, so every acquisition round-trips through the
// event stream and comes back as a bridge_reply command.
type BridgeRequest struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Video  bool   `json:"video,omitempty"`
	SDP    string `json:"sdp,omitempty"`
}

const (
	bridgeOpenRecorder   = "open_recorder"
	bridgeRecorderPause  = "recorder_pause"
	bridgeRecorderResume = "recorder_resume"
	bridgeRecorderStop   = "recorder_stop"
	bridgeRecorderDrop   = "recorder_drop"
	bridgeOpenStream     = "open_stream"
	bridgeCloseStream    = "close_stream"
	bridgeCreateOffer    = "create_offer"
	bridgeCreateAnswer   = "create_answer"
	bridgeAcceptAnswer   = "accept_answer"
	bridgeClosePeer      = "close_peer"
)

// Bridge implements MediaDevices and PeerConnector against the browser tabs
// of one user. Requests go out as bridge events; the first tab to reply wins.
type Bridge struct {
	hub    *Hub
	userID string

	mu      sync.Mutex
	pending map[string]chan Command
}

func NewBridge(hub *Hub, userID string) *Bridge {
	return &Bridge{hub: hub, userID: userID, pending: make(map[string]chan Command)}
}

// HandleReply routes a bridge_reply command from a tab to the waiting call.
// Replies for requests that already timed out are dropped silently.
func (b *Bridge) HandleReply(cmd Command) {
	b.mu.Lock()
	ch := b.pending[cmd.RequestID]
	delete(b.pending, cmd.RequestID)
	b.mu.Unlock()
	if ch != nil {
		ch <- cmd
	}
}

func (b *Bridge) call(ctx context.Context, req BridgeRequest) (string, error) {
	req.ID = uuid.NewString()
	ch := make(chan Command, 1)
	b.mu.Lock()
	b.pending[req.ID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	b.hub.Send(b.userID, Event{Kind: EventBridge, Request: &req})

	timer := time.NewTimer(bridgeTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", errors.Errorf("browser did not answer %s request", req.Action)
	case reply := <-ch:
		if reply.Error != "" {
			return "", errors.Errorf("%s failed in browser: %s", req.Action, reply.Error)
		}
		return reply.Payload, nil
	}
}

// OpenRecorder implements MediaDevices.
func (b *Bridge) OpenRecorder(ctx context.Context) (MediaRecorder, error) {
	if _, err := b.call(ctx, BridgeRequest{Action: bridgeOpenRecorder}); err != nil {
		return nil, err
	}
	return &bridgeRecorder{bridge: b}, nil
}

// OpenStream implements MediaDevices.
func (b *Bridge) OpenStream(ctx context.Context, video bool) (MediaStream, error) {
	if _, err := b.call(ctx, BridgeRequest{Action: bridgeOpenStream, Video: video}); err != nil {
		return nil, err
	}
	return &bridgeStream{bridge: b}, nil
}

// NewPeerConnection implements PeerConnector. The browser pairs the peer
// connection with the stream it already holds, so nothing extra travels.
func (b *Bridge) NewPeerConnection(ctx context.Context, _ MediaStream) (PeerConnection, error) {
	return &bridgePeer{bridge: b}, nil
}

type bridgeRecorder struct {
	bridge *Bridge
}

func (r *bridgeRecorder) Pause() error {
	_, err := r.bridge.call(context.Background(), BridgeRequest{Action: bridgeRecorderPause})
	return err
}

func (r *bridgeRecorder) Resume() error {
	_, err := r.bridge.call(context.Background(), BridgeRequest{Action: bridgeRecorderResume})
	return err
}

// recorderBlob is the reply payload of recorder_stop.
type recorderBlob struct {
	MIME string `json:"mime"`
	Data string `json:"data"` // base64
}

func (r *bridgeRecorder) Stop() ([]byte, string, error) {
	payload, err := r.bridge.call(context.Background(), BridgeRequest{Action: bridgeRecorderStop})
	if err != nil {
		return nil, "", err
	}
	var blob recorderBlob
	if err := json.Unmarshal([]byte(payload), &blob); err != nil {
		return nil, "", errors.Wrap(err, "decoding recording payload")
	}
	data, err := base64.StdEncoding.DecodeString(blob.Data)
	if err != nil {
		return nil, "", errors.Wrap(err, "decoding recording data")
	}
	return data, blob.MIME, nil
}

func (r *bridgeRecorder) Discard() error {
	_, err := r.bridge.call(context.Background(), BridgeRequest{Action: bridgeRecorderDrop})
	return err
}

type bridgeStream struct {
	bridge *Bridge
}

func (s *bridgeStream) Close() error {
	_, err := s.bridge.call(context.Background(), BridgeRequest{Action: bridgeCloseStream})
	return err
}

type bridgePeer struct {
	bridge *Bridge
}

func (p *bridgePeer) CreateOffer(ctx context.Context) (string, error) {
	return p.bridge.call(ctx, BridgeRequest{Action: bridgeCreateOffer})
}

func (p *bridgePeer) AcceptAnswer(answer string) error {
	_, err := p.bridge.call(context.Background(), BridgeRequest{Action: bridgeAcceptAnswer, SDP: answer})
	return err
}

func (p *bridgePeer) CreateAnswer(ctx context.Context, offer string) (string, error) {
	return p.bridge.call(ctx, BridgeRequest{Action: bridgeCreateAnswer, SDP: offer})
}

func (p *bridgePeer) Close() error {
	_, err := p.bridge.call(context.Background(), BridgeRequest{Action: bridgeClosePeer})
	return err
}
