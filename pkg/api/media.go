package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// sampleWindow is the minimum gap between speed samples. Progress callbacks
// can arrive far faster; recomputing the rate on each one makes the display
// jitter, so between samples only the percentage moves.
const sampleWindow = 500 * time.Millisecond

// minRecordingBytes drops accidental tap-and-release recordings.
const minRecordingBytes = 100

// LocalFile is a local file or a finished recording handed to the pipeline.
type LocalFile struct {
	Name string
	MIME string
	Size int64
	Data io.Reader
}

// MessageTypeForMIME maps a MIME type to the message variant it produces.
func MessageTypeForMIME(mime string) MessageType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return MessageImage
	case strings.HasPrefix(mime, "audio/"):
		return MessageAudio
	default:
		return MessageFile
	}
}

// UploadStats is one progress report. Speed and ETA hold the values from the
// last closed sample window and are zero before the first one.
type UploadStats struct {
	Progress float64 // percent, 0-100
	Speed    float64 // bytes per second
	ETA      time.Duration
}

// Uploader turns a local file into a durable remote object plus a message
// record referencing it.
type Uploader struct {
	blobs    BlobStore
	messages MessageService
	clock    clock.Clock
}

func NewUploader(blobs BlobStore, messages MessageService, clk clock.Clock) *Uploader {
	return &Uploader{blobs: blobs, messages: messages, clock: clk}
}

// Send uploads f and appends the referencing message. Cancelling ctx aborts
// the transfer; no message record is written for a cancelled or failed
// upload, so the log never references an object that is not there.
func (u *Uploader) Send(ctx context.Context, chatID, senderID string, f LocalFile, caption string, onStats func(UploadStats)) (string, error) {
	path := fmt.Sprintf("chat/%s/%d_%s", chatID, u.clock.Now().UnixMilli(), f.Name)

	sampleStart := u.clock.Now()
	var prevBytes int64
	var last UploadStats
	progress := func(transferred int64) {
		if onStats == nil {
			return
		}
		if f.Size > 0 {
			last.Progress = float64(transferred) / float64(f.Size) * 100
		}
		if elapsed := u.clock.Now().Sub(sampleStart); elapsed > sampleWindow {
			speed := float64(transferred-prevBytes) / elapsed.Seconds()
			last.Speed = speed
			if speed > 0 {
				remaining := float64(f.Size - transferred)
				last.ETA = time.Duration(remaining/speed*float64(time.Second) + float64(time.Second-1)).Truncate(time.Second)
			} else {
				last.ETA = 0
			}
			sampleStart = u.clock.Now()
			prevBytes = transferred
		}
		onStats(last)
	}

	url, err := u.blobs.Upload(ctx, path, f.MIME, f.Data, f.Size, progress)
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.Wrap(ErrUploadCancelled, err.Error())
		}
		return "", errors.Wrap(err, "uploading file")
	}

	msg := NewMediaMessage(senderID, MessageTypeForMIME(f.MIME), url, f.Name, caption)
	id, err := u.messages.Send(ctx, chatID, msg)
	if err != nil {
		return "", err
	}
	return id, nil
}

// CaptureGuard enforces exclusive ownership of the local capture devices:
// at most one recording or call holds the microphone/camera at a time, and a
// second acquisition fails fast instead of preempting the first.
type CaptureGuard struct {
	mu   sync.Mutex
	held bool
}

func NewCaptureGuard() *CaptureGuard { return &CaptureGuard{} }

func (g *CaptureGuard) TryAcquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return ErrDeviceBusy
	}
	g.held = true
	return nil
}

func (g *CaptureGuard) Release() {
	g.mu.Lock()
	g.held = false
	g.mu.Unlock()
}

// MediaRecorder is a platform-provided microphone capture session. Pause and
// Resume suspend buffering without losing captured audio.
type MediaRecorder interface {
	Pause() error
	Resume() error
	// Stop finalizes the capture, releases the device and returns the
	// buffered audio with its MIME type.
	Stop() (data []byte, mimeType string, err error)
	// Discard releases the device without producing audio.
	Discard() error
}

// MediaStream is a platform-provided live audio (or audio+video) capture held
// open for the duration of a call.
type MediaStream interface {
	Close() error
}

// MediaDevices acquires platform capture devices. Implementations live at the
// UI boundary; the core only drives the lifecycle.
type MediaDevices interface {
	OpenRecorder(ctx context.Context) (MediaRecorder, error)
	OpenStream(ctx context.Context, video bool) (MediaStream, error)
}

type RecorderState int

const (
	RecorderIdle RecorderState = iota
	RecorderRecording
	RecorderPaused
)

// Recorder drives one voice-message capture at a time: start, pause/resume,
// then either send through the upload pipeline or discard.
type Recorder struct {
	devices  MediaDevices
	guard    *CaptureGuard
	uploader *Uploader
	clock    clock.Clock

	mu      sync.Mutex
	rec     MediaRecorder
	state   RecorderState
	elapsed int
	stop    chan struct{}
	onTick  func(seconds int)
}

func NewRecorder(devices MediaDevices, guard *CaptureGuard, uploader *Uploader, clk clock.Clock) *Recorder {
	return &Recorder{devices: devices, guard: guard, uploader: uploader, clock: clk}
}

// OnTick registers the elapsed-seconds callback. The counter advances once
// per second while actively recording, not while paused.
func (r *Recorder) OnTick(fn func(seconds int)) {
	r.mu.Lock()
	r.onTick = fn
	r.mu.Unlock()
}

func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recorder) Elapsed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsed
}

// Start acquires the microphone and begins buffering. Fails with
// ErrDeviceBusy while a call or another recording holds the device.
func (r *Recorder) Start(ctx context.Context) error {
	if err := r.guard.TryAcquire(); err != nil {
		return err
	}
	rec, err := r.devices.OpenRecorder(ctx)
	if err != nil {
		r.guard.Release()
		return errors.Wrap(err, "acquiring microphone")
	}

	r.mu.Lock()
	r.rec = rec
	r.state = RecorderRecording
	r.elapsed = 0
	r.stop = make(chan struct{})
	stop := r.stop
	r.mu.Unlock()

	go r.tick(stop)
	return nil
}

func (r *Recorder) tick(stop chan struct{}) {
	ticker := r.clock.Ticker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.state != RecorderRecording {
				r.mu.Unlock()
				continue
			}
			r.elapsed++
			seconds := r.elapsed
			fn := r.onTick
			r.mu.Unlock()
			if fn != nil {
				fn(seconds)
			}
		}
	}
}

func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RecorderRecording {
		return ErrNotRecording
	}
	if err := r.rec.Pause(); err != nil {
		return errors.Wrap(err, "pausing recorder")
	}
	r.state = RecorderPaused
	return nil
}

func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RecorderPaused {
		return ErrNotRecording
	}
	if err := r.rec.Resume(); err != nil {
		return errors.Wrap(err, "resuming recorder")
	}
	r.state = RecorderRecording
	return nil
}

// StopAndSend finalizes the buffer and feeds it to the upload pipeline as a
// voice message. Captures shorter than minRecordingBytes are dropped without
// error.
func (r *Recorder) StopAndSend(ctx context.Context, chatID, senderID string, onStats func(UploadStats)) (string, error) {
	rec, err := r.finish()
	if err != nil {
		return "", err
	}
	data, mimeType, err := rec.Stop()
	r.guard.Release()
	if err != nil {
		return "", errors.Wrap(err, "finalizing recording")
	}
	if len(data) < minRecordingBytes {
		jww.DEBUG.Printf("dropping %d-byte recording for chat %s", len(data), chatID)
		return "", nil
	}

	ext := "webm"
	if strings.Contains(mimeType, "mp4") {
		ext = "m4a"
	}
	file := LocalFile{
		Name: "voice_message." + ext,
		MIME: mimeType,
		Size: int64(len(data)),
		Data: bytes.NewReader(data),
	}
	return r.uploader.Send(ctx, chatID, senderID, file, "", onStats)
}

// Cancel discards the buffer and releases the microphone without uploading.
func (r *Recorder) Cancel() {
	rec, err := r.finish()
	if err != nil {
		return
	}
	if err := rec.Discard(); err != nil {
		jww.WARN.Printf("discarding recording: %v", err)
	}
	r.guard.Release()
}

// finish takes ownership of the active capture and resets recorder state.
func (r *Recorder) finish() (MediaRecorder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RecorderIdle || r.rec == nil {
		return nil, ErrNotRecording
	}
	rec := r.rec
	r.rec = nil
	r.state = RecorderIdle
	r.elapsed = 0
	close(r.stop)
	r.stop = nil
	return rec, nil
}
