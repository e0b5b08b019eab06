package api_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"chatbridge/pkg/api"
	"chatbridge/pkg/repository"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

// fakeRecorder is an in-memory MediaRecorder, standing in for the browser's
// microphone capture.
type fakeRecorder struct {
	data      []byte
	mime      string
	paused    bool
	stopped   bool
	discarded bool
}

func (r *fakeRecorder) Pause() error  { r.paused = true; return nil }
func (r *fakeRecorder) Resume() error { r.paused = false; return nil }
func (r *fakeRecorder) Stop() ([]byte, string, error) {
	r.stopped = true
	return r.data, r.mime, nil
}
func (r *fakeRecorder) Discard() error { r.discarded = true; return nil }

type fakeStream struct{ closed bool }

func (s *fakeStream) Close() error { s.closed = true; return nil }

// fakeDevices hands out scripted recorders and streams.
type fakeDevices struct {
	recorder *fakeRecorder
	stream   *fakeStream
	openErr  error
}

func (d *fakeDevices) OpenRecorder(context.Context) (api.MediaRecorder, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.recorder, nil
}

func (d *fakeDevices) OpenStream(context.Context, bool) (api.MediaStream, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.stream, nil
}

func newUploader(t *testing.T) (*api.Uploader, *repository.MemoryStore, *repository.MemoryBlobStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	blobs := repository.NewMemoryBlobStore()
	return api.NewUploader(blobs, api.NewMessageService(store), clock.NewMock()), store, blobs
}

// Tests the happy path: the object lands in the blob store and the chat log
// gains a message referencing it, with progress reported along the way.
func TestUploader_Send(t *testing.T) {
	uploader, store, blobs := newUploader(t)
	ctx := context.Background()
	chatID := api.ChatID("9876543210", "6000000000")
	payload := strings.Repeat("x", 100_000)

	var reports []api.UploadStats
	file := api.LocalFile{
		Name: "holiday.png",
		MIME: "image/png",
		Size: int64(len(payload)),
		Data: strings.NewReader(payload),
	}
	id, err := uploader.Send(ctx, chatID, "9876543210", file, "beach", func(s api.UploadStats) {
		reports = append(reports, s)
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NotEmpty(t, reports)
	final := reports[len(reports)-1]
	require.InDelta(t, 100.0, final.Progress, 0.01)

	sub, err := store.WatchMessages(ctx, chatID)
	require.NoError(t, err)
	defer sub.Cancel()
	log := latest(t, sub, func(msgs []api.Message) bool { return len(msgs) == 1 })
	require.Equal(t, api.MessageImage, log[0].Type)
	require.Equal(t, "beach", log[0].Text)
	require.Equal(t, "holiday.png", log[0].FileName)

	object, ok := blobs.Object(strings.TrimPrefix(log[0].FileURL, "mem://"))
	require.True(t, ok)
	require.Equal(t, []byte(payload), object)
}

// cancellingReader cancels the surrounding context partway through the
// stream, simulating the user aborting a transfer.
type cancellingReader struct {
	r      io.Reader
	cancel context.CancelFunc
	reads  int
}

func (c *cancellingReader) Read(p []byte) (int, error) {
	c.reads++
	if c.reads == 2 {
		c.cancel()
	}
	return c.r.Read(p)
}

// Tests that a cancelled upload reports ErrUploadCancelled and leaves no
// message behind, so the log never references a missing object.
func TestUploader_SendCancelled(t *testing.T) {
	uploader, store, _ := newUploader(t)
	chatID := api.ChatID("9876543210", "6000000000")
	payload := strings.Repeat("x", 500_000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	file := api.LocalFile{
		Name: "big.bin",
		MIME: "application/octet-stream",
		Size: int64(len(payload)),
		Data: &cancellingReader{r: strings.NewReader(payload), cancel: cancel},
	}
	_, err := uploader.Send(ctx, chatID, "9876543210", file, "", nil)
	require.ErrorIs(t, err, api.ErrUploadCancelled)

	ids, err := store.ListMessageIDs(context.Background(), chatID)
	require.NoError(t, err)
	require.Empty(t, ids)
}

// Tests that the capture guard admits one holder at a time and frees the
// device on release.
func TestCaptureGuard(t *testing.T) {
	guard := api.NewCaptureGuard()
	require.NoError(t, guard.TryAcquire())
	require.ErrorIs(t, guard.TryAcquire(), api.ErrDeviceBusy)
	guard.Release()
	require.NoError(t, guard.TryAcquire())
}

func newRecorder(t *testing.T, devices *fakeDevices) (*api.Recorder, *repository.MemoryStore, *clock.Mock, *api.CaptureGuard) {
	t.Helper()
	store := repository.NewMemoryStore()
	blobs := repository.NewMemoryBlobStore()
	clk := clock.NewMock()
	guard := api.NewCaptureGuard()
	uploader := api.NewUploader(blobs, api.NewMessageService(store), clk)
	return api.NewRecorder(devices, guard, uploader, clk), store, clk, guard
}

// Tests the recorder lifecycle: the counter ticks once per second while
// recording, freezes while paused and resumes from where it left off.
func TestRecorder_ElapsedCounter(t *testing.T) {
	devices := &fakeDevices{recorder: &fakeRecorder{}}
	rec, _, clk, _ := newRecorder(t, devices)

	var ticks []int
	tickCh := make(chan int, 16)
	rec.OnTick(func(s int) { tickCh <- s })

	require.NoError(t, rec.Start(context.Background()))
	require.Equal(t, api.RecorderRecording, rec.State())

	time.Sleep(10 * time.Millisecond)
	clk.Add(3 * time.Second)
	for len(ticks) < 3 {
		select {
		case s := <-tickCh:
			ticks = append(ticks, s)
		case <-time.After(time.Second):
			t.Fatal("tick callback never fired")
		}
	}
	require.Equal(t, []int{1, 2, 3}, ticks)

	require.NoError(t, rec.Pause())
	require.Equal(t, api.RecorderPaused, rec.State())
	require.True(t, devices.recorder.paused)
	clk.Add(5 * time.Second)
	require.Equal(t, 3, rec.Elapsed())

	require.NoError(t, rec.Resume())
	require.False(t, devices.recorder.paused)
	clk.Add(time.Second)
	select {
	case s := <-tickCh:
		require.Equal(t, 4, s)
	case <-time.After(time.Second):
		t.Fatal("no tick after resume")
	}

	rec.Cancel()
	require.Equal(t, api.RecorderIdle, rec.State())
	require.True(t, devices.recorder.discarded)
}

// Tests that pause and resume are rejected outside their source states.
func TestRecorder_StateGuards(t *testing.T) {
	devices := &fakeDevices{recorder: &fakeRecorder{}}
	rec, _, _, _ := newRecorder(t, devices)

	require.ErrorIs(t, rec.Pause(), api.ErrNotRecording)
	require.ErrorIs(t, rec.Resume(), api.ErrNotRecording)
	_, err := rec.StopAndSend(context.Background(), "chat", "9876543210", nil)
	require.ErrorIs(t, err, api.ErrNotRecording)

	require.NoError(t, rec.Start(context.Background()))
	require.ErrorIs(t, rec.Resume(), api.ErrNotRecording)
	rec.Cancel()
}

// Tests that StopAndSend turns the capture into an audio message and frees
// the device for the next recording.
func TestRecorder_StopAndSend(t *testing.T) {
	devices := &fakeDevices{recorder: &fakeRecorder{
		data: bytes.Repeat([]byte{0xAB}, 4096),
		mime: "audio/webm;codecs=opus",
	}}
	rec, store, _, guard := newRecorder(t, devices)
	ctx := context.Background()
	chatID := api.ChatID("9876543210", "6000000000")

	require.NoError(t, rec.Start(ctx))
	id, err := rec.StopAndSend(ctx, chatID, "9876543210", nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, api.RecorderIdle, rec.State())

	sub, err := store.WatchMessages(ctx, chatID)
	require.NoError(t, err)
	defer sub.Cancel()
	log := latest(t, sub, func(msgs []api.Message) bool { return len(msgs) == 1 })
	require.Equal(t, api.MessageAudio, log[0].Type)
	require.Equal(t, "voice_message.webm", log[0].FileName)

	require.NoError(t, guard.TryAcquire())
	guard.Release()
}

// Tests that an mp4-flavored capture gets the m4a file name.
func TestRecorder_MP4Extension(t *testing.T) {
	devices := &fakeDevices{recorder: &fakeRecorder{
		data: bytes.Repeat([]byte{0xCD}, 4096),
		mime: "audio/mp4",
	}}
	rec, store, _, _ := newRecorder(t, devices)
	ctx := context.Background()
	chatID := api.ChatID("9876543210", "6000000000")

	require.NoError(t, rec.Start(ctx))
	_, err := rec.StopAndSend(ctx, chatID, "9876543210", nil)
	require.NoError(t, err)

	sub, err := store.WatchMessages(ctx, chatID)
	require.NoError(t, err)
	defer sub.Cancel()
	log := latest(t, sub, func(msgs []api.Message) bool { return len(msgs) == 1 })
	require.Equal(t, "voice_message.m4a", log[0].FileName)
}

// Tests that an accidental tap-and-release capture below the size floor is
// dropped without writing anything.
func TestRecorder_DropsTinyCapture(t *testing.T) {
	devices := &fakeDevices{recorder: &fakeRecorder{data: []byte("blip"), mime: "audio/webm"}}
	rec, store, _, _ := newRecorder(t, devices)
	ctx := context.Background()
	chatID := api.ChatID("9876543210", "6000000000")

	require.NoError(t, rec.Start(ctx))
	id, err := rec.StopAndSend(ctx, chatID, "9876543210", nil)
	require.NoError(t, err)
	require.Empty(t, id)

	ids, err := store.ListMessageIDs(ctx, chatID)
	require.NoError(t, err)
	require.Empty(t, ids)
}

// Tests that a second capture cannot start while the first holds the device.
func TestRecorder_DeviceExclusive(t *testing.T) {
	devices := &fakeDevices{recorder: &fakeRecorder{}}
	rec, _, _, guard := newRecorder(t, devices)

	require.NoError(t, rec.Start(context.Background()))
	require.ErrorIs(t, guard.TryAcquire(), api.ErrDeviceBusy)
	rec.Cancel()
	require.NoError(t, guard.TryAcquire())
}
