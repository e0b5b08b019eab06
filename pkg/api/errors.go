package api

import "github.com/pkg/errors"

// Validation errors are detected before any store call and carry no cause.
var (
	ErrInvalidPhone = errors.New("phone number must be 10 digits starting with 6-9")
	ErrEmptyMessage = errors.New("message text is empty")
	ErrSelfChat     = errors.New("cannot start a chat with yourself")

	// ErrNotFound is returned by Store implementations for missing documents.
	ErrNotFound = errors.New("document not found")

	// ErrDeviceBusy is returned when a capture (recording or call) is
	// requested while another one holds the microphone or camera.
	ErrDeviceBusy = errors.New("capture device is already in use")

	ErrCallInProgress  = errors.New("a call is already in progress")
	ErrNoIncomingCall  = errors.New("no ringing incoming call to answer")
	ErrUploadCancelled = errors.New("upload cancelled")
	ErrNotRecording    = errors.New("no active recording")
)

// IsNotFound reports whether err denotes a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
