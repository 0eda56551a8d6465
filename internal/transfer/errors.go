package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Tag is the failure taxonomy reported to callers.
type Tag string

const (
	TagResource            Tag = "ResourceError"
	TagAccess              Tag = "AccessError"
	TagContent             Tag = "ContentError"
	TagTranscode           Tag = "TranscodeError"
	TagUpload              Tag = "UploadError"
	TagVerificationTimeout Tag = "VerificationTimeout"
	TagUnknown             Tag = "Unknown"
)

// ResourceError reports insufficient local storage before a download.
type ResourceError struct {
	AvailableMB int64
	RequiredMB  int64
	TotalMB     int64
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("insufficient disk space: %dMB available, %dMB required (volume %dMB)", e.AvailableMB, e.RequiredMB, e.TotalMB)
}

// AccessError represents a source that is unreachable or forbidden.
type AccessError struct {
	URI        string // Source URI as given by the caller
	StatusCode int    // HTTP status code, if applicable (0 for transport errors)
	Reason     string // Human-readable explanation
	Err        error  // Underlying error, if any
}

func (e *AccessError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("source %s not accessible (HTTP %d): %s", e.URI, e.StatusCode, e.Reason)
	}

	return fmt.Sprintf("source %s not accessible: %s", e.URI, e.Reason)
}

func (e *AccessError) Unwrap() error {
	return e.Err
}

// ContentError is returned when the source serves something other than the expected
// binary (an HTML page, an error document) or the byte count does not match.
type ContentError struct {
	URI      string
	Reason   string
	Expected int64 // Declared size, 0 when not a size mismatch
	Actual   int64
	Err      error
}

func (e *ContentError) Error() string {
	if e.Expected > 0 {
		return fmt.Sprintf("invalid content from %s: %s (expected %d bytes, got %d)", e.URI, e.Reason, e.Expected, e.Actual)
	}

	return fmt.Sprintf("invalid content from %s: %s", e.URI, e.Reason)
}

func (e *ContentError) Unwrap() error {
	return e.Err
}

// StalledError is returned when a transfer shows no byte progress within the
// quiescence window.
type StalledError struct {
	URI        string
	Offset     int64
	Quiescence time.Duration
	Stalls     int
}

func (e *StalledError) Error() string {
	return fmt.Sprintf("transfer from %s stalled at byte %d (no progress for %s, %d stalls)", e.URI, e.Offset, e.Quiescence, e.Stalls)
}

// TranscodeError covers non-zero encoder exits, timeouts and degenerate output.
type TranscodeError struct {
	Path   string
	Reason string
	Err    error
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("transcode of %s failed: %s", e.Path, e.Reason)
}

func (e *TranscodeError) Unwrap() error {
	return e.Err
}

// UploadPhase names the step of the upload protocol that failed.
type UploadPhase string

const (
	PhaseSelect   UploadPhase = "select"
	PhaseSingle   UploadPhase = "single"
	PhaseInit     UploadPhase = "init"
	PhaseTransfer UploadPhase = "transfer"
	PhaseFinish   UploadPhase = "finish"
	PhaseLink     UploadPhase = "link"
	PhaseRemote   UploadPhase = "remote"
)

// UploadError represents a failure talking to the publishing platform.
type UploadError struct {
	Phase  UploadPhase
	Offset int64 // Chunk offset for transfer failures
	Reason string
	Err    error
}

func (e *UploadError) Error() string {
	msg := fmt.Sprintf("upload failed during %s", e.Phase)
	if e.Phase == PhaseTransfer {
		msg = fmt.Sprintf("%s at offset %d", msg, e.Offset)
	}

	if e.Reason != "" {
		msg += ": " + e.Reason
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// VerificationTimeout is a soft outcome: the upload succeeded but the post that
// carries it could not be found within the polling window.
type VerificationTimeout struct {
	MediaID string
	Waited  time.Duration
}

func (e *VerificationTimeout) Error() string {
	return fmt.Sprintf("post for media %s not found after %s", e.MediaID, e.Waited)
}

// NetworkError represents network failures and API errors including 5xx responses,
// connection timeouts, and rate limiting.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "transfer_chunk", "probe")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents authentication and authorization failures
// including 401 Unauthorized and 403 Forbidden responses.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// Classify maps an error chain to its taxonomy tag.
func Classify(err error) Tag {
	if err == nil {
		return ""
	}

	var (
		resErr       *ResourceError
		accessErr    *AccessError
		stalledErr   *StalledError
		contentErr   *ContentError
		transcodeErr *TranscodeError
		uploadErr    *UploadError
		verifyErr    *VerificationTimeout
	)

	switch {
	case errors.As(err, &resErr):
		return TagResource
	case errors.As(err, &contentErr):
		return TagContent
	case errors.As(err, &accessErr), errors.As(err, &stalledErr):
		return TagAccess
	case errors.As(err, &transcodeErr):
		return TagTranscode
	case errors.As(err, &uploadErr):
		return TagUpload
	case errors.As(err, &verifyErr):
		return TagVerificationTimeout
	default:
		return TagUnknown
	}
}

// Remediation returns the user-facing hint for a failure tag.
func Remediation(tag Tag) string {
	switch tag {
	case TagResource:
		return "free up local storage or retry when fewer transfers are running"
	case TagAccess:
		return "source must be shared publicly and reachable; retry later if the host is throttling"
	case TagContent:
		return "source must be shared publicly as a direct video file, not a folder or a page that requires sign-in"
	case TagTranscode:
		return "re-export the video as H.264/AAC MP4 before submitting"
	case TagUpload:
		return "check that the target account is connected and the file is within the platform limits, then retry"
	case TagVerificationTimeout:
		return "the video was uploaded; it may take a few minutes to appear on the feed"
	default:
		return "retry the transfer; contact support if it keeps failing"
	}
}

// IsRetryable reports whether err is a transient failure worth retrying at the
// same offset.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var stalledErr *StalledError
	if errors.As(err, &stalledErr) {
		return true
	}

	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return false
	}

	var contentErr *ContentError
	if errors.As(err, &contentErr) {
		return false
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return isTransientStatus(netErr.StatusCode)
	}

	var accessErr *AccessError
	if errors.As(err, &accessErr) {
		return isTransientStatus(accessErr.StatusCode)
	}

	var opErr net.Error

	return errors.As(err, &opErr)
}

func isTransientStatus(code int) bool {
	return code == 0 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= http.StatusInternalServerError
}
