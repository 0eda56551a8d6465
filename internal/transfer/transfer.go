package transfer

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mode selects how a job publishes its source.
type Mode string

const (
	// ModeUpload downloads, transcodes and re-uploads the file. Failures are hard.
	ModeUpload Mode = "upload"
	// ModeAuto behaves like ModeUpload but falls back to sharing the source link.
	ModeAuto Mode = "auto"
	// ModeLink only publishes the shareable source link.
	ModeLink Mode = "link"
	// ModeNative asks the platform to fetch the source itself, then falls back to ModeUpload.
	ModeNative Mode = "native"
)

// ParseMode validates a mode string. Empty means ModeUpload.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeUpload, nil
	case ModeUpload, ModeAuto, ModeLink, ModeNative:
		return Mode(s), nil
	}

	return "", fmt.Errorf("unknown mode %q", s)
}

// State is the lifecycle state of a job.
type State string

const (
	StateInit        State = "init"
	StateDownloading State = "downloading"
	StateTranscoding State = "transcoding"
	StateUploading   State = "uploading"
	StateVerifying   State = "verifying"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Metadata travels with the media to the publishing platform.
type Metadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Labels      []string `json:"labels,omitempty"`
	Locale      string   `json:"locale,omitempty"`
}

// Credential references the target account on the publishing platform.
// Acquiring and refreshing the token is the caller's concern.
type Credential struct {
	TargetID    string `json:"target_id"`
	AccessToken string `json:"access_token"`
}

// Request is the inbound invocation of the pipeline.
type Request struct {
	JobID      string     `json:"job_id,omitempty"`
	SourceURI  string     `json:"source_uri"`
	Credential Credential `json:"credential"`
	Metadata   Metadata   `json:"metadata"`
	Mode       Mode       `json:"mode,omitempty"`
}

// Job is the mutable state of one transfer. Only the pipeline controller writes it.
type Job struct {
	ID          string
	SourceURI   string
	Credential  Credential
	Metadata    Metadata
	Mode        Mode
	State       State
	CurrentStep string
	Percentage  float64
	CreatedAt   time.Time
	SourceSize  int64
	FinalSize   int64
	ErrorDetail string
}

// TempName returns a collision-free file name for a temp file owned by one job
// step, e.g. "<job>-download-<uuid>.mp4".
func TempName(jobID, step, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	return fmt.Sprintf("%s-%s-%s%s", jobID, step, uuid.NewString(), ext)
}

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateJobID rejects ids that are unsafe inside a file name.
func ValidateJobID(id string) error {
	if !jobIDPattern.MatchString(id) {
		return fmt.Errorf("invalid job id %q: use 1 to 64 letters, digits, '-' or '_'", id)
	}

	return nil
}

// TempPath joins a TempName onto dir. The result is always a direct child of dir.
func TempPath(dir, jobID, step, ext string) (string, error) {
	if err := ValidateJobID(jobID); err != nil {
		return "", err
	}

	path := filepath.Join(dir, TempName(jobID, step, ext))
	if filepath.Dir(path) != filepath.Clean(dir) {
		return "", fmt.Errorf("temp file %q escapes %q", path, dir)
	}

	return path, nil
}

// NewJob builds a job from a request, generating an id when the caller did not.
func NewJob(req Request) *Job {
	id := req.JobID
	if id == "" {
		id = uuid.NewString()
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeUpload
	}

	return &Job{
		ID:         id,
		SourceURI:  req.SourceURI,
		Credential: req.Credential,
		Metadata:   req.Metadata,
		Mode:       mode,
		State:      StateInit,
		CreatedAt:  time.Now(),
	}
}

// StepStatus records how a step ended.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepSkipped StepStatus = "skipped"
	StepFailed  StepStatus = "failed"
	StepDegrade StepStatus = "degraded"
)

// StepRecord is one entry of a job's step trace.
type StepRecord struct {
	Step      string        `json:"step"`
	Strategy  string        `json:"strategy,omitempty"`
	Status    StepStatus    `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Failure is the user-visible description of a failed job.
type Failure struct {
	Tag         Tag    `json:"tag"`
	Message     string `json:"message"`
	LastStep    string `json:"last_step,omitempty"`
	Remediation string `json:"remediation"`
}

// Result is returned to the caller once a job reaches a terminal state.
type Result struct {
	JobID         string       `json:"job_id"`
	Success       bool         `json:"success"`
	Strategy      string       `json:"strategy,omitempty"`
	RemoteMediaID string       `json:"remote_media_id,omitempty"`
	RemotePostID  string       `json:"remote_post_id,omitempty"`
	Degraded      bool         `json:"degraded,omitempty"`
	Error         *Failure     `json:"error,omitempty"`
	StepTrace     []StepRecord `json:"step_trace"`
}

// NewFailure builds the caller-facing failure for err.
func NewFailure(err error, lastStep string) *Failure {
	tag := Classify(err)

	return &Failure{
		Tag:         tag,
		Message:     err.Error(),
		LastStep:    lastStep,
		Remediation: Remediation(tag),
	}
}
