package publish

import (
	"fmt"
)

type SessionState string

const (
	SessionStarted      SessionState = "started"
	SessionTransferring SessionState = "transferring"
	SessionFinished     SessionState = "finished"
	SessionFailed       SessionState = "failed"
)

// Range is a half-open byte range [Start, End).
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Session tracks a resumable upload. Accepted ranges must tile [0, TotalBytes)
// before the session may be finished.
type Session struct {
	ID               string       `json:"id"`
	TotalBytes       int64        `json:"total_bytes"`
	BytesTransferred int64        `json:"bytes_transferred"`
	ChunkSize        int64        `json:"chunk_size"`
	State            SessionState `json:"state"`
	Accepted         []Range      `json:"accepted"`
}

func NewSession(id string, total, chunkSize int64) *Session {
	return &Session{ID: id, TotalBytes: total, ChunkSize: chunkSize, State: SessionStarted}
}

// NextChunk returns the range to send next.
func (s *Session) NextChunk() Range {
	end := min(s.BytesTransferred+s.ChunkSize, s.TotalBytes)

	return Range{Start: s.BytesTransferred, End: end}
}

// Accept records a chunk the platform acknowledged. Chunks must arrive in order
// without gaps or overlaps.
func (s *Session) Accept(r Range) error {
	if r.Start != s.BytesTransferred {
		return fmt.Errorf("chunk starts at %d, expected %d", r.Start, s.BytesTransferred)
	}

	if r.End <= r.Start || r.End > s.TotalBytes {
		return fmt.Errorf("invalid chunk range [%d, %d) for %d bytes", r.Start, r.End, s.TotalBytes)
	}

	s.Accepted = append(s.Accepted, r)
	s.BytesTransferred = r.End
	s.State = SessionTransferring

	return nil
}

func (s *Session) Complete() bool {
	return s.BytesTransferred == s.TotalBytes
}

// Tiled reports whether accepted ranges cover [0, TotalBytes) exactly once.
func (s *Session) Tiled() bool {
	var next int64

	for _, r := range s.Accepted {
		if r.Start != next || r.End <= r.Start {
			return false
		}

		next = r.End
	}

	return next == s.TotalBytes
}
