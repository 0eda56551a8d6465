package progress

import "io"

// Reader wraps an io.Reader and reports cumulative bytes via a callback.
// It reports whenever interval bytes were read since the last report or a
// 5% boundary of total is crossed.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(read int64, total int64)

	totalRead      int64
	lastReport     int64
	reportInterval int64
}

func NewReader(r io.Reader, total int64, interval int64, cb func(read int64, total int64)) *Reader {
	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

// WithOffset starts counting from offset, for resumed transfers.
func (pr *Reader) WithOffset(offset int64) *Reader {
	pr.totalRead = offset

	return pr
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		before := pr.totalRead
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.lastReport >= pr.reportInterval || pr.crossedBoundary(before) {
			pr.report()
		}
	}

	if err == io.EOF && pr.lastReport > 0 {
		pr.report()
	}

	return n, err
}

// BytesRead returns the cumulative byte count including the starting offset.
func (pr *Reader) BytesRead() int64 {
	return pr.totalRead
}

func (pr *Reader) crossedBoundary(before int64) bool {
	if pr.Total <= 0 {
		return false
	}

	return pr.totalRead*20/pr.Total > before*20/pr.Total
}

func (pr *Reader) report() {
	pr.lastReport = 0

	if pr.OnProgress != nil {
		pr.OnProgress(pr.totalRead, pr.Total)
	}
}
