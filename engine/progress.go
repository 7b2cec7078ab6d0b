package engine

import "github.com/opd-ai/ftpbridge/envelope"

// ProgressFunc receives progress records synchronously from a running
// transfer.
type ProgressFunc func(envelope.Progress)

// tracker accumulates per-chunk byte counts into progress records. Percent
// is monotonically non-decreasing across the whole transfer, including a
// restart after the connection manager's reconnect-and-retry, and 100 is
// reported exactly once.
type tracker struct {
	file        string
	fileIndex   int
	totalFiles  int
	total       int64
	sent        int64
	lastPercent int
	done        bool
	cb          ProgressFunc
}

func newTracker(file string, total int64, cb ProgressFunc) *tracker {
	return &tracker{
		file:        file,
		total:       total,
		lastPercent: -1,
		cb:          cb,
	}
}

// withContext adds directory-transfer context to every emitted record.
func (t *tracker) withContext(fileIndex, totalFiles int) *tracker {
	t.fileIndex = fileIndex
	t.totalFiles = totalFiles
	return t
}

// restart resets the byte count when a retry replays the transfer from the
// beginning. Emission stays suppressed until the replay passes the previous
// high-water percent.
func (t *tracker) restart() {
	t.sent = 0
}

// add records n transferred bytes and emits a progress record.
func (t *tracker) add(n int) {
	t.sent += int64(n)
	percent := 0
	if t.total > 0 {
		percent = int(t.sent * 100 / t.total)
		if percent > 100 {
			percent = 100
		}
	}
	t.emit(percent)
}

// finish emits the terminal 100 if no chunk already did.
func (t *tracker) finish() {
	if t.sent < t.total {
		t.sent = t.total
	}
	t.emit(100)
}

func (t *tracker) emit(percent int) {
	if t.cb == nil || t.done || percent < t.lastPercent {
		return
	}
	if percent == 100 {
		t.done = true
	}
	t.lastPercent = percent
	t.cb(envelope.Progress{
		File:       t.file,
		FileIndex:  t.fileIndex,
		TotalFiles: t.totalFiles,
		BytesSent:  t.sent,
		TotalBytes: t.total,
		Percent:    percent,
	})
}
