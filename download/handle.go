package download

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/xeptore/quefi/types"
)

// Download is the handle of one running or finished download. Jobs are
// index-aligned with the resolved tracks.
type Download struct {
	Link          types.Link
	StartedAt     time.Time
	jobs          []Job
	succeeded     atomic.Int64
	failed        atomic.Int64
	writeFailures atomic.Int64
	elapsed       atomic.Int64
	done          chan struct{}
	cancel        context.CancelFunc
}

func (d *Download) Len() int {
	return len(d.jobs)
}

// Done is closed once every job is terminal.
func (d *Download) Done() <-chan struct{} {
	return d.done
}

// Cancel stops the download. Pending jobs fail without being fetched and
// in-flight fetches are interrupted; succeeded jobs stay as they are.
func (d *Download) Cancel() {
	d.cancel()
}

// Wait blocks until the download is done or ctx is cancelled.
func (d *Download) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-d.done:
		return d.Summary(), nil
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

type Snapshot struct {
	Link      types.Link
	Jobs      []JobSnapshot
	Pending   int
	InFlight  int
	Succeeded int
	Failed    int
}

func (s Snapshot) Terminal() bool {
	return s.Succeeded+s.Failed == len(s.Jobs)
}

// Snapshot reads the current state of every job. Jobs are read one after
// another, so the result is not an atomic view of the whole download.
func (d *Download) Snapshot() Snapshot {
	s := Snapshot{
		Link:      d.Link,
		Jobs:      make([]JobSnapshot, len(d.jobs)),
		Pending:   0,
		InFlight:  0,
		Succeeded: 0,
		Failed:    0,
	}

	for i := range d.jobs {
		js := d.jobs[i].Snapshot()
		s.Jobs[i] = js

		switch js.Status {
		case StatusPending:
			s.Pending++
		case StatusInFlight:
			s.InFlight++
		case StatusSucceeded:
			s.Succeeded++
		case StatusFailed:
			s.Failed++
		}
	}

	return s
}

type Failure struct {
	Track  types.Track
	Reason string
	Err    error
}

type Summary struct {
	Link          types.Link
	Total         int
	Succeeded     int
	Failed        int
	WriteFailures int
	Elapsed       time.Duration
	// Failures are ordered by track index.
	Failures []Failure
}

// Summary describes the outcome so far. It is complete once Done is closed.
func (d *Download) Summary() Summary {
	s := Summary{
		Link:          d.Link,
		Total:         len(d.jobs),
		Succeeded:     int(d.succeeded.Load()),
		Failed:        int(d.failed.Load()),
		WriteFailures: int(d.writeFailures.Load()),
		Elapsed:       time.Since(d.StartedAt),
		Failures:      nil,
	}
	select {
	case <-d.done:
		s.Elapsed = time.Duration(d.elapsed.Load())
	default:
	}

	for i := range d.jobs {
		if js := d.jobs[i].Snapshot(); js.Status == StatusFailed {
			s.Failures = append(s.Failures, Failure{Track: js.Track, Reason: js.Reason, Err: js.Err})
		}
	}

	return s
}
