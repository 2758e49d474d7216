package download

import (
	"sync/atomic"

	"github.com/xeptore/quefi/fetcher"
	"github.com/xeptore/quefi/must"
	"github.com/xeptore/quefi/types"
)

type Status int32

const (
	StatusPending Status = iota
	StatusInFlight
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	}

	return "unknown"
}

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Job tracks a single track fetch. It is mutated only by the goroutine
// running it. path and err are written before the terminal status is stored
// and must only be read after a terminal status has been loaded.
type Job struct {
	Track  types.Track
	status atomic.Int32
	path   string
	err    error
}

func (j *Job) Status() Status {
	return Status(j.status.Load())
}

func (j *Job) transition(from, to Status) {
	must.Be(
		j.status.CompareAndSwap(int32(from), int32(to)),
		"illegal job status transition from "+j.Status().String()+" to "+to.String(),
	)
}

func (j *Job) start() {
	j.transition(StatusPending, StatusInFlight)
}

func (j *Job) succeed(path string) {
	j.path = path
	j.transition(StatusInFlight, StatusSucceeded)
}

func (j *Job) fail(err error) {
	j.err = err
	j.transition(StatusInFlight, StatusFailed)
}

// abandon fails a job that never got a permit.
func (j *Job) abandon(err error) {
	j.err = err
	j.transition(StatusPending, StatusFailed)
}

type JobSnapshot struct {
	Track  types.Track
	Status Status
	Path   string
	Reason string
	Err    error
}

func (j *Job) Snapshot() JobSnapshot {
	s := JobSnapshot{
		Track:  j.Track,
		Status: j.Status(),
		Path:   "",
		Reason: "",
		Err:    nil,
	}

	switch s.Status {
	case StatusSucceeded:
		s.Path = j.path
	case StatusFailed:
		s.Err = j.err
		s.Reason = fetcher.Reason(j.err)
	case StatusPending, StatusInFlight:
	}

	return s
}
