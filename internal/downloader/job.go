package downloader

import "sync"

// Progress is a snapshot of a running transfer.
type Progress struct {
	BytesDone int64 `json:"bytes_done"`
	// BytesTotal is nil when the source did not announce a length.
	BytesTotal *int64 `json:"bytes_total,omitempty"`
	Source     string `json:"source"`
}

// Result describes an installed archive.
type Result struct {
	Path   string `json:"path"`
	Source string `json:"source"`
	Bytes  int64  `json:"bytes"`
}

// Job is a download running in the background. Progress carries only the
// most recent value; slow readers skip intermediate updates.
type Job struct {
	progress chan Progress
	done     chan struct{}
	once     sync.Once

	result *Result
	err    error
}

func newJob() *Job {
	return &Job{
		progress: make(chan Progress, 1),
		done:     make(chan struct{}),
	}
}

// Progress is closed once the job finishes.
func (j *Job) Progress() <-chan Progress {
	return j.progress
}

// Done is closed once the job finishes.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Result blocks until the job finishes.
func (j *Job) Result() (*Result, error) {
	<-j.done
	return j.result, j.err
}

// publish replaces any unread value. Only the job's own goroutine calls it.
func (j *Job) publish(p Progress) {
	select {
	case <-j.progress:
	default:
	}
	select {
	case j.progress <- p:
	default:
	}
}

func (j *Job) finish(res *Result, err error) {
	j.once.Do(func() {
		j.result, j.err = res, err
		close(j.progress)
		close(j.done)
	})
}
