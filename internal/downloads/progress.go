// Package downloads mounts archives that may still have to be fetched,
// running bounded background downloads and tracking their progress.
package downloads

import "time"

// State is the lifecycle state of a tracked download.
type State string

const (
	StateDownloading State = "downloading"
	StateInstalled   State = "installed"
	StateFailed      State = "failed"
)

// Progress is the tracked state of one download.
type Progress struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	BytesDone  int64     `json:"bytes_done"`
	BytesTotal *int64    `json:"bytes_total,omitempty"`
	Source     string    `json:"source,omitempty"`
	TargetPath string    `json:"target_path"`
	// Hosts are the site hostnames the archive serves, when known.
	Hosts []string `json:"hosts,omitempty"`
	State State    `json:"state"`
	Error string   `json:"error,omitempty"`
}

// Percent returns completion in [0,100], or -1 when the total is unknown.
func (p Progress) Percent() int {
	if p.BytesTotal == nil || *p.BytesTotal <= 0 {
		return -1
	}
	pct := p.BytesDone * 100 / *p.BytesTotal
	return int(min(pct, 100))
}

func (p Progress) clone() Progress {
	if p.BytesTotal != nil {
		total := *p.BytesTotal
		p.BytesTotal = &total
	}
	if p.Hosts != nil {
		p.Hosts = append([]string(nil), p.Hosts...)
	}
	return p
}
