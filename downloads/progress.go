package downloads

// Status represents the current state of a managed operation. The string
// values are the wire format served by GET /downloads; clients treat absence
// of an operation from that listing as completion, so terminal entries are
// only retained briefly (see Manager).
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusInstalling  Status = "installing"
	StatusCompleted   Status = "completed"
	StatusStopped     Status = "stopped"
	StatusError       Status = "error"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusError
}

// Progress represents the current progress of a single operation.
type Progress struct {
	Dest            string  `json:"dest"`
	Name            string  `json:"name"`
	Status          Status  `json:"status"`
	Message         string  `json:"message"`
	BytesDownloaded int64   `json:"bytes_downloaded"`
	TotalBytes      int64   `json:"total_bytes"`
	Percent         float64 `json:"progress"`
	Speed           int64   `json:"speed"` // bytes/sec
	Error           string  `json:"error,omitempty"`
}

// ProgressCallback is a function called to report operation progress.
type ProgressCallback func(Progress)

// ByteProgressCallback is a function called to report raw byte progress
// during a fetch.
type ByteProgressCallback func(downloaded, total int64)
