package protocol

import "time"

// RenderRequest asks the daemon to render a score file.
type RenderRequest struct {
	RenderID  string `json:"render_id,omitempty"`
	Source    string `json:"source"`
	OutputDir string `json:"output_dir,omitempty"`
}

// Render states carried by RenderStatus.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// RenderStatus reports progress of a render on the bus.
type RenderStatus struct {
	RenderID  string    `json:"render_id"`
	Source    string    `json:"source"`
	State     string    `json:"state"`
	Stage     string    `json:"stage,omitempty"`
	Error     string    `json:"error,omitempty"`
	Paths     []string  `json:"paths,omitempty"`
	Shifted   int       `json:"shifted,omitempty"`
	Fallbacks int       `json:"fallbacks,omitempty"`
	Silenced  int       `json:"silenced,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Final reports whether no further status follows.
func (s RenderStatus) Final() bool {
	return s.State == StateCompleted || s.State == StateFailed
}

const (
	SubjectRenderRequest      = "cantor.render.request"
	SubjectRenderStatusPrefix = "cantor.render.status"
	SubjectRenderDone         = "cantor.render.done"
)

// StatusSubject is the per-render status subject.
func StatusSubject(renderID string) string {
	return SubjectRenderStatusPrefix + "." + renderID
}
