package daemon

import (
	"time"

	"github.com/dcrange/dcrange/internal/store"
)

type V1ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

type V1StateResponse struct {
	Status string `json:"status"`
}

type V1DestroyRequest struct {
	Force bool `json:"force"`
}

type V1ServerStatusResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Uptime    float64   `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
	JobStatus string    `json:"job_status"`
}

type V1HistoryResponse struct {
	Transitions []store.Transition `json:"transitions"`
}
