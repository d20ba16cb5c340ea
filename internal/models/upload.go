package models

import "time"

// UploadStatus is the lifecycle state of one scanned image.
type UploadStatus string

const (
	UploadPending    UploadStatus = "pending"
	UploadQueued     UploadStatus = "queued"
	UploadProcessing UploadStatus = "processing"
	UploadCompleted  UploadStatus = "completed"
	UploadError      UploadStatus = "error"
)

// UploadTask represents one image awaiting or undergoing extraction.
// Content is owned by the task and released when the task is removed.
type UploadTask struct {
	ID        string       `json:"id"`
	FileName  string       `json:"file_name"`
	Content   []byte       `json:"-"`
	Status    UploadStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
