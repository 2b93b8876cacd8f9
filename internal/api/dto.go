package api

import (
	"time"

	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
	"github.com/evolvesystems/audiotricks-sub001/internal/upload"
)

type initUploadRequest struct {
	Filename     string `json:"filename"`
	DeclaredSize int64  `json:"declaredSize"`
	MimeType     string `json:"mimeType"`
}

type initUploadResponse struct {
	SessionID      string `json:"sessionId"`
	Strategy       string `json:"strategy"`
	Provider       string `json:"provider"`
	ChunkSize      int64  `json:"chunkSize,omitempty"`
	TotalChunks    int    `json:"totalChunks,omitempty"`
	MaxUploadBytes int64  `json:"maxUploadBytes"`
}

type chunkAckResponse struct {
	Ordinal        int    `json:"ordinal"`
	Size           int64  `json:"size"`
	Checksum       string `json:"checksum"`
	ReceivedChunks int    `json:"receivedChunks"`
	TotalChunks    int    `json:"totalChunks"`
	Progress       int    `json:"progress"`
	Completed      bool   `json:"completed"`
	PublicURL      string `json:"publicUrl,omitempty"`
}

type sessionResponse struct {
	SessionID      string `json:"sessionId"`
	Status         string `json:"status"`
	Strategy       string `json:"strategy"`
	Filename       string `json:"filename"`
	Progress       int    `json:"progress"`
	ReceivedChunks int    `json:"receivedChunks,omitempty"`
	TotalChunks    int    `json:"totalChunks,omitempty"`
	ChunkSize      int64  `json:"chunkSize,omitempty"`
	PublicURL      string `json:"publicUrl,omitempty"`
	FailureReason  string `json:"failureReason,omitempty"`
}

type createJobRequest struct {
	UploadSessionID string   `json:"uploadSessionId"`
	Operations      []string `json:"operations"`
}

type jobResponse struct {
	JobID           string             `json:"jobId"`
	UploadSessionID string             `json:"uploadSessionId"`
	Status          string             `json:"status"`
	Progress        int                `json:"progress"`
	Operations      []string           `json:"operations"`
	Results         *domain.JobResults `json:"results,omitempty"`
	ErrorMessage    string             `json:"errorMessage,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	StartedAt       *time.Time         `json:"startedAt,omitempty"`
	CompletedAt     *time.Time         `json:"completedAt,omitempty"`
}

type jobListResponse struct {
	Jobs []jobResponse `json:"jobs"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
}

func initResponseOf(res *upload.InitResponse) initUploadResponse {
	return initUploadResponse{
		SessionID:      res.SessionID.String(),
		Strategy:       string(res.Strategy),
		Provider:       string(res.Provider),
		ChunkSize:      res.ChunkSize,
		TotalChunks:    res.TotalChunks,
		MaxUploadBytes: res.MaxUploadBytes,
	}
}

func chunkAckOf(res *upload.ChunkResult) chunkAckResponse {
	return chunkAckResponse{
		Ordinal:        res.Ordinal,
		Size:           res.Size,
		Checksum:       res.Checksum,
		ReceivedChunks: res.ReceivedChunks,
		TotalChunks:    res.TotalChunks,
		Progress:       res.Progress,
		Completed:      res.Completed,
		PublicURL:      res.PublicURL,
	}
}

func sessionResponseOf(v *upload.SessionView) sessionResponse {
	return sessionResponse{
		SessionID:      v.SessionID.String(),
		Status:         string(v.Status),
		Strategy:       string(v.Strategy),
		Filename:       v.Filename,
		Progress:       v.Progress,
		ReceivedChunks: v.ReceivedChunks,
		TotalChunks:    v.TotalChunks,
		ChunkSize:      v.ChunkSize,
		PublicURL:      v.PublicURL,
		FailureReason:  v.FailureReason,
	}
}

func jobResponseOf(j *domain.ProcessingJob) jobResponse {
	ops := make([]string, len(j.Operations))
	for i, op := range j.Operations {
		ops[i] = string(op)
	}
	resp := jobResponse{
		JobID:           j.ID.String(),
		UploadSessionID: j.UploadSessionID.String(),
		Status:          string(j.Status),
		Progress:        j.Progress,
		Operations:      ops,
		ErrorMessage:    j.ErrorMessage,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
	if j.Results.Transcription != nil || j.Results.Summary != nil || j.Results.Analysis != nil {
		results := j.Results
		resp.Results = &results
	}
	return resp
}
