// Package models defines the wire and domain types shared across the tunnel.
package models

import "encoding/json"

// Capability is the kind of generation a provider supports.
type Capability string

const (
	CapabilityText  Capability = "text"
	CapabilityImage Capability = "image"
	CapabilityVideo Capability = "video"
)

// ChatMessage is a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatPayload is the payload of a text job.
type ChatPayload struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"maxTokens,omitempty"`
}

// ImagePayload is the payload of an image job.
type ImagePayload struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	Steps          int    `json:"steps,omitempty"`
	Seed           int64  `json:"seed,omitempty"`
}

// VideoPayload is the payload of a video job.
type VideoPayload struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negativePrompt,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Frames         int     `json:"frames,omitempty"`
	FPS            int     `json:"fps,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	CFG            float64 `json:"cfg,omitempty"`
	Seed           int64   `json:"seed,omitempty"`
}

// JobRequest is one unit of work handed out by the remote queue.
// It is immutable once received; the raw payload is decoded per Kind.
type JobRequest struct {
	ID      string          `json:"id"`
	ModelID string          `json:"modelId"`
	Kind    Capability      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// ChatPayload decodes the payload of a text job.
func (r *JobRequest) ChatPayload() (ChatPayload, error) {
	var p ChatPayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// ImagePayload decodes the payload of an image job.
func (r *JobRequest) ImagePayload() (ImagePayload, error) {
	var p ImagePayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// VideoPayload decodes the payload of a video job.
func (r *JobRequest) VideoPayload() (VideoPayload, error) {
	var p VideoPayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// ProgressEvent is a transient progress update for a running job.
type ProgressEvent struct {
	Step       int    `json:"step"`
	TotalSteps int    `json:"totalSteps"`
	Stage      string `json:"stage,omitempty"`
}

// JobResult is the terminal outcome of a job. Exactly one result is
// produced per JobRequest, success or failure.
type JobResult struct {
	Content         string  `json:"content,omitempty"`
	ArtifactB64     string  `json:"artifactB64,omitempty"`
	MimeType        string  `json:"mimeType,omitempty"`
	Seed            int64   `json:"seed,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// Failed reports whether the result represents a failure.
func (r JobResult) Failed() bool {
	return r.Error != ""
}

// FailureResult builds a failure JobResult from an error.
func FailureResult(err error) JobResult {
	return JobResult{Error: err.Error()}
}
