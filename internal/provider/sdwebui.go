package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/raphaelgruber/conduit/internal/models"
)

// SDWebUI is the image provider, backed by an AUTOMATIC1111-compatible
// Stable Diffusion WebUI server. Generation is a single request/response
// call; progress is exposed by polling a side endpoint.
type SDWebUI struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

var _ ImageProvider = (*SDWebUI)(nil)

// NewSDWebUI creates the image provider for the server at baseURL.
func NewSDWebUI(baseURL string, logger *slog.Logger) *SDWebUI {
	if logger == nil {
		logger = slog.Default()
	}
	return &SDWebUI{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		pollInterval: 500 * time.Millisecond,
		logger:       logger,
	}
}

func (s *SDWebUI) Name() string { return "sdwebui" }
func (s *SDWebUI) DisplayName() string { return "Stable Diffusion WebUI" }
func (s *SDWebUI) Capability() models.Capability { return models.CapabilityImage }

// IsRunning probes the model-listing endpoint with a bounded timeout.
func (s *SDWebUI) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, livenessTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/sdapi/v1/sd-models", nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type sdModel struct {
	Title     string `json:"title"`
	ModelName string `json:"model_name"`
}

// DiscoverModels enumerates installed checkpoints, empty on any failure.
func (s *SDWebUI) DiscoverModels(ctx context.Context) []models.ModelRecord {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/sdapi/v1/sd-models", nil)
	if err != nil {
		return nil
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Debug("sdwebui discovery failed", "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var sdModels []sdModel
	if err := json.NewDecoder(resp.Body).Decode(&sdModels); err != nil {
		s.logger.Debug("sdwebui discovery returned malformed data", "error", err)
		return nil
	}

	records := make([]models.ModelRecord, 0, len(sdModels))
	for _, m := range sdModels {
		records = append(records, models.ModelRecord{
			Name:        m.ModelName,
			Provider:    s.Name(),
			Capability:  models.CapabilityImage,
			DisplayName: m.Title,
		})
	}
	return records
}

type txt2imgRequest struct {
	Prompt           string         `json:"prompt"`
	NegativePrompt   string         `json:"negative_prompt,omitempty"`
	Width            int            `json:"width,omitempty"`
	Height           int            `json:"height,omitempty"`
	Steps            int            `json:"steps,omitempty"`
	Seed             int64          `json:"seed"`
	OverrideSettings map[string]any `json:"override_settings,omitempty"`
}

type txt2imgResponse struct {
	Images []string `json:"images"`
	Info   string   `json:"info"`
}

type txt2imgInfo struct {
	Seed int64 `json:"seed"`
}

type sdProgress struct {
	State struct {
		SamplingStep  int `json:"sampling_step"`
		SamplingSteps int `json:"sampling_steps"`
	} `json:"state"`
}

// Generate runs one text-to-image call. While the request is in flight
// a side goroutine polls the progress endpoint and forwards step counts
// to onProgress.
func (s *SDWebUI) Generate(ctx context.Context, model string, payload models.ImagePayload, onProgress ProgressFunc) (models.JobResult, error) {
	seed := payload.Seed
	if seed == 0 {
		seed = -1 // let the backend pick; resolved seed comes back in info
	}
	reqBody := txt2imgRequest{
		Prompt:         payload.Prompt,
		NegativePrompt: payload.NegativePrompt,
		Width:          payload.Width,
		Height:         payload.Height,
		Steps:          payload.Steps,
		Seed:           seed,
		OverrideSettings: map[string]any{
			"sd_model_checkpoint": model,
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return models.JobResult{}, fmt.Errorf("encode txt2img request: %w", err)
	}

	if onProgress != nil {
		pollCtx, stopPolling := context.WithCancel(ctx)
		defer stopPolling()
		go s.pollProgress(pollCtx, onProgress)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sdapi/v1/txt2img", bytes.NewReader(body))
	if err != nil {
		return models.JobResult{}, fmt.Errorf("create txt2img request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return models.JobResult{}, fmt.Errorf("txt2img: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.JobResult{}, fmt.Errorf("read txt2img response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.JobResult{}, fmt.Errorf("txt2img failed: %s - %s", resp.Status, truncateBody(data))
	}

	var t2i txt2imgResponse
	if err := json.Unmarshal(data, &t2i); err != nil {
		return models.JobResult{}, fmt.Errorf("decode txt2img response: %w", err)
	}
	if len(t2i.Images) == 0 {
		return models.JobResult{}, fmt.Errorf("txt2img returned no images")
	}

	resolvedSeed := seed
	var info txt2imgInfo
	if err := json.Unmarshal([]byte(t2i.Info), &info); err == nil && info.Seed != 0 {
		resolvedSeed = info.Seed
	}

	return models.JobResult{
		ArtifactB64:     t2i.Images[0],
		MimeType:        "image/png",
		Seed:            resolvedSeed,
		DurationSeconds: time.Since(start).Seconds(),
	}, nil
}

// pollProgress polls the progress endpoint until ctx is canceled,
// forwarding step counts. Poll failures are ignored; the endpoint is
// informational only.
func (s *SDWebUI) pollProgress(ctx context.Context, onProgress ProgressFunc) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	lastStep := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/sdapi/v1/progress", nil)
		if err != nil {
			continue
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			continue
		}
		var p sdProgress
		err = json.NewDecoder(resp.Body).Decode(&p)
		resp.Body.Close()
		if err != nil {
			continue
		}

		if p.State.SamplingStep > lastStep && p.State.SamplingSteps > 0 {
			lastStep = p.State.SamplingStep
			onProgress(models.ProgressEvent{
				Step:       p.State.SamplingStep,
				TotalSteps: p.State.SamplingSteps,
				Stage:      "sampling",
			})
		}
	}
}

func truncateBody(data []byte) string {
	s := string(data)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
