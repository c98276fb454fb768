package provider

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/raphaelgruber/conduit/internal/comfy"
	"github.com/raphaelgruber/conduit/internal/models"
)

// Comfy is the video provider, backed by a ComfyUI server. Execution
// goes through the generative job protocol; discovery prefers the
// server's object_info endpoint and falls back to scanning configured
// model directories when the server cannot be asked.
type Comfy struct {
	client    *comfy.Client
	protocol  *comfy.Protocol
	modelDirs []string
	logger    *slog.Logger
}

var _ VideoProvider = (*Comfy)(nil)

// NewComfy creates the video provider. modelDirs are the local
// checkpoint directories used for filesystem-fallback discovery.
func NewComfy(client *comfy.Client, protocol *comfy.Protocol, modelDirs []string, logger *slog.Logger) *Comfy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Comfy{
		client:    client,
		protocol:  protocol,
		modelDirs: modelDirs,
		logger:    logger,
	}
}

func (c *Comfy) Name() string { return "comfy" }
func (c *Comfy) DisplayName() string { return "ComfyUI" }
func (c *Comfy) Capability() models.Capability { return models.CapabilityVideo }

// IsRunning probes the server with a bounded timeout.
func (c *Comfy) IsRunning(ctx context.Context) bool {
	return c.client.Ping(ctx)
}

// discoveryScope holds state for a single discovery run. Each run gets
// a fresh scope so concurrent runs stay independent; nothing here is
// process-global.
type discoveryScope struct {
	probed      bool
	checkpoints []string
}

// serverCheckpoints asks the server once per scope for its checkpoint
// list. A failed probe is remembered as "no checkpoints".
func (d *discoveryScope) serverCheckpoints(ctx context.Context, client *comfy.Client) []string {
	if !d.probed {
		d.probed = true
		names, err := client.CheckpointNames(ctx)
		if err == nil {
			d.checkpoints = names
		}
	}
	return d.checkpoints
}

// DiscoverModels enumerates video models the worker can serve: the
// intersection of known graph templates with checkpoints the server
// reports, or with checkpoint files on disk when the server is
// unreachable. Best-effort, empty on failure.
func (c *Comfy) DiscoverModels(ctx context.Context) []models.ModelRecord {
	scope := &discoveryScope{}

	names := scope.serverCheckpoints(ctx, c.client)
	if len(names) == 0 {
		names = c.scanModelDirs()
	}

	var records []models.ModelRecord
	for _, name := range names {
		tpl, ok := comfy.FindTemplate(name)
		if !ok {
			continue
		}
		records = append(records, models.ModelRecord{
			Name:        name,
			Provider:    c.Name(),
			Capability:  models.CapabilityVideo,
			DisplayName: tpl.DisplayName,
		})
	}
	return records
}

// scanModelDirs lists checkpoint files in the configured directories.
func (c *Comfy) scanModelDirs() []string {
	var names []string
	for _, dir := range c.modelDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			c.logger.Debug("model dir scan failed", "dir", dir, "error", err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if strings.EqualFold(filepath.Ext(entry.Name()), ".safetensors") {
				names = append(names, entry.Name())
			}
		}
	}
	return names
}

// Generate runs one video job through the generative job protocol.
func (c *Comfy) Generate(ctx context.Context, model string, payload models.VideoPayload, onProgress ProgressFunc) (models.JobResult, error) {
	params := comfy.Params{
		Prompt:         payload.Prompt,
		NegativePrompt: payload.NegativePrompt,
		Width:          payload.Width,
		Height:         payload.Height,
		Frames:         payload.Frames,
		FPS:            payload.FPS,
		Steps:          payload.Steps,
		CFG:            payload.CFG,
		Seed:           payload.Seed,
	}
	if payload.Seed == 0 {
		params.Seed = -1 // unset; the protocol resolves a seed pre-submit
	}
	return c.protocol.Run(ctx, model, params, comfy.ProgressFunc(onProgress))
}
