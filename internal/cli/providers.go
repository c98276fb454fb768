package cli

import (
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/conduit/internal/comfy"
	"github.com/raphaelgruber/conduit/internal/config"
	"github.com/raphaelgruber/conduit/internal/provider"
)

// buildProviders wires the three backend adapters from config.
func buildProviders(cfg config.Config) (*provider.Set, error) {
	logger := slog.Default()

	text, err := provider.NewOllama(cfg.OllamaHost, logger)
	if err != nil {
		return nil, fmt.Errorf("init ollama provider: %w", err)
	}

	image := provider.NewSDWebUI(cfg.SDWebUIHost, logger)

	comfyClient := comfy.NewClient(cfg.ComfyHost)
	protocol := comfy.NewProtocol(comfyClient, comfy.ProtocolOptions{
		Timeout: cfg.VideoJobTimeout,
		Logger:  logger,
	})
	video := provider.NewComfy(comfyClient, protocol, cfg.ComfyModelDirs, logger)

	return provider.NewSet(text, image, video), nil
}
