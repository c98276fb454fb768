package comfy_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/raphaelgruber/conduit/internal/comfy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Real checkpoint filenames the registry must route unambiguously.
var knownModelFiles = []string{
	"ltx-video-2b-v0.9.5.safetensors",
	"ltxv-13b-0.9.7-dev.safetensors",
	"wan2.1_t2v_1.3B_bf16.safetensors",
	"wan2.2_t2v_low_noise_14B_fp8.safetensors",
}

func TestFindTemplate(t *testing.T) {
	t.Run("ltx video", func(t *testing.T) {
		tpl, ok := comfy.FindTemplate("ltx-video-2b-v0.9.5.safetensors")
		require.True(t, ok)
		assert.Equal(t, "ltx-video", tpl.Family)
	})

	t.Run("wan t2v", func(t *testing.T) {
		tpl, ok := comfy.FindTemplate("wan2.1_t2v_1.3B_bf16.safetensors")
		require.True(t, ok)
		assert.Equal(t, "wan-t2v", tpl.Family)
	})

	t.Run("unknown model", func(t *testing.T) {
		_, ok := comfy.FindTemplate("sd_xl_base_1.0.safetensors")
		assert.False(t, ok)

		// Image-to-video variants do not match the t2v rule.
		_, ok = comfy.FindTemplate("wan2.1_i2v_480p_14B_fp8.safetensors")
		assert.False(t, ok)
	})
}

func TestResolveParamsDefaults(t *testing.T) {
	tpl, ok := comfy.FindTemplate("ltx-video-2b-v0.9.5.safetensors")
	require.True(t, ok)

	resolved := comfy.ResolveParams(tpl, comfy.Params{
		ModelID: "ltx-video-2b-v0.9.5.safetensors",
		Prompt:  "a cat",
		Seed:    42,
	})

	assert.Equal(t, "a cat", resolved.Prompt)
	assert.Equal(t, int64(42), resolved.Seed)
	assert.Equal(t, tpl.Defaults.Width, resolved.Width)
	assert.Equal(t, tpl.Defaults.Frames, resolved.Frames)
	assert.Equal(t, tpl.Defaults.FPS, resolved.FPS)
	assert.NotEmpty(t, resolved.NegativePrompt)

	t.Run("caller values win", func(t *testing.T) {
		resolved := comfy.ResolveParams(tpl, comfy.Params{
			Prompt: "a cat",
			Width:  1024,
			Steps:  8,
			Seed:   42,
		})
		assert.Equal(t, 1024, resolved.Width)
		assert.Equal(t, 8, resolved.Steps)
		assert.Equal(t, tpl.Defaults.Height, resolved.Height)
	})
}

func TestResolveParamsSeedSentinel(t *testing.T) {
	tpl, ok := comfy.FindTemplate("wan2.1_t2v_1.3B_bf16.safetensors")
	require.True(t, ok)

	a := comfy.ResolveParams(tpl, comfy.Params{Prompt: "x", Seed: -1})
	b := comfy.ResolveParams(tpl, comfy.Params{Prompt: "x", Seed: -1})

	assert.GreaterOrEqual(t, a.Seed, int64(0))
	assert.LessOrEqual(t, a.Seed, int64(math.MaxUint32))
	assert.GreaterOrEqual(t, b.Seed, int64(0))
	assert.LessOrEqual(t, b.Seed, int64(math.MaxUint32))
	assert.NotEqual(t, a.Seed, b.Seed, "two sentinel resolutions should differ")
}

// Build must be pure: identical resolved params produce byte-identical
// graphs.
func TestBuildDeterministic(t *testing.T) {
	for _, name := range knownModelFiles {
		t.Run(name, func(t *testing.T) {
			tpl, ok := comfy.FindTemplate(name)
			require.True(t, ok)

			params := comfy.ResolveParams(tpl, comfy.Params{
				ModelID: name,
				Prompt:  "a cat surfing a wave",
				Seed:    12345,
			})

			g1, out1 := tpl.Build(params)
			g2, out2 := tpl.Build(params)

			j1, err := json.Marshal(g1)
			require.NoError(t, err)
			j2, err := json.Marshal(g2)
			require.NoError(t, err)

			assert.Equal(t, out1, out2)
			assert.Equal(t, string(j1), string(j2))
		})
	}
}

func TestBuildGraphShape(t *testing.T) {
	tpl, ok := comfy.FindTemplate("ltx-video-2b-v0.9.5.safetensors")
	require.True(t, ok)

	params := comfy.ResolveParams(tpl, comfy.Params{
		ModelID: "ltx-video-2b-v0.9.5.safetensors",
		Prompt:  "a cat",
		Seed:    7,
	})
	g, outputNode := tpl.Build(params)

	out, ok := g[outputNode]
	require.True(t, ok, "output node must exist in the graph")
	assert.NotEmpty(t, out.ClassType)

	// The sampler carries the resolved seed.
	sampler, ok := g["7"]
	require.True(t, ok)
	assert.Equal(t, "KSampler", sampler.ClassType)
	assert.Equal(t, int64(7), sampler.Inputs["seed"])

	// The checkpoint loader carries the model file.
	loader := g["1"]
	assert.Equal(t, "ltx-video-2b-v0.9.5.safetensors", loader.Inputs["ckpt_name"])
}

func TestDurationSeconds(t *testing.T) {
	p := comfy.Params{Frames: 97, FPS: 24}
	assert.InDelta(t, 97.0/24.0, p.DurationSeconds(), 1e-9)

	assert.Zero(t, comfy.Params{Frames: 10}.DurationSeconds())
}
