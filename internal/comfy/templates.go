package comfy

import (
	"math/rand/v2"
	"regexp"
)

// Params is the small parameter set a template expands into a full
// prompt graph. ModelID is the checkpoint filename the template was
// matched against. A Seed of -1 means "pick one now"; ResolveParams
// replaces it before any graph is built so progress reporting and the
// final result agree on the value.
type Params struct {
	ModelID        string
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Frames         int
	FPS            int
	Steps          int
	CFG            float64
	Seed           int64
}

// Template maps a resolved parameter set to a provider-native graph.
// Build is pure: identical resolved params produce an identical graph.
// The returned node id identifies the node whose output is the final
// artifact.
type Template struct {
	Family      string
	DisplayName string
	Defaults    Params
	Build       func(p Params) (Graph, string)
}

// templateRule pairs a model-filename pattern with its template.
// Rules are tried in order; the first match wins, so patterns must not
// ambiguously overlap.
type templateRule struct {
	match    *regexp.Regexp
	template *Template
}

var templateRules = []templateRule{
	{
		match:    regexp.MustCompile(`(?i)^ltx[-_]?v(ideo)?.*\.safetensors$`),
		template: &ltxVideoTemplate,
	},
	{
		match:    regexp.MustCompile(`(?i)^wan2\.[0-9].*t2v.*\.safetensors$`),
		template: &wanT2VTemplate,
	},
}

// FindTemplate resolves a model filename to its graph template.
func FindTemplate(modelID string) (*Template, bool) {
	for _, rule := range templateRules {
		if rule.match.MatchString(modelID) {
			return rule.template, true
		}
	}
	return nil, false
}

// HasTemplate reports whether any template matches the model filename.
func HasTemplate(modelID string) bool {
	_, ok := FindTemplate(modelID)
	return ok
}

// ResolveParams merges caller params over the template defaults and
// resolves a sentinel seed. Zero-valued caller fields fall back to the
// defaults; the prompt is always caller-supplied.
func ResolveParams(t *Template, p Params) Params {
	r := t.Defaults
	r.ModelID = p.ModelID
	r.Prompt = p.Prompt
	if p.NegativePrompt != "" {
		r.NegativePrompt = p.NegativePrompt
	}
	if p.Width > 0 {
		r.Width = p.Width
	}
	if p.Height > 0 {
		r.Height = p.Height
	}
	if p.Frames > 0 {
		r.Frames = p.Frames
	}
	if p.FPS > 0 {
		r.FPS = p.FPS
	}
	if p.Steps > 0 {
		r.Steps = p.Steps
	}
	if p.CFG > 0 {
		r.CFG = p.CFG
	}
	if p.Seed >= 0 {
		r.Seed = p.Seed
	} else {
		r.Seed = int64(rand.Uint32())
	}
	return r
}

// DurationSeconds is the duration of the generated clip. This is video
// duration (frames over frame rate), not generation wall-clock time.
func (p Params) DurationSeconds() float64 {
	if p.FPS == 0 {
		return 0
	}
	return float64(p.Frames) / float64(p.FPS)
}

var ltxVideoTemplate = Template{
	Family:      "ltx-video",
	DisplayName: "LTX-Video",
	Defaults: Params{
		NegativePrompt: "low quality, worst quality, deformed, distorted, watermark",
		Width:          768,
		Height:         512,
		Frames:         97,
		FPS:            24,
		Steps:          30,
		CFG:            3.0,
		Seed:           -1,
	},
	Build: buildLTXVideo,
}

func buildLTXVideo(p Params) (Graph, string) {
	g := Graph{
		"1": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{
			"ckpt_name": p.ModelID,
		}},
		"2": {ClassType: "CLIPLoader", Inputs: map[string]any{
			"clip_name": "t5xxl_fp16.safetensors",
			"type":      "ltxv",
		}},
		"3": {ClassType: "CLIPTextEncode", Inputs: map[string]any{
			"text": p.Prompt,
			"clip": Ref("2", 0),
		}},
		"4": {ClassType: "CLIPTextEncode", Inputs: map[string]any{
			"text": p.NegativePrompt,
			"clip": Ref("2", 0),
		}},
		"5": {ClassType: "EmptyLTXVLatentVideo", Inputs: map[string]any{
			"width":      p.Width,
			"height":     p.Height,
			"length":     p.Frames,
			"batch_size": 1,
		}},
		"6": {ClassType: "LTXVConditioning", Inputs: map[string]any{
			"positive":   Ref("3", 0),
			"negative":   Ref("4", 0),
			"frame_rate": p.FPS,
		}},
		"7": {ClassType: "KSampler", Inputs: map[string]any{
			"model":        Ref("1", 0),
			"positive":     Ref("6", 0),
			"negative":     Ref("6", 1),
			"latent_image": Ref("5", 0),
			"seed":         p.Seed,
			"steps":        p.Steps,
			"cfg":          p.CFG,
			"sampler_name": "euler",
			"scheduler":    "normal",
			"denoise":      1.0,
		}},
		"8": {ClassType: "VAEDecode", Inputs: map[string]any{
			"samples": Ref("7", 0),
			"vae":     Ref("1", 2),
		}},
		"9": {ClassType: "SaveAnimatedWEBP", Inputs: map[string]any{
			"images":          Ref("8", 0),
			"fps":             p.FPS,
			"filename_prefix": "ltxv",
			"lossless":        false,
			"quality":         90,
			"method":          "default",
		}},
	}
	return g, "9"
}

var wanT2VTemplate = Template{
	Family:      "wan-t2v",
	DisplayName: "Wan 2.x text-to-video",
	Defaults: Params{
		NegativePrompt: "blurry, static, overexposed, low quality, worst quality",
		Width:          832,
		Height:         480,
		Frames:         81,
		FPS:            16,
		Steps:          20,
		CFG:            6.0,
		Seed:           -1,
	},
	Build: buildWanT2V,
}

func buildWanT2V(p Params) (Graph, string) {
	g := Graph{
		"1": {ClassType: "UNETLoader", Inputs: map[string]any{
			"unet_name":    p.ModelID,
			"weight_dtype": "default",
		}},
		"2": {ClassType: "CLIPLoader", Inputs: map[string]any{
			"clip_name": "umt5_xxl_fp8_e4m3fn_scaled.safetensors",
			"type":      "wan",
		}},
		"3": {ClassType: "VAELoader", Inputs: map[string]any{
			"vae_name": "wan_2.1_vae.safetensors",
		}},
		"4": {ClassType: "CLIPTextEncode", Inputs: map[string]any{
			"text": p.Prompt,
			"clip": Ref("2", 0),
		}},
		"5": {ClassType: "CLIPTextEncode", Inputs: map[string]any{
			"text": p.NegativePrompt,
			"clip": Ref("2", 0),
		}},
		"6": {ClassType: "EmptyHunyuanLatentVideo", Inputs: map[string]any{
			"width":      p.Width,
			"height":     p.Height,
			"length":     p.Frames,
			"batch_size": 1,
		}},
		"7": {ClassType: "KSampler", Inputs: map[string]any{
			"model":        Ref("1", 0),
			"positive":     Ref("4", 0),
			"negative":     Ref("5", 0),
			"latent_image": Ref("6", 0),
			"seed":         p.Seed,
			"steps":        p.Steps,
			"cfg":          p.CFG,
			"sampler_name": "uni_pc",
			"scheduler":    "simple",
			"denoise":      1.0,
		}},
		"8": {ClassType: "VAEDecode", Inputs: map[string]any{
			"samples": Ref("7", 0),
			"vae":     Ref("3", 0),
		}},
		"9": {ClassType: "VHS_VideoCombine", Inputs: map[string]any{
			"images":          Ref("8", 0),
			"frame_rate":      p.FPS,
			"format":          "video/h264-mp4",
			"filename_prefix": "wan_t2v",
			"save_output":     true,
		}},
	}
	return g, "9"
}
