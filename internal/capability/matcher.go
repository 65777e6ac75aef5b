package capability

import (
	"strings"

	"github.com/comfygate/comfygate/internal/metrics"
	"github.com/comfygate/comfygate/internal/models"
	"github.com/comfygate/comfygate/pkg/log"
)

// AssetCategories is the closed set of model-asset folders an agent
// reports inventory for. A requirement outside this set can never be
// satisfied.
var AssetCategories = map[string]struct{}{
	"checkpoints":      {},
	"clip":             {},
	"clip_vision":      {},
	"controlnet":       {},
	"diffusion_models": {},
	"embeddings":       {},
	"gligen":           {},
	"hypernetworks":    {},
	"loras":            {},
	"photomaker":       {},
	"style_models":     {},
	"text_encoders":    {},
	"unet":             {},
	"upscale_models":   {},
	"vae":              {},
}

// builtinNodes are the node types every execution engine ships with;
// they never appear in an agent's installed-node list.
var builtinNodes = map[string]struct{}{
	"KSampler":                {},
	"KSamplerAdvanced":        {},
	"CheckpointLoaderSimple":  {},
	"CLIPTextEncode":          {},
	"CLIPSetLastLayer":        {},
	"CLIPLoader":              {},
	"VAEDecode":               {},
	"VAEEncode":               {},
	"VAEEncodeForInpaint":     {},
	"VAELoader":               {},
	"EmptyLatentImage":        {},
	"LatentUpscale":           {},
	"LatentUpscaleBy":         {},
	"LatentComposite":         {},
	"SaveImage":               {},
	"PreviewImage":            {},
	"LoadImage":               {},
	"LoadImageMask":           {},
	"ImageScale":              {},
	"ImageScaleBy":            {},
	"ImageInvert":             {},
	"ImagePadForOutpaint":     {},
	"ConditioningCombine":     {},
	"ConditioningAverage":     {},
	"ConditioningConcat":      {},
	"ConditioningSetArea":     {},
	"ConditioningSetMask":     {},
	"ControlNetLoader":        {},
	"ControlNetApply":         {},
	"ControlNetApplyAdvanced": {},
	"UNETLoader":              {},
	"UpscaleModelLoader":      {},
	"ImageUpscaleWithModel":   {},
	"DualCLIPLoader":          {},
	"EmptyImage":              {},
	"ImageBatch":              {},
	"RepeatLatentBatch":       {},
	"SetLatentNoiseMask":      {},
}

// Matcher decides whether an agent can run a workflow given its
// installed node types and model assets.
type Matcher struct {
	builtins map[string]struct{}
}

// NewMatcher builds a matcher. Extra builtin node types (gateway-side
// extensions) are merged with the engine defaults.
func NewMatcher(extraBuiltins ...string) *Matcher {
	builtins := make(map[string]struct{}, len(builtinNodes)+len(extraBuiltins))
	for node := range builtinNodes {
		builtins[node] = struct{}{}
	}
	for _, node := range extraBuiltins {
		builtins[node] = struct{}{}
	}
	return &Matcher{builtins: builtins}
}

// Missing returns the required node types and asset paths the agent
// lacks. Both empty means the workflow is runnable on the agent.
func (m *Matcher) Missing(agent *models.Agent, requiredNodes, requiredAssets []string) (nodes, assets []string) {
	installed := agent.NodeSet()
	for _, node := range requiredNodes {
		if node == "" {
			continue
		}
		if _, ok := m.builtins[node]; ok {
			continue
		}
		if _, ok := installed[node]; ok {
			continue
		}
		nodes = append(nodes, node)
	}

	for _, asset := range requiredAssets {
		if asset == "" {
			continue
		}
		if !m.hasAsset(agent, asset) {
			assets = append(assets, asset)
		}
	}
	return nodes, assets
}

// CanRun reports whether the agent satisfies both required sets,
// logging any specific misses for operability.
func (m *Matcher) CanRun(agent *models.Agent, requiredNodes, requiredAssets []string) bool {
	nodes, assets := m.Missing(agent, requiredNodes, requiredAssets)
	if len(nodes) == 0 && len(assets) == 0 {
		return true
	}

	metrics.CapabilityRejectionsTotal.WithLabelValues(agent.DeviceID).Inc()
	log.Debug("agent cannot run workflow",
		"device_id", agent.DeviceID,
		"missing_nodes", nodes,
		"missing_assets", assets,
	)
	return false
}

func (m *Matcher) hasAsset(agent *models.Agent, asset string) bool {
	parts := strings.SplitN(asset, "/", 2)
	if len(parts) != 2 {
		return false
	}

	category, filename := parts[0], parts[1]
	if _, ok := AssetCategories[category]; !ok {
		return false
	}

	_, ok := agent.AssetFiles(category)[filename]
	return ok
}
