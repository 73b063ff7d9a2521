package budget

// ModelConfig describes a model's context-window geometry.
type ModelConfig struct {
	Name            string
	DisplayName     string
	MaxTokens       int // total context window, input + output
	MaxOutputTokens int // reserved for the generated reply
	ReserveTokens   int // safety margin for the system prompt and framing
}

// EffectiveBudget returns the token budget available to conversation input.
func (c ModelConfig) EffectiveBudget() int {
	return c.MaxTokens - c.ReserveTokens - c.MaxOutputTokens
}

// DefaultModel is used when no model is specified or the name is unknown.
const DefaultModel = "llama3-8b-8192"

var modelConfigs = map[string]ModelConfig{
	"llama3-8b-8192": {
		Name:            "llama3-8b-8192",
		DisplayName:     "Llama 3 8B",
		MaxTokens:       8192,
		MaxOutputTokens: 2048,
		ReserveTokens:   500,
	},
	"llama3-70b-8192": {
		Name:            "llama3-70b-8192",
		DisplayName:     "Llama 3 70B",
		MaxTokens:       8192,
		MaxOutputTokens: 2048,
		ReserveTokens:   500,
	},
	"mixtral-8x7b-32768": {
		Name:            "mixtral-8x7b-32768",
		DisplayName:     "Mixtral 8x7B",
		MaxTokens:       32768,
		MaxOutputTokens: 4096,
		ReserveTokens:   1000,
	},
	"gemma-7b-it": {
		Name:            "gemma-7b-it",
		DisplayName:     "Gemma 7B",
		MaxTokens:       8192,
		MaxOutputTokens: 2048,
		ReserveTokens:   500,
	},
}

// ModelInfo returns the configuration for a model, falling back to the
// default model for unknown names.
func ModelInfo(name string) ModelConfig {
	if cfg, ok := modelConfigs[name]; ok {
		return cfg
	}
	return modelConfigs[DefaultModel]
}

// Models returns the names of all configured models.
func Models() []string {
	names := make([]string, 0, len(modelConfigs))
	for name := range modelConfigs {
		names = append(names, name)
	}
	return names
}
