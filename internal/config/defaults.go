package config

import "polychat/internal/models"

type vendorDefault struct {
	baseURL  string
	apiStyle string
	envKey   string
	models   []string
}

// vendorDefaults is the built-in model catalog. Model identifiers map to exactly one vendor.
var vendorDefaults = map[models.Vendor]vendorDefault{
	models.VendorGPT: {
		baseURL:  "https://api.openai.com/v1",
		apiStyle: APIStyleOpenAI,
		envKey:   "OPENAI_API_KEY",
		models:   []string{"gpt-5.2", "gpt-4o", "gpt-4o-mini", "o3"},
	},
	models.VendorClaude: {
		baseURL:  "https://api.anthropic.com",
		apiStyle: APIStyleClaude,
		envKey:   "ANTHROPIC_API_KEY",
		models:   []string{"claude-sonnet-4-5", "claude-opus-4-1", "claude-haiku-4-5"},
	},
	models.VendorGemini: {
		baseURL:  "https://generativelanguage.googleapis.com/v1beta",
		apiStyle: APIStyleGemini,
		envKey:   "GEMINI_API_KEY",
		models:   []string{"gemini-2.5-pro", "gemini-2.5-flash"},
	},
	models.VendorGrok: {
		baseURL:  "https://api.x.ai/v1",
		apiStyle: APIStyleOpenAI,
		envKey:   "XAI_API_KEY",
		models:   []string{"grok-4", "grok-3"},
	},
	models.VendorDeepSeek: {
		baseURL:  "https://api.deepseek.com",
		apiStyle: APIStyleOpenAI,
		envKey:   "DEEPSEEK_API_KEY",
		models:   []string{"deepseek-chat", "deepseek-reasoner"},
	},
	models.VendorPerplexity: {
		baseURL:  "https://api.perplexity.ai",
		apiStyle: APIStyleOpenAI,
		envKey:   "PERPLEXITY_API_KEY",
		models:   []string{"sonar", "sonar-pro"},
	},
}
