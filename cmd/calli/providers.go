package main

import (
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/callidora/calli/internal/config"
	"github.com/callidora/calli/pkg/provider/llm"
	"github.com/callidora/calli/pkg/provider/llm/anyllm"
	"github.com/callidora/calli/pkg/provider/llm/openai"
)

// registerBuiltinProviders wires all built-in model provider factories into
// reg. openai uses the native client so both the chat and responses APIs are
// available; every other provider goes through any-llm.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(c config.LLMConfig) (llm.Provider, error) {
		var opts []openai.Option
		if c.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.BaseURL))
		}
		if org := optString(c.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if c.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(c.Timeout))
		}
		if c.API != "" {
			opts = append(opts, openai.WithAPI(openai.API(c.API)))
		}
		return openai.New(c.APIKey, c.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp and llamafile all
	// share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(c config.LLMConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if c.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(c.APIKey))
			}
			if c.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(c.BaseURL))
			}
			return anyllm.New(providerName, c.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(c config.LLMConfig) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if c.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(c.BaseURL))
		}
		return anyllm.New("ollama", c.Model, opts...)
	})
}

// optString extracts a string value from an Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
