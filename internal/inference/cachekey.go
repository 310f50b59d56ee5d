package inference

import (
	"fmt"
	"strings"

	"halcyon/internal/cache"
	"halcyon/internal/ports"
)

const cacheNamespace = "inference.generate"

// normalizePrompt collapses whitespace so two prompts that differ only in
// incidental spacing hash to the same cache key.
func normalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(prompt), " ")
}

// cacheKeyFor builds the content-hash cache key of spec §4.3: the model, the
// normalized prompt, and every CompletionOptions field relevant to output.
// RequestID and Timeout are excluded (tagged cache:"ignore" in ports.CompletionOptions)
// since they never affect the generated text.
func cacheKeyFor(prompt string, opts ports.CompletionOptions) cache.Key {
	return cache.NewKey(cacheNamespace,
		opts.Model,
		normalizePrompt(prompt),
		opts.SystemPrompt,
		fmt.Sprintf("%g", opts.Temperature),
		fmt.Sprintf("%d", opts.MaxTokens),
	)
}
