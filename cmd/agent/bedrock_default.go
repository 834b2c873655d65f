//go:build !bedrock

package main

import (
	"fmt"
	"log/slog"

	"alfred-ai/internal/domain"
	"alfred-ai/internal/infra/config"
)

// bedrockProviderFactory is the stand-in used when this binary is built
// without the "bedrock" build tag (internal/adapter/llm/bedrock.go is
// itself gated behind that tag).
func bedrockProviderFactory(pc config.ProviderConfig, log *slog.Logger) (domain.LLMProvider, error) {
	return nil, fmt.Errorf("provider %s: bedrock support not built (rebuild with -tags=bedrock)", pc.Name)
}
