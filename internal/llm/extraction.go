package llm

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/medulla-ai/medulla/internal/observability"
)

const extractionSystemPrompt = `You extract knowledge from conversation transcripts. Reply with a single JSON object and nothing else:
{"entities": [{"name": "...", "type": "...", "description": "..."}],
 "relationships": [{"from": "...", "to": "...", "type": "...", "confidence": <0..1>}]}
Only include entities and relationships actually present in the transcript.`

// ExtractedEntity is one entity pulled from a transcript.
type ExtractedEntity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ExtractedRelationship links two extracted entities.
type ExtractedRelationship struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// ExtractionResult is the consolidation loop's input to the graph store.
type ExtractionResult struct {
	Entities      []ExtractedEntity      `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

// MessagesClient is the subset of the Anthropic SDK used for extraction.
// *sdk.MessageService satisfies it; tests substitute stubs.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Extractor turns conversation transcripts into entities and relationships
// for the memory graph.
type Extractor struct {
	msg       MessagesClient
	model     string
	maxTokens int
	logger    *observability.Logger
}

// NewExtractor builds an extractor against the Anthropic Messages API.
func NewExtractor(apiKey, model string, maxTokens int, logger *observability.Logger) *Extractor {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewExtractorFromClient(&client.Messages, model, maxTokens, logger)
}

// NewExtractorFromClient wraps an existing messages client.
func NewExtractorFromClient(msg MessagesClient, model string, maxTokens int, logger *observability.Logger) *Extractor {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Extractor{msg: msg, model: model, maxTokens: maxTokens, logger: logger}
}

// Extract runs one transcript through the extraction model.
func (e *Extractor) Extract(ctx context.Context, transcript string) (*ExtractionResult, error) {
	if strings.TrimSpace(transcript) == "" {
		return &ExtractionResult{}, nil
	}

	msg, err := e.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(e.model),
		MaxTokens: int64(e.maxTokens),
		System:    []sdk.TextBlockParam{{Text: extractionSystemPrompt}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(transcript)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("extraction call: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}

	var result ExtractionResult
	if err := json5.Unmarshal([]byte(stripFences(b.String())), &result); err != nil {
		return nil, fmt.Errorf("decode extraction reply: %w", err)
	}
	return &result, nil
}
