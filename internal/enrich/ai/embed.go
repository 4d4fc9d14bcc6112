package ai

import (
	"context"
	"fmt"

	"github.com/jurisq/lexharvester/internal/harvest"
)

// EmbedProcessor computes the vector embedding for a record.
type EmbedProcessor struct {
	client *Client
}

// NewEmbedProcessor builds the embed stage processor.
func NewEmbedProcessor(client *Client) *EmbedProcessor {
	return &EmbedProcessor{client: client}
}

// Stage implements harvest.StageProcessor.
func (p *EmbedProcessor) Stage() harvest.Stage { return harvest.StageEmbed }

type embedRequest struct {
	NaturalKey string `json:"natural_key"`
	Text       string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Process implements harvest.StageProcessor. The embedding input prefers
// the summary, falling back to the full translated text.
func (p *EmbedProcessor) Process(ctx context.Context, rec harvest.Record) (harvest.StageResult, error) {
	text := rec.Result.Summary
	if text == "" {
		text = rec.Result.TranslatedText
	}
	if text == "" {
		return harvest.StageResult{}, &harvest.StageProcessingError{
			NaturalKey: rec.NaturalKey,
			Stage:      harvest.StageEmbed,
			Err:        fmt.Errorf("record has no text to embed"),
		}
	}
	var resp embedResponse
	if err := p.client.post(ctx, "/v1/embed", embedRequest{NaturalKey: rec.NaturalKey, Text: text}, &resp); err != nil {
		return harvest.StageResult{}, &harvest.StageProcessingError{
			NaturalKey: rec.NaturalKey,
			Stage:      harvest.StageEmbed,
			Transient:  transient(err),
			Err:        err,
		}
	}
	if len(resp.Embedding) == 0 {
		return harvest.StageResult{}, &harvest.StageProcessingError{
			NaturalKey: rec.NaturalKey,
			Stage:      harvest.StageEmbed,
			Err:        fmt.Errorf("empty embedding response"),
		}
	}
	return harvest.StageResult{Embedding: resp.Embedding}, nil
}
