package ai

import (
	"context"
	"fmt"

	"github.com/jurisq/lexharvester/internal/harvest"
)

// AnalyzeProcessor summarizes a translated record and extracts entities.
type AnalyzeProcessor struct {
	client *Client
}

// NewAnalyzeProcessor builds the analyze stage processor.
func NewAnalyzeProcessor(client *Client) *AnalyzeProcessor {
	return &AnalyzeProcessor{client: client}
}

// Stage implements harvest.StageProcessor.
func (p *AnalyzeProcessor) Stage() harvest.Stage { return harvest.StageAnalyze }

type analyzeRequest struct {
	NaturalKey string `json:"natural_key"`
	Text       string `json:"text"`
	Title      string `json:"title,omitempty"`
}

type analyzeResponse struct {
	Summary  string   `json:"summary"`
	Entities []string `json:"entities"`
}

// Process implements harvest.StageProcessor. Analysis needs translated
// text; a record that reached this stage without it is a pipeline bug and
// fails permanently.
func (p *AnalyzeProcessor) Process(ctx context.Context, rec harvest.Record) (harvest.StageResult, error) {
	if rec.Result.TranslatedText == "" {
		return harvest.StageResult{}, &harvest.StageProcessingError{
			NaturalKey: rec.NaturalKey,
			Stage:      harvest.StageAnalyze,
			Err:        fmt.Errorf("record has no translated text"),
		}
	}
	req := analyzeRequest{
		NaturalKey: rec.NaturalKey,
		Text:       rec.Result.TranslatedText,
		Title:      rec.Result.TranslatedTitle,
	}
	var resp analyzeResponse
	if err := p.client.post(ctx, "/v1/analyze", req, &resp); err != nil {
		return harvest.StageResult{}, &harvest.StageProcessingError{
			NaturalKey: rec.NaturalKey,
			Stage:      harvest.StageAnalyze,
			Transient:  transient(err),
			Err:        err,
		}
	}
	return harvest.StageResult{
		Summary:  resp.Summary,
		Entities: resp.Entities,
	}, nil
}
