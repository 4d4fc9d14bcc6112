package ai

import (
	"context"
	"fmt"

	"github.com/jurisq/lexharvester/internal/harvest"
)

// TranslateProcessor translates a record's source text via the AI service.
type TranslateProcessor struct {
	client *Client
}

// NewTranslateProcessor builds the translate stage processor.
func NewTranslateProcessor(client *Client) *TranslateProcessor {
	return &TranslateProcessor{client: client}
}

// Stage implements harvest.StageProcessor.
func (p *TranslateProcessor) Stage() harvest.Stage { return harvest.StageTranslate }

type translateRequest struct {
	NaturalKey string `json:"natural_key"`
	Title      string `json:"title,omitempty"`
	ContentRef string `json:"content_ref,omitempty"`
	SourceURL  string `json:"source_url,omitempty"`
}

type translateResponse struct {
	TranslatedText  string `json:"translated_text"`
	TranslatedTitle string `json:"translated_title"`
}

// Process implements harvest.StageProcessor.
func (p *TranslateProcessor) Process(ctx context.Context, rec harvest.Record) (harvest.StageResult, error) {
	req := translateRequest{
		NaturalKey: rec.NaturalKey,
		Title:      rec.Title,
		ContentRef: rec.ContentRef,
		SourceURL:  rec.SourceURL,
	}
	var resp translateResponse
	if err := p.client.post(ctx, "/v1/translate", req, &resp); err != nil {
		return harvest.StageResult{}, &harvest.StageProcessingError{
			NaturalKey: rec.NaturalKey,
			Stage:      harvest.StageTranslate,
			Transient:  transient(err),
			Err:        err,
		}
	}
	if resp.TranslatedText == "" && resp.TranslatedTitle == "" {
		return harvest.StageResult{}, &harvest.StageProcessingError{
			NaturalKey: rec.NaturalKey,
			Stage:      harvest.StageTranslate,
			Err:        fmt.Errorf("empty translation response"),
		}
	}
	return harvest.StageResult{
		TranslatedText:  resp.TranslatedText,
		TranslatedTitle: resp.TranslatedTitle,
	}, nil
}
