// Package gazette parses decision listing pages of the official gazette
// portal into structured records.
package gazette

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/jurisq/lexharvester/internal/harvest"
)

// Config controls extraction.
type Config struct {
	// BaseURL resolves relative document links found on the page.
	BaseURL string
	// DefaultChamber applies when a theme block carries no chamber attribute.
	DefaultChamber string
}

// Extractor implements harvest.PageExtractor for the gazette listing markup:
// theme blocks containing decision rows, each row optionally linking the
// decision page and attached documents, plus a "next page" control.
type Extractor struct {
	cfg  Config
	base *url.URL
}

// New builds an Extractor. BaseURL must parse when set.
func New(cfg Config) (*Extractor, error) {
	var base *url.URL
	if cfg.BaseURL != "" {
		parsed, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		base = parsed
	}
	return &Extractor{cfg: cfg, base: base}, nil
}

// Extract parses one page. A decision row missing the fields for its
// natural key fails the whole page: silent skips hide integration bugs.
func (e *Extractor) Extract(pageContent []byte) (harvest.PageResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(pageContent))
	if err != nil {
		return harvest.PageResult{}, fmt.Errorf("parse html: %w", err)
	}

	var result harvest.PageResult
	var extractErr error

	doc.Find("div.theme-block").EachWithBreak(func(_ int, block *goquery.Selection) bool {
		if err := e.extractThemeBlock(block, &result); err != nil {
			extractErr = err
			return false
		}
		return true
	})
	if extractErr != nil {
		return harvest.PageResult{}, extractErr
	}

	result.HasMore = doc.Find("a.next-page").Length() > 0
	return result, nil
}

func (e *Extractor) extractThemeBlock(block *goquery.Selection, result *harvest.PageResult) error {
	chamber := strings.TrimSpace(block.AttrOr("data-chamber", e.cfg.DefaultChamber))
	label := strings.TrimSpace(block.Find(".theme-label").First().Text())
	if label == "" {
		return fmt.Errorf("theme block without label")
	}
	themeKey, err := harvest.ThemeKey(chamber, label)
	if err != nil {
		return fmt.Errorf("theme natural key: %w", err)
	}
	result.Records = append(result.Records, harvest.Record{
		NaturalKey: themeKey,
		Kind:       harvest.KindTheme,
		Chamber:    chamber,
		Title:      label,
	})

	var rowErr error
	block.Find("tr.decision-row").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		if err := e.extractDecisionRow(row, chamber, themeKey, result); err != nil {
			rowErr = err
			return false
		}
		return true
	})
	return rowErr
}

func (e *Extractor) extractDecisionRow(
	row *goquery.Selection,
	chamber string,
	themeKey string,
	result *harvest.PageResult,
) error {
	number := strings.TrimSpace(row.Find(".num").First().Text())
	decisionKey, err := harvest.DecisionKey(chamber, number)
	if err != nil {
		return fmt.Errorf("decision natural key: %w", err)
	}

	decision := harvest.Record{
		NaturalKey: decisionKey,
		Kind:       harvest.KindDecision,
		Chamber:    chamber,
		Number:     number,
		Title:      strings.TrimSpace(row.Find(".title").First().Text()),
	}
	if href, ok := row.Find("a.decision-link").First().Attr("href"); ok {
		decision.SourceURL = e.resolve(href)
	}
	if decided := parseDecisionDate(row.Find(".date").First().Text()); decided != nil {
		decision.DecidedAt = decided
	}
	result.Records = append(result.Records, decision)
	result.Classifications = append(result.Classifications, harvest.Classification{
		DecisionKey: decisionKey,
		ThemeKey:    themeKey,
		Chamber:     chamber,
	})

	var docErr error
	row.Find("a.doc-link").EachWithBreak(func(_ int, link *goquery.Selection) bool {
		href, ok := link.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			docErr = fmt.Errorf("document link without href on decision %s", decisionKey)
			return false
		}
		sourceURL := e.resolve(href)
		docKey, err := harvest.DocumentKey(sourceURL)
		if err != nil {
			docErr = fmt.Errorf("document natural key: %w", err)
			return false
		}
		result.Records = append(result.Records, harvest.Record{
			NaturalKey: docKey,
			Kind:       harvest.KindDocument,
			Chamber:    chamber,
			Number:     number,
			SourceURL:  sourceURL,
		})
		return true
	})
	return docErr
}

func (e *Extractor) resolve(href string) string {
	href = strings.TrimSpace(href)
	if e.base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return e.base.ResolveReference(ref).String()
}

var dateLayouts = []string{"2006-01-02", "02/01/2006", "02.01.2006"}

func parseDecisionDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
