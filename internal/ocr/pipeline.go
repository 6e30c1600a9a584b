package ocr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"
	"github.com/rs/zerolog"
)

// ExtractResult is the raw output of a single OCR pass.
type ExtractResult struct {
	Text       string
	Confidence float64
	Elapsed    time.Duration
}

// ProcessedText is the final post-processing output, ready to be embedded
// and stored as a screen_capture record.
type ProcessedText struct {
	CleanedText  string
	FileNames    []string
	CodeSnippets []string
}

var hocrConfidencePattern = regexp.MustCompile(`x_wconf (\d+)`)

// Pipeline wraps a single long-lived Tesseract worker (spec §4.5): creating
// a gosseract.Client per call is expensive, so ScreenMonitor shares one
// Pipeline across ticks, serialized by the caller.
type Pipeline struct {
	client *gosseract.Client
	log    zerolog.Logger
}

// NewPipeline starts the Tesseract worker with the English model.
func NewPipeline(log zerolog.Logger) (*Pipeline, error) {
	client := gosseract.NewClient()
	if err := client.SetLanguage("eng"); err != nil {
		client.Close()
		return nil, fmt.Errorf("ocr: set language: %w", err)
	}
	return &Pipeline{client: client, log: log.With().Str("component", "ocr").Logger()}, nil
}

// ExtractText runs Tesseract over a screenshot's raw image bytes. Confidence
// is derived from the HOCR word-confidence attributes Tesseract emits,
// averaged across all recognized words.
func (p *Pipeline) ExtractText(imageBytes []byte) (ExtractResult, error) {
	start := time.Now()

	if err := p.client.SetImageFromBytes(imageBytes); err != nil {
		return ExtractResult{}, fmt.Errorf("ocr: load image: %w", err)
	}

	text, err := p.client.Text()
	if err != nil {
		return ExtractResult{}, fmt.Errorf("ocr: recognize: %w", err)
	}

	confidence := 0.0
	if hocr, hErr := p.client.HOCRText(); hErr == nil {
		confidence = averageHOCRConfidence(hocr)
	}

	return ExtractResult{
		Text:       text,
		Confidence: confidence,
		Elapsed:    time.Since(start),
	}, nil
}

func averageHOCRConfidence(hocr string) float64 {
	matches := hocrConfidencePattern.FindAllStringSubmatch(hocr, -1)
	if len(matches) == 0 {
		return 0
	}
	var sum float64
	for _, m := range matches {
		v, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		sum += float64(v)
	}
	return sum / float64(len(matches)) / 100.0
}

// Process runs the full spec §4.5 post-processing chain over raw OCR text:
// clean -> extract file names/code -> redact -> additional cleanup ->
// gibberish filter.
func (p *Pipeline) Process(raw string) ProcessedText {
	cleaned := cleanOcrText(raw)
	fileNames := extractFileNames(cleaned)
	codeSnippets := extractCodeSnippets(cleaned)
	redacted := redact(cleaned, fileNames, codeSnippets)
	afterCleanup := additionalCleanup(redacted)
	final := filterGibberish(afterCleanup)

	return ProcessedText{
		CleanedText:  strings.TrimSpace(final),
		FileNames:    fileNames,
		CodeSnippets: codeSnippets,
	}
}

// Close terminates the Tesseract worker. ScreenMonitor.Stop awaits the
// in-flight tick before calling this (spec §5).
func (p *Pipeline) Close() error {
	return p.client.Close()
}
