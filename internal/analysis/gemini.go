package analysis

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/dharsanguruparan/DigitalSaathi/internal/logging"
)

const maxImageBytes = 20 << 20

// contentGenerator is the slice of *genai.Models the analyzer needs.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini analyzes images with Google's Gemini API. Images are fetched from
// their URLs and sent inline next to the prompt; the response is constrained
// to the request's JSON schema.
type Gemini struct {
	models contentGenerator
	model  string
	http   *http.Client
	logger *zap.Logger
}

// NewGemini creates a Gemini analyzer.
func NewGemini(ctx context.Context, apiKey, model string, logger *zap.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newGemini(client.Models, model, &http.Client{Timeout: 30 * time.Second}, logger), nil
}

func newGemini(models contentGenerator, model string, httpClient *http.Client, logger *zap.Logger) *Gemini {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Gemini{models: models, model: model, http: httpClient, logger: logging.OrNop(logger)}
}

// Analyze implements Analyzer.
func (g *Gemini) Analyze(ctx context.Context, req Request) (*Response, error) {
	if len(req.FileURLs) == 0 {
		return nil, fmt.Errorf("analysis request has no file urls")
	}
	parts := make([]*genai.Part, 0, len(req.FileURLs)+1)
	for _, u := range req.FileURLs {
		data, mimeType, err := g.fetch(ctx, u)
		if err != nil {
			return nil, err
		}
		parts = append(parts, genai.NewPartFromBytes(data, mimeType))
	}
	parts = append(parts, genai.NewPartFromText(req.Prompt))

	cfg := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	if req.ResponseJSONSchema != nil {
		cfg.ResponseJsonSchema = req.ResponseJSONSchema
	}
	start := time.Now()
	result, err := g.models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	g.logger.Debug("gemini analysis finished", zap.String("model", g.model), zap.Duration("took", time.Since(start)))
	resp, err := DecodeResponse(result.Text())
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Caption) == "" {
		return nil, ErrEmptyCaption
	}
	return resp, nil
}

func (g *Gemini) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build image request: %w", err)
	}
	res, err := g.http.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("fetch image: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch image: unexpected status %s", res.Status)
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	mimeType := res.Header.Get("Content-Type")
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}
