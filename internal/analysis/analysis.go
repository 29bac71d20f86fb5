// Package analysis defines the content analysis capability: an image
// reference plus an instruction payload in, structured caption metadata out.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dharsanguruparan/DigitalSaathi/internal/model"
)

// Schema is a JSON schema document.
type Schema map[string]any

// Request is the payload sent to the service.
type Request struct {
	Prompt             string   `json:"prompt"`
	FileURLs           []string `json:"file_urls"`
	ResponseJSONSchema Schema   `json:"response_json_schema"`
}

// Response is the structured result the service answers with.
type Response struct {
	Caption    string   `json:"caption"`
	Hashtags   []string `json:"hashtags"`
	Mood       string   `json:"mood,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// Analyzer maps an image reference to structured descriptive text.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Response, error)
}

// ErrEmptyCaption is returned when a response carries no caption.
var ErrEmptyCaption = errors.New("analysis returned an empty caption")

// Post converts a response into a GeneratedPost with normalized hashtags.
func (r *Response) Post() (*model.GeneratedPost, error) {
	if r == nil || strings.TrimSpace(r.Caption) == "" {
		return nil, ErrEmptyCaption
	}
	return model.NewGeneratedPost(r.Caption, r.Hashtags, r.Mood, r.Suggestion), nil
}

// DecodeResponse parses the JSON text returned by a model, tolerating a
// surrounding markdown code fence.
func DecodeResponse(text string) (*Response, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}
	var resp Response
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}
	return &resp, nil
}

// PostSchema describes Response for the model.
func PostSchema() Schema {
	return Schema{
		"type": "object",
		"properties": map[string]any{
			"caption": map[string]any{"type": "string"},
			"hashtags": map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string"},
				"minItems": 5,
				"maxItems": 8,
			},
			"mood":       map[string]any{"type": "string"},
			"suggestion": map[string]any{"type": "string"},
		},
		"required": []string{"caption", "hashtags"},
	}
}

const postPrompt = `Analyze this image and create an engaging Instagram post. Include:
1. A captivating caption that tells a story or evokes emotion
2. 5-8 relevant hashtags that would boost engagement
3. Consider the mood, colors, objects, people, setting, and overall vibe
4. Make it authentic and conversational, not overly promotional
5. Add some personality and maybe a call-to-action or question for engagement

Also describe the overall mood in a few words and one suggestion to improve engagement.`

// PostRequest is the fixed instruction payload of the post generator.
func PostRequest(fileURL string) Request {
	return Request{
		Prompt:             postPrompt,
		FileURLs:           []string{fileURL},
		ResponseJSONSchema: PostSchema(),
	}
}

// ListingRequest asks for a short product caption for a stored listing.
func ListingRequest(productName, description, fileURL string) Request {
	prompt := fmt.Sprintf(`Generate a short, creative Instagram caption for a handmade product named %q.
Product description: %s
Return 5-8 relevant hashtags, the mood of the photo and one suggestion to boost engagement.`, productName, description)
	return Request{
		Prompt:             prompt,
		FileURLs:           []string{fileURL},
		ResponseJSONSchema: PostSchema(),
	}
}

// CannedResponse is what Fixed answers with by default.
func CannedResponse() Response {
	return Response{
		Caption:    "Lost in the vibrant colors and bustling energy of the city. Every street has a story, every corner a new adventure. Feeling inspired and ready for what's next! #CityLife",
		Hashtags:   []string{"travelgram", "cityscape", "urbanexploration", "streetphotography", "adventure", "exploremore", "wanderlust", "inspiration"},
		Mood:       "Energetic and inspired",
		Suggestion: "Try adding a question like 'What's your favorite city?' to boost comments!",
	}
}

// Fixed is a stand-in analyzer returning constant data after Delay. It keeps
// the requests it received so tests can inspect them.
type Fixed struct {
	Response Response
	Delay    time.Duration
	Err      error

	mu       sync.Mutex
	requests []Request
}

// NewFixed returns a Fixed analyzer answering with CannedResponse.
func NewFixed(delay time.Duration) *Fixed {
	return &Fixed{Response: CannedResponse(), Delay: delay}
}

// Analyze implements Analyzer.
func (f *Fixed) Analyze(ctx context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.Delay > 0 {
		timer := time.NewTimer(f.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if f.Err != nil {
		return nil, f.Err
	}
	resp := f.Response
	resp.Hashtags = append([]string(nil), f.Response.Hashtags...)
	return &resp, nil
}

// Requests returns the requests received so far.
func (f *Fixed) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}
