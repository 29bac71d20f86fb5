package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostRequest(t *testing.T) {
	req := PostRequest("https://cdn.example.com/a.png")
	assert.Equal(t, []string{"https://cdn.example.com/a.png"}, req.FileURLs)
	assert.Contains(t, req.Prompt, "5-8 relevant hashtags")

	props := req.ResponseJSONSchema["properties"].(map[string]any)
	for _, field := range []string{"caption", "hashtags", "mood", "suggestion"} {
		assert.Contains(t, props, field)
	}
}

func TestListingRequestMentionsProduct(t *testing.T) {
	req := ListingRequest("Scarf", "Hand-woven silk", "https://cdn.example.com/s.png")
	assert.Contains(t, req.Prompt, `"Scarf"`)
	assert.Contains(t, req.Prompt, "Hand-woven silk")
}

func TestFixedReturnsCannedData(t *testing.T) {
	f := NewFixed(0)
	resp, err := f.Analyze(context.Background(), PostRequest("u"))
	require.NoError(t, err)
	assert.Equal(t, CannedResponse(), *resp)
	assert.Len(t, f.Requests(), 1)

	resp.Hashtags[0] = "mutated"
	again, err := f.Analyze(context.Background(), PostRequest("u"))
	require.NoError(t, err)
	assert.Equal(t, "travelgram", again.Hashtags[0])
}

func TestFixedErrorAndCancel(t *testing.T) {
	f := &Fixed{Err: errors.New("model overloaded")}
	_, err := f.Analyze(context.Background(), PostRequest("u"))
	assert.EqualError(t, err, "model overloaded")

	slow := NewFixed(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = slow.Analyze(ctx, PostRequest("u"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecodeResponse(t *testing.T) {
	resp, err := DecodeResponse("```json\n{\"caption\":\"Hi\",\"hashtags\":[\"a\",\"#b\"],\"mood\":\"calm\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Hi", resp.Caption)
	assert.Equal(t, []string{"a", "#b"}, resp.Hashtags)
	assert.Equal(t, "calm", resp.Mood)

	_, err = DecodeResponse("a sunny day")
	assert.Error(t, err)
}

func TestResponsePost(t *testing.T) {
	post, err := (&Response{Caption: "Clay and fire", Hashtags: []string{"pottery", "#kiln"}}).Post()
	require.NoError(t, err)
	assert.Equal(t, []string{"#pottery", "#kiln"}, post.Hashtags)

	_, err = (&Response{Caption: "  "}).Post()
	assert.ErrorIs(t, err, ErrEmptyCaption)
}
