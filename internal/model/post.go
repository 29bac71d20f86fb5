// Package model contains the structs shared by the controllers, the services
// they call and the HTTP surface.
package model

import "strings"

// GeneratedPost is the structured result of one image analysis. It is
// replaced wholesale by a new analysis and never patched field by field.
type GeneratedPost struct {
	Caption string `json:"caption"`
	// Hashtags keep the order the service returned them in; duplicates are
	// preserved.
	Hashtags   []string `json:"hashtags"`
	Mood       string   `json:"mood,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// NewGeneratedPost builds a post with normalized hashtags.
func NewGeneratedPost(caption string, hashtags []string, mood, suggestion string) *GeneratedPost {
	tags := make([]string, 0, len(hashtags))
	for _, tag := range hashtags {
		if n := NormalizeHashtag(tag); n != "" {
			tags = append(tags, n)
		}
	}
	return &GeneratedPost{
		Caption:    strings.TrimSpace(caption),
		Hashtags:   tags,
		Mood:       strings.TrimSpace(mood),
		Suggestion: strings.TrimSpace(suggestion),
	}
}

// NormalizeHashtag returns tag prefixed with exactly one '#'. Tags that are
// empty once whitespace and leading '#' are removed normalize to "".
func NormalizeHashtag(tag string) string {
	body := strings.TrimLeft(strings.TrimSpace(tag), "#")
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	return "#" + body
}

// Text is what gets copied or shared: the caption, a blank line, then the
// hashtags separated by single spaces.
func (p *GeneratedPost) Text() string {
	tags := make([]string, 0, len(p.Hashtags))
	for _, tag := range p.Hashtags {
		if n := NormalizeHashtag(tag); n != "" {
			tags = append(tags, n)
		}
	}
	return p.Caption + "\n\n" + strings.Join(tags, " ")
}

// Clone returns a deep copy of p; a nil post clones to nil.
func (p *GeneratedPost) Clone() *GeneratedPost {
	if p == nil {
		return nil
	}
	c := *p
	c.Hashtags = append([]string(nil), p.Hashtags...)
	return &c
}
