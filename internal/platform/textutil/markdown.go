package textutil

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// Renderer turns instruction Markdown into sanitised HTML.
type Renderer struct {
	md     goldmark.Markdown
	strict *bluemonday.Policy
	ugc    *bluemonday.Policy
}

// NewRenderer builds a Renderer with GFM lists and hard line breaks, which is how field workers
// write step-by-step instructions.
func NewRenderer() *Renderer {
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
	)
	ugc := bluemonday.UGCPolicy()
	ugc.RequireNoFollowOnLinks(true)
	return &Renderer{md: md, strict: bluemonday.StrictPolicy(), ugc: ugc}
}

// StripHTML removes all markup from text and returns it unescaped, ready to be stored as plain
// Markdown source.
func (r *Renderer) StripHTML(text string) string {
	return strings.TrimSpace(html.UnescapeString(r.strict.Sanitize(text)))
}

// ToHTML renders Markdown and sanitises the result.
func (r *Renderer) ToHTML(markdown string) (string, error) {
	if strings.TrimSpace(markdown) == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return strings.TrimSpace(r.ugc.Sanitize(buf.String())), nil
}
