// Package formatter turns a sealed transcript into the document handed back to the owner.
package formatter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/codebuildervaibhav/session-transcription/internal/config"
	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// Formatter renders a transcript according to a FormatSpec
type Formatter interface {
	Format(ctx context.Context, transcript string, spec types.FormatSpec) (types.Document, error)
}

// New builds the formatter selected by the configuration
func New(cfg config.FormatterConfig) (Formatter, error) {
	switch cfg.Backend {
	case "markdown":
		return NewMarkdownFormatter(), nil
	case "llm":
		return NewLLMFormatter(LLMConfig{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Model:    cfg.Model,
			Timeout:  cfg.GetTimeoutDuration(),
		})
	default:
		return nil, fmt.Errorf("unknown formatter backend %q", cfg.Backend)
	}
}

// MarkdownFormatter renders the transcript locally without any external call
type MarkdownFormatter struct {
	now func() time.Time
}

// NewMarkdownFormatter creates a markdown formatter
func NewMarkdownFormatter() *MarkdownFormatter {
	return &MarkdownFormatter{now: time.Now}
}

const sentencesPerParagraph = 5

// Format renders a heading, a short metadata block and the transcript split into paragraphs
func (f *MarkdownFormatter) Format(ctx context.Context, transcript string, spec types.FormatSpec) (types.Document, error) {
	if err := ctx.Err(); err != nil {
		return types.Document{}, err
	}

	title := defaultTitle(spec, f.now())

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	if spec.Style != "" {
		fmt.Fprintf(&b, "- Style: `%s`\n", spec.Style)
	}
	if spec.Language != "" {
		fmt.Fprintf(&b, "- Language: `%s`\n", spec.Language)
	}
	fmt.Fprintf(&b, "- Words: %d\n", len(strings.Fields(transcript)))
	b.WriteString("\n---\n\n")

	paragraphs := splitParagraphs(transcript, sentencesPerParagraph)
	if len(paragraphs) == 0 {
		b.WriteString("_No speech was captured._\n")
	}
	for _, p := range paragraphs {
		b.WriteString(p)
		b.WriteString("\n\n")
	}

	return types.Document{Title: title, Content: b.String()}, nil
}

func defaultTitle(spec types.FormatSpec, now time.Time) string {
	if t := strings.TrimSpace(spec.Title); t != "" {
		return t
	}
	return "Recording " + now.Format("2006-01-02 15:04")
}

// splitParagraphs groups sentences so long recordings stay readable
func splitParagraphs(text string, perParagraph int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var (
		paragraphs []string
		current    []string
		sentences  int
	)
	for _, w := range words {
		current = append(current, w)
		if strings.HasSuffix(w, ".") || strings.HasSuffix(w, "?") || strings.HasSuffix(w, "!") {
			sentences++
			if sentences == perParagraph {
				paragraphs = append(paragraphs, strings.Join(current, " "))
				current, sentences = nil, 0
			}
		}
	}
	if len(current) > 0 {
		paragraphs = append(paragraphs, strings.Join(current, " "))
	}
	return paragraphs
}
