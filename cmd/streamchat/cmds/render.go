package cmds

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/weaviate/tiktoken-go"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/streamchat/pkg/client"
	"github.com/go-go-golems/streamchat/pkg/events"
	"github.com/go-go-golems/streamchat/pkg/stream"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	sourceStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	deltaStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	finalStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("118"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func printSources(w io.Writer, sources []stream.SourceRef) {
	if len(sources) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w, subHeaderStyle.Render("Sources:"))
	for i, src := range sources {
		line := fmt.Sprintf("  %d. %s", i+1, src.Source)
		if src.Score != nil {
			line += fmt.Sprintf(" (%.2f)", *src.Score)
		}
		_, _ = fmt.Fprintln(w, sourceStyle.Render(line))
	}
}

func documentsAsSources(docs []client.Document) []stream.SourceRef {
	out := make([]stream.SourceRef, 0, len(docs))
	for _, d := range docs {
		score := d.RelevanceScore
		out = append(out, stream.SourceRef{Source: d.SourceFile, Score: &score, Content: d.Content})
	}
	return out
}

func printFailure(w io.Writer, message string) {
	_, _ = fmt.Fprintln(w, errorStyle.Render("Error: "+message))
}

func renderMarkdown(text string) (string, error) {
	styled, err := glamour.Render(text, "dark")
	if err != nil {
		return "", errors.Wrap(err, "render markdown")
	}
	return styled, nil
}

func printStats(w io.Writer, content string) error {
	tokenCounter, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return errors.Wrap(err, "initialize token counter")
	}
	tokens := tokenCounter.Encode(content, nil, nil)

	_, _ = fmt.Fprintln(w, subHeaderStyle.Render("Statistics:"))
	_, _ = fmt.Fprintf(w, "  Tokens: %d\n", len(tokens))
	_, _ = fmt.Fprintf(w, "  Words:  %d\n", len(strings.Fields(content)))
	_, _ = fmt.Fprintf(w, "  Bytes:  %d\n", len(content))
	return nil
}

func printValue(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return errors.Wrap(err, "encode json")
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	case "", "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return errors.Wrap(err, "encode yaml")
		}
		return enc.Close()
	default:
		return errors.Errorf("unknown output format %q", format)
	}
}

// eventPrinter renders published stream events, one header per stream.
type eventPrinter struct {
	w          io.Writer
	lastStream string
}

func (p *eventPrinter) print(e events.Envelope) {
	if e.StreamID != p.lastStream {
		p.lastStream = e.StreamID
		_, _ = fmt.Fprintln(p.w, headerStyle.Render(fmt.Sprintf("--- session %s ---", e.SessionID)))
	}
	switch e.Type {
	case events.TypeToken:
		_, _ = fmt.Fprint(p.w, deltaStyle.Render(e.Text))
	case events.TypeDone:
		_, _ = fmt.Fprintln(p.w)
		_, _ = fmt.Fprintln(p.w, finalStyle.Render(fmt.Sprintf("--- done, %d sources ---", len(e.Sources))))
		printSources(p.w, e.Sources)
	case events.TypeError:
		_, _ = fmt.Fprintln(p.w)
		printFailure(p.w, e.Message)
	}
}
