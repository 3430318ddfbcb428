// Package output renders command results for the CLI.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Result is one executed command.
type Result struct {
	Server    string   `json:"server" yaml:"server"`
	Command   string   `json:"command" yaml:"command"`
	Responses []string `json:"responses" yaml:"responses"`
	Error     string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// Text joins the response payloads the way a game console would show them.
// The empty payload ending a multi-packet reply contributes nothing.
func (r Result) Text() string {
	return strings.Join(r.Responses, "")
}

// Formatter writes results in one format.
type Formatter interface {
	Format(w io.Writer, r Result) error
}

// Formats lists the names accepted by NewFormatter.
var Formats = []string{"text", "json", "yaml"}

// NewFormatter returns the formatter for format. Unknown names are an error
// so a typo in --output is not silently ignored.
func NewFormatter(format string) (Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return TextFormatter{}, nil
	case "json":
		return JSONFormatter{}, nil
	case "yaml", "yml":
		return YAMLFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (want %s)", format, strings.Join(Formats, ", "))
	}
}

// TextFormatter prints the joined response, newline-terminated.
type TextFormatter struct{}

func (TextFormatter) Format(w io.Writer, r Result) error {
	if r.Error != "" {
		_, err := fmt.Fprintf(w, "error: %s\n", r.Error)
		return err
	}
	text := r.Text()
	if text == "" {
		return nil
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	_, err := io.WriteString(w, text)
	return err
}

// JSONFormatter prints indented JSON.
type JSONFormatter struct{}

func (JSONFormatter) Format(w io.Writer, r Result) error {
	if r.Responses == nil {
		r.Responses = []string{}
	}
	return WriteJSON(w, r)
}

// YAMLFormatter prints one YAML document per result.
type YAMLFormatter struct{}

func (YAMLFormatter) Format(w io.Writer, r Result) error {
	return WriteYAML(w, r)
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteYAML writes v as one YAML document.
func WriteYAML(w io.Writer, v any) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("format yaml: %w", err)
	}
	if _, err := io.WriteString(w, "---\n"); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
