// Package console runs an interactive RCON prompt over an authenticated
// connection.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/chronologos/gorcon/internal/client"
	"github.com/chronologos/gorcon/internal/output"
)

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

const helpText = `Type a server command and press enter.
  :help           show this text
  :quit, :exit    leave the console
`

// Executor runs one command. *client.Conn satisfies it.
type Executor interface {
	ExecuteCommand(ctx context.Context, command string) ([]string, error)
}

// Config controls a console session.
type Config struct {
	In  io.Reader
	Out io.Writer

	Server    string // shown in the prompt
	Formatter output.Formatter
	// Styled enables the prompt and colors. Set it when In and Out are
	// terminals; see IsInteractive.
	Styled bool
	Logger *zerolog.Logger
}

// IsInteractive reports whether both files are terminals.
func IsInteractive(in, out *os.File) bool {
	return term.IsTerminal(int(in.Fd())) && term.IsTerminal(int(out.Fd()))
}

// Run reads commands line by line until EOF, :quit or a transport failure.
// Server-side errors such as an oversized command are printed and the
// session continues. Transport errors end it because the stream is no
// longer usable.
func Run(ctx context.Context, exec Executor, cfg Config) error {
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "console").Logger()
	}
	format := cfg.Formatter
	if format == nil {
		format = output.TextFormatter{}
	}
	s := &session{cfg: cfg, format: format}

	if cfg.Styled {
		s.println(dimStyle.Render(fmt.Sprintf("connected to %s, :help for commands", cfg.Server)))
	}

	scanner := bufio.NewScanner(cfg.In)
	for {
		s.prompt()
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("console: read input: %w", err)
			}
			if cfg.Styled {
				s.println("")
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case ":quit", ":exit", ":q":
			return nil
		case ":help":
			s.print(helpText)
			continue
		}

		responses, err := exec.ExecuteCommand(ctx, line)
		res := output.Result{Server: cfg.Server, Command: line, Responses: responses}
		if err != nil {
			log.Debug().Err(err).Str("command", line).Msg("command failed")
			if errors.Is(err, client.ErrTransport) {
				return err
			}
			s.println(s.styleError(err.Error()))
			continue
		}
		if err := format.Format(cfg.Out, res); err != nil {
			return fmt.Errorf("console: write output: %w", err)
		}
	}
}

type session struct {
	cfg    Config
	format output.Formatter
}

func (s *session) prompt() {
	if !s.cfg.Styled {
		return
	}
	s.print(promptStyle.Render(s.cfg.Server+">") + " ")
}

func (s *session) styleError(msg string) string {
	if !s.cfg.Styled {
		return "error: " + msg
	}
	return errorStyle.Render("error: " + msg)
}

func (s *session) print(text string) {
	io.WriteString(s.cfg.Out, text)
}

func (s *session) println(text string) {
	io.WriteString(s.cfg.Out, text+"\n")
}
