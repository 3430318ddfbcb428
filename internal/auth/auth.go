package auth

import (
	"bufio"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// EnvPassword names the environment variable checked first for the RCON
// password.
const EnvPassword = "RCON_PASSWORD"

var ErrNoPassword = errors.New("auth: no password configured")

// Source lists the places a password may come from, in priority order.
type Source struct {
	Env      func(string) string // os.Getenv when nil
	File     string              // path to a file holding the password
	Fallback string              // e.g. from a config profile

	// Prompt is consulted last. It is only used when the descriptor is a
	// terminal, so piped stdin never blocks on a hidden prompt.
	PromptIn  *os.File
	PromptOut io.Writer
}

// Resolve returns the first password found in s.
func (s Source) Resolve() (string, error) {
	getenv := s.Env
	if getenv == nil {
		getenv = os.Getenv
	}
	if pw := getenv(EnvPassword); pw != "" {
		return pw, nil
	}
	if s.File != "" {
		return ReadPasswordFile(s.File)
	}
	if s.Fallback != "" {
		return s.Fallback, nil
	}
	if s.PromptIn != nil && term.IsTerminal(int(s.PromptIn.Fd())) {
		return Prompt(s.PromptIn, s.PromptOut)
	}
	return "", ErrNoPassword
}

// ReadPasswordFile returns the first line of path with trailing
// whitespace removed.
func ReadPasswordFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("auth: open password file: %w", err)
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("auth: read password file: %w", err)
	}
	pw := strings.TrimRight(line, " \t\r\n")
	if pw == "" {
		return "", fmt.Errorf("auth: password file %s is empty", path)
	}
	return pw, nil
}

// Prompt reads a password from the terminal in without echoing it.
func Prompt(in *os.File, out io.Writer) (string, error) {
	if out != nil {
		fmt.Fprint(out, "RCON password: ")
	}
	b, err := term.ReadPassword(int(in.Fd()))
	if out != nil {
		fmt.Fprintln(out)
	}
	if err != nil {
		return "", fmt.Errorf("auth: read password: %w", err)
	}
	return string(b), nil
}

// Verify compares a presented password against the expected one in
// constant time. Both sides are hashed to a fixed length first.
func Verify(expected, presented string) bool {
	e := sha256.Sum256([]byte(expected))
	p := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(e[:], p[:]) == 1
}
