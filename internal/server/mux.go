package server

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Mux dispatches a command line on its first word.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMux returns a Mux with the built-in "echo" and "help" commands.
func NewMux() *Mux {
	m := &Mux{handlers: make(map[string]HandlerFunc)}
	m.Handle("echo", func(_ context.Context, args string) string { return args })
	m.Handle("help", func(context.Context, string) string {
		return "Commands: " + strings.Join(m.Commands(), ", ")
	})
	return m
}

// Handle registers fn for name. fn receives the rest of the line with
// surrounding whitespace removed.
func (m *Mux) Handle(name string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[strings.ToLower(name)] = fn
}

// Commands returns the registered names, sorted.
func (m *Mux) Commands() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Mux) ServeCommand(ctx context.Context, line string) string {
	line = strings.TrimSpace(line)
	name, args, _ := strings.Cut(line, " ")
	m.mu.RLock()
	fn, ok := m.handlers[strings.ToLower(name)]
	m.mu.RUnlock()
	if !ok {
		return "Unknown command: " + name
	}
	return fn(ctx, strings.TrimSpace(args))
}
