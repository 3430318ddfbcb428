package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	old := Version
	Version = "1.2.3"
	defer func() { Version = old }()

	if s := String(); !strings.HasPrefix(s, "gorcon 1.2.3 (") {
		t.Fatalf("String() = %q", s)
	}
}

func TestGet(t *testing.T) {
	info := Get()
	if info.GoVersion != runtime.Version() || !strings.Contains(info.Platform, "/") {
		t.Fatalf("Get() = %+v", info)
	}
}
