package version

import (
	"fmt"
	"runtime"
)

// Version, Commit and Date are set at build time via:
//
//	go build -ldflags "-X ...version.Version=0.2.0 -X ...version.Commit=abc123"
var (
	Version = "dev"
	Commit  = "dev"
	Date    = "unknown"
)

// String is the one-line form printed by "gorcon version --short" and sent
// by the reference server's "version" command.
func String() string {
	return fmt.Sprintf("gorcon %s (%s)", Version, Commit)
}

// Info is the long form.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	Date      string `json:"date" yaml:"date"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
