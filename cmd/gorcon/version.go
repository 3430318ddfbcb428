package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chronologos/gorcon/internal/output"
	"github.com/chronologos/gorcon/internal/version"
)

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(out, version.String())
				return nil
			}
			info := version.Get()
			switch format, _ := cmd.Flags().GetString("output"); format {
			case "json":
				return output.WriteJSON(out, info)
			case "yaml", "yml":
				return output.WriteYAML(out, info)
			}
			fmt.Fprintf(out, "  Version:    %s\n", info.Version)
			fmt.Fprintf(out, "  Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "  Built:      %s\n", info.Date)
			fmt.Fprintf(out, "  Go version: %s\n", info.GoVersion)
			fmt.Fprintf(out, "  OS/Arch:    %s\n", info.Platform)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only the version line")
	return cmd
}
