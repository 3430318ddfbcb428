package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/chronologos/gorcon/internal/output"
)

func execCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <command> [args...]",
		Short: "Run one command and print its output",
		Example: `  gorcon exec -a mc.example.net:25575 list
  RCON_PASSWORD=secret gorcon exec --multi -o json status`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := output.NewFormatter(opts.output)
			if err != nil {
				return err
			}

			s, err := opts.connect(cmd.Context(), cmd, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			command := strings.Join(args, " ")
			responses, err := s.ExecuteCommand(cmd.Context(), command)
			if err != nil {
				return err
			}
			return format.Format(cmd.OutOrStdout(), output.Result{
				Server:    s.profile.Address,
				Command:   command,
				Responses: responses,
			})
		},
	}
}
