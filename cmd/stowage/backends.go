package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/catalog"
	"github.com/seantiz/stowage/internal/config"
)

func newBackendsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "backends",
		Short: "List the registered storage backends and their capabilities",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			reg := backend.NewRegistry()
			if err := catalog.RegisterAll(reg, cfg); err != nil {
				return fmt.Errorf("register backends: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(reg.List())
			}
			return printBackends(cmd.OutOrStdout(), reg.List())
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print descriptors as JSON")
	return cmd
}

func printBackends(w io.Writer, ds []backend.Descriptor) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMODE\tREPLICATION\tATTACHMENTS")
	for _, d := range ds {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\n", d.Name, d.Mode, d.SupportsReplicationProtocol, d.SupportsBinaryAttachments)
	}
	return tw.Flush()
}
