package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/parlor/internal/config"
	"github.com/zulandar/parlor/internal/persona"
)

func newPersonasCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "personas",
		Short: "List the persona catalog",
		Long:  "Shows every persona in the catalog directory with its tone, Q&A count, and media count.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPersonas(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Parlor config file")
	return cmd
}

func runPersonas(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	catalog, err := persona.NewDirCatalog(cfg.Personas.Dir, cfg.Personas.Max)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	names := catalog.List()
	if len(names) == 0 {
		fmt.Fprintf(out, "No personas found in %s.\n", catalog.Dir())
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTONE\tEMOJIS\tQ&A\tMEDIA")
	for _, name := range names {
		pc := catalog.Config(name)
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
			name, pc.Tone, strings.Join(pc.Emojis, " "), len(catalog.QAPairs(name)), len(catalog.MediaIndex(name)))
	}
	w.Flush()
	return nil
}
