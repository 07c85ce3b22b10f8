package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/helioslabs/helios/internal/manifest"
)

func modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Work with model manifest files",
	}

	cmd.AddCommand(
		modelsExampleCmd(),
		modelsValidateCmd(),
		modelsListCmd(),
	)

	return cmd
}

func modelsExampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "example",
		Short: "Print an example model manifest",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(manifest.ExampleYAML())
		},
	}
}

func modelsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a model manifest file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			multi, err := manifest.ParseFile(args[0])
			if err != nil {
				return err
			}
			for i := range multi.Models {
				spec := multi.Models[i]
				if err := spec.Validate(); err != nil {
					return fmt.Errorf("model %q: %w", spec.Name, err)
				}
			}
			fmt.Printf("OK: %d model(s)\n", len(multi.Models))
			return nil
		},
	}
}

func modelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <file>",
		Short: "List the models declared in a manifest file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			multi, err := manifest.ParseFile(args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tFORMAT\tDEVICE\tCONTEXT\tARTIFACT")
			for i := range multi.Models {
				m, err := multi.Models[i].ToManifest(multi.Models[i].ID)
				if err != nil {
					return fmt.Errorf("model %q: %w", multi.Models[i].Name, err)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					m.Name, m.Version, m.Format, m.PreferredDevice, m.ContextWindow, m.ArtifactURI)
			}
			return w.Flush()
		},
	}
}
