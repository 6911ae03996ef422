package commands

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/xfer/pkg/engine"
)

type inspectSummary struct {
	Package string         `json:"package"`
	Roots   []string       `json:"roots"`
	Types   map[string]int `json:"types"`
	Files   []string       `json:"files,omitempty"`
	Levels  int            `json:"levels"`
}

func newInspectCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "inspect <package>",
		Short: "Show the contents of a package",
		Long: `Show the contents of a package without importing it.

Prints the root resources, the number of resources per type, the payload files
and the number of save levels. With --dot the dependency graph is printed in
Graphviz DOT format instead.`,
		Example: `  # Summarize a package
  xfer inspect ./out/projects.zip

  # Render the dependency graph
  xfer inspect ./out/projects.zip --dot | dot -Tsvg > graph.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pkgPath := args[0]

			settings, err := loadSettings()
			if err != nil {
				return err
			}

			log.Debug().Str("package", pkgPath).Msg("Inspecting package")

			ws, err := openWorkspace(ctx, settings, pkgPath)
			if err != nil {
				return err
			}
			defer ws.close(ctx)

			env, err := ws.handler.Read(ctx, pkgPath)
			if err != nil {
				return err
			}

			graph, err := engine.NewDependencyGraph(env, ws.registry)
			if err != nil {
				return err
			}

			if dot {
				fmt.Fprint(cmd.OutOrStdout(), graph.ToDOT())
				return nil
			}

			summary := inspectSummary{
				Package: pkgPath,
				Roots:   make([]string, 0, len(env.Roots)),
				Types:   env.TypeCounts(),
				Files:   env.Files,
				Levels:  len(graph.Levels),
			}
			for _, key := range env.Roots {
				summary.Roots = append(summary.Roots, graph.Nodes[key]+":"+string(key))
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), summary)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Package: %s\n", summary.Package)
			fmt.Fprintf(out, "Roots:   %v\n", summary.Roots)
			fmt.Fprintf(out, "Levels:  %d\n", summary.Levels)
			fmt.Fprintln(out, "\nResources:")
			for _, t := range sortedTypes(summary.Types) {
				fmt.Fprintf(out, "  %-20s %d\n", t, summary.Types[t])
			}
			if len(summary.Files) > 0 {
				fmt.Fprintln(out, "\nFiles:")
				for _, f := range summary.Files {
					fmt.Fprintf(out, "  %s\n", f)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the dependency graph in DOT format")

	return cmd
}

func sortedTypes(counts map[string]int) []string {
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func printWarnings(cmd *cobra.Command, warnings []string) {
	if len(warnings) == 0 {
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nWarnings (%d):\n", len(warnings))
	for _, w := range warnings {
		fmt.Fprintf(out, "  ! %s\n", w)
	}
}
