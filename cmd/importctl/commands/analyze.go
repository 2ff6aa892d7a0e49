package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

// AnalyzeCommand holds the flags for the analyze command.
type AnalyzeCommand struct {
	g *Globals

	encoding  string
	delimiter string
	format    string
}

// NewAnalyzeCommand creates the analyze command.
func NewAnalyzeCommand(g *Globals) *cobra.Command {
	c := &AnalyzeCommand{g: g}

	cobraCmd := &cobra.Command{
		Use:   "analyze FILE",
		Short: "Validate the header of FILE and count its rows",
		Args:  cobra.ExactArgs(1),
		RunE:  c.Run,
	}

	cobraCmd.Flags().StringVar(&c.encoding, "encoding", "", "source encoding: utf-8, windows-1252 or iso-8859-1")
	cobraCmd.Flags().StringVar(&c.delimiter, "delimiter", "", "field delimiter (default: detect from the header)")
	cobraCmd.Flags().StringVarP(&c.format, "format", "f", "text", "output format: text or json")

	return cobraCmd
}

// Run executes the analyze command.
func (c *AnalyzeCommand) Run(cmd *cobra.Command, args []string) error {
	cfg, err := c.g.setup(true)
	if err != nil {
		return err
	}

	opts := cfg.Import.Options()
	if c.encoding != "" {
		opts.Encoding = c.encoding
	}
	if c.delimiter != "" {
		if opts.Delimiter, err = parseDelimiter(c.delimiter); err != nil {
			return err
		}
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	analysis, err := core.NewAnalyzer(core.OSFilesystem{}, opts).Analyze(cmd.Context(), args[0])
	if err != nil {
		renderUserError(cmd.ErrOrStderr(), err)
		return ErrReported
	}

	out := cmd.OutOrStdout()
	if c.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			core.Analysis
			MappedFields     []string `json:"mappedFields"`
			UnmappedColumns  []string `json:"unmappedColumns"`
			EstimatedBatches int      `json:"estimatedBatches"`
		}{analysis, analysis.MappedFields(), analysis.Mapping.Unmapped(), analysis.EstimatedBatches(opts.BatchSize)})
	}

	renderAnalysis(out, analysis, opts.BatchSize)
	return nil
}
