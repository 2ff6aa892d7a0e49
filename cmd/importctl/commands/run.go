package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/bulkimport/internal/core"
	"github.com/JonMunkholm/bulkimport/internal/database"
)

// ErrCancelled is returned when an import stopped on an interrupt.
var ErrCancelled = errors.New("import cancelled")

// RunCommand holds the flags for the run command.
type RunCommand struct {
	g *Globals

	owner          string
	importID       string
	batchSize      int
	maxRows        int
	maxFileSize    string
	auditEvery     int
	encoding       string
	delimiter      string
	noDedupe       bool
	deleteOnFinish bool
	dryRun         bool
	quiet          bool
	batchEvery     int
}

// NewRunCommand creates the run command.
func NewRunCommand(g *Globals) *cobra.Command {
	c := &RunCommand{g: g}

	cobraCmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Import a delimited card file",
		Long: `Import streams FILE in batches and upserts every batch in its own
transaction. The first interrupt stops after the current batch; a second
one aborts it.

With --dry-run rows go to an in-memory store and no database is needed.`,
		Args: cobra.ExactArgs(1),
		RunE: c.Run,
	}
	c.addFlags(cobraCmd)
	return cobraCmd
}

func (c *RunCommand) addFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&c.owner, "owner", "", "owner id stamped on written rows")
	flags.StringVar(&c.importID, "id", "", "import batch id (default: new UUID)")
	flags.IntVar(&c.batchSize, "batch-size", 0, "rows per batch (overrides IMPORT_BATCH_SIZE)")
	flags.IntVar(&c.maxRows, "max-rows", 0, "row ceiling, 0 disables it (overrides IMPORT_MAX_ROWS)")
	flags.StringVar(&c.maxFileSize, "max-file-size", "", "size ceiling such as 200MB (overrides IMPORT_MAX_FILE_SIZE)")
	flags.IntVar(&c.auditEvery, "audit-every", -1, "audit every Nth batch, 0 disables (overrides IMPORT_AUDIT_EVERY)")
	flags.StringVar(&c.encoding, "encoding", "", "source encoding: utf-8, windows-1252 or iso-8859-1")
	flags.StringVar(&c.delimiter, "delimiter", "", "field delimiter (default: detect from the header)")
	flags.BoolVar(&c.noDedupe, "no-dedupe", false, "update existing people instead of skipping them")
	flags.BoolVar(&c.deleteOnFinish, "delete-on-finish", false, "remove FILE after the import ends")
	flags.BoolVar(&c.dryRun, "dry-run", false, "write to an in-memory store instead of the database")
	flags.BoolVarP(&c.quiet, "quiet", "q", false, "print only the summary")
	flags.IntVar(&c.batchEvery, "batch-every", 10, "print every Nth committed batch")
}

// options overlays the flags that were set on the configured options.
func (c *RunCommand) options(cmd *cobra.Command, base core.Options) (core.Options, error) {
	opts := base
	flags := cmd.Flags()
	if flags.Changed("batch-size") {
		opts.BatchSize = c.batchSize
	}
	if flags.Changed("max-rows") {
		opts.MaxRows = c.maxRows
	}
	if c.maxFileSize != "" {
		n, err := humanize.ParseBytes(c.maxFileSize)
		if err != nil {
			return opts, fmt.Errorf("--max-file-size: %w", err)
		}
		opts.MaxFileSize = int64(n)
	}
	if flags.Changed("audit-every") {
		opts.AuditEvery = c.auditEvery
	}
	if c.encoding != "" {
		opts.Encoding = c.encoding
	}
	if c.delimiter != "" {
		d, err := parseDelimiter(c.delimiter)
		if err != nil {
			return opts, err
		}
		opts.Delimiter = d
	}
	if c.noDedupe {
		opts.Dedupe = false
	}
	if c.deleteOnFinish {
		opts.DeleteOnFinish = true
	}
	return opts, opts.Validate()
}

func parseDelimiter(s string) (rune, error) {
	switch s {
	case "tab", `\t`:
		return '\t', nil
	case "space":
		return ' ', nil
	}
	r := []rune(s)
	if len(r) != 1 {
		return 0, fmt.Errorf("--delimiter must be a single character, got %q", s)
	}
	return r[0], nil
}

// Run executes the run command.
func (c *RunCommand) Run(cmd *cobra.Command, args []string) error {
	cfg, err := c.g.setup(c.dryRun)
	if err != nil {
		return err
	}
	opts, err := c.options(cmd, cfg.Import.Options())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	out := cmd.OutOrStdout()
	progress := cmd.ErrOrStderr()
	if c.quiet {
		progress = io.Discard
	}
	opts.OnEvent = progressPrinter(progress, c.batchEvery)
	opts.Logger = slog.Default()

	var (
		store  core.DataStore
		audit  core.AuditLogger
		counts func(context.Context, string) (int64, error)
	)
	if c.dryRun {
		mem := database.NewMemoryStore()
		store, audit, counts = mem, &database.MemoryAudit{}, mem.CountByImport
	} else {
		pool, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg := database.NewStore(pool)
		store, audit, counts = pg, database.NewAuditLog(pool), pg.CountByImport
	}

	session := core.NewSession(store, audit, core.OSFilesystem{}, opts)
	stopSignals := cancelOnInterrupt(ctx, progress, session.Cancel, cancel)
	defer stopSignals()

	res, err := session.Start(ctx, args[0], c.owner, c.importID)
	renderResult(out, res)

	if err != nil {
		renderUserError(cmd.ErrOrStderr(), err)
		return ErrReported
	}
	if res.State == core.StateCancelled {
		return ErrCancelled
	}

	if n, err := counts(ctx, res.ImportBatchID); err == nil {
		fmt.Fprintf(out, "%s rows now carry import id %s\n", humanize.Comma(n), res.ImportBatchID)
	}
	if c.dryRun {
		fmt.Fprintln(out, color.CyanString("dry run: nothing was written to the database"))
	}
	return nil
}

// cancelOnInterrupt asks for a cooperative stop on the first SIGINT or
// SIGTERM and aborts on the second. The returned function detaches it.
func cancelOnInterrupt(ctx context.Context, w io.Writer, soft func(), hard context.CancelFunc) func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-sigs:
		case <-done:
			return
		case <-ctx.Done():
			return
		}
		fmt.Fprintln(w, color.YellowString("stopping after the current batch, interrupt again to abort"))
		soft()

		select {
		case <-sigs:
			hard()
		case <-done:
		case <-ctx.Done():
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
