package tool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-sstable/pkg/manifest"
)

// manifestT implements the manifest subcommands.
type manifestT struct {
	Root *cobra.Command
	Dump *cobra.Command
}

func newManifest() *manifestT {
	m := &manifestT{}
	m.Root = &cobra.Command{
		Use:   "manifest",
		Short: "manifest introspection tools",
	}
	m.Dump = &cobra.Command{
		Use:   "dump <dir|file>",
		Short: "print the live sstables and schema versions of a manifest",
		Args:  cobra.ExactArgs(1),
		RunE:  m.runDump,
	}
	m.Root.AddCommand(m.Dump)
	return m
}

func (m *manifestT) runDump(cmd *cobra.Command, args []string) error {
	path := args[0]
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, manifest.FileName)
	}
	state, err := manifest.ReadFile(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "version %d, updated %s\n", state.Version,
		time.UnixMicro(state.LastUpdated).UTC().Format(time.RFC3339))

	metas := make([]manifest.SSTableMetadata, 0, len(state.ActiveSSTables))
	for _, meta := range state.ActiveSSTables {
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Generation < metas[j].Generation })

	tw := tabwriter.NewWriter(out, 2, 1, 2, ' ', 0)
	fmt.Fprintln(tw, "SSTABLE\tTABLE\tSIZE\tENTRIES\tCOMPRESSED\tPRECEDENCE")
	for _, meta := range metas {
		table := meta.TableID()
		if table == "" {
			table = "-"
		}
		prec := meta.Precedence
		if prec == 0 {
			prec = meta.Generation
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%t\t%d\n", meta.ID, table, meta.Size, meta.EntryCount, meta.Compressed, prec)
	}
	_ = tw.Flush()

	tables := make([]string, 0, len(state.SchemaVersions))
	for t := range state.SchemaVersions {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		fmt.Fprintf(out, "schema %s v%d\n", t, state.SchemaVersions[t])
	}
	return nil
}
