// Package tool implements the sstable-tool commands for offline inspection
// of a data directory.
package tool

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-sstable/pkg/format"
	"github.com/dd0wney/cluso-sstable/pkg/sstable"
)

// T is the root command and its subcommand groups.
type T struct {
	Root *cobra.Command

	sstables *sstableT
	manifest *manifestT
	wal      *walT
}

// New builds the command tree.
func New() *T {
	t := &T{
		Root: &cobra.Command{
			Use:          "sstable-tool",
			Short:        "inspect SSTable data directories",
			SilenceUsage: true,
		},
		sstables: newSSTable(),
		manifest: newManifest(),
		wal:      newWAL(),
	}
	detect := &cobra.Command{
		Use:   "detect <path>",
		Short: "print the format of an SSTable file or directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runDetect,
	}
	t.Root.AddCommand(t.sstables.Root, t.manifest.Root, t.wal.Root, detect)
	return t
}

func runDetect(cmd *cobra.Command, args []string) error {
	d := format.NewDetector()
	f, err := d.DetectFromPath(args[0])
	if err != nil {
		if f, err = d.DetectFromDirectory(args[0]); err != nil {
			return err
		}
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "format:      %s\n", f)
	fmt.Fprintf(out, "supported:   %t\n", d.IsSupported(f.Version))
	fmt.Fprintf(out, "compression: %s\n", f.DefaultCompression())
	return nil
}

func openReader(path string) (*sstable.Reader, error) {
	return sstable.Open(path, sstable.ReaderOptions{})
}

func printEntry(w io.Writer, e sstable.Entry) {
	fmt.Fprintf(w, "%s\t%s\t%s\t@%d\n", e.Table, e.Key, e.Value, e.Timestamp)
}
