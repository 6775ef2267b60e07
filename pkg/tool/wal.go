package tool

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-sstable/pkg/logging"
	"github.com/dd0wney/cluso-sstable/pkg/wal"
)

// walT implements the wal subcommands.
type walT struct {
	Root *cobra.Command
	Dump *cobra.Command

	compressed bool
}

func newWAL() *walT {
	w := &walT{}
	w.Root = &cobra.Command{
		Use:   "wal",
		Short: "write-ahead log introspection tools",
	}
	w.Dump = &cobra.Command{
		Use:   "dump <dir>",
		Short: "print every record of the write-ahead log in dir",
		Args:  cobra.ExactArgs(1),
		RunE:  w.runDump,
	}
	w.Root.AddCommand(w.Dump)
	w.Dump.Flags().BoolVar(&w.compressed, "compressed", false, "read the snappy-compressed log")
	return w
}

func (w *walT) runDump(cmd *cobra.Command, args []string) error {
	opts := wal.Options{SyncMode: wal.SyncNone, Logger: logging.NewNopLogger()}
	var log wal.WriteAheadLog
	if w.compressed {
		cw, err := wal.OpenCompressed(args[0], opts)
		if err != nil {
			return err
		}
		log = cw
	} else {
		l, err := wal.Open(args[0], opts)
		if err != nil {
			return err
		}
		log = l
	}
	defer log.Close()

	out := cmd.OutOrStdout()
	var n int
	err := log.Replay(func(e wal.Entry) error {
		n++
		switch e := e.(type) {
		case wal.Put:
			fmt.Fprintf(out, "put\t%s\t%s\t%s\t@%d\n", e.Table, e.Key, e.Value, e.Timestamp)
		case wal.Delete:
			fmt.Fprintf(out, "delete\t%s\t%s\t@%d\n", e.Table, e.Key, e.Timestamp)
		case wal.Checkpoint:
			fmt.Fprintf(out, "checkpoint\t@%d\n", e.Timestamp)
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d records\n", n)
	return nil
}
