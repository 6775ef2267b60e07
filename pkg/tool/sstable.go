package tool

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-sstable/pkg/types"
)

// sstableT implements the sstable subcommands.
type sstableT struct {
	Root     *cobra.Command
	Describe *cobra.Command
	Scan     *cobra.Command
	Check    *cobra.Command

	// Flags.
	table string
	start string
	end   string
	limit int
}

func newSSTable() *sstableT {
	s := &sstableT{}
	s.Root = &cobra.Command{
		Use:   "sstable",
		Short: "sstable introspection tools",
	}
	s.Describe = &cobra.Command{
		Use:   "describe <Data.db files>",
		Short: "print header, statistics and components",
		Args:  cobra.MinimumNArgs(1),
		RunE:  s.runDescribe,
	}
	s.Scan = &cobra.Command{
		Use:   "scan <Data.db>",
		Short: "print the entries of an sstable",
		Long: `
Print entries in key order. Without --table every entry is printed and the
range flags are ignored.
`,
		Args: cobra.ExactArgs(1),
		RunE: s.runScan,
	}
	s.Check = &cobra.Command{
		Use:   "check <Data.db files>",
		Short: "verify checksums, the digest and every entry",
		Args:  cobra.MinimumNArgs(1),
		RunE:  s.runCheck,
	}
	s.Root.AddCommand(s.Describe, s.Scan, s.Check)

	s.Scan.Flags().StringVar(&s.table, "table", "", "keyspace.table to scan")
	s.Scan.Flags().StringVar(&s.start, "start", "", "first key, inclusive")
	s.Scan.Flags().StringVar(&s.end, "end", "", "last key, exclusive")
	s.Scan.Flags().IntVar(&s.limit, "limit", 0, "maximum entries to print")
	return s
}

func (s *sstableT) runDescribe(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	for _, path := range args {
		r, err := openReader(path)
		if err != nil {
			return err
		}
		h := r.Header()
		st := r.Stats()

		tw := tabwriter.NewWriter(out, 2, 1, 2, ' ', 0)
		fmt.Fprintf(tw, "%s\n", path)
		fmt.Fprintf(tw, "  id\t%s\n", r.ID())
		fmt.Fprintf(tw, "  family\t%s (version %d)\n", h.Family, h.Version)
		if h.Keyspace != "" || h.Table != "" {
			fmt.Fprintf(tw, "  table\t%s.%s (%s)\n", h.Keyspace, h.Table, h.TableID)
		}
		fmt.Fprintf(tw, "  size\t%d bytes\n", st.FileSize)
		fmt.Fprintf(tw, "  entries\t%d in %d table(s)\n", st.EntryCount, st.TableCount)
		fmt.Fprintf(tw, "  timestamps\t%d .. %d\n", st.MinTimestamp, st.MaxTimestamp)
		fmt.Fprintf(tw, "  index entries\t%d\n", st.IndexEntries)
		fmt.Fprintf(tw, "  bloom filter\t%d bytes, %.1f%% full\n", st.FilterSize, st.BloomFillRatio*100)
		if ci := r.CompressionInfo(); ci != nil {
			fmt.Fprintf(tw, "  compression\t%s, %d byte chunks, %d chunks, ratio %.2f\n",
				ci.Algorithm, ci.ChunkLength, len(ci.ChunkOffsets), st.CompressionRatio)
		} else {
			fmt.Fprintf(tw, "  compression\tnone\n")
		}
		keys := make([]string, 0, len(h.Properties))
		for k := range h.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(tw, "  property %s\t%s\n", k, h.Properties[k])
		}
		_ = tw.Flush()
		if err := r.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (s *sstableT) runScan(cmd *cobra.Command, args []string) error {
	r, err := openReader(args[0])
	if err != nil {
		return err
	}
	defer r.Close()

	out := cmd.OutOrStdout()
	if s.table == "" {
		entries, err := r.Entries()
		if err != nil {
			return err
		}
		for i, e := range entries {
			if s.limit > 0 && i >= s.limit {
				break
			}
			printEntry(out, e)
		}
		return nil
	}

	var start, end []byte
	if s.start != "" {
		start = []byte(s.start)
	}
	if s.end != "" {
		end = []byte(s.end)
	}
	entries, err := r.Scan(types.TableID(s.table), start, end, s.limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		printEntry(out, e)
	}
	return nil
}

func (s *sstableT) runCheck(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	var failed int
	for _, path := range args {
		if err := checkOne(path); err != nil {
			fmt.Fprintf(out, "%s: FAILED: %v\n", path, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "%s: ok\n", path)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sstables failed verification", failed, len(args))
	}
	return nil
}

func checkOne(path string) error {
	r, err := openReader(path)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := r.VerifyDigest(); err != nil {
		return err
	}
	entries, err := r.Entries()
	if err != nil {
		return err
	}
	if uint64(len(entries)) != r.EntryCount() {
		return fmt.Errorf("read %d entries, header says %d", len(entries), r.EntryCount())
	}
	return nil
}
