package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"modelhist/internal/history"
	"modelhist/internal/journal"
)

var (
	journalBefore uint64

	journalCmd = &cobra.Command{
		Use:   "journal",
		Short: "Inspect and maintain stream operation journals",
	}

	journalListCmd = &cobra.Command{
		Use:   "list",
		Short: "List the journals in the journal directory",
		Args:  cobra.NoArgs,
		RunE:  runJournalList,
	}

	journalVerifyCmd = &cobra.Command{
		Use:   "verify <journal | stream-id>",
		Short: "Check the CRC, hash chain and MAC of every entry",
		Args:  cobra.ExactArgs(1),
		RunE:  runJournalVerify,
	}

	journalShowCmd = &cobra.Command{
		Use:   "show <journal | stream-id>",
		Short: "Print the verified events of a journal",
		Args:  cobra.ExactArgs(1),
		RunE:  runJournalShow,
	}

	journalCompactCmd = &cobra.Command{
		Use:   "compact <journal | stream-id>",
		Short: "Drop entries before a sequence number",
		Args:  cobra.ExactArgs(1),
		RunE:  runJournalCompact,
	}

	journalResetCmd = &cobra.Command{
		Use:   "reset <journal | stream-id>",
		Short: "Move a damaged journal aside",
		Args:  cobra.ExactArgs(1),
		RunE:  runJournalReset,
	}
)

func init() {
	journalCompactCmd.Flags().Uint64Var(&journalBefore, "before", 0, "first sequence number to keep")
	journalCompactCmd.MarkFlagRequired("before")
	journalCmd.AddCommand(journalListCmd, journalVerifyCmd, journalShowCmd, journalCompactCmd, journalResetCmd)
}

// journalPath accepts a path or the stream id of a journal in the
// configured directory.
func journalPath(ref string) string {
	if strings.ContainsRune(ref, os.PathSeparator) || journal.Exists(ref) {
		return ref
	}
	return filepath.Join(app.cfg.Journal.Path, strings.TrimSuffix(ref, ".journal")+".journal")
}

func verifyJournal(ref string) (*journal.Report, error) {
	key, err := app.journalKey()
	if err != nil {
		return nil, err
	}
	return journal.Verify(journalPath(ref), key, app.log.WithComponent("journal").Logger)
}

func runJournalList(cmd *cobra.Command, args []string) error {
	files, err := filepath.Glob(filepath.Join(app.cfg.Journal.Path, "*.journal"))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(files) == 0 {
		fmt.Fprintf(out, "no journals in %s\n", app.cfg.Journal.Path)
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tENTRIES\tSTATUS\tLAST ENTRY")
	for _, f := range files {
		rep, err := verifyJournal(f)
		if err != nil {
			fmt.Fprintf(tw, "%s\t-\t%s\t-\n", filepath.Base(f), color.RedString(err.Error()))
			continue
		}
		status := color.GreenString("ok")
		if !rep.OK() {
			status = color.RedString("damaged")
		}
		last := "-"
		if !rep.LastTimestamp.IsZero() {
			last = rep.LastTimestamp.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", rep.StreamID, rep.ValidEntries, status, last)
	}
	return tw.Flush()
}

func runJournalVerify(cmd *cobra.Command, args []string) error {
	rep, err := verifyJournal(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "journal %s\n", rep.Path)
	fmt.Fprintf(out, "  stream:     %s\n", rep.StreamID)
	fmt.Fprintf(out, "  created:    %s\n", rep.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  base seq:   %d\n", rep.BaseSequence)
	fmt.Fprintf(out, "  entries:    %d valid of %d\n", rep.ValidEntries, rep.TotalEntries)
	fmt.Fprintf(out, "  corrupted:  %d\n", rep.CorruptedEntries)
	fmt.Fprintf(out, "  tampered:   %d\n", rep.TamperedEntries)
	fmt.Fprintf(out, "  unlinked:   %d\n", rep.BrokenLinks)
	fmt.Fprintf(out, "  gaps:       %d\n", rep.SequenceGaps)
	fmt.Fprintf(out, "  snapshots:  %d\n", len(rep.Snapshots))
	for _, w := range rep.Warnings {
		fmt.Fprintf(out, "  %s %s\n", color.YellowString("warning:"), w)
	}
	if rep.PartialTail {
		fmt.Fprintf(out, "  %s torn final entry\n", color.YellowString("warning:"))
	}
	if !rep.OK() {
		return errors.New("journal failed verification")
	}
	fmt.Fprintln(out, color.GreenString("verified"))
	return nil
}

func runJournalShow(cmd *cobra.Command, args []string) error {
	rep, err := verifyJournal(args[0])
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tFROM\tTO\tCOUNT\tDETAIL\tDURATION")
	n, err := journal.Replay(rep, rep.StreamID.String(), history.ObserverFunc(func(e history.Event) {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n", e.Kind, e.From, e.To, e.Count, e.Detail, e.Duration)
	}))
	if err != nil {
		return err
	}
	for _, s := range rep.Snapshots {
		fmt.Fprintf(tw, "snapshot\t\t%d\t\tarchive id %d\t\n", s.State, s.SnapshotID)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	app.log.Debug("journal replayed", "events", n)
	return nil
}

func runJournalCompact(cmd *cobra.Command, args []string) error {
	rep, err := verifyJournal(args[0])
	if err != nil {
		return err
	}
	key, err := app.journalKey()
	if err != nil {
		return err
	}
	j, err := journal.Open(rep.Path, rep.StreamID, key)
	if err != nil {
		return err
	}
	defer j.Close()
	before := j.EntryCount()
	if err := j.Truncate(journalBefore); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "compacted %s: %d entries kept of %d\n", rep.Path, j.EntryCount(), before)
	return nil
}

func runJournalReset(cmd *cobra.Command, args []string) error {
	path := journalPath(args[0])
	backup, err := journal.StartFresh(path)
	if err != nil {
		return err
	}
	if backup == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "no journal at %s\n", path)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "moved %s to %s\n", path, backup)
	return nil
}
