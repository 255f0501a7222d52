package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"modelhist/internal/fsutil"
	"modelhist/internal/history"
	"modelhist/internal/model"
	"modelhist/internal/schemavalidation"
	"modelhist/internal/store"
)

var (
	exportOutput string
	importLabel  string
	inspectCheck bool
	inspectMig   bool
	inspectFind  string

	treeCmd = &cobra.Command{
		Use:   "tree [snapshot-id | stream-name]",
		Short: "Print the state tree of an archived stream (default: newest snapshot)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTree,
	}

	exportCmd = &cobra.Command{
		Use:   "export [snapshot-id | stream-name]",
		Short: "Write an archived stream image as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExport,
	}

	importCmd = &cobra.Command{
		Use:   "import <image.json>",
		Short: "Validate a stream image and add it to the archive",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect [snapshot-id | stream-name]",
		Short: "List archived snapshots or show one in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInspect,
	}
)

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default: stdout)")
	importCmd.Flags().StringVar(&importLabel, "label", "imported", "label of the new snapshot")
	inspectCmd.Flags().BoolVar(&inspectCheck, "verify", false, "verify the digest of every snapshot")
	inspectCmd.Flags().BoolVar(&inspectMig, "migrations", false, "show schema migration status (sqlite)")
	inspectCmd.Flags().StringVar(&inspectFind, "find-state", "", "list snapshots holding a state with this name (sqlite)")
}

// loadSnapshot resolves a snapshot id, a stream name, or the newest
// snapshot when ref is empty.
func loadSnapshot(a store.Archive, ref string) (*history.Image, *store.Snapshot, error) {
	if ref == "" {
		snaps, err := a.List("")
		if err != nil {
			return nil, nil, err
		}
		if len(snaps) == 0 {
			return nil, nil, fmt.Errorf("%w: archive is empty", store.ErrNotFound)
		}
		return a.Load(snaps[0].ID)
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return a.Load(id)
	}
	return a.Latest(ref)
}

// restore rebuilds a stream and its model from an image.
func restore(img *history.Image) (*history.Stream, *model.Model, error) {
	m := model.New()
	so := history.StreamOptions{Name: img.Name, Host: m, Finder: m}
	app.cfg.History.Apply(&so)
	so.Logger = app.log.ForStream(img.Name)
	s, live, err := history.Import(img, model.Codec{}, so)
	if err != nil {
		return nil, nil, err
	}
	if err := m.Install(live); err != nil {
		return nil, nil, err
	}
	return s, m, nil
}

func runTree(cmd *cobra.Command, args []string) error {
	archive, err := app.openArchive()
	if err != nil {
		return err
	}
	defer archive.Close()

	img, snap, err := loadSnapshot(archive, firstArg(args))
	if err != nil {
		return err
	}
	s, m, err := restore(img)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "snapshot %d  %s  %d live entities\n", snap.ID, snap.CreatedAt.Format("2006-01-02 15:04:05"), m.Len())
	printTree(out, s)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	archive, err := app.openArchive()
	if err != nil {
		return err
	}
	defer archive.Close()

	img, _, err := loadSnapshot(archive, firstArg(args))
	if err != nil {
		return err
	}
	if err := schemavalidation.ValidateImage(img); err != nil {
		return err
	}
	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	data = append(data, '\n')

	if exportOutput == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := fsutil.WriteFile(exportOutput, data, fsutil.PermPrivateFile); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	app.log.Info("image exported", "stream_name", img.Name, "path", exportOutput)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	if err := schemavalidation.Validate(data); err != nil {
		return err
	}
	var img history.Image
	if err := json.Unmarshal(data, &img); err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	// A full restore catches references the schema cannot express.
	s, _, err := restore(&img)
	if err != nil {
		return err
	}
	if err := s.Verify(); err != nil {
		return err
	}

	archive, err := app.openArchive()
	if err != nil {
		return err
	}
	defer archive.Close()
	snap, err := archive.Save(&img, importLabel)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %s as snapshot %d (%d states)\n", snap.StreamName, snap.ID, snap.StateCount)
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	archive, err := app.openArchive()
	if err != nil {
		return err
	}
	defer archive.Close()
	out := cmd.OutOrStdout()

	switch {
	case inspectMig:
		return printMigrations(out, archive)
	case inspectFind != "":
		return printFindState(out, archive, inspectFind)
	case inspectCheck:
		bad, err := store.VerifyAll(archive)
		if err != nil {
			return err
		}
		if len(bad) == 0 {
			fmt.Fprintln(out, color.GreenString("all snapshots verified"))
			return nil
		}
		fmt.Fprintf(out, "%s %v\n", color.RedString("digest mismatch in snapshots"), bad)
		return store.ErrDigestMismatch
	case len(args) == 1:
		return printSnapshot(out, archive, args[0])
	}

	snaps, err := archive.List("")
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTREAM\tLABEL\tSTATE\tSTATES\tCREATED")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, s.StreamName, s.Label, s.State, s.StateCount, s.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func printSnapshot(out io.Writer, archive store.Archive, ref string) error {
	_, snap, err := loadSnapshot(archive, ref)
	if err != nil {
		return err
	}
	states, err := archive.States(snap.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "snapshot %d\n", snap.ID)
	fmt.Fprintf(out, "  stream:   %s (%s)\n", snap.StreamName, snap.StreamID)
	fmt.Fprintf(out, "  label:    %s\n", snap.Label)
	fmt.Fprintf(out, "  created:  %s\n", snap.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  state:    %d\n", snap.State)
	fmt.Fprintf(out, "  digest:   %s\n", hex.EncodeToString(snap.Digest[:]))
	fmt.Fprintf(out, "  size:     %d bytes\n", len(snap.Data))
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tNAME\tRECORDS\tHIDDEN")
	for _, st := range states {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%v\n", st.State, st.Name, st.Records, st.Hidden)
	}
	return tw.Flush()
}

func printMigrations(out io.Writer, archive store.Archive) error {
	sq, ok := archive.(*store.SQLiteArchive)
	if !ok {
		return errors.New("migrations apply to the sqlite backend only")
	}
	status, err := store.GetMigrationStatus(sq.DB())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "schema version %d of %d\n", status.CurrentVersion, status.LatestVersion)
	for _, m := range status.Applied {
		fmt.Fprintf(out, "  %s %d %s (%s)\n", color.GreenString("applied"), m.Version, m.Description, m.AppliedAt.Format("2006-01-02"))
	}
	for _, m := range status.Pending {
		fmt.Fprintf(out, "  %s %d %s\n", color.YellowString("pending"), m.Version, m.Description)
	}
	return store.ValidateSchema(sq.DB())
}

func printFindState(out io.Writer, archive store.Archive, name string) error {
	sq, ok := archive.(*store.SQLiteArchive)
	if !ok {
		return errors.New("state search needs the sqlite backend")
	}
	found, err := sq.FindState(name)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Fprintf(out, "no archived state named %q\n", name)
		return nil
	}
	for _, st := range found {
		fmt.Fprintf(out, "snapshot %d state %d (%d records)\n", st.SnapshotID, st.State, st.Records)
	}
	return nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
