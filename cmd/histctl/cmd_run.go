package main

import (
	"cmp"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"modelhist/internal/config"
	"modelhist/internal/history"
	"modelhist/internal/journal"
	"modelhist/internal/model"
	"modelhist/internal/scenario"
	"modelhist/internal/store"
)

var (
	runSave         bool
	runLabel        string
	runJournal      bool
	runPrintTree    bool
	runServeMetrics bool

	runCmd = &cobra.Command{
		Use:   "run <script.yaml>",
		Short: "Run a history script against a fresh model",
		Args:  cobra.ExactArgs(1),
		RunE:  runScript,
	}
)

func init() {
	runCmd.Flags().BoolVar(&runSave, "save", false, "archive an image of every stream after the run")
	runCmd.Flags().StringVar(&runLabel, "label", "", "label for archived images (default: script name)")
	runCmd.Flags().BoolVar(&runJournal, "journal", false, "journal stream events even if the config disables it")
	runCmd.Flags().BoolVar(&runPrintTree, "tree", false, "print the state tree of every stream")
	runCmd.Flags().BoolVar(&runServeMetrics, "serve-metrics", false, "keep serving /metrics after the run until interrupted")
}

func runScript(cmd *cobra.Command, args []string) error {
	sc, err := scenario.LoadFile(args[0])
	if err != nil {
		return err
	}
	if sc.History == (config.HistoryConfig{}) {
		sc.History = app.cfg.History
	}
	if runJournal {
		app.cfg.Journal.Enabled = true
	}

	obs, err := app.newObservers(app.cfg.Journal.Enabled)
	if err != nil {
		return err
	}
	r, err := scenario.New(sc, scenario.Options{
		Logger:      app.log.WithComponent("scenario").Logger,
		ObserverFor: obs.For,
	})
	if err != nil {
		return err
	}

	res, runErr := r.Run(cmd.Context())
	out := cmd.OutOrStdout()
	if runErr == nil {
		fmt.Fprintf(out, "%s %s: %d steps in %s\n", color.GreenString("ok"), res.Script, res.Steps, res.Duration)
	} else {
		fmt.Fprintf(out, "%s %s: stopped after %d steps\n", color.RedString("FAIL"), res.Script, res.Steps)
	}

	obs.sample(r.Streams())
	if runPrintTree {
		for _, s := range r.Streams() {
			printTree(out, s)
		}
	}
	if runSave && runErr == nil {
		runErr = saveStreams(out, r, obs, cmp.Or(runLabel, res.Script))
	}
	if err := obs.close(app.log.Logger); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if runErr != nil {
		return runErr
	}

	if runServeMetrics && obs.registry != nil {
		addr := app.cfg.Metrics.Listen
		if addr == "" {
			addr = ":9090"
		}
		fmt.Fprintf(out, "serving metrics on %s/metrics\n", addr)
		return obs.registry.Serve(cmd.Context(), addr, app.log.Logger)
	}
	return nil
}

// saveStreams archives an image of every stream and journals the snapshot.
func saveStreams(out io.Writer, r *scenario.Runner, obs *observers, label string) error {
	archive, err := app.openArchive()
	if err != nil {
		return err
	}
	defer archive.Close()

	m := r.Model()
	for _, s := range r.Streams() {
		snap, err := saveStream(archive, s, m, label)
		if obs.metrics != nil {
			obs.metrics.RecordArchive(err)
		}
		if err != nil {
			return fmt.Errorf("archive %s: %w", s.Name(), err)
		}
		if rec := obs.recorder(s); rec != nil {
			p := &journal.SnapshotPayload{SnapshotID: snap.ID, State: snap.State, Digest: snap.Digest}
			if err := rec.RecordSnapshot(p); err != nil {
				return err
			}
		}
		fmt.Fprintf(out, "archived %s as snapshot %d (%d states)\n", s.Name(), snap.ID, snap.StateCount)
	}
	return nil
}

func saveStream(archive store.Archive, s *history.Stream, m *model.Model, label string) (*store.Snapshot, error) {
	img, err := s.Export(model.Codec{}, m.IsLive)
	if err != nil {
		return nil, err
	}
	return archive.Save(img, label)
}
