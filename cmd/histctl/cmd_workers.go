package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"modelhist/internal/history"
	"modelhist/internal/model"
)

var (
	workerCount int
	workerEdits int
	workerTree  bool

	workersCmd = &cobra.Command{
		Use:   "workers",
		Short: "Record edits on private worker streams in parallel, then merge them into the main stream",
		Args:  cobra.NoArgs,
		RunE:  runWorkers,
	}
)

func init() {
	workersCmd.Flags().IntVarP(&workerCount, "workers", "n", 4, "number of worker streams")
	workersCmd.Flags().IntVar(&workerEdits, "edits", 10, "edits recorded per worker")
	workersCmd.Flags().BoolVar(&workerTree, "tree", false, "print the merged state tree")
}

func runWorkers(cmd *cobra.Command, args []string) error {
	if workerCount < 1 || workerEdits < 1 {
		return errors.New("workers and edits must be positive")
	}
	obs, err := app.newObservers(app.cfg.Journal.Enabled)
	if err != nil {
		return err
	}

	m := model.New()
	reg := history.NewRegistry()
	newStream := func(name string) (*history.Stream, error) {
		so := history.StreamOptions{Name: name, Host: m, Finder: m, Logger: app.log.ForStream(name)}
		app.cfg.History.Apply(&so)
		s := history.NewStream(so)
		s.SetObserver(obs.For(s))
		return s, reg.Add(s)
	}

	primary, err := newStream("main")
	if err != nil {
		return err
	}
	workers := make([]*history.Stream, workerCount)
	for i := range workers {
		if workers[i], err = newStream("worker-" + strconv.Itoa(i+1)); err != nil {
			return err
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(cmd.Context())
	for i, w := range workers {
		part := "part-" + strconv.Itoa(i+1)
		m.BindPart(part, w)
		g.Go(func() error {
			return recordEdits(gctx, m, w, part, workerEdits)
		})
	}
	if err := g.Wait(); err != nil {
		obs.close(app.log.Logger)
		return err
	}
	recorded := time.Since(start)

	// Streams are not safe for concurrent use, so merges run one at a time.
	relocated := 0
	for _, w := range workers {
		res, err := primary.Merge(w)
		if err != nil {
			obs.close(app.log.Logger)
			return fmt.Errorf("merge %s: %w", w.Name(), err)
		}
		relocated += res.Relocated
		app.log.Debug("worker merged", "worker", w.Name(), "relocated", res.Relocated, "retagged", len(res.TagMap))
	}
	if err := primary.Verify(); err != nil {
		obs.close(app.log.Logger)
		return err
	}
	obs.sample(reg.Streams())

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %d workers recorded %d edits in %s; merged %d states, main at state %d with %d entities\n",
		color.GreenString("ok"), workerCount, workerCount*workerEdits, recorded, relocated, primary.State(), m.Len())
	if workerTree {
		printTree(out, primary)
	}
	return obs.close(app.log.Logger)
}

// recordEdits creates one body on w and edits it n-1 times, one noted
// state per edit, then undoes and redoes the last edit.
func recordEdits(ctx context.Context, m *model.Model, w *history.Stream, part string, n int) error {
	hctx := history.NewContext(w)
	var body *model.Entity
	for i := range n {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := hctx.Open(); err != nil {
			return err
		}
		var err error
		if body == nil {
			body, err = m.Create(hctx, model.KindBody, part+"-body", part, 0)
		} else {
			err = m.Update(hctx, body.ID, func(e *model.Entity) {
				if e.Attrs == nil {
					e.Attrs = make(map[string]string)
				}
				e.Attrs["revision"] = strconv.Itoa(i)
			})
		}
		if err != nil {
			hctx.Abort()
			return fmt.Errorf("%s: edit %d: %w", w.Name(), i, err)
		}
		if _, err := hctx.NoteState(false); err != nil {
			return fmt.Errorf("%s: note %d: %w", w.Name(), i, err)
		}
	}
	if err := w.Undo(); err != nil {
		return err
	}
	return w.Redo()
}
