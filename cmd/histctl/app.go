package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"modelhist/internal/fsutil"
	"modelhist/internal/history"
	"modelhist/internal/journal"
	"modelhist/internal/metrics"
	"modelhist/internal/store"
)

// openArchive opens the configured snapshot archive.
func (a *App) openArchive() (store.Archive, error) {
	sc := a.cfg.Storage
	return store.Open(sc.Backend, sc.Path, store.Options{
		BusyTimeout: time.Duration(sc.BusyTimeoutMs) * time.Millisecond,
		Validate:    sc.Validate,
		Logger:      a.log.WithComponent("store").Logger,
	})
}

func (a *App) journalKey() ([]byte, error) {
	return journal.ParseKey(a.cfg.Journal.KeyHex)
}

func (a *App) metricsEnabled() bool {
	return a.cfg.Metrics.Enabled || a.cfg.Metrics.Listen != ""
}

// observers wires journals and metrics onto streams as they are created.
type observers struct {
	app       *App
	metrics   *metrics.HistoryMetrics
	registry  *metrics.Registry
	recorders map[*history.Stream]*journal.Recorder
	err       error
}

func (a *App) newObservers(journaled bool) (*observers, error) {
	o := &observers{app: a, recorders: make(map[*history.Stream]*journal.Recorder)}
	if a.metricsEnabled() {
		o.registry = metrics.NewRegistry(a.cfg.Metrics.Namespace, true)
		o.metrics = metrics.NewHistoryMetrics(o.registry)
	}
	if journaled {
		if err := fsutil.EnsureDir(a.cfg.Journal.Path); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	return o, nil
}

// For is a scenario.Options.ObserverFor.
func (o *observers) For(s *history.Stream) history.Observer {
	var rec history.Observer
	if o.app.cfg.Journal.Enabled {
		key, err := o.app.journalKey()
		if err == nil {
			var j *journal.Journal
			j, err = journal.Open(journal.PathForStream(o.app.cfg.Journal.Path, s), s.ID(), key)
			if err == nil {
				j.SetSync(o.app.cfg.Journal.Sync)
				r := journal.NewRecorder(j, o.app.log.WithComponent("journal").Logger)
				o.recorders[s] = r
				rec = r
			}
		}
		if err != nil {
			o.err = errors.Join(o.err, fmt.Errorf("journal for %s: %w", s.Name(), err))
		}
	}
	var m history.Observer
	if o.metrics != nil {
		m = o.metrics
	}
	return history.Observers(rec, m)
}

// recorder returns the journal recorder attached to s, if any.
func (o *observers) recorder(s *history.Stream) *journal.Recorder {
	return o.recorders[s]
}

func (o *observers) sample(streams []*history.Stream) {
	if o.metrics == nil {
		return
	}
	for _, s := range streams {
		o.metrics.Sample(s, o.app.cfg.History.IncludeBackups)
	}
}

// close closes every journal and reports the first recording error.
func (o *observers) close(log *slog.Logger) error {
	var errs []error
	if o.err != nil {
		errs = append(errs, o.err)
	}
	for s, r := range o.recorders {
		if err := r.Err(); err != nil {
			errs = append(errs, fmt.Errorf("journal for %s: %w", s.Name(), err))
		}
		if n := r.Dropped(); n > 0 {
			log.Warn("journal entries dropped", "stream_name", s.Name(), "count", n)
		}
		if err := r.Journal().Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
