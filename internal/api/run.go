package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/szb37/psynudge/internal/dispatch"
	"github.com/szb37/psynudge/internal/feed"
	"github.com/szb37/psynudge/internal/models"
	"github.com/szb37/psynudge/internal/nudge"
	"github.com/szb37/psynudge/internal/recon"
	"github.com/szb37/psynudge/internal/scheduler"
	"github.com/szb37/psynudge/internal/store"
)

// RunOpts bundles the per-module option lists Run wires together.
type RunOpts struct {
	Store       []store.Option
	Enrollments []feed.Option
	Responses   []feed.Option
	Dispatch    []dispatch.PlatformOption
	Nudge       []nudge.Option
	Recon       []recon.Option
	API         []Option
	StudiesFile string
	SnapshotDir string
}

// Run assembles the configured modules and serves until interrupted.
//
// Feed sources come from the platform base URLs when configured, otherwise
// from file snapshots under SnapshotDir. Study definitions are loaded from
// StudiesFile at startup, when given.
func Run(opts RunOpts) error {
	st, err := store.NewStore(opts.Store...)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer st.Close()

	if opts.StudiesFile != "" {
		studies, err := models.LoadStudies(opts.StudiesFile)
		if err != nil {
			return fmt.Errorf("load study definitions: %w", err)
		}
		for _, study := range studies {
			if err := st.SaveStudy(study); err != nil {
				return fmt.Errorf("save study %s: %w", study.ID, err)
			}
		}
		slog.Info("Run: study definitions loaded", "count", len(studies), "path", opts.StudiesFile)
	}

	enrollments, responses, err := buildFeedSources(opts)
	if err != nil {
		return err
	}

	dispatcher, err := buildDispatcher(opts)
	if err != nil {
		return fmt.Errorf("initialize dispatcher: %w", err)
	}

	engine := nudge.NewEngine(st, opts.Nudge...)
	driver := recon.NewDriver(st, enrollments, responses, engine, dispatcher, opts.Recon...)

	sched := scheduler.NewScheduler()
	defer sched.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := NewServer(st, driver, sched, opts.API...)
	return server.Start(ctx)
}

// buildDispatcher returns the platform dispatcher when one is configured,
// otherwise a log-only dispatcher so snapshot and dry runs can start without
// platform credentials.
func buildDispatcher(opts RunOpts) (dispatch.Dispatcher, error) {
	if len(opts.Dispatch) == 0 {
		slog.Info("Run: no dispatch platform configured, nudge batches will be logged only")
		return dispatch.NewLogDispatcher(), nil
	}
	return dispatch.NewPlatformDispatcher(opts.Dispatch...)
}

func buildFeedSources(opts RunOpts) (feed.EnrollmentSource, feed.ResponseSource, error) {
	if len(opts.Enrollments) == 0 && len(opts.Responses) == 0 {
		if opts.SnapshotDir == "" {
			return nil, nil, fmt.Errorf("no feed configuration: set platform URLs or a snapshot directory")
		}
		slog.Info("Run: using file snapshot feeds", "dir", opts.SnapshotDir)
		return feed.NewFileEnrollmentSource(opts.SnapshotDir), feed.NewFileResponseSource(opts.SnapshotDir), nil
	}

	enrollments, err := feed.NewHTTPEnrollmentSource(opts.Enrollments...)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize enrollment feed: %w", err)
	}
	responses, err := feed.NewHTTPResponseSource(opts.Responses...)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize response feed: %w", err)
	}
	return enrollments, responses, nil
}
