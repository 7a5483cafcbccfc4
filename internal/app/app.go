package app

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"processline/internal/config"
	"processline/internal/db"
	"processline/internal/dispatch"
	"processline/internal/events"
	"processline/internal/flows"
	"processline/internal/ledger"
	"processline/internal/manifest"
	"processline/internal/migrate"
	"processline/internal/repo"
	"processline/internal/strategy"
)

// App owns every wired component for one workspace. The CLI and the HTTP
// server both build on it so wiring lives in exactly one place.
type App struct {
	DB         *sql.DB
	Config     *config.Config
	Repo       repo.Repo
	Manifests  *manifest.Store
	Emitter    *events.Emitter
	Trigger    *events.Trigger
	Reconciler *events.Reconciler
	Ledger     *ledger.Ledger
	Dispatcher *dispatch.Dispatcher
	Log        zerolog.Logger
}

// NewLogger builds the process-wide structured logger. Pretty output is for
// terminals; services log JSON lines.
func NewLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Open prepares the workspace: database, migrations, config, manifests and
// all platform components. Callers must Close.
func Open(workspace string, log zerolog.Logger) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}

	r := repo.Repo{DB: conn}
	emitter := events.NewEmitter(r, cfg.Events.SinkURL, cfg.Events.Source,
		time.Duration(cfg.Events.TimeoutSeconds)*time.Second, log)
	trigger := events.NewTrigger(cfg.Tasks.CompletionSinkURL,
		time.Duration(cfg.Tasks.TimeoutSeconds)*time.Second, log)
	reconciler := events.NewReconciler(r,
		time.Duration(cfg.Events.ReconcileIntervalSeconds)*time.Second,
		cfg.Events.FailureAlertRatio, log)
	led := ledger.New(conn, emitter, trigger, log)

	store, err := loadManifests(workspace, cfg.ManifestPath)
	if err != nil {
		conn.Close()
		return nil, err
	}
	registry := dispatch.NewRegistry()
	flows.Register(registry, led)
	resolver := dispatch.NewResolver(store, r, log)

	return &App{
		DB:         conn,
		Config:     cfg,
		Repo:       r,
		Manifests:  store,
		Emitter:    emitter,
		Trigger:    trigger,
		Reconciler: reconciler,
		Ledger:     led,
		Dispatcher: dispatch.New(resolver, registry),
		Log:        log,
	}, nil
}

func loadManifests(workspace, path string) (*manifest.Store, error) {
	if path == "" {
		path = "manifests.yml"
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	store, err := manifest.Load(path, strategy.Known)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// A workspace without manifests still runs the ledger API.
			return manifest.FromYAML([]byte("processes: {}"), strategy.Known)
		}
		return nil, fmt.Errorf("load manifests: %w", err)
	}
	return store, nil
}

// Close drains in-flight event emissions before releasing the database.
func (a *App) Close() error {
	a.Emitter.Wait()
	a.Trigger.Wait()
	return a.DB.Close()
}
