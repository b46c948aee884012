package app

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"operaflow/internal/config"
	"operaflow/internal/db"
	"operaflow/internal/engine"
	"operaflow/internal/migrate"
)

// Context is an opened workspace: database, policy and engine.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Log       *logrus.Logger
}

// Options for opening a workspace.
type Options struct {
	Workspace     string
	BusyTimeoutMS int
	LogLevel      string
	LogJSON       bool
}

// Open creates the workspace directory if needed, migrates the database and
// loads operaflow.yml (defaults when absent).
func Open(opts Options) (*Context, error) {
	log, err := NewLogger(opts.LogLevel, opts.LogJSON)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, BusyTimeoutMS: opts.BusyTimeoutMS})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e := engine.New(conn, cfg).WithLogger(log)
	log.WithFields(logrus.Fields{
		"workspace": opts.Workspace,
		"db":        db.Path(opts.Workspace),
	}).Debug("workspace opened")
	return &Context{Workspace: opts.Workspace, DB: conn, Config: cfg, Engine: e, Log: log}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// NewLogger builds the process logger writing to stderr.
func NewLogger(level string, jsonFormat bool) (*logrus.Logger, error) {
	log := logrus.New()
	log.Out = os.Stderr
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(lvl)
	if jsonFormat {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}
