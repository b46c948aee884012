package engine

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"operaflow/internal/config"
	"operaflow/internal/events"
	"operaflow/internal/repo"
)

// Engine runs planning operations, each in its own transaction.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Bus    *events.Bus
	Locks  *Locker
	Config *config.Config
	Log    logrus.FieldLogger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	log := logrus.New()
	log.Out = io.Discard
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Bus:    events.NewBus(log),
		Locks:  NewLocker(),
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
	return e
}

// WithLogger returns a copy of e logging to log.
func (e Engine) WithLogger(log logrus.FieldLogger) Engine {
	e.Log = log
	e.Bus = events.NewBus(log)
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) stamp() string {
	return e.now().Format(time.RFC3339)
}

func (e Engine) logger() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

// changeSet collects events appended in a transaction; they are published
// only once the transaction commits.
type changeSet struct {
	e       Engine
	tx      *sql.Tx
	changes []events.Change
}

func (e Engine) begin(ctx context.Context) (*changeSet, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	e.Events.Now = e.Now
	return &changeSet{e: e, tx: tx}, nil
}

func (c *changeSet) append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	ch, err := c.e.Events.Append(ctx, c.tx, evtType, entityKind, entityID, actorID, payload)
	if err != nil {
		return err
	}
	c.changes = append(c.changes, ch)
	return nil
}

func (c *changeSet) rollback() {
	_ = c.tx.Rollback()
}

func (c *changeSet) commit() error {
	if err := c.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	c.e.Bus.Publish(c.changes...)
	return nil
}
