package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

// Phases an instance moves through. An outcome stores the last phase reached.
const (
	PhaseProvision = "provision"
	PhaseReady     = "ready"
	PhasePush      = "push"
	PhaseInvoke    = "invoke"
	PhaseCollect   = "collect"
	PhaseDone      = "done"
)

// Outcome is what happened to one instance of one run.
type Outcome struct {
	RunID       string     `json:"run_id"`
	Instance    string     `json:"instance"`
	InstanceID  string     `json:"instance_id,omitempty"`
	Zone        string     `json:"zone,omitempty"`
	Profile     string     `json:"profile"`
	MachineType string     `json:"machine_type"`
	Preemptible bool       `json:"preemptible"`
	Phase       string     `json:"phase"`
	Error       string     `json:"error,omitempty"`
	TornDown    bool       `json:"torn_down"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Ledger is the orchestrator's local record of every instance it created.
type Ledger struct {
	logger *zap.Logger
	db     *sql.DB
}

func Open(ctx context.Context, path string, logger *zap.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Instances finish concurrently in concurrent dispatch; one connection serialises the writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("execute schema: %w", err)
	}
	return &Ledger{logger: logger.Named("ledger"), db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record inserts or replaces the outcome for (run, instance).
func (l *Ledger) Record(ctx context.Context, o *Outcome) error {
	var finished sql.NullString
	if o.FinishedAt != nil {
		finished = sql.NullString{String: o.FinishedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO outcomes (run_id, instance, instance_id, zone, profile, machine_type, preemptible, phase,
		                      error, torn_down, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, instance) DO UPDATE SET
			instance_id = excluded.instance_id,
			zone = excluded.zone,
			phase = excluded.phase,
			error = excluded.error,
			torn_down = excluded.torn_down,
			finished_at = excluded.finished_at`,
		o.RunID, o.Instance, o.InstanceID, o.Zone, o.Profile, o.MachineType, o.Preemptible, o.Phase,
		o.Error, o.TornDown, o.StartedAt.UTC().Format(time.RFC3339Nano), finished)
	if err != nil {
		return fmt.Errorf("recording outcome for %s: %w", o.Instance, err)
	}
	l.logger.Debug("outcome recorded",
		zap.String("instance", o.Instance),
		zap.String("phase", o.Phase),
		zap.Bool("torn_down", o.TornDown))
	return nil
}

// Outcomes lists a run's outcomes in the order the instances were started.
func (l *Ledger) Outcomes(ctx context.Context, runID string) ([]*Outcome, error) {
	return l.query(ctx, `WHERE run_id = ? ORDER BY started_at, instance`, runID)
}

// Leaks lists instances, across every run, that were created but never confirmed deleted.
func (l *Ledger) Leaks(ctx context.Context) ([]*Outcome, error) {
	return l.query(ctx, `WHERE torn_down = 0 AND instance_id != '' ORDER BY started_at, instance`)
}

// MarkTornDown records that a leaked instance has since been deleted.
func (l *Ledger) MarkTornDown(ctx context.Context, runID, instance string) error {
	_, err := l.db.ExecContext(ctx, `UPDATE outcomes SET torn_down = 1 WHERE run_id = ? AND instance = ?`, runID, instance)
	return err
}

func (l *Ledger) query(ctx context.Context, where string, args ...any) ([]*Outcome, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, instance, instance_id, zone, profile, machine_type, preemptible, phase, error, torn_down,
		       started_at, finished_at
		FROM outcomes `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []*Outcome{}
	for rows.Next() {
		var (
			o        Outcome
			started  string
			finished sql.NullString
		)
		err := rows.Scan(&o.RunID, &o.Instance, &o.InstanceID, &o.Zone, &o.Profile, &o.MachineType, &o.Preemptible,
			&o.Phase, &o.Error, &o.TornDown, &started, &finished)
		if err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		if o.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if finished.Valid {
			at, err := time.Parse(time.RFC3339Nano, finished.String)
			if err != nil {
				return nil, fmt.Errorf("parse finished_at: %w", err)
			}
			o.FinishedAt = &at
		}
		outcomes = append(outcomes, &o)
	}
	return outcomes, rows.Err()
}
