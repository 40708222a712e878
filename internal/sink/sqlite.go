package sink

import (
	"context"
	"database/sql"

	"github.com/IggyIkenna/basis-strategy-v1/internal/codec"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/conn"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/shopspring/decimal"
)

const component = "results_sink"

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS tick_records (
	run_id           TEXT    NOT NULL,
	seq              INTEGER NOT NULL,
	strategy_id      TEXT    NOT NULL,
	timestamp        TEXT    NOT NULL,
	state            TEXT    NOT NULL,
	action           TEXT    NOT NULL,
	decision_id      TEXT    NOT NULL DEFAULT '',
	advisory         TEXT    NOT NULL,
	total_value      TEXT    NOT NULL,
	net_delta        TEXT    NOT NULL,
	balance_pnl      TEXT    NOT NULL,
	cumulative_pnl   TEXT    NOT NULL,
	unexplained      TEXT    NOT NULL,
	within_tolerance INTEGER NOT NULL,
	degraded         INTEGER NOT NULL,
	error            TEXT    NOT NULL DEFAULT '',
	payload          BLOB    NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS pnl_attribution (
	run_id     TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	component  TEXT    NOT NULL,
	timestamp  TEXT    NOT NULL,
	period     TEXT    NOT NULL,
	cumulative TEXT    NOT NULL,
	PRIMARY KEY (run_id, seq, component)
);
CREATE INDEX IF NOT EXISTS idx_tick_records_ts ON tick_records(timestamp);
`

const upsertTick = `
INSERT INTO tick_records (run_id, seq, strategy_id, timestamp, state, action, decision_id, advisory,
	total_value, net_delta, balance_pnl, cumulative_pnl, unexplained, within_tolerance, degraded, error, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, seq) DO UPDATE SET
	strategy_id=excluded.strategy_id, timestamp=excluded.timestamp, state=excluded.state,
	action=excluded.action, decision_id=excluded.decision_id, advisory=excluded.advisory,
	total_value=excluded.total_value, net_delta=excluded.net_delta, balance_pnl=excluded.balance_pnl,
	cumulative_pnl=excluded.cumulative_pnl, unexplained=excluded.unexplained,
	within_tolerance=excluded.within_tolerance, degraded=excluded.degraded,
	error=excluded.error, payload=excluded.payload`

const upsertAttribution = `
INSERT INTO pnl_attribution (run_id, seq, component, timestamp, period, cumulative)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, seq, component) DO UPDATE SET
	timestamp=excluded.timestamp, period=excluded.period, cumulative=excluded.cumulative`

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite stores results in a local database file. Decimals are kept as
// text to avoid float rounding.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := conn.OpenSQLite(ctx, path)
	if err != nil {
		return nil, exception.DataUnavailable(component, "open sqlite").With("path", path).Wrap(err)
	}
	if _, err := db.ExecContext(ctx, sqliteDDL); err != nil {
		db.Close()
		return nil, exception.DataUnavailable(component, "create result tables").Wrap(err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Append(ctx context.Context, rec schema.TickRecord) error {
	row, attrs, err := rowsOf(rec)
	if err != nil {
		return err
	}
	if err := s.write(ctx, row, attrs); err != nil {
		return exception.DataUnavailable(component, "append tick").With("run", rec.RunID).With("seq", rec.Seq).Wrap(err)
	}
	return nil
}

func (s *SQLite) write(ctx context.Context, row TickRow, attrs []AttributionRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := row.Timestamp.Format(timeLayout)
	_, err = tx.ExecContext(ctx, upsertTick,
		row.RunID, int64(row.Seq), row.StrategyID, ts, row.State, row.Action, row.DecisionID, row.Advisory,
		row.TotalValue.String(), row.NetDelta.String(), row.BalancePnL.String(), row.CumulativePnL.String(),
		row.Unexplained.String(), boolInt(row.WithinTolerance), boolInt(row.Degraded), row.Error, row.Payload,
	)
	if err != nil {
		return err
	}
	for _, a := range attrs {
		_, err = tx.ExecContext(ctx, upsertAttribution,
			a.RunID, int64(a.Seq), a.Component, ts, a.Period.String(), a.Cumulative.String())
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ticks loads the full records of a run in sequence order.
func (s *SQLite) Ticks(ctx context.Context, runID string) ([]schema.TickRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM tick_records WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.TickRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		rec, err := codec.DecodeTick(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Attribution returns the cumulative value of each component at the last
// stored tick of a run.
func (s *SQLite) Attribution(ctx context.Context, runID string) (map[string]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT component, cumulative FROM pnl_attribution
		WHERE run_id = ? AND seq = (SELECT MAX(seq) FROM pnl_attribution WHERE run_id = ?)`,
		runID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return nil, err
		}
		out[name] = d
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
