package sink

import (
	"context"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/conn"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Postgres upserts tick rows keyed by (run, seq), so replaying a tick
// after a restart overwrites instead of duplicating.
type Postgres struct {
	client *conn.Client
	own    bool
}

// OpenPostgres connects and migrates the result tables.
func OpenPostgres(ctx context.Context, opt conn.Option) (*Postgres, error) {
	client, err := conn.New(opt)
	if err != nil {
		return nil, exception.DataUnavailable(component, "open postgres").Wrap(err)
	}
	p, err := NewPostgres(ctx, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	p.own = true
	return p, nil
}

// NewPostgres migrates the result tables on an existing client.
func NewPostgres(ctx context.Context, client *conn.Client) (*Postgres, error) {
	if err := client.Migrate(ctx, &TickRow{}, &AttributionRow{}); err != nil {
		return nil, exception.DataUnavailable(component, "migrate result tables").Wrap(err)
	}
	return &Postgres{client: client}, nil
}

func (p *Postgres) Append(ctx context.Context, rec schema.TickRecord) error {
	row, attrs, err := rowsOf(rec)
	if err != nil {
		return err
	}
	err = p.client.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsert := clause.OnConflict{UpdateAll: true}
		if err := tx.Clauses(upsert).Create(&row).Error; err != nil {
			return err
		}
		if len(attrs) == 0 {
			return nil
		}
		return tx.Clauses(upsert).Create(&attrs).Error
	})
	if err != nil {
		return exception.DataUnavailable(component, "append tick").With("run", rec.RunID).With("seq", rec.Seq).Wrap(err)
	}
	return nil
}

// Ticks loads the stored rows of a run in sequence order.
func (p *Postgres) Ticks(ctx context.Context, runID string) ([]TickRow, error) {
	var rows []TickRow
	err := p.client.DB().WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq").
		Find(&rows).Error
	return rows, err
}

func (p *Postgres) Close() error {
	if !p.own {
		return nil
	}
	return p.client.Close()
}
