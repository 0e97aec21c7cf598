package persistence

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// writeBatch accumulates one flush cycle's worth of records, grouped by
// table, so Run can issue one batched statement per table instead of one
// INSERT per record.
type writeBatch struct {
	events     []EventRecord
	intents    []OrderIntentRecord
	orders     []OrderRecord
	fills      []FillRecord
	positions  []PositionRecord
	pnl        []PnLSnapshotRecord
	latencies  []LatencyMetricRecord
	books      []BookSnapshotRecord
	errs       []ErrorRecord
}

func newBatch() *writeBatch { return &writeBatch{} }

func (b *writeBatch) empty() bool {
	return len(b.events) == 0 && len(b.intents) == 0 && len(b.orders) == 0 &&
		len(b.fills) == 0 && len(b.positions) == 0 && len(b.pnl) == 0 &&
		len(b.latencies) == 0 && len(b.books) == 0 && len(b.errs) == 0
}

func (b *writeBatch) add(item any) {
	switch v := item.(type) {
	case EventRecord:
		b.events = append(b.events, v)
	case OrderIntentRecord:
		b.intents = append(b.intents, v)
	case OrderRecord:
		b.orders = append(b.orders, v)
	case FillRecord:
		b.fills = append(b.fills, v)
	case PositionRecord:
		b.positions = append(b.positions, v)
	case PnLSnapshotRecord:
		b.pnl = append(b.pnl, v)
	case LatencyMetricRecord:
		b.latencies = append(b.latencies, v)
	case BookSnapshotRecord:
		b.books = append(b.books, v)
	case ErrorRecord:
		b.errs = append(b.errs, v)
	}
}

// writeTo flushes every non-empty slice as one transaction: either the
// whole flush cycle lands, or none of it does. Orders and positions upsert
// on their natural key (client_order_id / key); every other table is
// append-only.
func (b *writeBatch) writeTo(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if len(b.events) > 0 {
			if err := tx.Create(&b.events).Error; err != nil {
				return err
			}
		}
		if len(b.intents) > 0 {
			if err := tx.Create(&b.intents).Error; err != nil {
				return err
			}
		}
		if len(b.orders) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "client_order_id"}},
				UpdateAll: true,
			}).Create(&b.orders).Error; err != nil {
				return err
			}
		}
		if len(b.fills) > 0 {
			if err := tx.Create(&b.fills).Error; err != nil {
				return err
			}
		}
		if len(b.positions) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				UpdateAll: true,
			}).Create(&b.positions).Error; err != nil {
				return err
			}
		}
		if len(b.pnl) > 0 {
			if err := tx.Create(&b.pnl).Error; err != nil {
				return err
			}
		}
		if len(b.latencies) > 0 {
			if err := tx.Create(&b.latencies).Error; err != nil {
				return err
			}
		}
		if len(b.books) > 0 {
			if err := tx.Create(&b.books).Error; err != nil {
				return err
			}
		}
		if len(b.errs) > 0 {
			if err := tx.Create(&b.errs).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
