package clickhouse

import (
	"context"
	"fmt"

	"github.com/leshachaplin/tracker/internal/domain"
)

func (c *Clickhouse) StoreEvents(ctx context.Context, batch domain.ReceivedBatch) error {
	events, err := eventsFromDomain(batch)
	if err != nil {
		return fmt.Errorf("convert events: %w", err)
	}

	b, err := c.conn.PrepareBatch(ctx, `INSERT INTO events`)
	if err != nil {
		return err
	}
	for i := 0; i < len(events); i++ {
		if errAppend := b.AppendStruct(&events[i]); errAppend != nil {
			return errAppend
		}
	}
	return b.Send()
}

// CountEvents reports how many rows carry payloadID.
func (c *Clickhouse) CountEvents(ctx context.Context, payloadID string) (uint64, error) {
	var n uint64
	if err := c.conn.QueryRow(ctx, `SELECT count() FROM events WHERE payload_id = ?`, payloadID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
