package client

import (
	"context"

	bridgeservice "github.com/sushant-115/txbridge/api/bridge_service"
	"github.com/sushant-115/txbridge/core/value"
)

// Cursor is a server-side query stream. Advance pulls the next row into the
// server's one-row buffer and Take collects it.
type Cursor struct {
	s  *Session
	id float64
}

func (c *Cursor) req() map[string]any {
	return c.s.req(map[string]any{"cursor": c.id})
}

func (c *Cursor) Advance(ctx context.Context) error {
	_, err := c.s.c.call(ctx, bridgeservice.MethodAdvanceCursor, c.req())
	return err
}

// Take returns the buffered row; ok is false when the buffer is empty.
func (c *Cursor) Take(ctx context.Context) (*value.Map, bool, error) {
	out, err := c.s.c.call(ctx, bridgeservice.MethodTakeCursorValue, c.req())
	if err != nil {
		return nil, false, err
	}
	f := out.GetFields()
	if !f["present"].GetBoolValue() {
		return nil, false, nil
	}
	row, err := rowFromWire(f["value"].AsInterface())
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// Next advances and takes in one step. ok is false once the stream is
// exhausted.
func (c *Cursor) Next(ctx context.Context) (*value.Map, bool, error) {
	if err := c.Advance(ctx); err != nil {
		return nil, false, err
	}
	return c.Take(ctx)
}

// All drains the cursor and closes it.
func (c *Cursor) All(ctx context.Context) ([]*value.Map, error) {
	var rows []*value.Map
	for {
		row, ok, err := c.Next(ctx)
		if err != nil {
			c.Close(ctx)
			return nil, err
		}
		if !ok {
			return rows, c.Close(ctx)
		}
		rows = append(rows, row)
	}
}

func (c *Cursor) Close(ctx context.Context) error {
	_, err := c.s.c.call(ctx, bridgeservice.MethodCloseCursor, c.req())
	return err
}
