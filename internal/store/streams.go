package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Origin is the cursor that precedes every entry of a stream
const Origin = "0"

const dataField = "data"

// Message is one stream entry. ID doubles as the resume cursor.
type Message struct {
	ID   string
	Data []byte
}

// AppendOptions bounds stream growth
type AppendOptions struct {
	// ID forces an explicit entry id; empty lets the store assign one
	ID     string
	MaxLen int64
	TTL    time.Duration
}

// Entry is one pending append for AppendAll
type Entry struct {
	Stream string
	Data   []byte
	Opts   AppendOptions
}

// Append adds data to the end of stream and returns the new entry's cursor
func (c *Client) Append(ctx context.Context, stream string, data []byte, opts AppendOptions) (string, error) {
	ids, err := c.AppendAll(ctx, Entry{Stream: stream, Data: data, Opts: opts})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AppendAll adds every entry in one MULTI/EXEC, so readers see all of them or none.
// Cursors are returned in entry order.
func (c *Client) AppendAll(ctx context.Context, entries ...Entry) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	adds := make([]*redis.StringCmd, len(entries))
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, e := range entries {
			adds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: e.Stream,
				MaxLen: e.Opts.MaxLen,
				ID:     e.Opts.ID,
				Values: map[string]interface{}{dataField: e.Data},
			})
			if e.Opts.TTL > 0 {
				pipe.Expire(ctx, e.Stream, e.Opts.TTL)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append %s: %w", entries[0].Stream, err)
	}

	ids := make([]string, len(adds))
	for i, add := range adds {
		ids[i] = add.Val()
	}
	return ids, nil
}

// ReadAfter returns up to count entries strictly after cursor without blocking
func (c *Client) ReadAfter(ctx context.Context, stream, cursor string, count int64) ([]Message, error) {
	if cursor == "" {
		cursor = Origin
	}
	res, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, cursor},
		Count:   count,
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s after %s: %w", stream, cursor, err)
	}

	var out []Message
	for _, s := range res {
		out = append(out, toMessages(s.Messages)...)
	}
	return out, nil
}

// Range returns entries between from and to inclusive ("-" and "+" are the ends)
func (c *Client) Range(ctx context.Context, stream, from, to string) ([]Message, error) {
	res, err := c.rdb.XRange(ctx, stream, from, to).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", stream, err)
	}
	return toMessages(res), nil
}

func toMessages(in []redis.XMessage) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		var data []byte
		switch v := m.Values[dataField].(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		}
		out = append(out, Message{ID: m.ID, Data: data})
	}
	return out
}

// LastID returns the cursor of the newest entry, or Origin for an empty stream
func (c *Client) LastID(ctx context.Context, stream string) (string, error) {
	res, err := c.rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("last id of %s: %w", stream, err)
	}
	if len(res) == 0 {
		return Origin, nil
	}
	return res[0].ID, nil
}

// CompareIDs orders two stream cursors like strings.Compare. Malformed parts
// compare as zero, and a bare "0" is the origin.
func CompareIDs(a, b string) int {
	ams, aseq := splitID(a)
	bms, bseq := splitID(b)
	switch {
	case ams < bms:
		return -1
	case ams > bms:
		return 1
	case aseq < bseq:
		return -1
	case aseq > bseq:
		return 1
	}
	return 0
}

func splitID(id string) (uint64, uint64) {
	msPart, seqPart, _ := strings.Cut(id, "-")
	ms, _ := strconv.ParseUint(msPart, 10, 64)
	seq, _ := strconv.ParseUint(seqPart, 10, 64)
	return ms, seq
}
