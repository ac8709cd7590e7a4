package ticks

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fleetrun/fleetrun/internal/market"
)

const (
	streamPrefix = "fleetrun:ticks:"
	// streamMaxLen bounds each per-symbol stream; trimming is approximate
	// so XADD stays O(1).
	streamMaxLen = 100_000
)

// RedisSink persists tick batches to per-symbol Redis streams. Batches
// go out in one pipeline round trip; a failed pipeline fails the whole
// batch so the ingestor re-enqueues it.
type RedisSink struct {
	rdb *redis.Client
}

// NewRedisSink creates a stream-backed tick sink.
func NewRedisSink(rdb *redis.Client) *RedisSink {
	return &RedisSink{rdb: rdb}
}

// PersistTrades implements Sink.
func (s *RedisSink) PersistTrades(ctx context.Context, batch []market.TradeTick) error {
	pipe := s.rdb.Pipeline()
	for _, t := range batch {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: streamPrefix + t.Symbol + ":trades",
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"ts_ns": t.TsNs, "seq": t.Seq,
				"price": t.Price, "size": t.Size, "side": t.Side,
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist %d trade ticks: %w", len(batch), err)
	}
	return nil
}

// PersistQuotes implements Sink.
func (s *RedisSink) PersistQuotes(ctx context.Context, batch []market.QuoteTick) error {
	pipe := s.rdb.Pipeline()
	for _, q := range batch {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: streamPrefix + q.Symbol + ":quotes",
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"ts_ns": q.TsNs, "seq": q.Seq,
				"bid": q.Bid, "bid_size": q.BidSize,
				"ask": q.Ask, "ask_size": q.AskSize,
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist %d quote ticks: %w", len(batch), err)
	}
	return nil
}

// PersistL2 implements Sink. Depth levels flatten to alternating
// price/size pairs, best level first.
func (s *RedisSink) PersistL2(ctx context.Context, batch []L2Snapshot) error {
	pipe := s.rdb.Pipeline()
	for _, snap := range batch {
		values := map[string]interface{}{"ts_ns": snap.TsNs}
		for i, lvl := range snap.Bids {
			values[fmt.Sprintf("bid_%d", i)] = fmt.Sprintf("%g@%g", lvl[0], lvl[1])
		}
		for i, lvl := range snap.Asks {
			values[fmt.Sprintf("ask_%d", i)] = fmt.Sprintf("%g@%g", lvl[0], lvl[1])
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: streamPrefix + snap.Symbol + ":l2",
			MaxLen: streamMaxLen,
			Approx: true,
			Values: values,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist %d l2 snapshots: %w", len(batch), err)
	}
	return nil
}
