package shard

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/histflow/histflow/internal/logging"
	"github.com/histflow/histflow/internal/record"
	"github.com/histflow/histflow/internal/remote"
)

// OriginKey is the cache key for a resolved origin entity.
func OriginKey(id uint64) string {
	return fmt.Sprintf("origin:%d", id)
}

// resolveOrigins batch-resolves the distinct origin entities referenced by
// the merged records, one remote call per batch of unique ids, skipping ids
// already cached. Resolve failures are logged and counted; the records
// themselves are unaffected.
func (c *Coordinator) resolveOrigins(ctx context.Context, recs []record.Record) {
	seen := make(map[uint64]struct{})
	var missing []uint64
	for i := range recs {
		id := recs[i].OriginID
		if id == 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if c.origins != nil {
			if _, hit := c.origins.Get(OriginKey(id)); hit {
				continue
			}
		}
		missing = append(missing, id)
	}

	for start := 0; start < len(missing); start += c.cfg.ResolveBatchSize {
		end := start + c.cfg.ResolveBatchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[start:end]

		var entities map[uint64]remote.Entity
		err := c.conns.ExecuteWithRetry(ctx, "mixed", func(ctx context.Context) error {
			var rerr error
			entities, rerr = c.resolver.ResolveBatch(ctx, batch)
			return rerr
		})
		resolveCallsTotal.Inc()
		if c.collector != nil {
			c.collector.RecordResolveCall()
		}
		if err != nil {
			logging.Warn("origin batch resolve failed", logging.F(
				"batch_size", len(batch),
				"error", err.Error(),
			))
			continue
		}
		if c.origins == nil {
			continue
		}
		for id, e := range entities {
			c.origins.Put(OriginKey(id), EncodeEntity(e), c.cfg.OriginTTL)
		}
	}
}

// EncodeEntity serializes an entity for cache storage.
func EncodeEntity(e remote.Entity) []byte {
	b := binary.LittleEndian.AppendUint64(nil, e.ID)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(e.Name)))
	b = append(b, e.Name...)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(e.Attrs)))
	for k, v := range e.Attrs {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(k)))
		b = append(b, k...)
		b = binary.LittleEndian.AppendUint16(b, uint16(len(v)))
		b = append(b, v...)
	}
	return b
}

// DecodeEntity reconstructs an entity from EncodeEntity output.
func DecodeEntity(b []byte) (remote.Entity, error) {
	var e remote.Entity
	if len(b) < 10 {
		return e, fmt.Errorf("entity truncated: %d bytes", len(b))
	}
	e.ID = binary.LittleEndian.Uint64(b)
	b = b[8:]

	name, rest, err := readLenPrefixed(b)
	if err != nil {
		return e, fmt.Errorf("entity name: %w", err)
	}
	e.Name = string(name)
	b = rest

	if len(b) < 2 {
		return e, fmt.Errorf("entity attr count truncated")
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if n > 0 {
		e.Attrs = make(map[string]string, n)
	}
	for i := 0; i < n; i++ {
		k, rest, err := readLenPrefixed(b)
		if err != nil {
			return e, fmt.Errorf("entity attr key: %w", err)
		}
		b = rest
		v, rest, err := readLenPrefixed(b)
		if err != nil {
			return e, fmt.Errorf("entity attr value: %w", err)
		}
		b = rest
		e.Attrs[string(k)] = string(v)
	}
	return e, nil
}

func readLenPrefixed(b []byte) ([]byte, []byte, error) {
	if len(b) < 2 {
		return nil, nil, fmt.Errorf("length prefix truncated")
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if n > len(b) {
		return nil, nil, fmt.Errorf("value truncated: want %d have %d", n, len(b))
	}
	return b[:n], b[n:], nil
}
