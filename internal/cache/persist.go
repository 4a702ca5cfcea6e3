package cache

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/histflow/histflow/internal/logging"
	"github.com/histflow/histflow/internal/snapshot"
)

// Snapshot body layout (inside the shared snapshot framing):
//
//	[u32 n] then per entry
//	[u16 keylen][key][u32 vallen][value][i64 insertedAt unixnano][i64 ttl ns]

const maxSnapshotValueLen = 64 << 20

// Save writes the full cache contents as one atomic snapshot.
func (s *Store) Save() error {
	keys := s.lru.Keys()
	body := binary.LittleEndian.AppendUint32(nil, uint32(len(keys)))
	n := 0
	now := time.Now()
	for _, key := range keys {
		e, ok := s.lru.Peek(key)
		if !ok || e.expired(now) {
			continue
		}
		body = binary.LittleEndian.AppendUint16(body, uint16(len(e.Key)))
		body = append(body, e.Key...)
		body = binary.LittleEndian.AppendUint32(body, uint32(len(e.Value)))
		body = append(body, e.Value...)
		body = binary.LittleEndian.AppendUint64(body, uint64(e.InsertedAt.UnixNano()))
		body = binary.LittleEndian.AppendUint64(body, uint64(e.TTL))
		n++
	}
	// Patch the count: expired entries were skipped.
	binary.LittleEndian.PutUint32(body, uint32(n))

	if err := snapshot.WriteFile(s.cfg.Path, body); err != nil {
		flushesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("save cache snapshot: %w", err)
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	flushesTotal.WithLabelValues("success").Inc()
	return nil
}

// load restores entries from the snapshot at construction time. Errors are
// logged and the cache starts empty: a cache must never fail a run.
func (s *Store) load() {
	body, err := snapshot.ReadFile(s.cfg.Path)
	if err != nil {
		return
	}
	entries, err := decodeEntries(body)
	if err != nil {
		logging.Warn("cache snapshot corrupt, starting empty", logging.F(
			"path", s.cfg.Path,
			"error", err.Error(),
		))
		return
	}
	now := time.Now()
	restored := 0
	for _, e := range entries {
		if e.expired(now) {
			continue
		}
		s.lru.Add(e.Key, e)
		restored++
	}
	if restored > 0 {
		logging.Info("cache snapshot restored", logging.F(
			"path", s.cfg.Path,
			"entries", restored,
		))
	}
	entriesGauge.Set(float64(s.lru.Len()))
}

func decodeEntries(body []byte) ([]Entry, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("cache snapshot header truncated")
	}
	n := binary.LittleEndian.Uint32(body)
	body = body[4:]

	entries := make([]Entry, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(body) < 2 {
			return nil, fmt.Errorf("entry %d: key length truncated", i)
		}
		klen := int(binary.LittleEndian.Uint16(body))
		body = body[2:]
		if klen > len(body) {
			return nil, fmt.Errorf("entry %d: key truncated", i)
		}
		key := string(body[:klen])
		body = body[klen:]

		if len(body) < 4 {
			return nil, fmt.Errorf("entry %d: value length truncated", i)
		}
		vlen := binary.LittleEndian.Uint32(body)
		body = body[4:]
		if vlen > maxSnapshotValueLen || int(vlen) > len(body) {
			return nil, fmt.Errorf("entry %d: value length %d out of range", i, vlen)
		}
		value := append([]byte(nil), body[:vlen]...)
		body = body[vlen:]

		if len(body) < 16 {
			return nil, fmt.Errorf("entry %d: lifecycle fields truncated", i)
		}
		insertedAt := time.Unix(0, int64(binary.LittleEndian.Uint64(body)))
		ttl := time.Duration(binary.LittleEndian.Uint64(body[8:]))
		body = body[16:]

		entries = append(entries, Entry{
			Key:        key,
			Value:      value,
			InsertedAt: insertedAt,
			TTL:        ttl,
		})
	}
	return entries, nil
}
