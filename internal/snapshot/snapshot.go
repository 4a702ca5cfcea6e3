// Package snapshot implements the shared on-disk format for durable state:
// dedup tracker snapshots, cache snapshots, chunk progress, and spill files.
//
// Every blob is framed as [length u32][flag u8][body] where flag 0 is a raw
// body and flag 1 a zstd-compressed one. The encoder always attempts
// compression and keeps the raw body when compression does not shrink it.
// Writes go through temp-file + fsync + atomic rename, retaining the prior
// snapshot as a .bak for crash recovery.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const (
	flagRaw        = 0
	flagCompressed = 1

	// headerSize is the frame header: u32 length + u8 flag.
	headerSize = 5

	// maxBodySize bounds a decoded body to guard against corrupt length
	// prefixes (1GB).
	maxBodySize = 1 << 30

	// BackupSuffix is appended to the prior snapshot kept for recovery.
	BackupSuffix = ".bak"

	tmpSuffix = ".tmp"
)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// Encode frames raw into [length][flag][body], compressing when it helps.
func Encode(raw []byte) []byte {
	compressed := encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))

	body := raw
	flag := byte(flagRaw)
	if len(compressed) < len(raw) {
		body = compressed
		flag = flagCompressed
	}

	out := make([]byte, 0, headerSize+len(body))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, flag)
	return append(out, body...)
}

// Decode unframes one blob and returns the raw body plus any trailing bytes.
func Decode(b []byte) (body, rest []byte, err error) {
	if len(b) < headerSize {
		return nil, nil, fmt.Errorf("snapshot frame truncated: %d bytes", len(b))
	}
	length := binary.LittleEndian.Uint32(b)
	flag := b[4]
	b = b[headerSize:]

	if length > maxBodySize {
		return nil, nil, fmt.Errorf("snapshot body length %d exceeds limit", length)
	}
	if int(length) > len(b) {
		return nil, nil, fmt.Errorf("snapshot body truncated: want %d have %d", length, len(b))
	}
	payload, rest := b[:length], b[length:]

	switch flag {
	case flagRaw:
		return payload, rest, nil
	case flagCompressed:
		raw, err := decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot decompress: %w", err)
		}
		return raw, rest, nil
	default:
		return nil, nil, fmt.Errorf("snapshot unknown flag %d", flag)
	}
}

// WriteFile frames raw and writes it durably to path: the frame goes to a
// temp file which is fsynced then renamed over path. The previous snapshot,
// if any, is kept as path+".bak".
func WriteFile(path string, raw []byte) error {
	framed := Encode(raw)
	tmpPath := path + tmpSuffix

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := f.Write(framed); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot: %w", err)
	}

	// Keep the prior valid snapshot for crash recovery. Rename is atomic,
	// so a crash between these two leaves either old+bak or new+bak.
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+BackupSuffix); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("rotate snapshot backup: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

// ReadFile reads and unframes path, falling back to the retained backup if
// the primary is missing or corrupt. os.IsNotExist(err) holds when neither
// exists, so callers can treat that as "no prior state".
func ReadFile(path string) ([]byte, error) {
	raw, err := readOne(path)
	if err == nil {
		return raw, nil
	}
	if bak, bakErr := readOne(path + BackupSuffix); bakErr == nil {
		return bak, nil
	}
	return nil, err
}

func readOne(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, _, err := Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return raw, nil
}

// Remove deletes a snapshot and its backup.
func Remove(path string) {
	os.Remove(path)
	os.Remove(path + BackupSuffix)
	os.Remove(path + tmpSuffix)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		// Directory sync is best effort on platforms that refuse it.
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
