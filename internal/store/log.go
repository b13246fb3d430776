// Package store persists the heterogeneous record stream: an append-only
// log file as the source of truth, SQLite secondary indexes for range
// queries, and an in-memory change feed for live tailing.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"pulsed/internal/record"
)

// Log file format: a fixed header (magic, version) followed by
// length-prefixed records. Each record frame is
//
//	length  u32 LE   (cursor + kind + payload bytes)
//	cursor  u64 LE
//	kind    u8
//	payload JSON
//
// Payloads are self-describing JSON so the log is inspectable without
// the producing process.
const (
	logMagic      = "PLSE"
	logVersion    = 1
	logHeaderSize = 8 // magic(4) + version(u16 LE) + reserved(2)

	frameOverhead = 8 + 1 // cursor + kind
	maxFrameSize  = 64 * 1024 * 1024
)

// Errors surfaced by the log.
var (
	ErrBadMagic   = errors.New("store: invalid log magic")
	ErrBadVersion = errors.New("store: unsupported log version")
	ErrLogClosed  = errors.New("store: log is closed")
)

// logFile is the append-only record log. It is not safe for concurrent
// use; the Store serializes access.
type logFile struct {
	path   string
	file   *os.File
	size   int64
	closed bool

	lastCursor  uint64
	lastKind    record.Kind
	lastPayload []byte
	count       uint64
}

// openLog opens or creates the log at path, scanning to the end and
// truncating any trailing partial or corrupt record.
func openLog(path string) (*logFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	l := &logFile{path: path, file: file}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	if stat.Size() == 0 {
		if err := l.writeHeader(); err != nil {
			file.Close()
			return nil, fmt.Errorf("write log header: %w", err)
		}
	} else {
		if err := l.readHeader(); err != nil {
			file.Close()
			return nil, err
		}
		if err := l.scanToEnd(); err != nil {
			file.Close()
			return nil, fmt.Errorf("scan log: %w", err)
		}
	}

	return l, nil
}

func (l *logFile) writeHeader() error {
	buf := make([]byte, logHeaderSize)
	copy(buf[0:4], logMagic)
	binary.LittleEndian.PutUint16(buf[4:6], logVersion)
	if _, err := l.file.WriteAt(buf, 0); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	// WriteAt does not move the file offset; appends must start past
	// the header.
	if _, err := l.file.Seek(logHeaderSize, io.SeekStart); err != nil {
		return err
	}
	l.size = logHeaderSize
	return nil
}

func (l *logFile) readHeader() error {
	buf := make([]byte, logHeaderSize)
	if _, err := l.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("read log header: %w", err)
	}
	if string(buf[0:4]) != logMagic {
		return ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != logVersion {
		return fmt.Errorf("%w: got %d, expected %d", ErrBadVersion, v, logVersion)
	}
	return nil
}

// scanToEnd walks every frame, stopping at the first truncated or
// corrupt one. The file is truncated to the last intact frame so that
// future appends land on a clean tail.
func (l *logFile) scanToEnd() error {
	offset := int64(logHeaderSize)

	for {
		frameLen, cursor, kind, payload, err := l.readFrame(offset)
		if err != nil {
			// Damaged or partial tail: keep what is intact.
			break
		}
		l.lastCursor = cursor
		l.lastKind = kind
		l.lastPayload = payload
		l.count++
		offset += frameLen
	}

	if err := l.file.Truncate(offset); err != nil {
		return fmt.Errorf("truncate to last intact record: %w", err)
	}
	l.size = offset
	if _, err := l.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	return nil
}

// readFrame reads one frame at offset. Returns the total frame length
// including the length prefix.
func (l *logFile) readFrame(offset int64) (frameLen int64, cursor uint64, kind record.Kind, payload []byte, err error) {
	var lenBuf [4]byte
	if _, err = l.file.ReadAt(lenBuf[:], offset); err != nil {
		return 0, 0, 0, nil, err
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf[:])
	if bodyLen < frameOverhead || bodyLen > maxFrameSize {
		return 0, 0, 0, nil, fmt.Errorf("implausible frame length %d", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err = l.file.ReadAt(body, offset+4); err != nil {
		return 0, 0, 0, nil, err
	}

	cursor = binary.LittleEndian.Uint64(body[0:8])
	kind = record.Kind(body[8])
	payload = body[9:]
	if kind.String() == "unknown" {
		return 0, 0, 0, nil, fmt.Errorf("unknown kind byte %d", body[8])
	}
	return int64(4 + bodyLen), cursor, kind, payload, nil
}

// append writes one frame and syncs it to disk. Durable before return.
func (l *logFile) append(cursor uint64, kind record.Kind, payload []byte) error {
	if l.closed {
		return ErrLogClosed
	}

	bodyLen := frameOverhead + len(payload)
	buf := make([]byte, 4+bodyLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(bodyLen))
	binary.LittleEndian.PutUint64(buf[4:12], cursor)
	buf[12] = byte(kind)
	copy(buf[13:], payload)

	if _, err := l.file.Write(buf); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync record: %w", err)
	}

	l.size += int64(len(buf))
	l.lastCursor = cursor
	l.lastKind = kind
	l.lastPayload = payload
	l.count++
	return nil
}

// scan calls fn for every frame with cursor > after, in cursor order.
// Iteration stops early if fn returns false.
func (l *logFile) scan(after uint64, fn func(cursor uint64, kind record.Kind, payload []byte) bool) error {
	offset := int64(logHeaderSize)
	for {
		frameLen, cursor, kind, payload, err := l.readFrame(offset)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// The open-time scan already truncated damage; mid-scan
			// damage means concurrent truncation, stop cleanly.
			return nil
		}
		if cursor > after {
			if !fn(cursor, kind, payload) {
				return nil
			}
		}
		offset += frameLen
	}
}

func (l *logFile) close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
