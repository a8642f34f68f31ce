// Package storage implements the append-only partition log on flat files.
//
// Each (topic, partition) owns one JSON-line file under
// <dataDir>/<brokerID>/, named <topic>-<partition>.log. The broker id in
// the path keeps leader and follower copies apart when co-located. The full
// log is also held in memory; files exist so a restarted broker recovers
// its log by replaying them on open.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/streamq/types"
)

// FileLog implements types.AppendLog on per-partition append-only files.
//
// Appends to the same partition are serialized by a per-partition mutex
// that guards offset assignment and the file write only; it is never held
// across network calls. Different partitions append independently.
type FileLog struct {
	dir   string
	parts *xsync.Map[string, *partitionLog]

	// createMu serializes partition creation so two writers racing on a
	// fresh partition don't both open the file.
	createMu sync.Mutex
}

type partitionLog struct {
	mu   sync.RWMutex
	msgs []types.Message
	file *os.File

	// positions holds the file byte offset where each record starts, so a
	// truncation can cut the file at a record boundary.
	positions []int64
	size      int64
}

// Compile-time assertion that FileLog implements AppendLog.
var _ types.AppendLog = (*FileLog)(nil)

// Open creates a file log rooted at <dataDir>/<brokerID> and replays any
// existing partition files into memory.
func Open(dataDir, brokerID string) (*FileLog, error) {
	dir := filepath.Join(dataDir, brokerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	l := &FileLog{
		dir:   dir,
		parts: xsync.NewMap[string, *partitionLog](),
	}

	if err := l.load(); err != nil {
		return nil, err
	}

	return l, nil
}

// Append stores msg at the next offset of (topic, partition).
func (l *FileLog) Append(topic string, partition int, msg types.Message) (int64, error) {
	part, err := l.ensurePartition(topic, partition)
	if err != nil {
		return 0, err
	}

	part.mu.Lock()
	defer part.mu.Unlock()

	msg.Offset = int64(len(part.msgs))

	if err := part.write(msg); err != nil {
		return 0, err
	}

	return msg.Offset, nil
}

// AppendAt stores msg at exactly the given offset (replica path).
func (l *FileLog) AppendAt(topic string, partition int, msg types.Message, offset int64) error {
	part, err := l.ensurePartition(topic, partition)
	if err != nil {
		return err
	}

	part.mu.Lock()
	defer part.mu.Unlock()

	if next := int64(len(part.msgs)); offset != next {
		return fmt.Errorf("%w: got %d, next local offset is %d", types.ErrOffsetMismatch, offset, next)
	}

	msg.Offset = offset

	return part.write(msg)
}

// Truncate drops the records at and above offset from (topic, partition).
//
// Used by the leader to roll back appends whose replication failed: the
// replica accepts offsets strictly in order, so a failed offset implies
// nothing at or above it was replicated and the whole tail is uncommitted.
// Truncating at or past the end is a no-op.
func (l *FileLog) Truncate(topic string, partition int, from int64) error {
	part, ok := l.parts.Load(partKey(topic, partition))
	if !ok {
		return fmt.Errorf("%s-%d: %w", topic, partition, types.ErrUnknownTopicPartition)
	}

	part.mu.Lock()
	defer part.mu.Unlock()

	if from < 0 || from >= int64(len(part.msgs)) {
		return nil
	}
	if part.file == nil {
		return fmt.Errorf("partition log is closed")
	}

	cut := part.positions[from]
	if err := part.file.Truncate(cut); err != nil {
		return fmt.Errorf("failed to truncate partition log: %w", err)
	}

	part.msgs = part.msgs[:from]
	part.positions = part.positions[:from]
	part.size = cut

	return nil
}

// Read returns messages in [from, upperExclusive).
func (l *FileLog) Read(topic string, partition int, from, upperExclusive int64) ([]types.Message, error) {
	part, ok := l.parts.Load(partKey(topic, partition))
	if !ok {
		return nil, fmt.Errorf("%s-%d: %w", topic, partition, types.ErrUnknownTopicPartition)
	}

	part.mu.RLock()
	defer part.mu.RUnlock()

	if from < 0 || from >= upperExclusive {
		return nil, nil
	}
	if upperExclusive > int64(len(part.msgs)) {
		upperExclusive = int64(len(part.msgs))
	}
	if from >= upperExclusive {
		return nil, nil
	}

	out := make([]types.Message, upperExclusive-from)
	copy(out, part.msgs[from:upperExclusive])

	return out, nil
}

// Length returns the number of appended messages, committed or not.
func (l *FileLog) Length(topic string, partition int) int64 {
	part, ok := l.parts.Load(partKey(topic, partition))
	if !ok {
		return 0
	}

	part.mu.RLock()
	defer part.mu.RUnlock()

	return int64(len(part.msgs))
}

// Close closes all partition files.
func (l *FileLog) Close() error {
	var closeErr error
	l.parts.Range(func(_ string, part *partitionLog) bool {
		part.mu.Lock()
		if part.file != nil {
			if err := part.file.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
			part.file = nil
		}
		part.mu.Unlock()

		return true
	})

	return closeErr
}

// write appends msg to the file and the in-memory sequence.
// Caller holds part.mu.
func (p *partitionLog) write(msg types.Message) error {
	if p.file == nil {
		return fmt.Errorf("partition log is closed")
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if _, err := p.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync partition log: %w", err)
	}

	p.msgs = append(p.msgs, msg)
	p.positions = append(p.positions, p.size)
	p.size += int64(len(line)) + 1

	return nil
}

// ensurePartition returns the partition log, creating its file on first use.
func (l *FileLog) ensurePartition(topic string, partition int) (*partitionLog, error) {
	key := partKey(topic, partition)
	if part, ok := l.parts.Load(key); ok {
		return part, nil
	}

	l.createMu.Lock()
	defer l.createMu.Unlock()

	// Lost a race: someone else created it while we waited.
	if part, ok := l.parts.Load(key); ok {
		return part, nil
	}

	file, err := os.OpenFile(filepath.Join(l.dir, key+".log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition log: %w", err)
	}

	part := &partitionLog{file: file}
	l.parts.Store(key, part)

	return part, nil
}

// load replays existing partition files into memory.
func (l *FileLog) load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read log directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}

		key := strings.TrimSuffix(name, ".log")
		// Partition index follows the last dash; the topic may contain dashes.
		sep := strings.LastIndex(key, "-")
		if sep <= 0 {
			continue
		}
		if _, err := strconv.Atoi(key[sep+1:]); err != nil {
			continue
		}

		part, err := l.loadPartition(name)
		if err != nil {
			return err
		}
		l.parts.Store(key, part)
	}

	return nil
}

// loadPartition replays one partition file and reopens it for appending.
func (l *FileLog) loadPartition(name string) (*partitionLog, error) {
	path := filepath.Join(l.dir, name)

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition log %s: %w", name, err)
	}

	var (
		msgs      []types.Message
		positions []int64
		size      int64
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var msg types.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			file.Close()

			return nil, fmt.Errorf("corrupt record in %s at offset %d: %w", name, len(msgs), err)
		}
		msgs = append(msgs, msg)
		positions = append(positions, size)
		size += int64(len(scanner.Bytes())) + 1
	}
	if err := scanner.Err(); err != nil {
		file.Close()

		return nil, fmt.Errorf("failed to scan partition log %s: %w", name, err)
	}
	file.Close()

	appendFile, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen partition log %s: %w", name, err)
	}

	return &partitionLog{msgs: msgs, file: appendFile, positions: positions, size: size}, nil
}

func partKey(topic string, partition int) string {
	return fmt.Sprintf("%s-%d", topic, partition)
}
