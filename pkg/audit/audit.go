// Package audit implements an append-only, hash-chained JSONL log of guard
// and dispatch decisions. Each record's hash covers the previous record's
// hash, so any in-place mutation invalidates the rest of the chain.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/FreezinGaits/kyrax-engine/pkg/canonicalize"
)

var (
	// ErrChainBroken is returned by Verify when a record's stored hash or
	// previous-hash link does not match the recomputed chain.
	ErrChainBroken = errors.New("audit: hash chain is broken")
)

// Record is one line of the audit log.
type Record struct {
	TS        string         `json:"ts"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// Log appends hash-chained records to a newline-delimited JSON file.
// Appends are serialized under one mutex; the chain tail is cached in
// memory and primed by a single scan at open, so appends are O(1).
type Log struct {
	path string
	now  func() time.Time

	mu       sync.Mutex
	lastHash string
}

// Open creates a log writing to path. If the file already exists its tail
// hash is recovered by scanning it once, so restarted processes extend the
// existing chain instead of forking it.
func Open(path string) (*Log, error) {
	l := &Log{path: path, now: time.Now}
	last, err := tailHash(path)
	if err != nil {
		return nil, err
	}
	l.lastHash = last
	return l, nil
}

// Record appends one event to the log. Side-effect only; failures leave the
// file untouched and the cached tail unchanged.
func (l *Log) Record(eventType string, payload map[string]any) error {
	entry := map[string]any{
		"ts":         l.now().UTC().Format(time.RFC3339),
		"event_type": eventType,
		"payload":    payload,
	}
	entryJSON, err := canonicalize.JCS(entry)
	if err != nil {
		return fmt.Errorf("audit: canonicalize entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	hash := chainHash(l.lastHash, entryJSON)
	rec := Record{
		TS:        entry["ts"].(string),
		EventType: eventType,
		Payload:   payload,
		PrevHash:  l.lastHash,
		Hash:      hash,
	}
	line, err := canonicalize.JCS(rec)
	if err != nil {
		return fmt.Errorf("audit: canonicalize record: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	l.lastHash = hash
	return nil
}

// chainHash computes SHA256(prevHash || canonicalEntry) as a hex string.
func chainHash(prevHash string, canonicalEntry []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalEntry)
	return hex.EncodeToString(h.Sum(nil))
}

// tailHash returns the hash of the last non-empty line of the file, or ""
// when the file is empty or missing.
func tailHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("audit: open for tail scan: %w", err)
	}
	defer func() { _ = f.Close() }()

	last := ""
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			last = scanner.Text()
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("audit: tail scan: %w", err)
	}
	if last == "" {
		return "", nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(last), &rec); err != nil {
		return "", fmt.Errorf("audit: corrupt tail record: %w", err)
	}
	return rec.Hash, nil
}

// Verify replays the log file top to bottom, recomputing every hash from
// the previous record's stored hash. It returns the number of valid records
// and ErrChainBroken (wrapped with the offending index) on any mismatch.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("audit: open for verify: %w", err)
	}
	defer func() { _ = f.Close() }()

	prev := ""
	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return count, fmt.Errorf("%w: record %d undecodable: %v", ErrChainBroken, count, err)
		}
		if rec.PrevHash != prev {
			return count, fmt.Errorf("%w: record %d prev_hash mismatch", ErrChainBroken, count)
		}
		entry := map[string]any{
			"ts":         rec.TS,
			"event_type": rec.EventType,
			"payload":    rec.Payload,
		}
		entryJSON, err := canonicalize.JCS(entry)
		if err != nil {
			return count, fmt.Errorf("%w: record %d not canonicalizable: %v", ErrChainBroken, count, err)
		}
		if computed := chainHash(prev, entryJSON); computed != rec.Hash {
			return count, fmt.Errorf("%w: record %d hash mismatch", ErrChainBroken, count)
		}
		prev = rec.Hash
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("audit: verify scan: %w", err)
	}
	return count, nil
}
