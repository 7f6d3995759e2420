package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// GenesisHash is the prev_hash for the first record in a new ledger.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// maxLineSize bounds a single ledger line when scanning.
const maxLineSize = 4 << 20

// Ledger is an append-only JSONL file of signed records with SHA-256 hash
// chaining. Each record's prev_hash is the hash of the previous line, so
// edits, deletions and insertions are detectable by Verify.
type Ledger struct {
	path     string
	file     *os.File
	prevHash string
	lines    int
	mu       sync.Mutex
}

// OpenLedger opens (or creates) a ledger for appending. An existing file
// is scanned to recover the chain tail, so the chain survives restarts.
func OpenLedger(path string) (*Ledger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	prevHash := GenesisHash
	lines := 0

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("audit: read existing ledger: %w", err)
		}
		scanner := newScanner(f)
		var lastLine []byte
		for scanner.Scan() {
			lastLine = append(lastLine[:0], scanner.Bytes()...)
			lines++
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("audit: scan existing ledger: %w", err)
		}
		if len(lastLine) > 0 {
			prevHash = HashLine(lastLine)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}

	return &Ledger{
		path:     path,
		file:     file,
		prevHash: prevHash,
		lines:    lines,
	}, nil
}

// Append builds a record for the current chain tail, writes it as one
// line and syncs. build runs under the ledger lock so the record it signs
// is bound to the exact position it lands in.
func (l *Ledger) Append(build func(prevHash string) (Record, error)) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return Record{}, fmt.Errorf("audit: ledger closed")
	}

	rec, err := build(l.prevHash)
	if err != nil {
		return Record{}, err
	}
	rec.PrevHash = l.prevHash

	line, err := encodeRecord(rec)
	if err != nil {
		return Record{}, err
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Record{}, fmt.Errorf("audit: write record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return Record{}, fmt.Errorf("audit: sync: %w", err)
	}

	l.prevHash = HashLine(line)
	l.lines++
	return rec, nil
}

// Len returns the number of records in the ledger.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines
}

// Head returns the current chain tail.
func (l *Ledger) Head() Head {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lines == 0 {
		return Head{}
	}
	return Head{Lines: l.lines, Hash: l.prevHash}
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Close flushes and closes the underlying file. Later appends fail.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func encodeRecord(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("audit: marshal record: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func newScanner(f *os.File) *bufio.Scanner {
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return s
}
