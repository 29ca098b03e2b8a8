// Package journal keeps the append-only Markdown record of every interaction
// the bridge handles: mesh questions with their replies and broker pushes.
package journal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TimeLayout is the timestamp format used in record headings.
const TimeLayout = "2006-01-02 15:04:05"

// NoMatchText marks a record whose message fired no keyword.
const NoMatchText = "*(No keyword match)*"

const separator = "---"

// Origin tells which side of the bridge a record came from.
type Origin string

const (
	OriginMesh   Origin = "mesh"
	OriginBroker Origin = "broker"
)

// Entry is one journal record.
type Entry struct {
	Time        time.Time
	Origin      Origin
	Sender      string
	Destination string
	Message     string
	Reply       string
	Matched     bool
}

// Journal is the write side used by the bridge.
type Journal interface {
	Append(ctx context.Context, e Entry) error
	Close() error
}

// File is a Journal backed by a Markdown file.
type File struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	closed bool
}

// Open opens the journal at path for appending, creating parent directories
// as needed. A new or empty file gets a header carrying the start time and
// version.
func Open(path, version string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat journal: %w", err)
	}
	if info.Size() == 0 {
		header := fmt.Sprintf("# meshbridge chat history\n\nStarted: %s\nVersion: %s\n\n",
			time.Now().Format(TimeLayout), version)
		if _, err := f.WriteString(header); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("writing journal header: %w", err)
		}
	}

	return &File{path: path, f: f}, nil
}

// Path returns the journal file location.
func (j *File) Path() string { return j.path }

// Append writes one record. Records are written whole under a lock, so
// concurrent appends never interleave.
func (j *File) Append(_ context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return os.ErrClosed
	}
	if _, err := io.WriteString(j.f, Format(e)); err != nil {
		return fmt.Errorf("appending journal record: %w", err)
	}
	return nil
}

// Close flushes and closes the file. Further appends fail with os.ErrClosed.
func (j *File) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.f.Close()
}

// Format renders e as a Markdown section.
func Format(e Entry) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## %s\n\n", e.Time.Format(TimeLayout))
	switch e.Origin {
	case OriginBroker:
		fmt.Fprintf(&b, "**From Broker:** %s\n\n", e.Sender)
		fmt.Fprintf(&b, "**To Node:** %s\n\n", e.Destination)
	default:
		fmt.Fprintf(&b, "**From Node:** %s\n\n", e.Sender)
	}
	fmt.Fprintf(&b, "**Message:** %s\n\n", quoteLines(e.Message))
	if e.Matched {
		fmt.Fprintf(&b, "**Response:** %s\n\n", quoteLines(e.Reply))
	} else {
		b.WriteString(NoMatchText + "\n\n")
	}
	b.WriteString(separator + "\n\n")

	return b.String()
}

var lineBreaks = strings.NewReplacer("\r\n", "\n> ", "\r", "\n> ", "\n", "\n> ")

// quoteLines prefixes every continuation line with "> " so text from the
// mesh cannot start a line with "## " or produce a bare separator.
func quoteLines(s string) string {
	return lineBreaks.Replace(s)
}

// Discard is a Journal that drops every record.
type Discard struct{}

func (Discard) Append(context.Context, Entry) error { return nil }
func (Discard) Close() error                        { return nil }

// Tail returns the last n records in r, oldest first. The header is not a
// record. n <= 0 returns every record.
func Tail(r io.Reader, n int) ([]string, error) {
	var (
		records []string
		cur     strings.Builder
		in      bool
	)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "## "):
			in = true
			cur.Reset()
			cur.WriteString(line + "\n")
		case line == separator && in:
			records = append(records, strings.TrimRight(cur.String(), "\n"))
			in = false
		case in:
			cur.WriteString(line + "\n")
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}

	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}

// ReadLast opens the journal at path and returns its last n records.
func ReadLast(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()

	return Tail(f, n)
}
