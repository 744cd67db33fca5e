package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxLineSize bounds a single protocol message.
const MaxLineSize = 10 * 1024 * 1024

// Conn reads and writes newline-delimited JSON messages. Reads must come
// from a single goroutine; writes are serialized.
type Conn struct {
	scanner *bufio.Scanner
	mu      sync.Mutex
	w       io.Writer
}

// NewConn wraps a reader/writer pair.
func NewConn(r io.Reader, w io.Writer) *Conn {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)
	return &Conn{scanner: scanner, w: w}
}

// ReadLine returns the next non-empty line. It returns io.EOF once the
// peer closes its side.
func (c *Conn) ReadLine() ([]byte, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return nil, io.EOF
}

// Read decodes the next message into v.
func (c *Conn) Read(v any) error {
	line, err := c.ReadLine()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("unmarshal message: %w (raw: %s)", err, line)
	}
	return nil
}

// Write encodes v as one line.
func (c *Conn) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// DecodeCommand parses one inbound line.
func DecodeCommand(line []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return nil, fmt.Errorf("unmarshal command: %w (raw: %s)", err, line)
	}
	return &cmd, nil
}

// SameID reports whether two message ids are equal, accepting the numeric
// and string spellings of the same id (1 and "1").
func SameID(a, b json.RawMessage) bool {
	return normalizeID(a) == normalizeID(b)
}

func normalizeID(id json.RawMessage) string {
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(id, &n); err == nil {
		return n.String()
	}
	return string(id)
}
