package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type wireMode int

const (
	wireModeFramed wireMode = iota
	wireModeJSONLine
)

const contentLengthHeader = "content-length"

// codec reads and writes JSON-RPC messages, answering each request in
// the framing it arrived in.
type codec struct {
	r *bufio.Reader
	w *bufio.Writer
}

func newCodec(in io.Reader, out io.Writer) *codec {
	return &codec{r: bufio.NewReader(in), w: bufio.NewWriter(out)}
}

// read returns the next payload. io.EOF signals a clean end of input.
func (c *codec) read() ([]byte, wireMode, error) {
	mode, err := c.sniff()
	if err != nil {
		return nil, wireModeFramed, err
	}
	if mode == wireModeJSONLine {
		payload, err := c.readLine()
		return payload, mode, err
	}
	payload, err := c.readFramed()
	return payload, mode, err
}

func (c *codec) write(msg response, mode wireMode) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if mode == wireModeJSONLine {
		payload = append(payload, '\n')
	} else if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	return c.w.Flush()
}

// sniff skips leading whitespace and inspects the first bytes of the
// next message without consuming them.
func (c *codec) sniff() (wireMode, error) {
	for {
		b, err := c.r.Peek(1)
		if err != nil {
			return wireModeFramed, err
		}
		if !isSpace(b[0]) {
			break
		}
		_, _ = c.r.ReadByte()
	}
	peek, err := c.r.Peek(len(contentLengthHeader) + 1)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return wireModeFramed, err
	}
	if strings.HasPrefix(strings.ToLower(string(peek)), contentLengthHeader+":") {
		return wireModeFramed, nil
	}
	return wireModeJSONLine, nil
}

func (c *codec) readLine() ([]byte, error) {
	for {
		line, err := c.r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, io.EOF
		}
	}
}

func (c *codec) readFramed() ([]byte, error) {
	length := -1
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), contentLengthHeader) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid Content-Length %q: %w", value, err)
		}
		length = n
	}
	if length <= 0 {
		return nil, errors.New("missing or invalid Content-Length")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n':
		return true
	}
	return false
}
