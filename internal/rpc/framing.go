package rpc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// maxFrameSize bounds a single stdio frame.
const maxFrameSize = 16 << 20

// ServeStdio reads JSON-RPC messages from in and writes responses to out
// until EOF or ctx cancellation. Both newline-delimited JSON and
// Content-Length framed messages are accepted; the first message decides
// the framing for the whole session and responses use the same form.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	r := bufio.NewReaderSize(in, 64<<10)
	var wmu sync.Mutex

	framed, err := sniffFraming(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("sniff framing: %w", err)
	}
	slog.Debug("rpc.stdio_started", "content_length_framing", framed)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var raw []byte
		if framed {
			raw, err = readFrame(r)
		} else {
			raw, err = readLine(r)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		resp := s.Handle(ctx, raw)
		if resp == nil {
			continue
		}
		wmu.Lock()
		err = writeFrame(out, resp, framed)
		wmu.Unlock()
		if err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// sniffFraming peeks at the first bytes to decide between Content-Length
// headers and newline-delimited JSON. Peek reports io.EOF when the input is
// shorter than the header; anything shorter cannot be framed, so a short
// peek with data means newline delimiting.
func sniffFraming(r *bufio.Reader) (bool, error) {
	const header = "Content-Length:"
	peek, err := r.Peek(len(header))
	if err != nil {
		if len(peek) > 0 {
			return false, nil
		}
		return false, err
	}
	return strings.EqualFold(string(peek), header), nil
}

// readFrame reads one Content-Length framed message.
func readFrame(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed frame header %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			length, err = strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("bad content length: %w", err)
			}
		}
	}
	if length < 0 {
		return nil, errors.New("frame missing Content-Length header")
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// readLine reads one newline-delimited message, tolerating oversize lines.
func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadBytes('\n')
		buf = append(buf, chunk...)
		if err != nil {
			if errors.Is(err, io.EOF) && len(bytes.TrimSpace(buf)) > 0 {
				return buf, nil
			}
			return buf, err
		}
		if len(buf) > maxFrameSize {
			return nil, fmt.Errorf("line of %d bytes exceeds limit", len(buf))
		}
		if bytes.HasSuffix(chunk, []byte("\n")) {
			return buf, nil
		}
	}
}

func writeFrame(out io.Writer, payload []byte, framed bool) error {
	if framed {
		if _, err := fmt.Fprintf(out, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
			return err
		}
		_, err := out.Write(payload)
		return err
	}
	if _, err := out.Write(payload); err != nil {
		return err
	}
	_, err := out.Write([]byte("\n"))
	return err
}
