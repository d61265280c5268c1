// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package openai

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// DataPrefix starts every server-sent event frame of a streamed completion.
const DataPrefix = "data: "

// Done is the payload of the terminal frame.
const Done = "[DONE]"

// ReadStream reads "data:" frames from r until the [DONE] frame or EOF and
// calls fn with each raw payload. fn returning an error stops the read and
// the error is returned as is.
func ReadStream(r io.Reader, fn func(data []byte) error) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if err == io.EOF {
			if len(line) == 0 {
				return nil
			}
			err = nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event stream: %w", err)
		}
		if len(line) == 0 {
			continue
		}
		if !bytes.HasPrefix(line, []byte(DataPrefix)) {
			// Comment frames (":" keep-alives) and event names are skipped.
			if line[0] == ':' || bytes.HasPrefix(line, []byte("event:")) {
				continue
			}
			return fmt.Errorf("unexpected line, expected %q, got %q", DataPrefix, line)
		}
		payload := line[len(DataPrefix):]
		if string(payload) == Done {
			return nil
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
}

// DecodeChunk parses one frame payload into a ChatChunk.
func DecodeChunk(data []byte) (*ChatChunk, error) {
	c := &ChatChunk{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to decode stream chunk %q: %w", data, err)
	}
	return c, nil
}

// WriteEvent writes v as one "data:" frame.
func WriteEvent(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s%s\n\n", DataPrefix, b)
	return err
}

// WriteDone writes the terminal frame.
func WriteDone(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s%s\n\n", DataPrefix, Done)
	return err
}
