// Package codec converts store collections to and from their persisted JSON
// form: one object per collection, keyed by the record's string key.
//
// Encoding writes entries in key order so identical snapshots produce
// identical bytes. Decoding walks the document token by token and hands each
// entry to a callback, so a large markings file never materialises as a
// map of raw messages.
package codec

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"pkt.systems/markd/internal/core"
)

// Object names for the persisted collections.
const (
	ProjectsObject   = "projects.json"
	MarkingsObject   = "markingDatas.json"
	IdentitiesObject = "identities.json"
)

// EncodeCollection writes entries as a single JSON object and returns the
// number of bytes written.
func EncodeCollection[T any](w io.Writer, entries map[string]T) (int64, error) {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	cw := &countingWriter{w: w}
	bw := bufio.NewWriterSize(cw, 64<<10)
	if err := bw.WriteByte('{'); err != nil {
		return cw.n, ioErr(err)
	}
	for i, key := range keys {
		if i > 0 {
			if err := bw.WriteByte(','); err != nil {
				return cw.n, ioErr(err)
			}
		}
		name, err := json.Marshal(key)
		if err != nil {
			return cw.n, fmt.Errorf("codec: encode key %q: %w", key, err)
		}
		value, err := json.Marshal(entries[key])
		if err != nil {
			return cw.n, fmt.Errorf("codec: encode %q: %w", key, err)
		}
		bw.Write(name)
		bw.WriteByte(':')
		if _, err := bw.Write(value); err != nil {
			return cw.n, ioErr(err)
		}
	}
	if err := bw.WriteByte('}'); err != nil {
		return cw.n, ioErr(err)
	}
	if err := bw.Flush(); err != nil {
		return cw.n, ioErr(err)
	}
	return cw.n, nil
}

// DecodeCollection reads a JSON object produced by EncodeCollection and calls
// visit for every entry in document order. A visit error stops decoding and
// is returned unchanged.
func DecodeCollection[T any](r io.Reader, visit func(key string, value T) error) error {
	dec := json.NewDecoder(bufio.NewReaderSize(r, 64<<10))
	tok, err := dec.Token()
	if err != nil {
		return decodeErr("read start", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return decodeErr("read start", fmt.Errorf("expected object, got %v", tok))
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return decodeErr("read key", err)
		}
		key, ok := tok.(string)
		if !ok {
			return decodeErr("read key", fmt.Errorf("expected string key, got %v", tok))
		}
		var value T
		if err := dec.Decode(&value); err != nil {
			return decodeErr(fmt.Sprintf("decode %q", key), err)
		}
		if err := visit(key, value); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return decodeErr("read end", err)
	}
	if tok, err := dec.Token(); !errors.Is(err, io.EOF) {
		if err == nil {
			err = fmt.Errorf("unexpected %v after object", tok)
		}
		return decodeErr("read trailer", err)
	}
	return nil
}

// DecodeMap is DecodeCollection collecting into a map.
func DecodeMap[T any](r io.Reader) (map[string]T, error) {
	out := make(map[string]T)
	err := DecodeCollection(r, func(key string, value T) error {
		out[key] = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func ioErr(err error) error {
	return fmt.Errorf("codec: write: %w: %w", core.ErrIO, err)
}

func decodeErr(stage string, err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("codec: %s: %w: truncated document: %w", stage, core.ErrDecode, err)
	}
	return fmt.Errorf("codec: %s: %w: %w", stage, core.ErrDecode, err)
}
