package hwcfg

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// BlobSize is the size of the store on the partition.
const BlobSize = 4096

// ErrBlobTooLarge is returned when the encoded store does not fit into BlobSize.
var ErrBlobTooLarge = errors.New("hardware configuration exceeds blob size")

// line is one entry of the store. Lines without "=" are kept verbatim in raw.
type line struct {
	key   string
	value string
	raw   string
}

// Blob is the decoded store. Order and unknown lines are preserved.
type Blob struct {
	lines []line
}

// Decode parses a store read from the partition. Decoding stops at the first NUL byte.
func Decode(data []byte) *Blob {
	if idx := bytes.IndexByte(data, 0); idx >= 0 {
		data = data[:idx]
	}

	b := new(Blob)

	for _, text := range strings.Split(string(data), "\n") {
		if text == "" {
			continue
		}

		key, value, ok := strings.Cut(text, "=")
		if !ok {
			b.lines = append(b.lines, line{raw: text})
			continue
		}

		b.lines = append(b.lines, line{key: key, value: value})
	}

	return b
}

// Get returns the value stored under key.
func (b *Blob) Get(key string) (string, bool) {
	for _, l := range b.lines {
		if l.raw == "" && l.key == key {
			return l.value, true
		}
	}

	return "", false
}

// Set stores value under key, replacing an existing entry in place.
func (b *Blob) Set(key, value string) {
	for i, l := range b.lines {
		if l.raw == "" && l.key == key {
			b.lines[i].value = value
			return
		}
	}

	b.lines = append(b.lines, line{key: key, value: value})
}

// Encode renders the store padded with NUL bytes to BlobSize.
func (b *Blob) Encode() ([]byte, error) {
	var buf bytes.Buffer

	for _, l := range b.lines {
		if l.raw != "" {
			buf.WriteString(l.raw)
		} else {
			buf.WriteString(l.key)
			buf.WriteByte('=')
			buf.WriteString(l.value)
		}

		buf.WriteByte('\n')
	}

	if buf.Len() >= BlobSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBlobTooLarge, buf.Len())
	}

	out := make([]byte, BlobSize)
	copy(out, buf.Bytes())

	return out, nil
}
