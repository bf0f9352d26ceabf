package transport

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Multi-chunk framing, used between the compiler wrapper and the local
// daemon: "size1,size2,...,sizeN\r\n" followed by the concatenated chunk
// bytes. Sizes are decimal ASCII.

// WriteMultiChunk frames chunks into a single buffer.
func WriteMultiChunk(chunks [][]byte) []byte {
	var buf bytes.Buffer
	for i, c := range chunks {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(len(c)))
	}
	buf.WriteString("\r\n")
	for _, c := range chunks {
		buf.Write(c)
	}
	return buf.Bytes()
}

// ParseMultiChunk splits a framed buffer back into its chunks.
func ParseMultiChunk(raw []byte) ([][]byte, error) {
	sep := bytes.Index(raw, []byte("\r\n"))
	if sep < 0 {
		return nil, errors.New("multi-chunk: missing size line")
	}
	sizeLine := string(raw[:sep])
	rest := raw[sep+2:]

	if sizeLine == "" {
		if len(rest) != 0 {
			return nil, errors.New("multi-chunk: trailing bytes after empty size line")
		}
		return nil, nil
	}

	var chunks [][]byte
	for _, s := range strings.Split(sizeLine, ",") {
		size, err := strconv.Atoi(s)
		if err != nil || size < 0 {
			return nil, errors.Errorf("multi-chunk: bad chunk size %q", s)
		}
		if len(rest) < size {
			return nil, errors.Errorf("multi-chunk: truncated chunk, want %d bytes, have %d", size, len(rest))
		}
		chunks = append(chunks, rest[:size])
		rest = rest[size:]
	}
	if len(rest) != 0 {
		return nil, errors.Errorf("multi-chunk: %d trailing bytes", len(rest))
	}
	return chunks, nil
}
