package core

// streaming.go wraps source files for row decoding without loading them into
// memory.
//
//   - DecodeReader: strips a byte-order mark and decodes the configured
//     encoding to UTF-8. Invalid UTF-8 becomes U+FFFD.
//   - CountingReader: tracks raw bytes consumed, for sampling and progress.
//   - sniffDelimiter: picks the field separator from the header line.

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Supported source encodings.
const (
	EncodingUTF8        = "utf-8"
	EncodingWindows1252 = "windows-1252"
	EncodingLatin1      = "iso-8859-1"
)

func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EncodingUTF8, "utf8":
		return unicode.UTF8, nil
	case EncodingWindows1252, "cp1252":
		return charmap.Windows1252, nil
	case EncodingLatin1, "latin1":
		return charmap.ISO8859_1, nil
	}
	return nil, &ValidationError{
		Code:    CodeUnsupportedEncoding,
		Field:   "encoding",
		Message: fmt.Sprintf("unsupported encoding %q", name),
	}
}

// DecodeReader returns r decoded to UTF-8. A leading BOM is removed for
// every encoding; for UTF-8 input, invalid sequences are replaced with
// U+FFFD instead of failing the read.
func DecodeReader(r io.Reader, enc string) (io.Reader, error) {
	e, err := lookupEncoding(enc)
	if err != nil {
		return nil, err
	}
	return transform.NewReader(r, unicode.BOMOverride(e.NewDecoder())), nil
}

// CountingReader counts bytes read through it. BytesRead is safe to call
// from another goroutine.
type CountingReader struct {
	r io.Reader
	n atomic.Int64
}

// NewCountingReader wraps r.
func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{r: r}
}

// Read implements io.Reader.
func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// BytesRead returns the number of bytes consumed so far.
func (c *CountingReader) BytesRead() int64 { return c.n.Load() }

// maxHeaderPeek bounds how far sniffDelimiter looks for the end of the
// header line.
const maxHeaderPeek = 64 << 10

var delimiterCandidates = []rune{',', ';', '\t', '|'}

// sniffDelimiter inspects the first line buffered in br without consuming
// it and returns the candidate separator that occurs most often outside
// quotes. Comma wins ties and empty input.
func sniffDelimiter(br *bufio.Reader) rune {
	buf, _ := br.Peek(maxHeaderPeek)
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		buf = buf[:i]
	}

	counts := make(map[rune]int, len(delimiterCandidates))
	inQuotes := false
	for _, r := range string(buf) {
		if r == '"' {
			inQuotes = !inQuotes
			continue
		}
		if !inQuotes {
			counts[r]++
		}
	}

	best := ','
	for _, c := range delimiterCandidates {
		if counts[c] > counts[best] {
			best = c
		}
	}
	return best
}

// bufferSize is used for the bufio layer under encoding/csv; it must be at
// least maxHeaderPeek so the header line can be sniffed.
const bufferSize = maxHeaderPeek
