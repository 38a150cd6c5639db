package display

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

const (
	escapeStart = "\x1b_G"
	escapeEnd   = "\x1b\\"
	chunkSize   = 4096
)

// KittyEncoder writes PNG data using the kitty graphics protocol.
type KittyEncoder struct {
	out     io.Writer
	columns int
}

func NewKittyEncoder(out io.Writer) *KittyEncoder {
	return &KittyEncoder{out: out}
}

// WithColumns scales the image to n terminal cells wide; 0 keeps the
// native size.
func (e *KittyEncoder) WithColumns(n int) *KittyEncoder {
	e.columns = n
	return e
}

func (e *KittyEncoder) Encode(png []byte) error {
	if len(png) == 0 {
		return nil
	}

	encoded := base64.StdEncoding.EncodeToString(png)
	chunks := splitIntoChunks(encoded, chunkSize)

	for i, chunk := range chunks {
		params := e.params(i == 0, len(chunks) > 1, i == len(chunks)-1)
		if _, err := fmt.Fprintf(e.out, "%s%s;%s%s", escapeStart, params, chunk, escapeEnd); err != nil {
			return err
		}
	}

	return nil
}

// params builds the control data for one chunk. Only the first chunk
// carries the transmit-and-display keys.
func (e *KittyEncoder) params(first, chunked, last bool) string {
	var keys []string
	if first {
		keys = append(keys, "a=T", "f=100", "q=2")
		if e.columns > 0 {
			keys = append(keys, fmt.Sprintf("c=%d", e.columns))
		}
	}
	if chunked {
		if last {
			keys = append(keys, "m=0")
		} else {
			keys = append(keys, "m=1")
		}
	}
	return strings.Join(keys, ",")
}

func splitIntoChunks(s string, size int) []string {
	var chunks []string
	for len(s) > 0 {
		n := min(size, len(s))
		chunks = append(chunks, s[:n])
		s = s[n:]
	}
	return chunks
}
