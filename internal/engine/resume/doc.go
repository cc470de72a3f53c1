package resume

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/richardlehane/mscfb"

	"github.com/anatolykoptev/go_roletrends/internal/engine"
)

// DOC pulls the WordDocument stream out of a legacy OLE compound file and
// decodes it lossily. Formatting records come through as noise; only runs of
// printable text survive.
var DOC = Engine{Name: "doc", Fn: extractDOC}

var errNoWordStream = errors.New("no WordDocument stream")

func extractDOC(data []byte) (string, error) {
	doc, err := mscfb.New(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	for {
		entry, err := doc.Next()
		if errors.Is(err, io.EOF) {
			return "", errNoWordStream
		}
		if err != nil {
			return "", fmt.Errorf("directory: %w", err)
		}
		if entry.Name != "WordDocument" {
			continue
		}
		raw, err := io.ReadAll(entry)
		if err != nil {
			return "", fmt.Errorf("read WordDocument: %w", err)
		}
		return printable(engine.DecodeLossy(raw)), nil
	}
}

// printable drops control characters other than newlines and tabs.
func printable(s string) string {
	return engine.CleanText(strings.Map(func(r rune) rune {
		switch {
		case r == '\r':
			return '\n'
		case r == '\n' || r == '\t':
			return r
		case unicode.IsControl(r) || r == unicode.ReplacementChar:
			return -1
		}
		return r
	}, s))
}
