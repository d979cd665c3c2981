package parser

import (
	"bufio"
	"io"
	"strings"

	"github.com/dgallion1/livedoc/internal/richtext"
)

// TextParser handles plain text files. Blank lines separate paragraphs.
type TextParser struct{}

func (p *TextParser) Parse(r io.Reader, filename string) (*Parsed, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	parsed := &Parsed{Title: strings.TrimSuffix(filename, ".txt")}

	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		b := &Block{Type: richtext.TypeParagraph}
		b.Text(current.String())
		parsed.Blocks = append(parsed.Blocks, b)
		current.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return parsed, nil
}
