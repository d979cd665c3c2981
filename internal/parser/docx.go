package parser

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fumiama/go-docx"

	"github.com/dgallion1/livedoc/internal/richtext"
)

// DOCXParser handles .docx files. Heading styles become heading blocks;
// everything else becomes paragraphs with bold/italic runs preserved.
type DOCXParser struct{}

func (p *DOCXParser) Parse(r io.Reader, filename string) (*Parsed, error) {
	// go-docx needs a ReadSeeker+size, so write to temp file.
	tmp, err := os.CreateTemp("", "livedoc-docx-*.docx")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	size, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("seek temp file: %w", err)
	}

	doc, err := docx.Parse(tmp, int64(size))
	tmp.Close()
	if err != nil {
		return nil, fmt.Errorf("parse docx: %w", err)
	}

	parsed := &Parsed{Title: strings.TrimSuffix(filename, ".docx")}

	for _, item := range doc.Document.Body.Items {
		para, ok := item.(*docx.Paragraph)
		if !ok {
			continue
		}

		runs := docxRuns(para)
		if len(runs) == 0 {
			continue
		}

		if level := docxHeadingLevel(para); level > 0 {
			parsed.Blocks = append(parsed.Blocks, &Block{
				Type:  richtext.TypeHeading,
				Attrs: map[string]string{"level": strconv.Itoa(level)},
				Runs:  runs,
			})
			continue
		}
		parsed.Blocks = append(parsed.Blocks, &Block{Type: richtext.TypeParagraph, Runs: runs})
	}

	return parsed, nil
}

func docxHeadingLevel(para *docx.Paragraph) int {
	if para.Properties == nil || para.Properties.Style == nil {
		return 0
	}
	style := strings.ToLower(strings.ReplaceAll(para.Properties.Style.Val, " ", ""))
	if !strings.HasPrefix(style, "heading") {
		return 0
	}
	level, err := strconv.Atoi(strings.TrimPrefix(style, "heading"))
	if err != nil || level < 1 || level > 6 {
		return 0
	}
	return level
}

func docxRuns(para *docx.Paragraph) []richtext.Run {
	var runs []richtext.Run
	for _, child := range para.Children {
		run, ok := child.(*docx.Run)
		if !ok {
			continue
		}
		var buf strings.Builder
		for _, rc := range run.Children {
			if t, ok := rc.(*docx.Text); ok {
				buf.WriteString(t.Text)
			}
		}
		text := buf.String()
		if text == "" {
			continue
		}
		attrs := map[string]string{}
		if run.RunProperties != nil {
			if run.RunProperties.Bold != nil {
				attrs["bold"] = "true"
			}
			if run.RunProperties.Italic != nil {
				attrs["italic"] = "true"
			}
			if run.RunProperties.Underline != nil {
				attrs["underline"] = "true"
			}
		}
		if len(attrs) == 0 {
			attrs = nil
		}
		runs = append(runs, richtext.Run{Text: text, Attrs: attrs})
	}
	// Drop whitespace-only paragraphs.
	joined := ""
	for _, r := range runs {
		joined += r.Text
	}
	if strings.TrimSpace(joined) == "" {
		return nil
	}
	return runs
}
