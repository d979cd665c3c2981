package parser

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/dgallion1/livedoc/internal/richtext"
)

// HTMLParser handles HTML files. Headings, paragraphs, list items, pre
// blocks, and tables keep their structure; bold, italic, code, and link
// markup becomes formatted runs.
type HTMLParser struct{}

func (p *HTMLParser) Parse(r io.Reader, filename string) (*Parsed, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	parsed := &Parsed{
		Title: strings.TrimSuffix(strings.TrimSuffix(filename, ".html"), ".htm"),
	}
	if title := findTitle(doc); title != "" {
		parsed.Title = title
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if level := headingLevel(n.Data); level > 0 {
				b := &Block{
					Type:  richtext.TypeHeading,
					Attrs: map[string]string{"level": strconv.Itoa(level)},
					Runs:  htmlRuns(n, nil),
				}
				parsed.Blocks = append(parsed.Blocks, b)
				return
			}
			switch n.Data {
			case "script", "style", "nav", "footer", "header":
				return
			case "p", "blockquote":
				if runs := htmlRuns(n, nil); len(runs) > 0 {
					parsed.Blocks = append(parsed.Blocks, &Block{Type: richtext.TypeParagraph, Runs: runs})
				}
				return
			case "li":
				if runs := htmlRuns(n, nil); len(runs) > 0 {
					parsed.Blocks = append(parsed.Blocks, &Block{Type: richtext.TypeListItem, Runs: runs})
				}
				return
			case "pre":
				b := &Block{Type: richtext.TypeCode}
				b.Text(strings.TrimRight(textContent(n), "\n"))
				parsed.Blocks = append(parsed.Blocks, b)
				return
			case "table":
				if t := htmlTable(n); t != nil {
					parsed.Blocks = append(parsed.Blocks, t)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	if body := findBody(doc); body != nil {
		walk(body)
	} else {
		walk(doc)
	}
	return parsed, nil
}

// htmlRuns collects the inline text of an element, layering attributes as
// formatting tags nest.
func htmlRuns(n *html.Node, attrs map[string]string) []richtext.Run {
	var runs []richtext.Run
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch {
		case c.Type == html.TextNode:
			text := strings.Join(strings.Fields(c.Data), " ")
			if text != "" {
				if len(runs) > 0 {
					text = " " + text
				}
				runs = append(runs, richtext.Run{Text: text, Attrs: attrs})
			}
		case c.Type == html.ElementNode:
			switch c.Data {
			case "b", "strong":
				runs = append(runs, htmlRuns(c, withAttr(attrs, "bold", "true"))...)
			case "i", "em":
				runs = append(runs, htmlRuns(c, withAttr(attrs, "italic", "true"))...)
			case "u":
				runs = append(runs, htmlRuns(c, withAttr(attrs, "underline", "true"))...)
			case "code":
				runs = append(runs, htmlRuns(c, withAttr(attrs, "code", "true"))...)
			case "a":
				href := ""
				for _, a := range c.Attr {
					if a.Key == "href" {
						href = a.Val
					}
				}
				runs = append(runs, htmlRuns(c, withAttr(attrs, "link", href))...)
			case "br":
				runs = append(runs, richtext.Run{Text: " ", Attrs: attrs})
			default:
				runs = append(runs, htmlRuns(c, attrs)...)
			}
		}
	}
	return runs
}

func htmlTable(n *html.Node) *Block {
	table := &Block{Type: richtext.TypeTable}
	var walkRows func(*html.Node)
	walkRows = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			row := &Block{Type: richtext.TypeTableRow}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					cell := &Block{Type: richtext.TypeTableCell}
					cell.Runs = htmlRuns(c, nil)
					if c.Data == "th" && row.Attrs == nil {
						row.Attrs = map[string]string{"header": "true"}
					}
					row.Children = append(row.Children, cell)
				}
			}
			table.Children = append(table.Children, row)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walkRows(c)
		}
	}
	walkRows(n)
	if len(table.Children) == 0 {
		return nil
	}
	return table
}

func headingLevel(tag string) int {
	switch tag {
	case "h1":
		return 1
	case "h2":
		return 2
	case "h3":
		return 3
	case "h4":
		return 4
	case "h5":
		return 5
	case "h6":
		return 6
	}
	return 0
}

func textContent(n *html.Node) string {
	var buf strings.Builder
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(n)
	return buf.String()
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" {
		return strings.TrimSpace(textContent(n))
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "body" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}
