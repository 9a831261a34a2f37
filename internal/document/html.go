package document

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// Tags to skip (non-content)
var skipTags = map[string]bool{
	"script": true, "style": true, "nav": true, "aside": true,
	"noscript": true, "iframe": true, "head": true,
}

// LoadHTML flattens an HTML document into a Memory document. <header> and
// <footer> elements become header and footer regions.
func LoadHTML(r io.Reader) (*Memory, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var header, body, footer strings.Builder
	var extract func(n *html.Node, sb *strings.Builder)
	extract = func(n *html.Node, sb *strings.Builder) {
		if n.Type == html.ElementNode {
			if skipTags[n.Data] {
				return
			}
			switch n.Data {
			case "header":
				sb = &header
			case "footer":
				sb = &footer
			}
		}

		if n.Type == html.TextNode {
			if text := strings.Join(strings.Fields(n.Data), " "); text != "" {
				if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
					sb.WriteString(" ")
				}
				sb.WriteString(text)
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c, sb)
		}

		// Add newlines after block elements
		if n.Type == html.ElementNode {
			switch n.Data {
			case "p", "div", "h1", "h2", "h3", "h4", "h5", "h6", "li", "br", "tr":
				sb.WriteString("\n")
			}
		}
	}
	extract(doc, &body)

	return NewMemoryText(
		strings.TrimSpace(header.String()),
		strings.TrimSpace(body.String()),
		strings.TrimSpace(footer.String()),
	), nil
}
