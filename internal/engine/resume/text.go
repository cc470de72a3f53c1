package resume

import (
	"log/slog"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/net/html"

	"github.com/anatolykoptev/go_roletrends/internal/engine"
)

// TXT decodes plain text, dropping invalid UTF-8.
var TXT = Engine{Name: "txt", Fn: func(data []byte) (string, error) {
	return engine.DecodeLossy(data), nil
}}

// Markdown converts an HTML resume to markdown.
var Markdown = Engine{Name: "html-markdown", Fn: func(data []byte) (string, error) {
	return htmltomarkdown.ConvertString(engine.DecodeLossy(data))
}}

// HTMLText walks the parsed tree and keeps visible text only.
var HTMLText = Engine{Name: "html-text", Fn: htmlText}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true,
}

func htmlText(data []byte) (string, error) {
	doc, err := html.Parse(strings.NewReader(engine.DecodeLossy(data)))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "head") {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockTags[n.Data] {
			sb.WriteByte('\n')
		}
	}
	walk(doc)
	text := engine.CleanText(sb.String())
	slog.Debug("resume: html text walk", slog.Int("chars", len(text)))
	return text, nil
}
