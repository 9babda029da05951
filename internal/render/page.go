package render

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultPage is the document the watch command renders into.
const DefaultPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>sockfeed</title></head>
<body><ul id="feed"></ul></body>
</html>`

// DefaultContainer selects the feed container in DefaultPage.
const DefaultContainer = "#feed"

// NewPage parses markup into a document.
func NewPage(markup string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(markup))
}
