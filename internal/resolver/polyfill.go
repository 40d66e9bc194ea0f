package resolver

import (
	"bytes"
	"fmt"
	"html"

	"github.com/PuerkitoBio/goquery"
)

// injectPolyfills prepends a <script src> for every configured polyfill to
// the document head. Documents that already reference a script are left
// alone for that script. With no scripts configured the input is returned
// unchanged.
func injectPolyfills(doc []byte, scripts []string) ([]byte, error) {
	if len(scripts) == 0 {
		return doc, nil
	}

	parsed, err := goquery.NewDocumentFromReader(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	head := parsed.Find("head").First()
	injected := false
	for i := len(scripts) - 1; i >= 0; i-- {
		src := scripts[i]
		present := parsed.Find("script[src]").FilterFunction(func(_ int, s *goquery.Selection) bool {
			v, _ := s.Attr("src")
			return v == src
		})
		if present.Length() > 0 {
			continue
		}
		head.PrependHtml(fmt.Sprintf(`<script src="%s"></script>`, html.EscapeString(src)))
		injected = true
	}
	if !injected {
		return doc, nil
	}

	out, err := parsed.Html()
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return []byte(out), nil
}
