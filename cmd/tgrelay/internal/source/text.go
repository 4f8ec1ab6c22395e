// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package source

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// htmlText returns the visible text of an HTML fragment. Line breaks are
// preserved, runs of blank lines are collapsed.
func htmlText(fragment string) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return selectionText(doc.Selection)
}

// selectionText returns the text of sel with <br> and block boundaries turned
// into newlines.
func selectionText(sel *goquery.Selection) string {
	sel = sel.Clone()
	sel.Find("br").ReplaceWithHtml("\n")
	sel.Find("p, div, li").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	return tidy(sel.Text())
}

func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := false
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
