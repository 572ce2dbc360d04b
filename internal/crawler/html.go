package crawler

import (
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Page is the text and outgoing links extracted from one HTML document.
type Page struct {
	Title string
	Text  string
	Links []string
}

// ParsePage tokenizes an HTML document. Text inside script, style, noscript
// and template elements is dropped, entities are decoded and whitespace is
// collapsed to single spaces. Links are href targets resolved against base
// whose host passes allow; fragments are removed and duplicates dropped.
// A nil allow accepts every http(s) link.
func ParsePage(base *url.URL, r io.Reader, allow func(host string) bool) (Page, error) {
	z := html.NewTokenizer(r)

	var (
		page    Page
		text    strings.Builder
		title   strings.Builder
		skip    int
		inTitle bool
		seen    = make(map[string]struct{})
	)

	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return Page{}, err
			}
			page.Title = collapse(title.String())
			page.Text = collapse(text.String())
			return page, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				if tok.Type == html.StartTagToken {
					skip++
				}
				continue
			case atom.Title:
				inTitle = tok.Type == html.StartTagToken
			}
			for _, a := range tok.Attr {
				if a.Key != "href" {
					continue
				}
				if link, ok := resolveLink(base, a.Val, allow); ok {
					if _, dup := seen[link]; !dup {
						seen[link] = struct{}{}
						page.Links = append(page.Links, link)
					}
				}
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				if skip > 0 {
					skip--
				}
			case atom.Title:
				inTitle = false
			}

		case html.TextToken:
			if skip > 0 {
				continue
			}
			t := string(z.Text())
			if inTitle {
				title.WriteString(t)
				continue
			}
			text.WriteString(t)
			text.WriteByte(' ')
		}
	}
}

func resolveLink(base *url.URL, href string, allow func(string) bool) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if allow != nil && !allow(u.Hostname()) {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
