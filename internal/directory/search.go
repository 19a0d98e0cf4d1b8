package directory

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/drfirst/go-medlabel/internal/domain/medicine"
)

// MaxCandidates caps a name search.
const MaxCandidates = 50

// SearchByName runs a free-text search. Hits are weakly identified and meant
// for a person to choose from.
func (c *Client) SearchByName(ctx context.Context, name string) ([]medicine.Candidate, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return []medicine.Candidate{}, true
	}
	return call(ctx, c, "search", name, func(ctx context.Context) ([]medicine.Candidate, error) {
		body, err := c.postForm(ctx, c.cfg.NamePath, url.Values{
			"search_word": {name},
			"search_flag": {"drug_name"},
		})
		if err != nil {
			return nil, err
		}
		return parseCandidates(body)
	})
}

// parseCandidates reads result rows shaped as
// <tr><td><a onclick="drug_detail('CODE')">name</a></td><td>maker</td><td>form</td></tr>.
func parseCandidates(body []byte) ([]medicine.Candidate, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse search page: %w", err)
	}

	out := make([]medicine.Candidate, 0)
	seen := make(map[string]struct{})
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(out) >= MaxCandidates {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			if cand, ok := candidateFromRow(n); ok {
				if _, dup := seen[cand.Code]; !dup {
					seen[cand.Code] = struct{}{}
					out = append(out, cand)
				}
			}
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return out, nil
}

func candidateFromRow(tr *html.Node) (medicine.Candidate, bool) {
	var cells []string
	code := ""
	for td := tr.FirstChild; td != nil; td = td.NextSibling {
		if td.Type != html.ElementNode || td.DataAtom != atom.Td {
			continue
		}
		cells = append(cells, strings.Join(strings.Fields(textOf(td)), " "))
		if code == "" {
			code = callbackCode(td)
		}
	}
	if code == "" || len(cells) == 0 {
		return medicine.Candidate{}, false
	}
	cand := medicine.Candidate{Code: code, Name: cells[0]}
	if len(cells) > 1 {
		cand.Manufacturer = medicine.ManufacturerName(cells[1])
	}
	if len(cells) > 2 {
		cand.Form = cells[2]
	}
	return cand, cand.Name != ""
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textOf(c))
		b.WriteByte(' ')
	}
	return b.String()
}

// callbackCode finds a detail-callback literal in any attribute below n.
func callbackCode(n *html.Node) string {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if m := detailCallback.FindStringSubmatch(a.Val); m != nil {
				return m[1]
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if code := callbackCode(c); code != "" {
			return code
		}
	}
	return ""
}
