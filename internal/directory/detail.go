package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// The search page links each hit through a callback such as
// onclick="drug_detail('A11AOOOOO1234')".
var detailCallback = regexp.MustCompile(`drug_detail\(\s*['"]([A-Za-z0-9]+)['"]\s*\)`)

// Detail is the structured record the directory holds for a canonical code.
type Detail struct {
	Code        string
	Name        string
	Form        string
	DosageRoute string
	ClassCode   string
	// Manufacturer is the combined "name | address" field as served.
	Manufacturer  string
	StorageRaw    string
	EffectsMarkup string
}

// ResolveCanonicalCode finds the canonical code behind a bohcode.
func (c *Client) ResolveCanonicalCode(ctx context.Context, bohcode string) (string, bool) {
	return call(ctx, c, "resolve", bohcode, func(ctx context.Context) (string, error) {
		form := url.Values{
			"search_word": {bohcode},
			"search_flag": {"bohcode"},
		}
		body, err := c.postForm(ctx, c.cfg.SearchPath, form)
		if err != nil {
			return "", err
		}
		return extractCode(body)
	})
}

func extractCode(body []byte) (string, error) {
	m := detailCallback.FindSubmatch(body)
	if m == nil {
		return "", errNoResult
	}
	return string(m[1]), nil
}

// FetchDetail retrieves the record for a canonical code.
func (c *Client) FetchDetail(ctx context.Context, code string) (Detail, bool) {
	return call(ctx, c, "detail", code, func(ctx context.Context) (Detail, error) {
		body, err := c.get(ctx, c.cfg.DetailPath, url.Values{"drug_cd": {code}})
		if err != nil {
			return Detail{}, err
		}
		d, err := parseDetail(body)
		if err != nil {
			return Detail{}, err
		}
		d.Code = code
		return d, nil
	})
}

type detailPayload struct {
	DrugName    flexString `json:"drug_name"`
	DrugForm    flexString `json:"drug_form"`
	DosageRoute flexString `json:"dosage_route"`
	ClsCode     flexString `json:"cls_code"`
	UpsoName    flexString `json:"upso_name"`
	Stmt        flexString `json:"stmt"`
	Effect      flexString `json:"effect"`
}

// parseDetail accepts an object or a list of objects; the first element of a
// list is authoritative.
func parseDetail(body []byte) (Detail, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Detail{}, errNoResult
	}

	var p detailPayload
	if body[0] == '[' {
		var list []detailPayload
		if err := json.Unmarshal(body, &list); err != nil {
			return Detail{}, fmt.Errorf("decode detail list: %w", err)
		}
		if len(list) == 0 {
			return Detail{}, errNoResult
		}
		p = list[0]
	} else if err := json.Unmarshal(body, &p); err != nil {
		return Detail{}, fmt.Errorf("decode detail: %w", err)
	}

	d := Detail{
		Name:          p.DrugName.String(),
		Form:          p.DrugForm.String(),
		DosageRoute:   p.DosageRoute.String(),
		ClassCode:     p.ClsCode.String(),
		Manufacturer:  p.UpsoName.String(),
		StorageRaw:    p.Stmt.String(),
		EffectsMarkup: p.Effect.String(),
	}
	if d.Name == "" {
		return Detail{}, errNoResult
	}
	return d, nil
}

// flexString decodes a JSON string, number or null into trimmed text.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || string(b) == "null":
		*f = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
	default:
		if _, err := strconv.ParseFloat(string(b), 64); err != nil {
			return fmt.Errorf("unexpected value %s", b)
		}
		*f = flexString(b)
	}
	return nil
}

func (f flexString) String() string { return string(f) }

type coveredRow struct {
	BohCode flexString `json:"boh_code"`
	Status  flexString `json:"status"`
}

// CoveredStatus is the status label of a reimbursed billing code.
const CoveredStatus = "급여"

// FetchCoveredBohCodes lists billing codes currently covered for a canonical code.
func (c *Client) FetchCoveredBohCodes(ctx context.Context, code string) ([]string, bool) {
	return call(ctx, c, "covered", code, func(ctx context.Context) ([]string, error) {
		body, err := c.get(ctx, c.cfg.CoveredPath, url.Values{"drug_cd": {code}})
		if err != nil {
			return nil, err
		}
		return parseCovered(body)
	})
}

func parseCovered(body []byte) ([]string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return []string{}, nil
	}
	var rows []coveredRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode covered codes: %w", err)
	}
	seen := make(map[string]struct{}, len(rows))
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		code := r.BohCode.String()
		if code == "" || r.Status.String() != CoveredStatus {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out, nil
}
