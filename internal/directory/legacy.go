package directory

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-medlabel/internal/normalize"
	"github.com/drfirst/go-medlabel/pkg/circuitbreaker"
)

// LegacyConfig addresses the older price and efficacy services.
type LegacyConfig struct {
	BaseURL      string
	ServiceKey   string
	Timeout      time.Duration
	PricePath    string
	EfficacyPath string
}

// DefaultLegacyConfig returns the public data portal layout.
func DefaultLegacyConfig() LegacyConfig {
	return LegacyConfig{
		BaseURL:      "https://apis.data.go.kr",
		Timeout:      10 * time.Second,
		PricePath:    "/B551182/dgamtCrtrInfoService1.2/getDgamtList",
		EfficacyPath: "/1471000/DrbEasyDrugInfoService/getDrbEasyDrugList",
	}
}

// LegacyRecord is what the price and efficacy services know about a bohcode.
type LegacyRecord struct {
	Bohcode      string
	Name         string
	Manufacturer string
	Formulation  string
	Price        int
	Effects      []string
	StorageRaw   string
	// Unit is derived from the formulation, forced to drops for eye products.
	Unit string
}

// LegacyClient backs the offline backfill only. The live pipeline uses Client.
type LegacyClient struct {
	c            *Client
	serviceKey   string
	pricePath    string
	efficacyPath string
}

// NewLegacy creates a legacy client. breaker may be nil.
func NewLegacy(cfg LegacyConfig, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger, opts ...Option) *LegacyClient {
	inner := New(Config{BaseURL: cfg.BaseURL, Timeout: cfg.Timeout}, breaker, logger, opts...)
	return &LegacyClient{
		c:            inner,
		serviceKey:   cfg.ServiceKey,
		pricePath:    cfg.PricePath,
		efficacyPath: cfg.EfficacyPath,
	}
}

type xmlEnvelope[T any] struct {
	Header struct {
		ResultCode string `xml:"resultCode"`
		ResultMsg  string `xml:"resultMsg"`
	} `xml:"header"`
	Items []T `xml:"body>items>item"`
}

type priceItem struct {
	Name         string `xml:"itmNm"`
	Manufacturer string `xml:"mnfEntpNm"`
	Formulation  string `xml:"fomNm"`
	MaxPrice     string `xml:"mxCprc"`
}

type efficacyItem struct {
	ItemName string `xml:"itemName"`
	Efficacy string `xml:"efcyQesitm"`
	Storage  string `xml:"depositMethodQesitm"`
}

// Lookup queries the price service for a bohcode and then the efficacy
// service for the product name it returns.
func (l *LegacyClient) Lookup(ctx context.Context, bohcode string) (LegacyRecord, bool) {
	return call(ctx, l.c, "legacy", bohcode, func(ctx context.Context) (LegacyRecord, error) {
		price, err := l.price(ctx, bohcode)
		if err != nil {
			return LegacyRecord{}, err
		}
		rec := LegacyRecord{
			Bohcode:      bohcode,
			Name:         strings.TrimSpace(price.Name),
			Manufacturer: strings.TrimSpace(price.Manufacturer),
			Formulation:  strings.TrimSpace(price.Formulation),
			Effects:      []string{},
		}
		rec.Price, _ = strconv.Atoi(strings.ReplaceAll(strings.TrimSpace(price.MaxPrice), ",", ""))

		// Efficacy is optional; a miss keeps the price data.
		if eff, err := l.efficacy(ctx, rec.Name); err == nil {
			rec.Effects = normalize.ParseEffectsCompact(eff.Efficacy)
			rec.StorageRaw = strings.TrimSpace(eff.Storage)
		} else if !IsNoResult(err) {
			l.c.logger.Warn("legacy efficacy lookup failed", zap.String("bohcode", bohcode), zap.Error(err))
		}
		rec.Unit = legacyUnit(rec.Formulation, rec.Name)
		return rec, nil
	})
}

func legacyUnit(formulation, name string) string {
	if strings.Contains(formulation, "점안") || strings.Contains(name, "점안") {
		return normalize.UnitDrop
	}
	return normalize.UnitForForm(formulation)
}

func (l *LegacyClient) price(ctx context.Context, bohcode string) (priceItem, error) {
	body, err := l.c.get(ctx, l.pricePath, url.Values{
		"serviceKey": {l.serviceKey},
		"mdsCd":      {bohcode},
		"numOfRows":  {"1"},
		"pageNo":     {"1"},
	})
	if err != nil {
		return priceItem{}, err
	}
	items, err := decodeItems[priceItem](body)
	if err != nil {
		return priceItem{}, err
	}
	return items[0], nil
}

func (l *LegacyClient) efficacy(ctx context.Context, itemName string) (efficacyItem, error) {
	if itemName == "" {
		return efficacyItem{}, errNoResult
	}
	body, err := l.c.get(ctx, l.efficacyPath, url.Values{
		"serviceKey": {l.serviceKey},
		"itemName":   {itemName},
		"type":       {"xml"},
	})
	if err != nil {
		return efficacyItem{}, err
	}
	items, err := decodeItems[efficacyItem](body)
	if err != nil {
		return efficacyItem{}, err
	}
	return items[0], nil
}

// decodeItems returns at least one item, or errNoResult.
func decodeItems[T any](body []byte) ([]T, error) {
	var env xmlEnvelope[T]
	dec := xml.NewDecoder(bytes.NewReader(body))
	// Bodies are already UTF-8 by the time they get here.
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode xml: %w", err)
	}
	if code := strings.TrimSpace(env.Header.ResultCode); code != "" && code != "00" {
		return nil, fmt.Errorf("service error %s: %s", code, env.Header.ResultMsg)
	}
	if len(env.Items) == 0 {
		return nil, errNoResult
	}
	return env.Items, nil
}
