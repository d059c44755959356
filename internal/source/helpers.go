package source

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"github.com/ledongthuc/pdf"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
)

// Small helper used by multiple sources to pick the first non-empty string key
func pickStr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch s := v.(type) {
			case string:
				if s2 := strings.TrimSpace(s); s2 != "" {
					return s2
				}
			case float64:
				return strconv.FormatFloat(s, 'f', -1, 64)
			}
		}
	}
	return ""
}

func pickBool(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v == "1" || strings.EqualFold(v, "true")
	}
	return false
}

// parseDateFlexible accepts RFC3339, epoch seconds and the free-form layouts regulators use.
func parseDateFlexible(s string) (model.Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return model.Date{}, fmt.Errorf("empty date")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return model.DateOf(t.UTC()), nil
	}
	// naive epoch seconds
	if len(s) >= 10 {
		if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
			return model.DateOf(time.Unix(sec, 0).UTC()), nil
		}
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return model.Date{}, fmt.Errorf("unsupported date: %s", s)
	}
	return model.DateOf(t), nil
}

func absURL(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	h, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	return b.ResolveReference(h).String()
}

// urlKey is a short stable digest used as the external id of URL-identified items.
func urlKey(u string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(u)))
	return hex.EncodeToString(sum[:6])
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// firstText returns the text of the first element matched by any selector, in order.
func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if t := cleanText(doc.Find(sel).First().Text()); t != "" {
			return t
		}
	}
	return ""
}

// firstDate reads a date from the first matching element, preferring a datetime attribute.
func firstDate(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		el := doc.Find(sel).First()
		if el.Length() == 0 {
			continue
		}
		if dt, ok := el.Attr("datetime"); ok && strings.TrimSpace(dt) != "" {
			return strings.TrimSpace(dt)
		}
		if t := cleanText(el.Text()); t != "" {
			return t
		}
	}
	return ""
}

// pdfText extracts plain text from a PDF document.
func pdfText(b []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	rd, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rd); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return buf.String(), nil
}

var usd = message.NewPrinter(language.English)

// formatUSD renders 1000000 as "$1,000,000".
func formatUSD(n int64) string {
	return usd.Sprintf("$%d", n)
}

func monthsBetween(from, to model.Date) int {
	return (to.Year-from.Year)*12 + int(to.Month) - int(from.Month)
}
