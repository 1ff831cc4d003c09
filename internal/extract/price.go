// Package extract pulls product prices out of fetched HTML.
package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/price-pulse/internal/faults"
)

// Price is a parsed amount in a currency's major unit.
type Price struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Raw      string  `json:"raw"`
}

// Selectors tried, in order, when a target has no selector of its own.
var fallbackSelectors = []string{
	`meta[property="product:price:amount"]`,
	`meta[itemprop="price"]`,
	`[itemprop="price"]`,
	`.price`,
}

var numberPattern = regexp.MustCompile(`\d[\d.,]*`)

// FromHTML finds the first element matching selector (or the fallback selectors when it is
// empty) and parses its content attribute or text as a price.
func FromHTML(body []byte, selector, defaultCurrency string) (Price, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Price{}, fmt.Errorf("parse html: %w", err)
	}

	selectors := fallbackSelectors
	if selector != "" {
		selectors = []string{selector}
	}
	for _, sel := range selectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		text, ok := node.Attr("content")
		if !ok || strings.TrimSpace(text) == "" {
			text = node.Text()
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		return ParsePrice(text, defaultCurrency)
	}
	return Price{}, faults.Validation("selector", fmt.Sprintf("no price element matched %q", strings.Join(selectors, ", ")))
}

// ParsePrice reads an amount such as "₩1,290,000", "1.290.000원" or "$1,299.99". The currency
// symbol wins over defaultCurrency. A final separator followed by one or two digits is the
// decimal point; KRW has no minor unit, so its fraction is truncated.
func ParsePrice(text, defaultCurrency string) (Price, error) {
	raw := strings.TrimSpace(text)
	currency := detectCurrency(raw, defaultCurrency)

	digits := numberPattern.FindString(raw)
	if digits == "" {
		return Price{}, faults.Validation("price", fmt.Sprintf("no amount in %q", raw))
	}

	whole, frac := splitDecimal(digits)
	normalized := whole
	if frac != "" && currency != "KRW" {
		normalized += "." + frac
	}
	amount, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return Price{}, faults.Validation("price", fmt.Sprintf("unparsable amount %q", digits))
	}
	if amount <= 0 {
		return Price{}, faults.Validation("price", fmt.Sprintf("non-positive amount %q", digits))
	}
	return Price{Amount: amount, Currency: currency, Raw: raw}, nil
}

func detectCurrency(raw, fallback string) string {
	upper := strings.ToUpper(raw)
	switch {
	case strings.ContainsAny(raw, "₩원") || strings.Contains(upper, "KRW"):
		return "KRW"
	case strings.Contains(raw, "$") || strings.Contains(upper, "USD"):
		return "USD"
	case fallback != "":
		return strings.ToUpper(fallback)
	default:
		return "USD"
	}
}

var separators = strings.NewReplacer(",", "", ".", "")

// splitDecimal separates the integer digits from the fraction. Only the last separator can
// start a fraction, and only when one or two digits follow it; every other separator groups
// thousands.
func splitDecimal(digits string) (whole, frac string) {
	digits = strings.TrimRight(digits, ".,")
	idx := strings.LastIndexAny(digits, ".,")
	if n := len(digits) - idx - 1; idx >= 0 && (n == 1 || n == 2) {
		return separators.Replace(digits[:idx]), digits[idx+1:]
	}
	return separators.Replace(digits), ""
}
