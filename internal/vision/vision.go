// Package vision reads line items off receipt photos through a
// chat-completions vision model.
package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
)

// Extractor reads the items of one receipt image.
type Extractor interface {
	// Extract returns the items and the API cost of reading imagePath.
	// A reply that can't be turned into items yields a *ParseError that
	// still carries the cost; any other error means nothing was charged.
	Extract(ctx context.Context, imagePath string) (*Result, error)
}

// Result is a successful extraction.
type Result struct {
	Items  []receipt.ParsedItem
	Cost   decimal.Decimal
	Tokens int

	// Shared is set when this result was produced for a concurrent identical
	// call; only the caller that triggered the request should be charged.
	Shared bool
}

// ParseError reports a reply that was received (and billed) but unusable.
type ParseError struct {
	Cost   decimal.Decimal
	Tokens int
	Reply  string
	Err    error

	// Shared mirrors Result.Shared.
	Shared bool
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable extraction reply: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// costPerToken is the blended price per token of a vision request.
var costPerToken = decimal.RequireFromString("0.03").Div(decimal.NewFromInt(1000)).Div(decimal.NewFromInt(4))

// CostForTokens converts a token count to an API cost with four fraction digits.
func CostForTokens(tokens int) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	return costPerToken.Mul(decimal.NewFromInt(int64(tokens))).Round(receipt.CostPlaces)
}

var fenceRegex = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")

// ParseItems turns a model reply into validated items. The reply should be a
// JSON array of {"item": ..., "price": ...} objects; code fences and
// single-quoted (Python-style) literals are tolerated.
func ParseItems(reply string) ([]receipt.ParsedItem, error) {
	body := strings.TrimSpace(reply)
	if m := fenceRegex.FindStringSubmatch(body); m != nil {
		body = m[1]
	}
	start, end := strings.Index(body, "["), strings.LastIndex(body, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no list in reply")
	}
	body = body[start : end+1]

	var raw []map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		if err2 := json.Unmarshal([]byte(pythonToJSON(body)), &raw); err2 != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
	}

	drafts := make([]receipt.ItemDraft, 0, len(raw))
	for i, obj := range raw {
		name, _ := firstOf(obj, "item", "name").(string)
		price, err := priceText(firstOf(obj, "price", "amount"))
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		drafts = append(drafts, receipt.ItemDraft{Name: name, Price: price})
	}
	return receipt.ParseDrafts(drafts)
}

func firstOf(obj map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v
		}
	}
	return nil
}

func priceText(v any) (string, error) {
	switch p := v.(type) {
	case float64:
		return strconv.FormatFloat(p, 'f', -1, 64), nil
	case string:
		return p, nil
	case nil:
		return "", fmt.Errorf("missing price")
	}
	return "", fmt.Errorf("price has unexpected type %T", v)
}

// pythonToJSON rewrites a Python list-of-dicts literal into JSON: single
// quoted strings become double quoted, and None/True/False are mapped.
func pythonToJSON(s string) string {
	var b strings.Builder
	inSingle, inDouble := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s) && (inSingle || inDouble):
			if inSingle && s[i+1] == '\'' {
				b.WriteByte('\'')
			} else {
				b.WriteByte(c)
				b.WriteByte(s[i+1])
			}
			i++
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			b.WriteByte('"')
		case c == '"' && inSingle:
			b.WriteString(`\"`)
		case c == '"':
			inDouble = !inDouble
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	out := b.String()
	for py, js := range map[string]string{"None": "null", "True": "true", "False": "false"} {
		out = strings.ReplaceAll(out, ": "+py, ": "+js)
	}
	return out
}
