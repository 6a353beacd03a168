package receipt

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// PlaceholderName is stored when a vision reply could not be parsed.
const PlaceholderName = "Error in extraction. Proceed manually."

// MaxItemNameChars bounds the length of an item name.
const MaxItemNameChars = 200

// MaxItemsPerFile bounds how many items one receipt may carry.
const MaxItemsPerFile = 500

var whitespaceRegex = regexp.MustCompile(`\s+`)

// ItemDraft is an item as typed by a user or returned by the vision service.
type ItemDraft struct {
	Name  string `json:"item"`
	Price string `json:"price"`
}

// ParsedItem is a validated item ready to be stored.
type ParsedItem struct {
	Name  string
	Price decimal.Decimal
}

// ItemError describes why a draft was rejected.
type ItemError struct {
	Index  int
	Reason string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %s", e.Index, e.Reason)
}

// NormalizeName trims an item name and collapses internal whitespace.
func NormalizeName(s string) string {
	return whitespaceRegex.ReplaceAllString(strings.TrimSpace(s), " ")
}

// ParseDrafts validates drafts and converts them to ParsedItems.
// Every item needs a non-empty name and a non-negative decimal price.
func ParseDrafts(drafts []ItemDraft) ([]ParsedItem, error) {
	if len(drafts) > MaxItemsPerFile {
		return nil, &ItemError{Index: MaxItemsPerFile, Reason: fmt.Sprintf("at most %d items per file", MaxItemsPerFile)}
	}
	items := make([]ParsedItem, 0, len(drafts))
	for i, d := range drafts {
		name := NormalizeName(d.Name)
		if name == "" {
			return nil, &ItemError{Index: i, Reason: "name is required"}
		}
		if utf8.RuneCountInString(name) > MaxItemNameChars {
			return nil, &ItemError{Index: i, Reason: fmt.Sprintf("name exceeds %d characters", MaxItemNameChars)}
		}
		if strings.TrimSpace(d.Price) == "" {
			return nil, &ItemError{Index: i, Reason: "price is required"}
		}
		price, err := ParsePrice(d.Price)
		if err != nil {
			return nil, &ItemError{Index: i, Reason: err.Error()}
		}
		items = append(items, ParsedItem{Name: name, Price: price})
	}
	return items, nil
}

// Placeholder returns the single item substituted for an unparseable reply.
func Placeholder() []ParsedItem {
	return []ParsedItem{{Name: PlaceholderName, Price: decimal.Zero}}
}

// Drafts converts parsed items back to their editable form.
func Drafts(items []ParsedItem) []ItemDraft {
	out := make([]ItemDraft, len(items))
	for i, it := range items {
		out[i] = ItemDraft{Name: it.Name, Price: FormatMoney(it.Price)}
	}
	return out
}
