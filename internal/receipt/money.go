package receipt

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// PricePlaces is the number of fraction digits kept for item prices and totals.
const PricePlaces = 2

// CostPlaces is the number of fraction digits kept for API costs.
const CostPlaces = 4

// ErrInvalidPrice is returned for price text that is not a non-negative decimal.
var ErrInvalidPrice = errors.New("price must be a non-negative decimal number")

var two = decimal.NewFromInt(2)

// ParsePrice parses price text into a decimal with two fraction digits.
// Both "12.34" and "12,34" are accepted; extra digits round half-up.
func ParsePrice(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, ErrInvalidPrice
	}
	if !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidPrice
	}
	if d.IsNegative() {
		return decimal.Zero, ErrInvalidPrice
	}
	return RoundPrice(d), nil
}

// RoundPrice rounds half-up to two fraction digits. Values handled here are
// never negative, so decimal's half-away-from-zero rounding equals half-up.
func RoundPrice(d decimal.Decimal) decimal.Decimal {
	return d.Round(PricePlaces)
}

// Half splits an amount in two, rounding half-up to the cent:
// 1.00 -> 0.50, 0.01 -> 0.01, 2.35 -> 1.18.
func Half(d decimal.Decimal) decimal.Decimal {
	return RoundPrice(d.Div(two))
}

// FormatMoney renders an amount with exactly two fraction digits.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(PricePlaces)
}

// FormatCost renders an API cost with four fraction digits.
func FormatCost(d decimal.Decimal) string {
	return d.StringFixed(CostPlaces)
}
