package receipt

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestParseStep(t *testing.T) {
	tests := []struct {
		input string
		want  Step
	}{
		{"0", StepIntro},
		{"1", StepUpload},
		{"2", StepExtract},
		{"3", StepSort},
		{"4", StepAggregate},
		{"sort", StepSort},
		{" Aggregate ", StepAggregate},
		{"5", StepIntro},
		{"-1", StepIntro},
		{"abc", StepIntro},
		{"", StepIntro},
		{"2.5", StepIntro},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseStep(tt.input); got != tt.want {
				t.Errorf("ParseStep(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestStep_String(t *testing.T) {
	if StepExtract.String() != "Extract" {
		t.Errorf("StepExtract.String() = %q", StepExtract.String())
	}
	if Step(9).String() != "Intro" {
		t.Errorf("out of range step should render as Intro, got %q", Step(9).String())
	}
}

func TestParseAssignee(t *testing.T) {
	tests := []struct {
		input string
		want  Assignee
		ok    bool
	}{
		{"a", AssigneeA, true},
		{"B", AssigneeB, true},
		{"shared", AssigneeShared, true},
		{"both", AssigneeShared, true},
		{"carol", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseAssignee(tt.input)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseAssignee(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParsePayer(t *testing.T) {
	if p, ok := ParsePayer(""); !ok || p != PersonNone {
		t.Errorf("empty payer = (%q, %v)", p, ok)
	}
	if p, ok := ParsePayer("A"); !ok || p != PersonA {
		t.Errorf("payer A = (%q, %v)", p, ok)
	}
	if _, ok := ParsePayer("shared"); ok {
		t.Error("shared must not be a valid payer")
	}
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"12.34", "12.34", false},
		{"12,34", "12.34", false},
		{"3", "3.00", false},
		{"0", "0.00", false},
		{" 4.5 ", "4.50", false},
		{"1.005", "1.01", false},
		{"1.004", "1.00", false},
		{"-1.00", "", true},
		{"", "", true},
		{"abc", "", true},
		{"1.2.3", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePrice(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPrice) {
					t.Fatalf("ParsePrice(%q) error = %v, want ErrInvalidPrice", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePrice(%q) error = %v", tt.input, err)
			}
			if FormatMoney(got) != tt.want {
				t.Errorf("ParsePrice(%q) = %s, want %s", tt.input, FormatMoney(got), tt.want)
			}
		})
	}
}

func TestHalf(t *testing.T) {
	tests := []struct{ in, want string }{
		{"1.00", "0.50"},
		{"0.01", "0.01"},
		{"2.35", "1.18"},
		{"0", "0.00"},
		{"15.00", "7.50"},
	}
	for _, tt := range tests {
		if got := FormatMoney(Half(dec(tt.in))); got != tt.want {
			t.Errorf("Half(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestSettle_PayerA(t *testing.T) {
	// A = 10.00, B = 20.00, shared = 15.00, payer A.
	agg := Settle(Totals{A: dec("10.00"), B: dec("20.00"), Shared: dec("15.00")}, PersonA, DefaultNames())

	if FormatMoney(agg.GrandTotal) != "45.00" {
		t.Errorf("GrandTotal = %s, want 45.00", FormatMoney(agg.GrandTotal))
	}
	if FormatMoney(agg.TransferAmount) != "27.50" {
		t.Errorf("TransferAmount = %s, want 27.50", FormatMoney(agg.TransferAmount))
	}
	if agg.TransferDirection != "B → A" {
		t.Errorf("TransferDirection = %q, want %q", agg.TransferDirection, "B → A")
	}
}

func TestSettle_PayerB(t *testing.T) {
	agg := Settle(Totals{A: dec("10.00"), B: dec("20.00"), Shared: dec("15.00")}, PersonB, DefaultNames())

	if FormatMoney(agg.TransferAmount) != "17.50" {
		t.Errorf("TransferAmount = %s, want 17.50", FormatMoney(agg.TransferAmount))
	}
	if agg.TransferDirection != "A → B" {
		t.Errorf("TransferDirection = %q, want %q", agg.TransferDirection, "A → B")
	}
}

func TestSettle_NoPayer(t *testing.T) {
	agg := Settle(Totals{A: dec("5.00"), B: decimal.Zero, Shared: dec("4.00")}, PersonNone, DefaultNames())

	if !agg.TransferAmount.IsZero() {
		t.Errorf("TransferAmount = %s, want 0", agg.TransferAmount)
	}
	if agg.TransferDirection != NoPayerDirection {
		t.Errorf("TransferDirection = %q", agg.TransferDirection)
	}
	if FormatMoney(agg.GrandTotal) != "9.00" {
		t.Errorf("GrandTotal = %s, want 9.00", FormatMoney(agg.GrandTotal))
	}
}

func TestSettle_NamesInDirection(t *testing.T) {
	names := Names{A: "Sebastian", B: "Iva"}
	agg := Settle(Totals{Shared: dec("1.00")}, PersonA, names)

	if agg.TransferDirection != "Iva → Sebastian" {
		t.Errorf("TransferDirection = %q", agg.TransferDirection)
	}
	if FormatMoney(agg.TransferAmount) != "0.50" {
		t.Errorf("TransferAmount = %s, want 0.50", FormatMoney(agg.TransferAmount))
	}
}

func TestSettle_SumInvariant(t *testing.T) {
	cases := []Totals{
		{},
		{A: dec("0.01")},
		{A: dec("1.10"), B: dec("2.20"), Shared: dec("3.33")},
		{Shared: dec("0.01")},
	}
	for _, tc := range cases {
		agg := Settle(tc, PersonB, DefaultNames())
		sum := agg.TotalA.Add(agg.TotalB).Add(agg.TotalShared)
		if !sum.Equal(agg.GrandTotal) {
			t.Errorf("grand total %s != sum %s", agg.GrandTotal, sum)
		}
	}
}

func TestTotals_Add(t *testing.T) {
	var tot Totals
	tot.Add(AssigneeA, dec("1.00"))
	tot.Add(AssigneeA, dec("2.00"))
	tot.Add(AssigneeShared, dec("0.50"))
	tot.Add(Assignee("nobody"), dec("99"))

	if !tot.A.Equal(dec("3")) || !tot.B.IsZero() || !tot.Shared.Equal(dec("0.5")) {
		t.Errorf("Totals = %+v", tot)
	}
}

func TestParseDrafts(t *testing.T) {
	items, err := ParseDrafts([]ItemDraft{
		{Name: "  Milk   1l ", Price: "1,20"},
		{Name: "Bread", Price: "2.5"},
	})
	if err != nil {
		t.Fatalf("ParseDrafts() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	if items[0].Name != "Milk 1l" {
		t.Errorf("Name = %q, want %q", items[0].Name, "Milk 1l")
	}
	if FormatMoney(items[1].Price) != "2.50" {
		t.Errorf("Price = %s, want 2.50", FormatMoney(items[1].Price))
	}
}

func TestParseDrafts_Errors(t *testing.T) {
	tests := []struct {
		name  string
		draft ItemDraft
	}{
		{"missing name", ItemDraft{Name: " ", Price: "1"}},
		{"missing price", ItemDraft{Name: "Eggs", Price: ""}},
		{"negative price", ItemDraft{Name: "Eggs", Price: "-2"}},
		{"garbage price", ItemDraft{Name: "Eggs", Price: "two"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDrafts([]ItemDraft{{Name: "ok", Price: "1"}, tt.draft})
			var itemErr *ItemError
			if !errors.As(err, &itemErr) {
				t.Fatalf("error = %v, want *ItemError", err)
			}
			if itemErr.Index != 1 {
				t.Errorf("Index = %d, want 1", itemErr.Index)
			}
		})
	}
}

func TestParseDrafts_Empty(t *testing.T) {
	items, err := ParseDrafts(nil)
	if err != nil {
		t.Fatalf("ParseDrafts(nil) error = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("len(items) = %d, want 0", len(items))
	}
}

func TestPlaceholder(t *testing.T) {
	p := Placeholder()
	if len(p) != 1 || p[0].Name != PlaceholderName || !p[0].Price.IsZero() {
		t.Errorf("Placeholder() = %+v", p)
	}
}
