package ops

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SebastianBehrens/receipt-processor/internal/config"
	"github.com/SebastianBehrens/receipt-processor/internal/db"
	"github.com/SebastianBehrens/receipt-processor/internal/errors"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
)

// ReportInput contains parameters for the Report operation.
type ReportInput struct {
	Owner     string
	SessionID string // optional, default: the active session
	Format    string // "markdown" (default) or "json"
}

// ReportBucket is the list of items of one assignee bucket.
type ReportBucket struct {
	Assignee string     `json:"assignee"`
	Label    string     `json:"label"`
	Items    []ItemView `json:"items"`
	Total    string     `json:"total"`
}

// ReportData is the structured settlement report.
type ReportData struct {
	SessionID     string               `json:"session_id"`
	ArchiveName   string               `json:"archive_name,omitempty"`
	Payer         string               `json:"payer"`
	Currency      string               `json:"currency"`
	StepName      string               `json:"step_name"`
	Buckets       []ReportBucket       `json:"buckets"`
	Unassigned    int                  `json:"unassigned"`
	Aggregation   *receipt.Aggregation `json:"aggregation,omitempty"`
	APICostsTotal string               `json:"api_costs_total"`
	CreatedAt     int64                `json:"created_at"`
}

// ReportOutput contains the result of the Report operation.
type ReportOutput struct {
	SessionID string      `json:"session_id"`
	Format    string      `json:"format"`
	Markdown  string      `json:"markdown,omitempty"`
	Report    *ReportData `json:"report,omitempty"`
}

// Report summarizes a session's settlement: the items per bucket, the
// totals and transfer, and the API cost. The totals are taken from the stored
// aggregation; a session that never reached Aggregate reports none.
func Report(ctx context.Context, database *sql.DB, cfg *config.Config, input ReportInput) (*ReportOutput, error) {
	owner, err := normalizeOwner(input.Owner)
	if err != nil {
		return nil, err
	}
	format := input.Format
	if format == "" {
		format = "markdown"
	}
	if format != "markdown" && format != "json" {
		return nil, errors.NewInvalidRequest("format must be one of: markdown, json")
	}

	var s *receipt.Session
	if id := strings.TrimSpace(input.SessionID); id != "" {
		s, err = db.GetSession(ctx, database, owner, id)
	} else {
		s, err = db.GetActiveSession(ctx, database, owner)
	}
	if err != nil {
		return nil, err
	}

	data, err := buildReport(ctx, database, cfg, s)
	if err != nil {
		return nil, err
	}

	out := &ReportOutput{SessionID: s.ID, Format: format}
	if format == "json" {
		out.Report = data
	} else {
		out.Markdown = renderReport(data)
	}
	return out, nil
}

func buildReport(ctx context.Context, q db.Querier, cfg *config.Config, s *receipt.Session) (*ReportData, error) {
	names := namesFrom(cfg)
	data := &ReportData{
		SessionID:     s.ID,
		ArchiveName:   s.ArchiveName,
		Payer:         names.Of(s.Payer),
		StepName:      s.CurrentStep.String(),
		APICostsTotal: receipt.FormatCost(s.APICostsTotal),
		CreatedAt:     s.CreatedAt,
	}
	if cfg != nil {
		data.Currency = cfg.Currency
	}

	assigned, err := db.ListAssignedItems(ctx, q, s.ID)
	if err != nil {
		return nil, err
	}
	buckets := map[receipt.Assignee]*ReportBucket{}
	sums := map[receipt.Assignee]decimal.Decimal{}
	for _, a := range []receipt.Assignee{receipt.AssigneeA, receipt.AssigneeB, receipt.AssigneeShared} {
		buckets[a] = &ReportBucket{Assignee: string(a), Label: names.Label(a), Items: []ItemView{}}
	}
	for _, it := range assigned {
		b, ok := buckets[it.Assignee]
		if !ok {
			continue
		}
		v := itemView(it.LineItem)
		v.Assignee = string(it.Assignee)
		b.Items = append(b.Items, v)
		sums[it.Assignee] = sums[it.Assignee].Add(it.Price)
	}
	for _, a := range []receipt.Assignee{receipt.AssigneeA, receipt.AssigneeB, receipt.AssigneeShared} {
		buckets[a].Total = receipt.FormatMoney(sums[a])
		data.Buckets = append(data.Buckets, *buckets[a])
	}

	confirmed, err := db.CountConfirmedItems(ctx, q, s.ID)
	if err != nil {
		return nil, err
	}
	data.Unassigned = confirmed - len(assigned)

	if data.Aggregation, err = db.GetAggregation(ctx, q, s.ID); err != nil {
		return nil, err
	}
	return data, nil
}

func renderReport(d *ReportData) string {
	money := func(v string) string {
		if d.Currency == "" {
			return v
		}
		return v + " " + d.Currency
	}

	var b strings.Builder
	b.WriteString("# Settlement\n\n")
	if d.ArchiveName != "" {
		fmt.Fprintf(&b, "- **Archive:** %s\n", d.ArchiveName)
	}
	payer := d.Payer
	if payer == "" {
		payer = "not specified"
	}
	fmt.Fprintf(&b, "- **Paid by:** %s\n", payer)
	fmt.Fprintf(&b, "- **Step:** %s\n", d.StepName)
	fmt.Fprintf(&b, "- **Session started:** %s\n\n", time.Unix(d.CreatedAt, 0).UTC().Format("2006-01-02 15:04 UTC"))

	b.WriteString("## Transfer\n\n")
	if d.Aggregation == nil {
		b.WriteString("Not calculated yet.\n\n")
	} else {
		a := d.Aggregation
		b.WriteString("| | Amount |\n|---|---:|\n")
		for _, bk := range d.Buckets {
			fmt.Fprintf(&b, "| %s | %s |\n", escapeCell(bk.Label), money(bucketTotal(a, bk.Assignee)))
		}
		fmt.Fprintf(&b, "| **Total** | **%s** |\n\n", money(receipt.FormatMoney(a.GrandTotal)))
		if a.TransferDirection == receipt.NoPayerDirection {
			fmt.Fprintf(&b, "No transfer: %s.\n\n", a.TransferDirection)
		} else {
			fmt.Fprintf(&b, "**%s: %s**\n\n", a.TransferDirection, money(receipt.FormatMoney(a.TransferAmount)))
		}
	}
	if d.Unassigned > 0 {
		fmt.Fprintf(&b, "> %d item(s) not sorted yet.\n\n", d.Unassigned)
	}

	for _, bk := range d.Buckets {
		fmt.Fprintf(&b, "## %s (%d)\n\n", bk.Label, len(bk.Items))
		if len(bk.Items) == 0 {
			b.WriteString("_No items._\n\n")
			continue
		}
		b.WriteString("| Item | Price |\n|---|---:|\n")
		for _, it := range bk.Items {
			fmt.Fprintf(&b, "| %s | %s |\n", escapeCell(it.Name), it.Price)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "---\n\nAPI costs: %s USD\n", d.APICostsTotal)
	return b.String()
}

func bucketTotal(a *receipt.Aggregation, assignee string) string {
	switch receipt.Assignee(assignee) {
	case receipt.AssigneeA:
		return receipt.FormatMoney(a.TotalA)
	case receipt.AssigneeB:
		return receipt.FormatMoney(a.TotalB)
	}
	return receipt.FormatMoney(a.TotalShared)
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
