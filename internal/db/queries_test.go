package db

import (
	"context"
	"database/sql"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/SebastianBehrens/receipt-processor/internal/errors"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func newSession(id, owner string) *receipt.Session {
	return &receipt.Session{
		ID:            id,
		Owner:         owner,
		CurrentStep:   receipt.StepIntro,
		APICostsTotal: decimal.Zero,
		CreatedAt:     1000,
		UpdatedAt:     1000,
	}
}

// seedFiles inserts a session with the given filenames and returns the files.
func seedFiles(t *testing.T, database *sql.DB, sessionID string, names ...string) []receipt.ExtractedFile {
	t.Helper()
	ctx := context.Background()
	if err := InsertSession(ctx, database, newSession(sessionID, "owner-"+sessionID)); err != nil {
		t.Fatalf("InsertSession() error = %v", err)
	}
	files := make([]receipt.ExtractedFile, len(names))
	for i, n := range names {
		files[i] = receipt.ExtractedFile{SessionID: sessionID, Filename: n, RelativePath: "receipts/" + n}
	}
	if err := InsertFiles(ctx, database, files); err != nil {
		t.Fatalf("InsertFiles() error = %v", err)
	}
	return files
}

func parsed(pairs ...string) []receipt.ParsedItem {
	out := make([]receipt.ParsedItem, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, receipt.ParsedItem{Name: pairs[i], Price: decimal.RequireFromString(pairs[i+1])})
	}
	return out
}

func TestInsertAndGetActiveSession(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()

	s := newSession("01SESSION0001", "sebastian")
	s.Payer = receipt.PersonA
	s.APICostsTotal = decimal.RequireFromString("0.0123")
	if err := InsertSession(ctx, database, s); err != nil {
		t.Fatalf("InsertSession() error = %v", err)
	}

	got, err := GetActiveSession(ctx, database, "sebastian")
	if err != nil {
		t.Fatalf("GetActiveSession() error = %v", err)
	}
	if got.ID != s.ID {
		t.Errorf("ID = %q, want %q", got.ID, s.ID)
	}
	if got.Payer != receipt.PersonA {
		t.Errorf("Payer = %q, want a", got.Payer)
	}
	if !got.APICostsTotal.Equal(s.APICostsTotal) {
		t.Errorf("APICostsTotal = %s, want %s", got.APICostsTotal, s.APICostsTotal)
	}
	if got.CurrentStep != receipt.StepIntro {
		t.Errorf("CurrentStep = %v, want Intro", got.CurrentStep)
	}
}

func TestGetActiveSession_NotFound(t *testing.T) {
	database := setupDB(t)

	_, err := GetActiveSession(context.Background(), database, "nobody")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("error = %v, want NOT_FOUND", err)
	}
}

func TestInsertSession_OneActivePerOwner(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()

	if err := InsertSession(ctx, database, newSession("01A", "iva")); err != nil {
		t.Fatalf("first InsertSession() error = %v", err)
	}
	if err := InsertSession(ctx, database, newSession("01B", "iva")); err != ErrUniqueConstraint {
		t.Fatalf("second InsertSession() error = %v, want ErrUniqueConstraint", err)
	}

	// Another owner is unaffected
	if err := InsertSession(ctx, database, newSession("01C", "sebastian")); err != nil {
		t.Fatalf("other owner InsertSession() error = %v", err)
	}

	// Completing the first frees the slot
	first, err := GetSession(ctx, database, "iva", "01A")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	first.IsComplete = true
	if err := UpdateSession(ctx, database, first); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}
	if err := InsertSession(ctx, database, newSession("01B", "iva")); err != nil {
		t.Fatalf("InsertSession() after complete error = %v", err)
	}
}

func TestGetSession_ScopedToOwner(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()

	if err := InsertSession(ctx, database, newSession("01A", "iva")); err != nil {
		t.Fatalf("InsertSession() error = %v", err)
	}
	if _, err := GetSession(ctx, database, "sebastian", "01A"); !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("GetSession() other owner error = %v, want NOT_FOUND", err)
	}
}

func TestUpdateSession(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()

	s := newSession("01A", "iva")
	if err := InsertSession(ctx, database, s); err != nil {
		t.Fatalf("InsertSession() error = %v", err)
	}

	s.CurrentStep = receipt.StepSort
	s.ArchiveName = "march.zip"
	s.FilesProcessed = 3
	s.ProgressPercentage = 100
	s.CurrentSortIndex = 2
	if err := UpdateSession(ctx, database, s); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}
	if s.UpdatedAt == 1000 {
		t.Errorf("UpdatedAt not refreshed")
	}

	got, err := GetSession(ctx, database, "iva", "01A")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.CurrentStep != receipt.StepSort || got.ArchiveName != "march.zip" {
		t.Errorf("got step=%v archive=%q", got.CurrentStep, got.ArchiveName)
	}
	if got.FilesProcessed != 3 || got.ProgressPercentage != 100 || got.CurrentSortIndex != 2 {
		t.Errorf("counters = %d/%d/%d", got.FilesProcessed, got.ProgressPercentage, got.CurrentSortIndex)
	}
}

func TestUpdateSession_NotFound(t *testing.T) {
	database := setupDB(t)

	err := UpdateSession(context.Background(), database, newSession("missing", "x"))
	if !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("error = %v, want NOT_FOUND", err)
	}
}

func TestListSessions(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()

	for i, id := range []string{"01A", "01B", "01C"} {
		s := newSession(id, "iva")
		s.CreatedAt = int64(1000 + i)
		s.IsComplete = id != "01C"
		if err := InsertSession(ctx, database, s); err != nil {
			t.Fatalf("InsertSession(%s) error = %v", id, err)
		}
	}
	if err := InsertSession(ctx, database, newSession("01Z", "sebastian")); err != nil {
		t.Fatalf("InsertSession() error = %v", err)
	}

	sessions, total, err := ListSessions(ctx, database, "iva", 2, 0)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(sessions) != 2 || sessions[0].ID != "01C" || sessions[1].ID != "01B" {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestFiles_InsertListGet(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()

	files := seedFiles(t, database, "S1", "b.jpg", "a.png", "c.jpeg")
	for _, f := range files {
		if f.ID == 0 {
			t.Fatalf("InsertFiles did not set ID for %s", f.Filename)
		}
	}

	list, err := ListFiles(ctx, database, "S1")
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(list) != 3 || list[0].Filename != "a.png" || list[2].Filename != "c.jpeg" {
		t.Fatalf("ListFiles() order = %+v", list)
	}

	byName, err := GetFileByName(ctx, database, "S1", "b.jpg")
	if err != nil {
		t.Fatalf("GetFileByName() error = %v", err)
	}
	byID, err := GetFileByID(ctx, database, "S1", byName.ID)
	if err != nil {
		t.Fatalf("GetFileByID() error = %v", err)
	}
	if byID.Filename != "b.jpg" || byID.RelativePath != "receipts/b.jpg" {
		t.Errorf("GetFileByID() = %+v", byID)
	}

	if _, err := GetFileByName(ctx, database, "S1", "zzz.jpg"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("GetFileByName() missing error = %v", err)
	}
	if _, err := GetFileByID(ctx, database, "other-session", byName.ID); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("GetFileByID() wrong session error = %v", err)
	}
}

func TestInsertFiles_DuplicateFilename(t *testing.T) {
	database := setupDB(t)
	seedFiles(t, database, "S1", "a.jpg")

	err := InsertFiles(context.Background(), database, []receipt.ExtractedFile{{SessionID: "S1", Filename: "a.jpg", RelativePath: "x/a.jpg"}})
	if !errors.Is(err, errors.ErrConflict) {
		t.Fatalf("error = %v, want CONFLICT", err)
	}
}

func TestUpdateFileAndCounts(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	files := seedFiles(t, database, "S1", "a.jpg", "b.jpg", "c.jpg")

	now := int64(2000)
	files[0].IsProcessed = true
	files[0].ExtractedAt = &now
	files[0].ExtractionCost = decimal.RequireFromString("0.0042")
	if err := UpdateFile(ctx, database, &files[0]); err != nil {
		t.Fatalf("UpdateFile() error = %v", err)
	}
	files[1].IsSkipped = true
	if err := UpdateFile(ctx, database, &files[1]); err != nil {
		t.Fatalf("UpdateFile() error = %v", err)
	}

	counts, err := CountFiles(ctx, database, "S1")
	if err != nil {
		t.Fatalf("CountFiles() error = %v", err)
	}
	if counts.Total != 3 || counts.Processed != 1 || counts.Skipped != 1 || counts.Pending() != 1 {
		t.Errorf("counts = %+v", counts)
	}

	got, err := GetFileByID(ctx, database, "S1", files[0].ID)
	if err != nil {
		t.Fatalf("GetFileByID() error = %v", err)
	}
	if got.ExtractedAt == nil || *got.ExtractedAt != now {
		t.Errorf("ExtractedAt = %v, want %d", got.ExtractedAt, now)
	}
	if receipt.FormatCost(got.ExtractionCost) != "0.0042" {
		t.Errorf("ExtractionCost = %s", got.ExtractionCost)
	}
}

func TestReplaceFileItems_Replaces(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	files := seedFiles(t, database, "S1", "a.jpg", "b.jpg")

	if _, err := ReplaceFileItems(ctx, database, "S1", files[0].ID, parsed("Milk", "1.20", "Bread", "2.50"), false, 1); err != nil {
		t.Fatalf("ReplaceFileItems() error = %v", err)
	}
	if _, err := ReplaceFileItems(ctx, database, "S1", files[1].ID, parsed("Soap", "3.00"), true, 1); err != nil {
		t.Fatalf("ReplaceFileItems() error = %v", err)
	}
	out, err := ReplaceFileItems(ctx, database, "S1", files[0].ID, parsed("Cheese", "4.444"), true, 2)
	if err != nil {
		t.Fatalf("ReplaceFileItems() error = %v", err)
	}
	if len(out) != 1 || receipt.FormatMoney(out[0].Price) != "4.44" {
		t.Fatalf("ReplaceFileItems() = %+v", out)
	}

	items, err := ListFileItems(ctx, database, "S1", files[0].ID)
	if err != nil {
		t.Fatalf("ListFileItems() error = %v", err)
	}
	if len(items) != 1 || items[0].Name != "Cheese" || !items[0].IsConfirmed {
		t.Fatalf("ListFileItems() = %+v", items)
	}

	// The other file's items are untouched
	n, err := CountConfirmedItems(ctx, database, "S1")
	if err != nil {
		t.Fatalf("CountConfirmedItems() error = %v", err)
	}
	if n != 2 {
		t.Errorf("CountConfirmedItems() = %d, want 2", n)
	}
}

func TestNextUnassignedAndAssignments(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	files := seedFiles(t, database, "S1", "a.jpg", "b.jpg")

	// A draft on b.jpg must never be offered for assignment.
	if _, err := ReplaceFileItems(ctx, database, "S1", files[1].ID, parsed("Draft", "9.99"), false, 1); err != nil {
		t.Fatalf("ReplaceFileItems() error = %v", err)
	}
	confirmed, err := ReplaceFileItems(ctx, database, "S1", files[0].ID, parsed("Milk", "1.20", "Bread", "2.50"), true, 1)
	if err != nil {
		t.Fatalf("ReplaceFileItems() error = %v", err)
	}

	next, err := NextUnassigned(ctx, database, "S1")
	if err != nil {
		t.Fatalf("NextUnassigned() error = %v", err)
	}
	if next == nil || next.ID != confirmed[0].ID {
		t.Fatalf("NextUnassigned() = %+v, want %d", next, confirmed[0].ID)
	}

	a := &receipt.Assignment{SessionID: "S1", LineItemID: next.ID, Assignee: receipt.AssigneeShared, AssignedAt: 5}
	if err := InsertAssignment(ctx, database, a); err != nil {
		t.Fatalf("InsertAssignment() error = %v", err)
	}
	if err := InsertAssignment(ctx, database, &receipt.Assignment{SessionID: "S1", LineItemID: next.ID, Assignee: receipt.AssigneeA, AssignedAt: 6}); err != ErrUniqueConstraint {
		t.Fatalf("duplicate InsertAssignment() error = %v, want ErrUniqueConstraint", err)
	}

	next, err = NextUnassigned(ctx, database, "S1")
	if err != nil {
		t.Fatalf("NextUnassigned() error = %v", err)
	}
	if next == nil || next.Name != "Bread" {
		t.Fatalf("NextUnassigned() = %+v, want Bread", next)
	}
	if err := InsertAssignment(ctx, database, &receipt.Assignment{SessionID: "S1", LineItemID: next.ID, Assignee: receipt.AssigneeB, AssignedAt: 7}); err != nil {
		t.Fatalf("InsertAssignment() error = %v", err)
	}

	next, err = NextUnassigned(ctx, database, "S1")
	if err != nil || next != nil {
		t.Fatalf("NextUnassigned() = %+v, %v; want nil, nil", next, err)
	}

	assigned, err := ListAssignedItems(ctx, database, "S1")
	if err != nil {
		t.Fatalf("ListAssignedItems() error = %v", err)
	}
	if len(assigned) != 2 || assigned[0].Assignee != receipt.AssigneeShared || assigned[1].Assignee != receipt.AssigneeB {
		t.Fatalf("ListAssignedItems() = %+v", assigned)
	}
	n, err := CountAssignments(ctx, database, "S1")
	if err != nil || n != 2 {
		t.Fatalf("CountAssignments() = %d, %v", n, err)
	}
	if n, err := CountFileAssignments(ctx, database, "S1", files[0].ID); err != nil || n != 2 {
		t.Fatalf("CountFileAssignments(a.jpg) = %d, %v; want 2", n, err)
	}
	if n, err := CountFileAssignments(ctx, database, "S1", files[1].ID); err != nil || n != 0 {
		t.Fatalf("CountFileAssignments(b.jpg) = %d, %v; want 0", n, err)
	}
}

func TestInsertAssignment_RejectsUnknownAssignee(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	files := seedFiles(t, database, "S1", "a.jpg")
	items, err := ReplaceFileItems(ctx, database, "S1", files[0].ID, parsed("Milk", "1"), true, 1)
	if err != nil {
		t.Fatalf("ReplaceFileItems() error = %v", err)
	}

	err = InsertAssignment(ctx, database, &receipt.Assignment{SessionID: "S1", LineItemID: items[0].ID, Assignee: "carol", AssignedAt: 1})
	if err == nil {
		t.Fatalf("InsertAssignment() with unknown assignee succeeded")
	}
}

func TestReplaceFileItems_CascadesAssignments(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	files := seedFiles(t, database, "S1", "a.jpg")

	items, err := ReplaceFileItems(ctx, database, "S1", files[0].ID, parsed("Milk", "1"), true, 1)
	if err != nil {
		t.Fatalf("ReplaceFileItems() error = %v", err)
	}
	if err := InsertAssignment(ctx, database, &receipt.Assignment{SessionID: "S1", LineItemID: items[0].ID, Assignee: receipt.AssigneeA, AssignedAt: 1}); err != nil {
		t.Fatalf("InsertAssignment() error = %v", err)
	}

	if _, err := ReplaceFileItems(ctx, database, "S1", files[0].ID, parsed("Milk", "1"), true, 2); err != nil {
		t.Fatalf("ReplaceFileItems() error = %v", err)
	}
	n, err := CountAssignments(ctx, database, "S1")
	if err != nil {
		t.Fatalf("CountAssignments() error = %v", err)
	}
	if n != 0 {
		t.Errorf("CountAssignments() = %d, want 0 after replacing items", n)
	}
}

func TestAggregation_Upsert(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	if err := InsertSession(ctx, database, newSession("S1", "iva")); err != nil {
		t.Fatalf("InsertSession() error = %v", err)
	}

	got, err := GetAggregation(ctx, database, "S1")
	if err != nil || got != nil {
		t.Fatalf("GetAggregation() before calculate = %+v, %v", got, err)
	}

	agg := receipt.Settle(receipt.Totals{
		A:      decimal.RequireFromString("10"),
		B:      decimal.RequireFromString("20"),
		Shared: decimal.RequireFromString("15"),
	}, receipt.PersonA, receipt.DefaultNames())
	agg.SessionID = "S1"
	agg.CalculatedAt = 100
	if err := UpsertAggregation(ctx, database, &agg); err != nil {
		t.Fatalf("UpsertAggregation() error = %v", err)
	}

	agg.CalculatedAt = 200
	if err := UpsertAggregation(ctx, database, &agg); err != nil {
		t.Fatalf("second UpsertAggregation() error = %v", err)
	}

	var rows int
	if err := database.QueryRow("SELECT COUNT(*) FROM aggregations WHERE session_id = 'S1'").Scan(&rows); err != nil {
		t.Fatalf("count error = %v", err)
	}
	if rows != 1 {
		t.Fatalf("aggregation rows = %d, want 1", rows)
	}

	got, err = GetAggregation(ctx, database, "S1")
	if err != nil {
		t.Fatalf("GetAggregation() error = %v", err)
	}
	if receipt.FormatMoney(got.TransferAmount) != "27.50" || got.TransferDirection != "B → A" {
		t.Errorf("aggregation = %+v", got)
	}
	if got.CalculatedAt != 200 {
		t.Errorf("CalculatedAt = %d, want 200", got.CalculatedAt)
	}
}

func TestDeleteSessionFiles(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	files := seedFiles(t, database, "S1", "a.jpg", "b.jpg")
	seedFiles(t, database, "S2", "a.jpg")

	items, err := ReplaceFileItems(ctx, database, "S1", files[0].ID, parsed("Milk", "1"), true, 1)
	if err != nil {
		t.Fatalf("ReplaceFileItems() error = %v", err)
	}
	if err := InsertAssignment(ctx, database, &receipt.Assignment{SessionID: "S1", LineItemID: items[0].ID, Assignee: receipt.AssigneeB, AssignedAt: 1}); err != nil {
		t.Fatalf("InsertAssignment() error = %v", err)
	}

	n, err := DeleteSessionFiles(ctx, database, "S1")
	if err != nil {
		t.Fatalf("DeleteSessionFiles() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteSessionFiles() = %d, want 2", n)
	}
	if got, _ := ListFiles(ctx, database, "S1"); len(got) != 0 {
		t.Errorf("ListFiles(S1) = %d files, want 0", len(got))
	}
	if c, _ := CountConfirmedItems(ctx, database, "S1"); c != 0 {
		t.Errorf("CountConfirmedItems(S1) = %d, want 0", c)
	}
	if c, _ := CountAssignments(ctx, database, "S1"); c != 0 {
		t.Errorf("CountAssignments(S1) = %d, want 0", c)
	}
	if got, _ := ListFiles(ctx, database, "S2"); len(got) != 1 {
		t.Errorf("ListFiles(S2) = %d files, want 1", len(got))
	}
}

func TestDeleteAggregation(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	if err := InsertSession(ctx, database, newSession("S1", "iva")); err != nil {
		t.Fatalf("InsertSession() error = %v", err)
	}
	// Deleting a missing aggregation is fine.
	if err := DeleteAggregation(ctx, database, "S1"); err != nil {
		t.Fatalf("DeleteAggregation() error = %v", err)
	}

	agg := receipt.Settle(receipt.Totals{A: decimal.RequireFromString("4")}, receipt.PersonB, receipt.DefaultNames())
	agg.SessionID = "S1"
	if err := UpsertAggregation(ctx, database, &agg); err != nil {
		t.Fatalf("UpsertAggregation() error = %v", err)
	}
	if err := DeleteAggregation(ctx, database, "S1"); err != nil {
		t.Fatalf("DeleteAggregation() error = %v", err)
	}
	got, err := GetAggregation(ctx, database, "S1")
	if err != nil || got != nil {
		t.Errorf("GetAggregation() after delete = %+v, %v", got, err)
	}
}
