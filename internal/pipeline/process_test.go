package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"storeledger/internal"
	"storeledger/internal/storage"
)

func newTestService(t *testing.T) (*ProcessingService, *storage.DB) {
	t.Helper()
	db, err := storage.Open("sqlite", filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	if err := db.UpsertStore(ctx, internal.Store{ID: "s1", Name: "Corner Mart", State: "PA", RetailerNumber: "123456", ReportEmail: "reports@corner.test"}); err != nil {
		t.Fatal(err)
	}
	logger, _ := test.NewNullLogger()
	return NewProcessingService(db, logger), db
}

func TestIngestReportWritesRawAndEntry(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	res, err := svc.IngestReport(ctx, "s1", "settlement.csv", []byte(settlementCSV), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created || res.ReportDate != "2025-11-03" || res.LotteryKind != internal.KindDailyLottery || res.EntriesAdded != 1 {
		t.Fatalf("res=%+v", res)
	}

	entry, err := db.GetEntry(ctx, internal.KindDailyLottery, "s1", "2025-11-03")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || entry.Fields["draw_sales"] != 1000 || entry.Fields["draw_comm"] != 50 {
		t.Fatalf("entry=%+v", entry)
	}
	if entry.Source != "upload" {
		t.Fatalf("source=%q", entry.Source)
	}

	again, err := svc.IngestReport(ctx, "s1", "settlement.csv", []byte(settlementCSV), nil)
	if err != nil {
		t.Fatal(err)
	}
	if again.Created || again.RawReportID != res.RawReportID || again.EntriesAdded != 0 {
		t.Fatalf("re-ingest should update in place: %+v", again)
	}
}

func TestIngestReportRejectsOtherRetailer(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	csv := "\"Combined Settlement\",\"From 11/03/2025 to 11/03/2025\"\nRetailer Number,Draw Sales\n999999,10\n"
	_, err := svc.IngestReport(ctx, "s1", "other.csv", []byte(csv), nil)
	var mismatch *RetailerMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected RetailerMismatchError, got %v", err)
	}

	reports, err := db.ListRawReports(ctx, "s1", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 0 {
		t.Fatalf("nothing should be stored, got %d reports", len(reports))
	}
}

func TestIngestReportParseErrorStoresNothing(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	_, err := svc.IngestReport(ctx, "s1", "broken.csv", []byte("\"Combined Settlement\"\nno,header\n"), nil)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	reports, _ := db.ListRawReports(ctx, "s1", "", "")
	if len(reports) != 0 {
		t.Fatalf("reports=%d", len(reports))
	}
}

func TestIngestWeeklyReport(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	csv := "\"Combined Settlement\",\"From 10/27/2025 to 11/02/2025\"\nRetailer Number,Draw Sales,Weekly Fee\n123456,7000,35\n"
	res, err := svc.IngestReport(ctx, "s1", "weekly.csv", []byte(csv), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.LotteryKind != internal.KindWeeklyLottery {
		t.Fatalf("kind=%s", res.LotteryKind)
	}
	if res.ReportDate != "2025-10-27" || res.EntryDate != "2025-11-02" {
		t.Fatalf("reportDate=%s entryDate=%s", res.ReportDate, res.EntryDate)
	}
	entry, err := db.GetEntry(ctx, internal.KindWeeklyLottery, "s1", "2025-11-02")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || entry.Fields["weekly_fee"] != 35 {
		t.Fatalf("entry=%+v", entry)
	}
	if start, _ := db.GetEntry(ctx, internal.KindWeeklyLottery, "s1", "2025-10-27"); start != nil {
		t.Fatalf("weekly entry stored under the range start: %+v", start)
	}

	raw, err := db.GetRawReport(ctx, res.RawReportID)
	if err != nil {
		t.Fatal(err)
	}
	if raw.PeriodEnd != "2025-11-02" {
		t.Fatalf("periodEnd=%q", raw.PeriodEnd)
	}

	// remapping finds the same week-ending row again
	if _, err := svc.Remap(ctx, "s1", "", ""); err != nil {
		t.Fatal(err)
	}
	if start, _ := db.GetEntry(ctx, internal.KindWeeklyLottery, "s1", "2025-10-27"); start != nil {
		t.Fatalf("remap wrote the range start: %+v", start)
	}
}

func TestRemapUsesStoreMappings(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	if _, err := svc.IngestReport(ctx, "s1", "settlement.csv", []byte(settlementCSV), nil); err != nil {
		t.Fatal(err)
	}
	expr := "{Draw Sales} - {Draw Comm}"
	mappings := []internal.ReportMapping{
		{SourceColumn: "Draw Sales", TargetType: internal.TargetDailyRevenue, TargetField: "online_sales"},
		{TargetType: internal.TargetDailyRevenue, TargetField: "online_net", FormulaExpression: &expr},
	}
	if err := db.ReplaceReportMappings(ctx, "s1", "lottery_settlement", mappings); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Remap(ctx, "s1", "2025-11-01", "2025-11-30")
	if err != nil {
		t.Fatal(err)
	}
	if res.Reports != 1 || res.Entries != 2 {
		t.Fatalf("res=%+v", res)
	}
	lottery, err := db.GetEntry(ctx, internal.KindDailyLottery, "s1", "2025-11-03")
	if err != nil {
		t.Fatal(err)
	}
	if lottery == nil || lottery.Fields["draw_sales"] != 0 || lottery.Fields["draw_comm"] != 0 {
		t.Fatalf("fields no longer mapped should be reset: %+v", lottery)
	}
	rev, err := db.GetEntry(ctx, internal.KindDailyRevenue, "s1", "2025-11-03")
	if err != nil {
		t.Fatal(err)
	}
	if rev == nil || rev.Fields["online_sales"] != 1000 || rev.Fields["online_net"] != 950 {
		t.Fatalf("revenue entry=%+v", rev)
	}

	reports, _ := db.ListRawReports(ctx, "s1", "", "")
	if reports[0].MappedValues.Revenue["online_sales"] != 1000 {
		t.Fatalf("mapped=%+v", reports[0].MappedValues)
	}
}

func TestProcessEmail(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	dir := t.TempDir()
	write := func(name string, blob []byte) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, blob, 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	email := func(id, to, receivedAt string) internal.EmailRow {
		return internal.EmailRow{
			Provider:   "gmail",
			MessageID:  "<" + id + "@lottery.test>",
			Subject:    "Combined Settlement Report",
			Sender:     "settlement@lottery.test",
			Recipient:  to,
			ReceivedAt: receivedAt,
			Hash:       id,
			Status:     EmailFetched,
			RawRef:     write(id+".eml", sampleEmail(to)),
		}
	}

	matched, _, err := db.UpsertEmail(ctx, email("m1", "reports@corner.test", "2025-11-03T10:00:00Z"))
	if err != nil {
		t.Fatal(err)
	}
	unknown, _, err := db.UpsertEmail(ctx, email("m2", "nobody@else.test", "2025-11-03T11:00:00Z"))
	if err != nil {
		t.Fatal(err)
	}

	emails, reports, err := svc.ProcessPending(ctx, 10, "gmail")
	if err != nil {
		t.Fatal(err)
	}
	if emails != 2 || reports != 1 {
		t.Fatalf("emails=%d reports=%d", emails, reports)
	}

	row, _ := db.GetEmailByID(ctx, matched.ID)
	if row.Status != EmailProcessed {
		t.Fatalf("status=%s", row.Status)
	}
	row, _ = db.GetEmailByID(ctx, unknown.ID)
	if row.Status != EmailUnmatched {
		t.Fatalf("status=%s", row.Status)
	}

	raws, _ := db.ListRawReports(ctx, "s1", "", "")
	if len(raws) != 1 || raws[0].SourceEmailID == nil || *raws[0].SourceEmailID != "<m1@lottery.test>" {
		t.Fatalf("raws=%+v", raws)
	}

	res, err := svc.ProcessByProviderMessageID(ctx, "gmail", "<m1@lottery.test>")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Reports) != 1 || res.Reports[0].Created {
		t.Fatalf("reprocessing should update the same raw report: %+v", res)
	}
}

func TestIngestInbound(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	weekly := "\"Combined Settlement\",\"From 10/27/2025 to 11/02/2025\"\nRetailer Number,Instant Sales\n123456,7000\n"
	res, err := svc.IngestInbound(ctx, InboundEmail{
		From:      "Lottery <noreply@lottery.test>",
		To:        "Corner Mart <Reports@Corner.test>",
		Subject:   "Settlement",
		MessageID: "<m-1@lottery.test>",
		Attachments: []Attachment{
			{Name: "daily.csv", Content: []byte(settlementCSV)},
			{Name: "logo.png", Content: []byte{0x89, 0x50}},
			{Name: "weekly.csv", Content: []byte(weekly)},
			{Name: "broken.csv", Content: []byte("\n")},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.StoreID != "s1" || res.Status != EmailProcessed || len(res.Reports) != 2 || res.Rejected != 1 {
		t.Fatalf("res=%+v", res)
	}

	reports, err := db.ListRawReports(ctx, "s1", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("want 2 raw reports, got %d", len(reports))
	}
	ids := map[string]bool{}
	for _, r := range reports {
		if r.SourceEmailID != nil {
			ids[*r.SourceEmailID] = true
		}
	}
	if !ids["<m-1@lottery.test>"] || !ids["<m-1@lottery.test>#weekly.csv"] {
		t.Fatalf("source email ids=%v", ids)
	}

	_, err = svc.IngestInbound(ctx, InboundEmail{From: "x@nowhere.test", To: "y@nowhere.test"})
	if !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("expected ErrStoreNotFound, got %v", err)
	}
}

func TestProcessPendingMarksUnreadableEmailFailed(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	dir := t.TempDir()
	good := filepath.Join(dir, "good.eml")
	if err := os.WriteFile(good, sampleEmail("reports@corner.test"), 0o644); err != nil {
		t.Fatal(err)
	}

	broken, _, err := db.UpsertEmail(ctx, internal.EmailRow{
		Provider: "gmail", MessageID: "<gone@lottery.test>", Recipient: "reports@corner.test",
		ReceivedAt: "2025-11-03T09:00:00Z", Hash: "gone", RawRef: filepath.Join(dir, "missing.eml"),
	})
	if err != nil {
		t.Fatal(err)
	}
	valid, _, err := db.UpsertEmail(ctx, internal.EmailRow{
		Provider: "gmail", MessageID: "<m1@lottery.test>", Subject: "Combined Settlement Report",
		Sender: "settlement@lottery.test", Recipient: "reports@corner.test",
		ReceivedAt: "2025-11-03T10:00:00Z", Hash: "good", RawRef: good,
	})
	if err != nil {
		t.Fatal(err)
	}

	emails, reports, err := svc.ProcessPending(ctx, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if emails != 2 || reports != 1 {
		t.Fatalf("emails=%d reports=%d", emails, reports)
	}

	row, _ := db.GetEmailByID(ctx, broken.ID)
	if row.Status != EmailFailed {
		t.Fatalf("broken status=%s", row.Status)
	}
	row, _ = db.GetEmailByID(ctx, valid.ID)
	if row.Status != EmailProcessed {
		t.Fatalf("valid status=%s", row.Status)
	}

	emails, _, err = svc.ProcessPending(ctx, 10, "")
	if err != nil || emails != 0 {
		t.Fatalf("nothing should stay queued: emails=%d err=%v", emails, err)
	}
}

func TestFinishLogsRunRecordFailure(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "app.db")
	db, err := storage.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	logger, hook := test.NewNullLogger()
	svc := NewProcessingService(db, logger)

	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	if _, err := raw.Exec(`DROP TABLE runs`); err != nil {
		t.Fatal(err)
	}

	email, _, err := db.UpsertEmail(ctx, internal.EmailRow{
		Provider: "gmail", MessageID: "<gone@lottery.test>", Hash: "gone",
		RawRef: filepath.Join(t.TempDir(), "missing.eml"),
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := svc.ProcessEmail(ctx, email)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != EmailFailed {
		t.Fatalf("status=%s", res.Status)
	}

	logged := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Data["context"] == "record run" {
			logged = true
		}
	}
	if !logged {
		t.Fatal("run record failure was not logged")
	}
}
