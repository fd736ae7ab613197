package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"storeledger/internal"
	"storeledger/internal/config"
	"storeledger/internal/mapping"
	"storeledger/internal/storage"
	"storeledger/internal/util"
)

const moduleName = "pipeline"

// Email statuses after processing.
const (
	EmailFetched   = "fetched"
	EmailProcessed = "processed"
	EmailSkipped   = "skipped"
	EmailUnmatched = "unmatched"
	EmailFailed    = "failed"
)

// RetailerMismatchError rejects a report whose retailer number belongs to another store.
type RetailerMismatchError struct {
	StoreID  string
	Expected string
	Got      string
}

func (e *RetailerMismatchError) Error() string {
	return fmt.Sprintf("retailer number %s does not match store %s (expected %s)", e.Got, e.StoreID, e.Expected)
}

var ErrStoreNotFound = errors.New("store not found")

type ProcessingService struct {
	db       *storage.DB
	logger   logrus.FieldLogger
	resolver *mapping.Resolver
}

func NewProcessingService(db *storage.DB, logger logrus.FieldLogger) *ProcessingService {
	return &ProcessingService{db: db, logger: logger, resolver: mapping.NewResolver(logger)}
}

type IngestResult struct {
	RawReportID  int                   `json:"rawReportId"`
	Created      bool                  `json:"created"`
	Source       string                `json:"source"`
	ReportDate   string                `json:"reportDate"`
	EntryDate    string                `json:"entryDate"`
	Period       internal.ReportPeriod `json:"period"`
	LotteryKind  internal.EntryKind    `json:"lotteryKind,omitempty"`
	EntriesAdded int                   `json:"entriesAdded"`
	EntriesSaved int                   `json:"entriesSaved"`
	Values       map[string]float64    `json:"values"`
}

// IngestReport parses one uploaded report file and stores it for storeID. The reader is chosen
// by the file extension; anything unknown is read as CSV.
func (s *ProcessingService) IngestReport(ctx context.Context, storeID, filename string, content []byte, sourceEmailID *string) (IngestResult, error) {
	store, err := s.db.GetStore(ctx, storeID)
	if err != nil {
		return IngestResult{}, err
	}
	if store == nil {
		return IngestResult{}, fmt.Errorf("%w: %s", ErrStoreNotFound, storeID)
	}

	kind, ok := SourceKindForFile(filename)
	if !ok {
		kind = SourceCSV
	}
	if kind == SourceCSV && len(strings.TrimSpace(string(content))) == 0 {
		return IngestResult{}, &ParseError{Filename: filename, Reason: "empty report"}
	}
	rows, err := ReadRows(kind, content)
	if err != nil {
		return IngestResult{}, &ParseError{Filename: filename, Reason: err.Error()}
	}
	return s.IngestSource(ctx, *store, ReportSource{Name: filename, Kind: kind, Rows: rows}, sourceEmailID)
}

// IngestSource parses src, checks its retailer number against the store, then stores the raw report
// and the entries derived from it. Parse and retailer errors leave nothing behind.
func (s *ProcessingService) IngestSource(ctx context.Context, store internal.Store, src ReportSource, sourceEmailID *string) (IngestResult, error) {
	rec, err := ParseReportGrid(src.Rows, src.Name, mapping.ProfileFor(store.State))
	if err != nil {
		return IngestResult{}, err
	}
	if err := checkRetailer(store, rec.RetailerNumber); err != nil {
		return IngestResult{}, err
	}

	reportType := mapping.ReportTypeFor(store.State)
	mappings, err := s.mappingsFor(ctx, store, reportType)
	if err != nil {
		return IngestResult{}, err
	}

	raw := internal.RawReport{
		StoreID:        store.ID,
		ReportDate:     rec.Date,
		ReportType:     reportType,
		Period:         rec.Period,
		RetailerNumber: rec.RetailerNumber,
		LocationName:   rec.LocationName,
		Data:           rec.Data,
		Columns:        rec.Columns,
		SourceEmailID:  sourceEmailID,
		Filename:       util.StringPtr(src.Name),
		ReceivedAt:     time.Now(),
	}
	if rec.Period == internal.PeriodWeekly {
		raw.PeriodEnd = rec.DateTo
	}
	raw.MappedValues = s.resolver.ApplyReportMappings(mapping.RowFromMap(raw.Data, raw.Columns), mappings)

	id, created, err := s.db.UpsertRawReport(ctx, raw)
	if err != nil {
		return IngestResult{}, err
	}
	raw.ID = id

	source := "upload"
	if sourceEmailID != nil {
		source = "email"
	}
	added, saved, err := s.writeEntries(ctx, raw, internal.MappedValues{}, source)
	if err != nil {
		return IngestResult{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"storeId":     store.ID,
		"rawReportId": id,
		"reportDate":  raw.ReportDate,
		"period":      raw.Period,
		"source":      src.Name,
	}).Info("report ingested")

	return IngestResult{
		RawReportID:  id,
		Created:      created,
		Source:       src.Name,
		ReportDate:   raw.ReportDate,
		EntryDate:    raw.EntryDate(),
		Period:       raw.Period,
		LotteryKind:  lotteryKind(raw.Period),
		EntriesAdded: added,
		EntriesSaved: saved,
		Values:       rec.Values,
	}, nil
}

func checkRetailer(store internal.Store, got string) error {
	want := normalizeRetailer(store.RetailerNumber)
	have := normalizeRetailer(got)
	if want == "" || have == "" || want == have {
		return nil
	}
	return &RetailerMismatchError{StoreID: store.ID, Expected: store.RetailerNumber, Got: got}
}

func normalizeRetailer(v string) string {
	v = strings.TrimSpace(v)
	trimmed := strings.TrimLeft(v, "0")
	if trimmed == "" {
		return v
	}
	return trimmed
}

func lotteryKind(period internal.ReportPeriod) internal.EntryKind {
	if period == internal.PeriodWeekly {
		return internal.KindWeeklyLottery
	}
	return internal.KindDailyLottery
}

// mappingsFor returns the store's report mappings, falling back to the state defaults.
func (s *ProcessingService) mappingsFor(ctx context.Context, store internal.Store, reportType string) ([]internal.ReportMapping, error) {
	mappings, err := s.db.ListReportMappings(ctx, store.ID, reportType)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		return mapping.DefaultReportMappings(store.State), nil
	}
	return mappings, nil
}

// writeEntries upserts the lottery and revenue entries of a raw report's mapped values. Fields in
// stale that the current values no longer produce are reset to 0.
func (s *ProcessingService) writeEntries(ctx context.Context, raw internal.RawReport, stale internal.MappedValues, source string) (int, int, error) {
	added, saved := 0, 0
	targets := []struct {
		kind   internal.EntryKind
		values map[string]float64
		stale  map[string]float64
	}{
		{lotteryKind(raw.Period), raw.MappedValues.Lottery, stale.Lottery},
		{internal.KindDailyRevenue, raw.MappedValues.Revenue, stale.Revenue},
	}

	for _, t := range targets {
		fields := map[string]float64{}
		for k := range t.stale {
			if _, ok := t.values[k]; !ok && internal.IsEntryField(t.kind, k) {
				fields[k] = 0
			}
		}
		for k, v := range t.values {
			if internal.IsEntryField(t.kind, k) {
				fields[k] = v
				continue
			}
			s.logger.WithFields(logrus.Fields{"kind": t.kind, "field": k}).Debug("mapped field has no entry column")
		}
		if len(fields) == 0 {
			continue
		}

		entry := internal.Entry{
			Kind:      t.kind,
			StoreID:   raw.StoreID,
			EntryDate: raw.EntryDate(),
			Fields:    fields,
			Provenance: internal.Provenance{
				EnteredBy: "report-ingest",
				Notes:     util.Deref(raw.Filename),
				Source:    source,
			},
		}
		created, err := s.db.UpsertEntry(ctx, entry)
		if err != nil {
			return added, saved, fmt.Errorf("upsert %s entry: %w", t.kind, err)
		}
		saved++
		if created {
			added++
		}
	}
	return added, saved, nil
}

type RemapResult struct {
	Reports int `json:"reports"`
	Entries int `json:"entries"`
}

// Remap recomputes mapped values and entries from the stored raw data of a store's reports.
func (s *ProcessingService) Remap(ctx context.Context, storeID, from, to string) (RemapResult, error) {
	store, err := s.db.GetStore(ctx, storeID)
	if err != nil {
		return RemapResult{}, err
	}
	if store == nil {
		return RemapResult{}, fmt.Errorf("%w: %s", ErrStoreNotFound, storeID)
	}

	reports, err := s.db.ListRawReports(ctx, storeID, from, to)
	if err != nil {
		return RemapResult{}, err
	}

	cache := map[string][]internal.ReportMapping{}
	res := RemapResult{}
	for _, raw := range reports {
		mappings, ok := cache[raw.ReportType]
		if !ok {
			if mappings, err = s.mappingsFor(ctx, *store, raw.ReportType); err != nil {
				return res, err
			}
			cache[raw.ReportType] = mappings
		}

		previous := raw.MappedValues
		raw.MappedValues = s.resolver.ApplyReportMappings(mapping.RowFromMap(raw.Data, raw.Columns), mappings)
		if err := s.db.UpdateMappedValues(ctx, raw.ID, raw.MappedValues); err != nil {
			return res, err
		}
		_, saved, err := s.writeEntries(ctx, raw, previous, "remap")
		if err != nil {
			return res, err
		}
		res.Reports++
		res.Entries += saved
	}
	return res, nil
}

type ProcessResult struct {
	EmailID  int            `json:"emailId"`
	Status   string         `json:"status"`
	StoreID  string         `json:"storeId,omitempty"`
	Reports  []IngestResult `json:"reports"`
	Rejected int            `json:"rejected"`
}

func (s *ProcessingService) ProcessByProviderMessageID(ctx context.Context, provider, messageID string) (ProcessResult, error) {
	email, err := s.db.GetEmailByProviderMessageID(ctx, provider, messageID)
	if err != nil {
		return ProcessResult{}, err
	}
	if email == nil {
		return ProcessResult{}, fmt.Errorf("email not found: %s/%s", provider, messageID)
	}
	return s.ProcessEmail(ctx, *email)
}

// ProcessPending processes fetched emails oldest first and returns the number of emails and
// reports handled.
func (s *ProcessingService) ProcessPending(ctx context.Context, limit int, provider string) (int, int, error) {
	pending, err := s.db.ListEmailsByStatus(ctx, EmailFetched, provider, limit)
	if err != nil {
		return 0, 0, err
	}
	processedEmails := 0
	processedReports := 0
	for _, email := range pending {
		if err := ctx.Err(); err != nil {
			return processedEmails, processedReports, err
		}
		res, err := s.ProcessEmail(ctx, email)
		if err != nil {
			return processedEmails, processedReports, err
		}
		processedEmails++
		processedReports += len(res.Reports)
	}
	return processedEmails, processedReports, nil
}

// ProcessEmail ingests every report source of a stored email. Sources that fail to parse or
// belong to another retailer are logged and counted; they do not stop the others.
func (s *ProcessingService) ProcessEmail(ctx context.Context, email internal.EmailRow) (ProcessResult, error) {
	start := time.Now()
	res := ProcessResult{EmailID: email.ID}

	// an unreadable message is marked failed so it does not block the emails queued behind it
	raw, err := os.ReadFile(email.RawRef)
	if err != nil {
		config.LogError(s.logger, moduleName, "ProcessEmail", "read raw message", logrus.Fields{"emailId": email.ID, "rawRef": email.RawRef}, err)
		return s.finish(ctx, email, res, EmailFailed, start)
	}
	extracted, err := ExtractReportsFromEmailRaw(raw)
	if err != nil {
		config.LogError(s.logger, moduleName, "ProcessEmail", "extract reports", logrus.Fields{"emailId": email.ID}, err)
		return s.finish(ctx, email, res, EmailFailed, start)
	}

	tables := 0
	for _, src := range extracted.Sources {
		if src.Kind == SourceHTMLTable {
			tables++
		}
	}
	detect := DetectLotteryReport(util.FirstNonEmpty(extracted.Subject, email.Subject), util.FirstNonEmpty(extracted.From, email.Sender), extracted.AttachmentNames, tables)
	if !detect.IsReport || len(extracted.Sources) == 0 {
		return s.finish(ctx, email, res, EmailSkipped, start)
	}

	store, err := s.storeForEmail(ctx, util.FirstNonEmpty(email.Recipient, extracted.To), util.FirstNonEmpty(email.Sender, extracted.From))
	if err != nil {
		return res, err
	}
	if store == nil {
		s.logger.WithFields(logrus.Fields{"emailId": email.ID, "to": email.Recipient, "from": email.Sender}).Warn("no store for report email")
		return s.finish(ctx, email, res, EmailUnmatched, start)
	}
	res.StoreID = store.ID

	if err := s.ingestSources(ctx, *store, email.MessageID, extracted.Sources, &res); err != nil {
		return res, err
	}
	return s.finish(ctx, email, res, sourcesStatus(res), start)
}

type Attachment struct {
	Name    string
	Content []byte
}

// InboundEmail is a report email delivered by a webhook instead of a mailbox poll.
type InboundEmail struct {
	From        string
	To          string
	Subject     string
	MessageID   string
	Attachments []Attachment
}

// IngestInbound resolves the store by recipient, then sender, and ingests every attachment that
// has a readable format. Nothing is written when no store matches.
func (s *ProcessingService) IngestInbound(ctx context.Context, in InboundEmail) (ProcessResult, error) {
	res := ProcessResult{}
	store, err := s.storeForEmail(ctx, in.To, in.From)
	if err != nil {
		return res, err
	}
	if store == nil {
		res.Status = EmailUnmatched
		return res, fmt.Errorf("%w: no store for %s / %s", ErrStoreNotFound, in.To, in.From)
	}
	res.StoreID = store.ID

	var sources []ReportSource
	for _, a := range in.Attachments {
		kind, ok := SourceKindForFile(a.Name)
		if !ok {
			s.logger.WithField("attachment", a.Name).Debug("skipping attachment with unknown format")
			continue
		}
		rows, err := ReadRows(kind, a.Content)
		if err != nil {
			config.LogError(s.logger, moduleName, "IngestInbound", "read attachment", a.Name, err)
			res.Rejected++
			continue
		}
		sources = append(sources, ReportSource{Name: a.Name, Kind: kind, Rows: rows})
	}

	if err := s.ingestSources(ctx, *store, in.MessageID, sources, &res); err != nil {
		return res, err
	}
	res.Status = sourcesStatus(res)
	return res, nil
}

func (s *ProcessingService) storeForEmail(ctx context.Context, to, from string) (*internal.Store, error) {
	addresses := append(util.EmailAddresses(to), util.EmailAddresses(from)...)
	if len(addresses) == 0 {
		return nil, nil
	}
	return s.db.FindStoreByEmail(ctx, addresses)
}

// ingestSources ingests each source under its own source email id: the first keeps the message
// id, later ones get "#<name>" appended so they do not overwrite each other. Parse and retailer
// errors are counted in res.Rejected and do not stop the remaining sources.
func (s *ProcessingService) ingestSources(ctx context.Context, store internal.Store, messageID string, sources []ReportSource, res *ProcessResult) error {
	for i, src := range sources {
		var sourceID *string
		if messageID != "" {
			id := messageID
			if i > 0 {
				id = messageID + "#" + src.Name
			}
			sourceID = util.StringPtr(id)
		}
		ingested, err := s.IngestSource(ctx, store, src, sourceID)
		if err != nil {
			var pe *ParseError
			var re *RetailerMismatchError
			if errors.As(err, &pe) || errors.As(err, &re) {
				config.LogError(s.logger, moduleName, "ingestSources", "ingest source", logrus.Fields{"messageId": messageID, "source": src.Name}, err)
				res.Rejected++
				continue
			}
			return err
		}
		res.Reports = append(res.Reports, ingested)
	}
	return nil
}

func sourcesStatus(res ProcessResult) string {
	if len(res.Reports) == 0 {
		return EmailFailed
	}
	return EmailProcessed
}

func (s *ProcessingService) finish(ctx context.Context, email internal.EmailRow, res ProcessResult, status string, start time.Time) (ProcessResult, error) {
	res.Status = status
	if err := s.db.UpdateEmailStatus(ctx, email.ID, status); err != nil {
		return res, err
	}
	err := s.db.InsertRun(ctx, uuid.NewString(), email.ID,
		map[string]float64{"totalMs": float64(time.Since(start).Milliseconds())},
		map[string]int{"reports": len(res.Reports), "rejected": res.Rejected})
	if err != nil {
		config.LogError(s.logger, moduleName, "finish", "record run", logrus.Fields{"emailId": email.ID, "status": status}, err)
	}
	return res, nil
}
