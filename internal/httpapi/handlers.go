package httpapi

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"storeledger/internal"
	"storeledger/internal/formula"
	"storeledger/internal/mapping"
	"storeledger/internal/pipeline"
	"storeledger/internal/storage"
	"storeledger/internal/util"
)

var validate = validator.New()

func (h *handlers) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()
	if err := h.DB.Ping(ctx); err != nil {
		return fail(c, fiber.StatusServiceUnavailable, "database unavailable")
	}
	return c.JSON(fiber.Map{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

type storeRequest struct {
	ID             string `json:"id" validate:"required"`
	Name           string `json:"name" validate:"required"`
	State          string `json:"state" validate:"required,len=2,alpha"`
	RetailerNumber string `json:"retailerNumber" validate:"omitempty,numeric"`
	ReportEmail    string `json:"reportEmail" validate:"omitempty,email"`
}

func (h *handlers) createStore(c *fiber.Ctx) error {
	var req storeRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid JSON")
	}
	if err := validate.Struct(req); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	store := internal.Store(req)
	if err := h.DB.UpsertStore(c.UserContext(), store); err != nil {
		return h.failErr(c, "createStore", err)
	}
	saved, err := h.DB.GetStore(c.UserContext(), store.ID)
	if err != nil {
		return h.failErr(c, "createStore", err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": saved})
}

func (h *handlers) getStore(c *fiber.Ctx) error {
	store, err := h.requireStore(c)
	if err != nil {
		return err
	}
	return ok(c, store)
}

// requireStore loads the :storeId store. On failure the response is already written and the
// returned error is what the handler should return.
func (h *handlers) requireStore(c *fiber.Ctx) (*internal.Store, error) {
	storeID := c.Params("storeId")
	store, err := h.DB.GetStore(c.UserContext(), storeID)
	if err != nil {
		return nil, h.failErr(c, "requireStore", err)
	}
	if store == nil {
		return nil, fail(c, fiber.StatusNotFound, "store not found: "+storeID)
	}
	return store, nil
}

func (h *handlers) emailWebhook(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "multipart form required")
	}
	in := pipeline.InboundEmail{
		From:      formValue(form, "from"),
		To:        formValue(form, "to"),
		Subject:   formValue(form, "subject"),
		MessageID: formValue(form, "message_id"),
	}
	if in.From == "" && in.To == "" {
		return fail(c, fiber.StatusBadRequest, "from or to is required")
	}
	for _, fh := range form.File["attachments"] {
		content, err := readFile(fh)
		if err != nil {
			return fail(c, fiber.StatusBadRequest, "unreadable attachment: "+fh.Filename)
		}
		in.Attachments = append(in.Attachments, pipeline.Attachment{Name: fh.Filename, Content: content})
	}
	if len(in.Attachments) == 0 {
		return fail(c, fiber.StatusBadRequest, "no attachments")
	}

	res, err := h.Processor.IngestInbound(c.UserContext(), in)
	if err != nil {
		return h.failErr(c, "emailWebhook", err)
	}
	return ok(c, res)
}

func (h *handlers) uploadReport(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "file is required")
	}
	content, err := readFile(fh)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "unreadable file")
	}
	res, err := h.Processor.IngestReport(c.UserContext(), c.Params("storeId"), fh.Filename, content, nil)
	if err != nil {
		return h.failErr(c, "uploadReport", err)
	}
	status := fiber.StatusOK
	if res.Created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"success": true, "data": res})
}

func (h *handlers) listRawReports(c *fiber.Ctx) error {
	from, to, err := dateRange(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	if _, err := h.requireStore(c); err != nil {
		return err
	}
	reports, err := h.DB.ListRawReports(c.UserContext(), c.Params("storeId"), from, to)
	if err != nil {
		return h.failErr(c, "listRawReports", err)
	}
	if reports == nil {
		reports = []internal.RawReport{}
	}
	return ok(c, reports)
}

func (h *handlers) remapReports(c *fiber.Ctx) error {
	from, to, err := dateRange(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	res, err := h.Processor.Remap(c.UserContext(), c.Params("storeId"), from, to)
	if err != nil {
		return h.failErr(c, "remapReports", err)
	}
	return ok(c, res)
}

func (h *handlers) listReportMappings(c *fiber.Ctx) error {
	if _, err := h.requireStore(c); err != nil {
		return err
	}
	mappings, err := h.DB.ListReportMappings(c.UserContext(), c.Params("storeId"), c.Query("reportType"))
	if err != nil {
		return h.failErr(c, "listReportMappings", err)
	}
	if mappings == nil {
		mappings = []internal.ReportMapping{}
	}
	return ok(c, mappings)
}

type reportMappingsRequest struct {
	ReportType string                   `json:"reportType"`
	Mappings   []internal.ReportMapping `json:"mappings"`
}

// putReportMappings replaces the store's mappings for one report type. Stored raw reports are
// not touched; call remap to apply the new mappings to them.
func (h *handlers) putReportMappings(c *fiber.Ctx) error {
	store, err := h.requireStore(c)
	if err != nil {
		return err
	}
	var req reportMappingsRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid JSON")
	}
	reportType := util.FirstNonEmpty(req.ReportType, mapping.ReportTypeFor(store.State))
	for i := range req.Mappings {
		if req.Mappings[i].ReportType == "" {
			req.Mappings[i].ReportType = reportType
		}
		if err := mapping.ValidateReportMapping(req.Mappings[i]); err != nil {
			return fail(c, fiber.StatusBadRequest, fmt.Sprintf("mapping %d: %v", i, err))
		}
	}
	if err := h.DB.ReplaceReportMappings(c.UserContext(), store.ID, reportType, req.Mappings); err != nil {
		return h.failErr(c, "putReportMappings", err)
	}
	saved, err := h.DB.ListReportMappings(c.UserContext(), store.ID, reportType)
	if err != nil {
		return h.failErr(c, "putReportMappings", err)
	}
	return ok(c, saved)
}

func (h *handlers) runSync(c *fiber.Ctx) error {
	log, err := h.Syncer.Sync(c.UserContext(), c.Params("storeId"), internal.SyncType(c.Params("syncType")))
	if err != nil {
		status := statusFor(err)
		message := err.Error()
		if status >= fiber.StatusInternalServerError {
			message = "sync failed"
		}
		return c.Status(status).JSON(fiber.Map{"success": false, "message": message, "data": log})
	}
	return ok(c, log)
}

func (h *handlers) listSyncLogs(c *fiber.Ctx) error {
	logs, err := h.DB.ListSyncLogs(c.UserContext(), c.Params("storeId"), c.QueryInt("limit", 50))
	if err != nil {
		return h.failErr(c, "listSyncLogs", err)
	}
	if logs == nil {
		logs = []internal.SyncLog{}
	}
	return ok(c, logs)
}

func (h *handlers) cashDrawer(c *fiber.Ctx) error {
	date, err := util.ParseDate(c.Params("date"))
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	store, err := h.requireStore(c)
	if err != nil {
		return err
	}

	save := c.Query("save") == "1" || strings.EqualFold(c.Query("save"), "true")
	if save {
		res, err := h.Drawer.Save(c.UserContext(), store.ID, date)
		if err != nil {
			return h.failErr(c, "cashDrawer", err)
		}
		return ok(c, res)
	}
	res, err := h.Drawer.Compute(c.UserContext(), store.ID, date)
	if err != nil {
		return h.failErr(c, "cashDrawer", err)
	}
	return ok(c, res)
}

type calculationConfigRequest struct {
	CombinedDrawerFormula formula.Formula `json:"combinedDrawerFormula"`
	LotteryOwedFormula    formula.Formula `json:"lotteryOwedFormula"`
}

func (h *handlers) getCalculationConfig(c *fiber.Ctx) error {
	store, err := h.requireStore(c)
	if err != nil {
		return err
	}
	cfg, err := h.DB.GetCalculationConfig(c.UserContext(), &store.ID)
	if err != nil {
		return h.failErr(c, "getCalculationConfig", err)
	}
	if cfg == nil {
		return fail(c, fiber.StatusNotFound, "no calculation config for store "+store.ID)
	}
	return ok(c, cfg)
}

func (h *handlers) putStoreCalculationConfig(c *fiber.Ctx) error {
	store, err := h.requireStore(c)
	if err != nil {
		return err
	}
	return h.saveCalculationConfig(c, &store.ID)
}

func (h *handlers) putDefaultCalculationConfig(c *fiber.Ctx) error {
	return h.saveCalculationConfig(c, nil)
}

func (h *handlers) saveCalculationConfig(c *fiber.Ctx, storeID *string) error {
	var req calculationConfigRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid JSON")
	}
	if err := req.CombinedDrawerFormula.Validate(); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	if err := req.LotteryOwedFormula.Validate(); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	err := h.DB.UpsertCalculationConfig(c.UserContext(), storage.CalculationConfig{
		StoreID:               storeID,
		CombinedDrawerFormula: req.CombinedDrawerFormula,
		LotteryOwedFormula:    req.LotteryOwedFormula,
	})
	if err != nil {
		return h.failErr(c, "saveCalculationConfig", err)
	}
	saved, err := h.DB.GetCalculationConfig(c.UserContext(), storeID)
	if err != nil {
		return h.failErr(c, "saveCalculationConfig", err)
	}
	return ok(c, saved)
}

type evaluateRequest struct {
	Expression string             `json:"expression"`
	Values     map[string]float64 `json:"values"`
	Formula    *formula.Formula   `json:"formula"`
	Revenue    formula.Values     `json:"revenue"`
	Lottery    formula.Values     `json:"lottery"`
}

// evaluateFormula previews either a free-text expression over values or a structured formula
// over revenue and lottery values.
func (h *handlers) evaluateFormula(c *fiber.Ctx) error {
	var req evaluateRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid JSON")
	}

	if req.Formula != nil {
		if err := req.Formula.Validate(); err != nil {
			return fail(c, fiber.StatusBadRequest, err.Error())
		}
		v := formula.Evaluate(*req.Formula, req.Revenue, req.Lottery)
		return ok(c, fiber.Map{"result": v.InexactFloat64(), "text": v.String()})
	}

	if strings.TrimSpace(req.Expression) == "" {
		return fail(c, fiber.StatusBadRequest, "expression or formula is required")
	}
	v, err := formula.EvaluateExpression(req.Expression, req.Values)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	return ok(c, fiber.Map{"result": v.InexactFloat64(), "text": v.String()})
}

func formValue(form *multipart.Form, key string) string {
	if vs := form.Value[key]; len(vs) > 0 {
		return strings.TrimSpace(vs[0])
	}
	return ""
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// dateRange reads optional from/to query dates and normalizes them to YYYY-MM-DD.
func dateRange(c *fiber.Ctx) (string, string, error) {
	var out [2]string
	for i, key := range []string{"from", "to"} {
		raw := c.Query(key)
		if raw == "" {
			continue
		}
		d, err := util.ParseDate(raw)
		if err != nil {
			return "", "", fmt.Errorf("invalid %s: %w", key, err)
		}
		out[i] = d
	}
	return out[0], out[1], nil
}
