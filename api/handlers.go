/*
handlers.go - HTTP API handlers for the compliance report engine

PURPOSE:
  Exposes the compliance report lifecycle, the unit ledger and transfers via
  REST API. Handles HTTP request/response, JSON serialization, and delegates
  to the compliance and transfers services.

ENDPOINTS:
  Reports:
    GET    /api/reports                          List reports (filters, paging)
    POST   /api/reports                          Create an original report
    GET    /api/reports/{id}                     Report with summary and history
    GET    /api/reports/{id}/items/{collection}  Effective line items
    POST   /api/reports/{id}/items/{collection}  Apply line-item mutations
    GET    /api/reports/{id}/summary             Summary (recalculated if editable)
    PUT    /api/reports/{id}/summary/{field}     Override lines 6-8, 15, 19
    GET    /api/reports/{id}/summary.xlsx        Summary spreadsheet
    PUT    /api/reports/{id}/snapshot            Edit the organization snapshot
    GET    /api/reports/{id}/history             Status history
    POST   /api/reports/{id}/transitions         Workflow event

  Groups:
    POST   /api/groups/{uuid}/supplemental       Supplier opens a new version
    POST   /api/groups/{uuid}/reassessment       Analyst opens a reassessment

  Transfers:
    GET    /api/transfers                        Visible transfers
    POST   /api/transfers                        Propose a transfer
    GET    /api/transfers/{id}                   Transfer detail
    POST   /api/transfers/{id}/{action}          accept, decline, rescind, record, refuse

  Adjustments:
    GET    /api/adjustments?organization_id=     Issuances for an organization
    POST   /api/adjustments                      Director issuance or debit

  Organizations:
    GET    /api/organizations                    List (suppliers see their own)
    POST   /api/organizations                    Register (administrator)
    GET    /api/organizations/{id}/balance       Current, reserved, available

  Notifications:
    GET    /api/messages                         Caller's in-app inbox
    POST   /api/subscriptions                    Subscribe the caller

  Reference:
    GET    /api/reference                        Current reference data
    POST   /api/admin/reference/invalidate       Drop the cached copy

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Reports:   compliance.Service (reports, summaries, ledger reads)
  - Transfers: transfers.Service (transfers, issuances)
  - Store:     direct access for organizations and subscriptions
  - Reference: cached reference data

REQUEST FLOW:
  1. Read the principal placed by the auth middleware
  2. Decode and validate input
  3. Call the service
  4. Serialize response
  5. Map the error kind to a status

ERROR HANDLING:
  Service errors carry a compliance.Kind, reported as "code":
  - 400: Malformed JSON or query
  - 403: Forbidden
  - 404: NotFound
  - 409: ForbiddenTransition, InvalidState, ConcurrencyConflict
  - 422: Validation, InvalidSummary, IncompleteSnapshot, InsufficientUnits
  - 500: IntegrityViolation (details are logged, not returned)

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Principal extraction
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lcfs/compliance-engine/compliance"
	"github.com/lcfs/compliance-engine/export"
	"github.com/lcfs/compliance-engine/factory"
	"github.com/lcfs/compliance-engine/transfers"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Reports   *compliance.Service
	Transfers *transfers.Service
	Store     compliance.TxStore
	Reference *compliance.ReferenceCache
	Factory   *factory.ReferenceFactory
	Log       logrus.FieldLogger
	Now       func() time.Time
}

// NewHandler creates a handler over the two services.
func NewHandler(reports *compliance.Service, xfers *transfers.Service, log logrus.FieldLogger) *Handler {
	return &Handler{
		Reports:   reports,
		Transfers: xfers,
		Store:     reports.Store,
		Reference: reports.Reference,
		Factory:   factory.NewReferenceFactory(),
		Log:       log,
		Now:       time.Now,
	}
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// ListReports returns one page of reports visible to the caller.
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := compliance.ReportFilter{
		OrganizationID: compliance.OrganizationID(q.Get("organization_id")),
		Period:         compliance.CompliancePeriod(q.Get("compliance_period")),
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st, ok := compliance.ParseReportStatus(strings.TrimSpace(s))
			if !ok {
				writeError(w, http.StatusBadRequest, "Invalid status filter", fmt.Errorf("unknown status %q", s))
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	var err error
	if f.Limit, err = queryInt(q.Get("limit"), defaultPageSize); err != nil || f.Limit <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.Offset, err = queryInt(q.Get("offset"), 0); err != nil || f.Offset < 0 {
		writeError(w, http.StatusBadRequest, "Invalid offset", err)
		return
	}

	reports, total, err := h.Reports.ListReports(r.Context(), PrincipalFrom(r.Context()), f)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReportListResponse{
		Reports: toReportDTOs(reports),
		Total:   total,
		Limit:   f.Limit,
		Offset:  f.Offset,
	})
}

// CreateReport opens an original report in Draft.
func (h *Handler) CreateReport(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	var req compliance.CreateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OrganizationID == "" {
		req.OrganizationID = p.OrganizationID
	}

	view, err := h.Reports.CreateReport(r.Context(), p, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReportViewDTO(view))
}

// GetReport returns a report with its summary, snapshot and history.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	view, err := h.Reports.GetReport(r.Context(), PrincipalFrom(r.Context()), reportID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportViewDTO(view))
}

// ListLineItems returns the effective rows of one collection.
func (h *Handler) ListLineItems(w http.ResponseWriter, r *http.Request) {
	c, ok := collection(w, r)
	if !ok {
		return
	}
	rows, err := h.Reports.ListLineItems(r.Context(), PrincipalFrom(r.Context()), reportID(r), c)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if rows == nil {
		rows = []compliance.LineItemRecord{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// UpdateLineItems appends CREATE, UPDATE and DELETE rows to a collection.
func (h *Handler) UpdateLineItems(w http.ResponseWriter, r *http.Request) {
	c, ok := collection(w, r)
	if !ok {
		return
	}
	var req LineItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := compliance.ValidateStruct(req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	rows, err := h.Reports.UpdateLineItems(r.Context(), PrincipalFrom(r.Context()), reportID(r), c, req.Mutations)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// GetSummary returns the summary. Editable reports are recalculated.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Reports.GetSummary(r.Context(), PrincipalFrom(r.Context()), reportID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// OverrideSummaryLine sets a supplier-editable line.
func (h *Handler) OverrideSummaryLine(w http.ResponseWriter, r *http.Request) {
	var req SummaryOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	field := compliance.SummaryField(chi.URLParam(r, "field"))

	summary, err := h.Reports.OverrideSummaryLine(r.Context(), PrincipalFrom(r.Context()), reportID(r), field, req.Value)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ExportSummary streams the summary as an Excel workbook.
func (h *Handler) ExportSummary(w http.ResponseWriter, r *http.Request) {
	view, err := h.Reports.GetReport(r.Context(), PrincipalFrom(r.Context()), reportID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if view.Report.Status.Editable() {
		// Stored summaries of editable reports may be stale.
		if view.Summary, err = h.Reports.GetSummary(r.Context(), PrincipalFrom(r.Context()), view.Report.ID); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
	}

	name := fmt.Sprintf("CR-%s-%s-v%d.xlsx", view.Report.OrganizationID, view.Report.Period, view.Report.Version)
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := export.WriteSummary(w, view); err != nil {
		h.logger(r).WithError(err).Error("summary export failed")
	}
}

// UpdateSnapshot replaces the organization snapshot of an editable report.
func (h *Handler) UpdateSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap compliance.OrganizationSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	saved, err := h.Reports.UpdateSnapshot(r.Context(), PrincipalFrom(r.Context()), reportID(r), snap)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// GetHistory returns the report's status history.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.Reports.History(r.Context(), PrincipalFrom(r.Context()), reportID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if history == nil {
		history = []compliance.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, history)
}

// Transition applies a workflow event.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := compliance.ValidateStruct(req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	view, err := h.Reports.Transition(r.Context(), PrincipalFrom(r.Context()), reportID(r), compliance.Event(req.Event), req.Note)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportViewDTO(view))
}

// =============================================================================
// GROUP HANDLERS
// =============================================================================

// OpenSupplemental opens a supplier supplemental version.
func (h *Handler) OpenSupplemental(w http.ResponseWriter, r *http.Request) {
	group, ok := groupUUID(w, r)
	if !ok {
		return
	}
	view, err := h.Reports.OpenSupplemental(r.Context(), PrincipalFrom(r.Context()), group)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReportViewDTO(view))
}

// OpenReassessment opens a government reassessment version.
func (h *Handler) OpenReassessment(w http.ResponseWriter, r *http.Request) {
	group, ok := groupUUID(w, r)
	if !ok {
		return
	}
	view, err := h.Reports.OpenReassessment(r.Context(), PrincipalFrom(r.Context()), group)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReportViewDTO(view))
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

// ListTransfers returns the transfers visible to the caller.
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	list, err := h.Transfers.List(r.Context(), PrincipalFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []compliance.Transfer{}
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateTransfer proposes a transfer from the caller's organization.
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req transfers.CreateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	t, err := h.Transfers.Create(r.Context(), PrincipalFrom(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTransfer returns one transfer.
func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.Transfers.Get(r.Context(), PrincipalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ActOnTransfer applies a lifecycle action.
func (h *Handler) ActOnTransfer(w http.ResponseWriter, r *http.Request) {
	action := transfers.Action(chi.URLParam(r, "action"))
	if !action.Valid() {
		writeError(w, http.StatusNotFound, "Unknown transfer action", fmt.Errorf("%q", action))
		return
	}
	var req TransferActionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	if err := compliance.ValidateStruct(req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	t, err := h.Transfers.Act(r.Context(), PrincipalFrom(r.Context()), chi.URLParam(r, "id"), action, req.Note)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListAdjustments returns an organization's government issuances.
func (h *Handler) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	org := compliance.OrganizationID(r.URL.Query().Get("organization_id"))
	if org == "" {
		org = p.OrganizationID
	}
	list, err := h.Transfers.Adjustments(r.Context(), p, org)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []compliance.GovernmentAdjustment{}
	}
	writeJSON(w, http.StatusOK, list)
}

// IssueAdjustment records an initiative agreement or administrative
// adjustment.
func (h *Handler) IssueAdjustment(w http.ResponseWriter, r *http.Request) {
	var req transfers.IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	a, err := h.Transfers.Issue(r.Context(), PrincipalFrom(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// =============================================================================
// ORGANIZATION HANDLERS
// =============================================================================

// ListOrganizations returns all organizations to government staff and the
// caller's own organization to suppliers.
func (h *Handler) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	var orgs []compliance.Organization
	if p.IsGovernment() {
		list, err := h.Store.ListOrganizations(r.Context())
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		orgs = list
	} else {
		org, err := h.Store.GetOrganization(r.Context(), p.OrganizationID)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		orgs = append(orgs, *org)
	}

	dtos := make([]OrganizationDTO, len(orgs))
	for i, o := range orgs {
		dtos[i] = toOrganizationDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateOrganization registers an organization. Administrators only.
func (h *Handler) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if !p.IsGovernment() || !p.HasRole(compliance.RoleAdministrator) {
		writeErrorCode(w, http.StatusForbidden, "Administrator role required", compliance.KindForbidden, nil)
		return
	}
	var req CreateOrganizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := compliance.ValidateStruct(req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	org := compliance.Organization{
		ID:                compliance.OrganizationID(req.ID),
		Name:              req.Name,
		OperatingName:     req.OperatingName,
		Email:             req.Email,
		Phone:             req.Phone,
		ServiceAddress:    req.ServiceAddress,
		RecordsAddress:    req.RecordsAddress,
		HeadOfficeAddress: req.HeadOfficeAddress,
		CreatedAt:         h.Now().UTC(),
	}
	if err := h.Store.SaveOrganization(r.Context(), org); err != nil {
		h.writeServiceError(w, r, compliance.Classify(err))
		return
	}
	writeJSON(w, http.StatusCreated, toOrganizationDTO(org))
}

// GetBalance returns an organization's derived balances.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	org := compliance.OrganizationID(chi.URLParam(r, "id"))
	b, err := h.Reports.Balance(r.Context(), PrincipalFrom(r.Context()), org)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// =============================================================================
// NOTIFICATION HANDLERS
// =============================================================================

// ListMessages returns the caller's in-app messages.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.Reports.Messages(r.Context(), PrincipalFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []compliance.InAppMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// Subscribe opts the caller into a notification type on one channel.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := compliance.ValidateStruct(req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	nt := compliance.NotificationType(req.Type)
	if _, ok := compliance.AudienceOf(nt); !ok {
		h.writeServiceError(w, r, &compliance.ValidationError{Field: "notification_type", Message: "unknown notification type"})
		return
	}
	role := compliance.Role(req.Role)
	if !p.HasRole(role) {
		writeErrorCode(w, http.StatusForbidden, "Caller does not hold the subscribed role", compliance.KindForbidden, nil)
		return
	}
	channel := compliance.Channel(req.Channel)
	if channel == compliance.ChannelEmail && req.Email == "" {
		h.writeServiceError(w, r, &compliance.ValidationError{Field: "email", Message: "required for EMAIL subscriptions"})
		return
	}

	sub := compliance.Subscription{
		ID:                        "sub-" + uuid.NewString(),
		UserID:                    p.UserID,
		OrganizationID:            p.OrganizationID,
		Role:                      role,
		Email:                     req.Email,
		Type:                      nt,
		Channel:                   channel,
		CorrelationOrganizationID: compliance.OrganizationID(req.CorrelationOrganizationID),
	}
	if err := h.Store.SaveSubscription(r.Context(), sub); err != nil {
		h.writeServiceError(w, r, compliance.Classify(err))
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// =============================================================================
// REFERENCE HANDLERS
// =============================================================================

// GetReference returns the reference data currently in use.
func (h *Handler) GetReference(w http.ResponseWriter, r *http.Request) {
	data, err := h.Reference.Get(r.Context())
	if err != nil {
		h.writeServiceError(w, r, compliance.Classify(err))
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(data))
}

// InvalidateReference forces the next read to reload reference data.
func (h *Handler) InvalidateReference(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if !p.IsGovernment() || !p.HasRole(compliance.RoleAdministrator) {
		writeErrorCode(w, http.StatusForbidden, "Administrator role required", compliance.KindForbidden, nil)
		return
	}
	h.Reference.Invalidate()
	h.logger(r).Info("reference data cache invalidated")
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

func reportID(r *http.Request) compliance.ReportID {
	return compliance.ReportID(chi.URLParam(r, "id"))
}

func collection(w http.ResponseWriter, r *http.Request) (compliance.Collection, bool) {
	c := compliance.Collection(chi.URLParam(r, "collection"))
	if !c.Valid() {
		writeError(w, http.StatusNotFound, "Unknown collection", fmt.Errorf("%q", c))
		return "", false
	}
	return c, true
}

func groupUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid group uuid", err)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func (h *Handler) logger(r *http.Request) logrus.FieldLogger {
	p := PrincipalFrom(r.Context())
	return h.Log.WithFields(logrus.Fields{
		"module": "api",
		"method": r.Method,
		"path":   r.URL.Path,
		"user":   p.UserID,
	})
}

// writeServiceError maps a service error to its HTTP status and body.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := compliance.KindOf(err)
	status := statusFor(kind)
	if !compliance.IsClientError(err) {
		h.logger(r).WithError(err).Error("request failed")
		writeErrorCode(w, http.StatusInternalServerError, "Internal error", kind, nil)
		return
	}
	if compliance.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	h.logger(r).WithError(err).WithField("kind", kind).Debug("request rejected")
	writeErrorCode(w, status, err.Error(), kind, detailsFor(err))
}

func statusFor(kind compliance.Kind) int {
	switch kind {
	case compliance.KindNotFound:
		return http.StatusNotFound
	case compliance.KindForbidden:
		return http.StatusForbidden
	case compliance.KindForbiddenTransition, compliance.KindInvalidState, compliance.KindConcurrencyConflict:
		return http.StatusConflict
	case compliance.KindValidation, compliance.KindInvalidSummary,
		compliance.KindIncompleteSnapshot, compliance.KindInsufficientUnits:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func detailsFor(err error) any {
	var (
		units      *compliance.InsufficientUnitsError
		summary    *compliance.InvalidSummaryError
		snapshot   *compliance.IncompleteSnapshotError
		transition *compliance.TransitionError
		validation *compliance.ValidationError
	)
	switch {
	case errors.As(err, &units):
		return map[string]any{
			"organization_id": units.OrganizationID,
			"available":       units.Available,
			"requested":       units.Requested,
			"shortfall":       units.Shortfall,
		}
	case errors.As(err, &summary):
		return map[string]any{"problems": summary.Problems}
	case errors.As(err, &snapshot):
		return map[string]any{"missing": snapshot.Missing}
	case errors.As(err, &transition):
		return map[string]any{"from": transition.From, "event": transition.Event, "reason": transition.Reason}
	case errors.As(err, &validation):
		return map[string]any{"field": validation.Field}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeErrorCode(w http.ResponseWriter, status int, message string, kind compliance.Kind, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: string(kind), Details: details})
}
