package radiology

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ris/ris/internal/platform/auth"
	"github.com/ris/ris/internal/platform/fhir"
	"github.com/ris/ris/pkg/pagination"
)

const maxPayloadBytes = 1 << 20

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	api.POST("/orders", h.CreateOrder)
	api.GET("/orders/:id", h.GetOrder)
	api.PATCH("/orders/:id", h.UpdateOrder)
	api.DELETE("/orders/:id", h.DeleteOrder)

	api.GET("/detail-orders", h.ListDetailOrders)
	api.GET("/detail-orders/:id", h.GetDetailOrder)
	api.PATCH("/detail-orders/:id", h.UpdateDetailOrder)
	api.DELETE("/detail-orders/:id", h.DeleteDetailOrder)
	api.POST("/detail-orders/:id/assignment", h.AssignDetailOrder)
	api.POST("/detail-orders/:id/status", h.TransitionDetailOrder)
	api.POST("/detail-orders/:id/finalize", h.FinalizeDetailOrder)
	api.GET("/detail-orders/:id/dispatch", h.DispatchProjection)
	api.GET("/detail-orders/:id/status-history", h.StatusHistory)
	api.POST("/detail-orders/:id/service-request", h.ApplyServiceRequest)

	fhirGroup.POST("/ServiceRequest", h.IngestServiceRequestFHIR)
	fhirGroup.GET("/ServiceRequest/:id", h.GetServiceRequestFHIR)
}

// -- Orders --

func (h *Handler) CreateOrder(c echo.Context) error {
	var in CreateOrderInput
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "body", "invalid request body")
	}
	ctx := c.Request().Context()
	full, err := h.svc.CreateOrder(ctx, in, auth.UserIDFromContext(ctx))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, full)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return respondError(c, err)
	}
	full, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, full)
}

func (h *Handler) UpdateOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return respondError(c, err)
	}
	var in OrderUpdate
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "body", "invalid request body")
	}
	o, err := h.svc.UpdateOrder(c.Request().Context(), id, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) DeleteOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := h.svc.DeleteOrder(c.Request().Context(), id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Detail orders --

func (h *Handler) ListDetailOrders(c echo.Context) error {
	pg := pagination.FromContext(c)
	f, err := h.listFilter(c)
	if err != nil {
		return respondError(c, err)
	}
	items, total, err := h.svc.ListDetailOrders(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return respondError(c, err)
	}
	resp := pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) listFilter(c echo.Context) (ListFilter, error) {
	var f ListFilter
	for name, dst := range map[string]**uuid.UUID{
		"patient_id":      &f.PatientID,
		"practitioner_id": &f.PractitionerID,
	} {
		if v := c.QueryParam(name); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				return f, validationError(name, "invalid %s", name)
			}
			*dst = &id
		}
	}
	if v := c.QueryParam("status"); v != "" {
		st, ok := ParseStatus(v)
		if !ok {
			return f, validationError("status", "unknown status %q", v)
		}
		f.Status = &st
	}
	if v := c.QueryParam("priority"); v != "" {
		p, ok := NormalizePriority(v)
		if !ok {
			return f, validationError("priority", "unknown priority %q", v)
		}
		f.Priority = &p
	}
	if v := c.QueryParam("origin"); v != "" {
		o := Origin(strings.ToUpper(v))
		f.Origin = &o
	}
	var err error
	if f.From, err = h.parseDay(c, "date_from", false); err != nil {
		return f, err
	}
	if f.To, err = h.parseDay(c, "date_to", true); err != nil {
		return f, err
	}
	f.Q = c.QueryParam("q")
	return f, nil
}

// parseDay reads a YYYY-MM-DD or RFC 3339 query value. A bare date used as
// an upper bound covers the whole day.
func (h *Handler) parseDay(c echo.Context, name string, upper bool) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", v, h.svc.loc)
	if err != nil {
		return nil, validationError(name, "invalid %s, expected YYYY-MM-DD", name)
	}
	if upper {
		t = t.AddDate(0, 0, 1)
	}
	return &t, nil
}

func (h *Handler) GetDetailOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return respondError(c, err)
	}
	d, err := h.svc.GetDetailOrder(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) UpdateDetailOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return respondError(c, err)
	}
	var in DetailOrderUpdate
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "body", "invalid request body")
	}
	d, err := h.svc.UpdateDetailOrder(c.Request().Context(), id, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) DeleteDetailOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := h.svc.DeleteDetailOrder(c.Request().Context(), id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AssignDetailOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return respondError(c, err)
	}
	var a Assignment
	if err := c.Bind(&a); err != nil {
		return badRequest(c, "body", "invalid request body")
	}
	d, err := h.svc.AssignDetailOrder(c.Request().Context(), id, a)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

type statusRequest struct {
	Status               string  `json:"status"`
	Override             bool    `json:"override"`
	Reason               string  `json:"reason"`
	ObservationNotes     *string `json:"observation_notes"`
	DiagnosticConclusion *string `json:"diagnostic_conclusion"`
}

func (r statusRequest) result() *DiagnosticResult {
	if r.ObservationNotes == nil && r.DiagnosticConclusion == nil {
		return nil
	}
	return &DiagnosticResult{ObservationNotes: r.ObservationNotes, DiagnosticConclusion: r.DiagnosticConclusion}
}

// transitionOptions reports false when the caller asked for an override it
// is not entitled to.
func transitionOptions(c echo.Context, req statusRequest) (TransitionOptions, bool) {
	ctx := c.Request().Context()
	if req.Override && !auth.HasRole(ctx, auth.RoleSupervisor) {
		return TransitionOptions{}, false
	}
	return TransitionOptions{
		Override:  req.Override,
		Reason:    req.Reason,
		ChangedBy: auth.UserIDFromContext(ctx),
		Result:    req.result(),
	}, true
}

func forbiddenOverride(c echo.Context) error {
	return c.JSON(http.StatusForbidden, fhir.NewOperationOutcome(
		fhir.IssueSeverityError, fhir.IssueTypeSecurity, "status override requires the "+auth.RoleSupervisor+" role",
	).WithExpression("override"))
}

func (h *Handler) TransitionDetailOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return respondError(c, err)
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "invalid request body")
	}
	to, ok := ParseStatus(req.Status)
	if !ok {
		return badRequest(c, "status", "unknown status "+req.Status)
	}
	opts, ok := transitionOptions(c, req)
	if !ok {
		return forbiddenOverride(c)
	}
	d, err := h.svc.TransitionDetailOrder(c.Request().Context(), id, to, opts)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) FinalizeDetailOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return respondError(c, err)
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "invalid request body")
	}
	opts, ok := transitionOptions(c, req)
	if !ok {
		return forbiddenOverride(c)
	}
	var result DiagnosticResult
	if r := req.result(); r != nil {
		result = *r
	}
	d, err := h.svc.FinalizeDetailOrder(c.Request().Context(), id, result, opts)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) DispatchProjection(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return respondError(c, err)
	}
	p, err := h.svc.DispatchProjection(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) StatusHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return respondError(c, err)
	}
	items, err := h.svc.StatusHistory(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

type serviceRequestResponse struct {
	DetailOrder *DetailOrder           `json:"detail_order"`
	Outcome     *fhir.OperationOutcome `json:"outcome,omitempty"`
}

func (h *Handler) ApplyServiceRequest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return respondError(c, err)
	}
	raw, err := readBody(c)
	if err != nil {
		return badRequest(c, "body", err.Error())
	}
	d, warnings, err := h.svc.ApplyServiceRequest(c.Request().Context(), id, raw)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, serviceRequestResponse{DetailOrder: d, Outcome: warningOutcome(warnings)})
}

// -- FHIR --

type ingestResponse struct {
	Order          *FullOrder             `json:"order"`
	ServiceRequest map[string]interface{} `json:"service_request"`
	Outcome        *fhir.OperationOutcome `json:"outcome,omitempty"`
}

// IngestServiceRequestFHIR takes an exchange ServiceRequest as the body. The
// local patient and practitioner it belongs to come from query parameters.
func (h *Handler) IngestServiceRequestFHIR(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return badRequest(c, "body", err.Error())
	}
	in := IngestInput{Payload: raw}
	for name, dst := range map[string]**uuid.UUID{
		"patient_id":      &in.PatientID,
		"practitioner_id": &in.PractitionerID,
	} {
		if v := c.QueryParam(name); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				return badRequest(c, name, "invalid "+name)
			}
			*dst = &id
		}
	}
	if v := c.QueryParam("service_ref"); v != "" {
		in.ServiceRef = &v
	}
	if v := c.QueryParam("patient_mrn"); v != "" {
		in.Patient.MRN = &v
	}

	ctx := c.Request().Context()
	full, warnings, err := h.svc.IngestServiceRequest(ctx, in, auth.UserIDFromContext(ctx))
	if err != nil {
		return respondError(c, err)
	}
	d := full.Details[0]
	c.Response().Header().Set("Location", "/fhir/ServiceRequest/"+d.ID.String())
	return c.JSON(http.StatusCreated, ingestResponse{
		Order:          full,
		ServiceRequest: d.ToFHIR(full.Order),
		Outcome:        warningOutcome(warnings),
	})
}

func (h *Handler) GetServiceRequestFHIR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("ServiceRequest", c.Param("id")))
	}
	d, o, err := h.svc.GetServiceRequest(c.Request().Context(), id)
	if KindOf(err) == KindNotFound {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("ServiceRequest", c.Param("id")))
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, d.ToFHIR(o))
}

// -- helpers --

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, validationError("id", "invalid id %q", c.Param("id"))
	}
	return id, nil
}

func readBody(c echo.Context) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPayloadBytes+1))
	if err != nil {
		return nil, errors.New("could not read request body")
	}
	if len(raw) > maxPayloadBytes {
		return nil, errors.New("request body too large")
	}
	return raw, nil
}

func warningOutcome(warnings []string) *fhir.OperationOutcome {
	if len(warnings) == 0 {
		return nil
	}
	oo := &fhir.OperationOutcome{ResourceType: "OperationOutcome"}
	for _, w := range warnings {
		oo.AddWarning(w)
	}
	return oo
}

func badRequest(c echo.Context, field, msg string) error {
	return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
		fhir.IssueSeverityError, fhir.IssueTypeInvalid, msg,
	).WithExpression(field))
}

var kindStatus = map[Kind]int{
	KindValidation:         http.StatusBadRequest,
	KindNotFound:           http.StatusNotFound,
	KindConflict:           http.StatusConflict,
	KindPreconditionFailed: http.StatusPreconditionFailed,
}

var kindIssue = map[Kind]string{
	KindValidation:         fhir.IssueTypeInvalid,
	KindNotFound:           fhir.IssueTypeNotFound,
	KindConflict:           fhir.IssueTypeConflict,
	KindPreconditionFailed: fhir.IssueTypeRequired,
}

// respondError renders err as an OperationOutcome. Internal errors carry a
// generic message; the detail has already been logged by the service.
func respondError(c echo.Context, err error) error {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		return c.JSON(http.StatusInternalServerError, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeException, "internal server error"))
	}
	msg := e.Message
	if msg == "" {
		msg = e.Error()
	}
	return c.JSON(kindStatus[e.Kind], fhir.NewOperationOutcome(
		fhir.IssueSeverityError, kindIssue[e.Kind], msg,
	).WithExpression(e.Field))
}
