package radiology

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ris/ris/internal/platform/db"
	"github.com/ris/ris/internal/platform/metrics"
)

const defaultMaxAttempts = 3

// Options configures a Service. Zero values select sensible defaults.
type Options struct {
	// Location decides the calendar day identifiers belong to.
	Location *time.Location
	// MaxAttempts bounds how often a creation is retried after an
	// identifier unique violation.
	MaxAttempts int
	Metrics     *metrics.Metrics
	Tracer      trace.Tracer
	Logger      zerolog.Logger
	Now         func() time.Time
}

type Service struct {
	orders   OrderRepository
	details  DetailOrderRepository
	catalog  CatalogRepository
	history  StatusHistoryRepository
	outbox   OutboxRepository
	tx       TxRunner
	ids      *Generator
	machine  *StateMachine
	validate *validator.Validate

	loc         *time.Location
	maxAttempts int
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	logger      zerolog.Logger
	now         func() time.Time
}

func NewService(repos Repositories, tx TxRunner, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		orders:      repos.Orders,
		details:     repos.Details,
		catalog:     repos.Catalog,
		history:     repos.History,
		outbox:      repos.Outbox,
		tx:          tx,
		ids:         NewGenerator(repos.Identifiers, opts.Location, opts.Now),
		machine:     NewStateMachine(opts.Now),
		validate:    newValidator(),
		loc:         opts.Location,
		maxAttempts: opts.MaxAttempts,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		logger:      opts.Logger,
		now:         opts.Now,
	}
}

// Generator exposes the identifier generator, e.g. for previews.
func (s *Service) Generator() *Generator { return s.ids }

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("priority", func(fl validator.FieldLevel) bool {
		_, ok := NormalizePriority(fl.Field().String())
		return ok
	})
	// DICOM AE titles are at most 16 printable characters without backslash.
	_ = v.RegisterValidation("aetitle", func(fl validator.FieldLevel) bool {
		s := strings.TrimSpace(fl.Field().String())
		if s == "" || len(s) > 16 {
			return false
		}
		for _, r := range s {
			if r < 0x20 || r > 0x7e || r == '\\' {
				return false
			}
		}
		return true
	})
	return v
}

func (s *Service) check(v interface{}) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		return validationError(field, "%s failed %q validation", field, fe.Tag())
	}
	return validationError("", "%v", err)
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

// fail converts err into the error returned to callers. *Error values pass
// through; anything else is logged and wrapped as Internal.
func (s *Service) fail(ctx context.Context, span trace.Span, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		if db.IsNoRows(err) {
			e = &Error{Kind: KindNotFound, Field: "id", Message: "record not found", Err: err}
		} else {
			s.log(ctx).Error().Err(err).Str("op", op).Msg("radiology operation failed")
			e = internal(op, err)
		}
	}
	span.SetAttributes(attribute.String("ris.error_kind", string(e.Kind)))
	if e.Kind == KindInternal {
		span.RecordError(err)
		span.SetStatus(codes.Error, e.Message)
	}
	return e
}

func actorUUID(actorID string) *uuid.UUID {
	id, err := uuid.Parse(actorID)
	if err != nil {
		return nil
	}
	return &id
}

// ---- creation ----

// detailPlan is a DetailOrderInput with its catalog entries resolved.
type detailPlan struct {
	input     DetailOrderInput
	procedure *Procedure
	modality  *Modality
	code      string
	patch     *DetailOrderPatch
}

type orderDraft struct {
	order  Order
	plans  []detailPlan
	format AccessionFormat
	date   time.Time
}

// CreateOrder validates in, resolves the catalog and writes the Order with
// all of its DetailOrders in one transaction. Identifiers are minted inside
// that transaction; a unique violation on them restarts the transaction with
// fresh numbers up to MaxAttempts times.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput, actorID string) (*FullOrder, error) {
	ctx, span := s.tracer.Start(ctx, "radiology.CreateOrder",
		trace.WithAttributes(attribute.Int("ris.detail_count", len(in.Details))))
	defer span.End()

	if err := s.check(in); err != nil {
		return nil, s.fail(ctx, span, "create order", err)
	}

	plans := make([]detailPlan, len(in.Details))
	for i, d := range in.Details {
		plan, err := s.planDetail(ctx, i, d)
		if err != nil {
			return nil, s.fail(ctx, span, "create order", err)
		}
		plans[i] = plan
	}

	date := s.now()
	if in.OrderDate != nil {
		date = *in.OrderDate
	}
	draft := orderDraft{
		order: Order{
			PatientID:      in.PatientID,
			PractitionerID: in.PractitionerID,
			CreatedBy:      actorUUID(actorID),
			EncounterRef:   trimmedPtr(in.EncounterRef),
			ServiceRef:     trimmedPtr(in.ServiceRef),
			Origin:         OriginInternal,
			Patient:        in.Patient,
		},
		plans:  plans,
		format: AccessionCompact,
		date:   date,
	}
	return s.create(ctx, span, draft)
}

func (s *Service) planDetail(ctx context.Context, i int, in DetailOrderInput) (detailPlan, error) {
	plan := detailPlan{input: in}

	proc, err := s.catalog.ProcedureByID(ctx, in.ProcedureID)
	if db.IsNoRows(err) {
		return plan, validationError(fmt.Sprintf("details[%d].procedure_id", i), "unknown procedure %s", in.ProcedureID)
	}
	if err != nil {
		return plan, err
	}
	plan.procedure = proc

	if in.ModalityID != nil {
		m, err := s.catalog.ModalityByID(ctx, *in.ModalityID)
		if db.IsNoRows(err) {
			return plan, validationError(fmt.Sprintf("details[%d].modality_id", i), "unknown modality %s", *in.ModalityID)
		}
		if err != nil {
			return plan, err
		}
		plan.modality = m
	}
	plan.code = accessionModality(plan.modality, proc, nil)
	return plan, nil
}

// accessionModality picks the modality code the accession number is scoped
// to: the assigned modality, then the code from the external request, then
// the catalog default for the procedure.
func accessionModality(m *Modality, p *Procedure, requested *string) string {
	switch {
	case m != nil:
		return NormalizeModalityCode(m.Code)
	case requested != nil && *requested != "":
		return NormalizeModalityCode(*requested)
	case p != nil && p.ModalityCode != nil:
		return NormalizeModalityCode(*p.ModalityCode)
	}
	return DefaultModalityCode
}

func (s *Service) create(ctx context.Context, span trace.Span, draft orderDraft) (*FullOrder, error) {
	start := time.Now()
	op := "create " + strings.ToLower(string(draft.order.Origin)) + " order"

	for attempt := 1; ; attempt++ {
		var full *FullOrder
		err := s.tx.WithTx(ctx, func(ctx context.Context) error {
			var err error
			full, err = s.insertOrder(ctx, draft)
			return err
		})
		if err == nil {
			span.SetAttributes(
				attribute.String("ris.order_number", full.OrderNumber),
				attribute.Int("ris.attempts", attempt),
			)
			codesByDetail := make([]string, len(full.Details))
			for i, d := range full.Details {
				codesByDetail[i] = strVal(d.ModalityCode)
			}
			s.metrics.OrderCreated(string(draft.order.Origin), codesByDetail, time.Since(start))
			s.log(ctx).Info().
				Str("order_id", full.ID.String()).
				Str("order_number", full.OrderNumber).
				Int("details", len(full.Details)).
				Msg("order created")
			return full, nil
		}
		if !isIdentifierConflict(err) {
			return nil, s.fail(ctx, span, op, classifyWriteError(err))
		}

		s.metrics.IdentifierConflict(op)
		s.log(ctx).Warn().Err(err).
			Int("attempt", attempt).
			Str("constraint", db.ConstraintName(err)).
			Msg("identifier collision, retrying")
		if attempt >= s.maxAttempts {
			return nil, s.fail(ctx, span, op, conflict(FieldAccessionNumber,
				fmt.Sprintf("could not allocate unique identifiers after %d attempts", attempt), err))
		}
	}
}

func isIdentifierConflict(err error) bool {
	if !db.IsUniqueViolation(err) {
		return false
	}
	switch db.ConstraintName(err) {
	case constraintAccessionUnique, constraintOrderNumberUnique:
		return true
	}
	return false
}

// classifyWriteError maps constraint violations that are the caller's fault
// onto domain errors.
func classifyWriteError(err error) error {
	switch {
	case db.IsUniqueViolation(err) && db.ConstraintName(err) == constraintExtServiceRequestUnique:
		return conflict("id", "ServiceRequest already ingested", err)
	case db.IsForeignKeyViolation(err):
		return &Error{Kind: KindValidation, Field: db.ConstraintName(err), Message: "referenced record does not exist", Err: err}
	}
	return err
}

// insertOrder runs inside the creation transaction.
func (s *Service) insertOrder(ctx context.Context, draft orderDraft) (*FullOrder, error) {
	now := s.now()

	orderNumber, err := s.ids.OrderNumber(ctx)
	if err != nil {
		return nil, err
	}
	accessions, err := s.reserveAccessions(ctx, draft.plans, draft.format)
	if err != nil {
		return nil, err
	}

	o := draft.order
	o.ID = uuid.New()
	o.OrderNumber = orderNumber
	o.CreatedAt, o.UpdatedAt = now, now
	if err := s.orders.Create(ctx, &o); err != nil {
		return nil, err
	}

	full := &FullOrder{Order: &o, Details: make([]*DetailOrder, 0, len(draft.plans))}
	for i, plan := range draft.plans {
		d := newDetailOrder(&o, plan, accessions[i], draft.date, now)
		if err := s.details.Create(ctx, d); err != nil {
			return nil, err
		}
		full.Details = append(full.Details, d)
	}
	return full, nil
}

// reserveAccessions reserves one block per modality and hands the numbers
// out in caller order, so lines of the same modality get increasing suffixes.
func (s *Service) reserveAccessions(ctx context.Context, plans []detailPlan, format AccessionFormat) ([]string, error) {
	var order []string
	byCode := make(map[string][]int)
	for i, p := range plans {
		if _, seen := byCode[p.code]; !seen {
			order = append(order, p.code)
		}
		byCode[p.code] = append(byCode[p.code], i)
	}

	out := make([]string, len(plans))
	for _, code := range order {
		idx := byCode[code]
		nums, err := s.ids.AccessionNumbers(ctx, code, format, len(idx))
		if err != nil {
			return nil, err
		}
		for j, i := range idx {
			out[i] = nums[j]
		}
	}
	return out, nil
}

func newDetailOrder(o *Order, plan detailPlan, accession string, orderDate, now time.Time) *DetailOrder {
	in := plan.input
	d := &DetailOrder{
		ID:               uuid.New(),
		OrderID:          o.ID,
		AccessionNumber:  accession,
		OrderNumber:      o.OrderNumber,
		OrderDate:        orderDate,
		ScheduledAt:      in.ScheduledAt,
		Priority:         PriorityRoutine,
		Status:           StatusInRequest,
		Origin:           o.Origin,
		RequesterID:      in.RequesterID,
		RequesterDisplay: trimmedPtr(in.RequesterDisplay),
		PerformerID:      in.PerformerID,
		PerformerDisplay: trimmedPtr(in.PerformerDisplay),
		AETitle:          trimmedPtr(in.AETitle),
		ContrastUsed:     in.ContrastUsed,
		DiagnosisCode:    trimmedPtr(in.DiagnosisCode),
		DiagnosisDisplay: trimmedPtr(in.DiagnosisDisplay),
		Notes:            trimmedPtr(in.Notes),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if p, ok := NormalizePriority(in.Priority); ok {
		d.Priority = p
	}
	if d.RequesterID == nil && o.PractitionerID != nil {
		d.RequesterID = o.PractitionerID
	}

	if proc := plan.procedure; proc != nil {
		d.ProcedureID = &proc.ID
		d.LOINCCode = strPtr(proc.LOINCCode)
		d.LOINCDisplay = nonEmpty(proc.Display)
		d.RequiresFasting = proc.RequiresFasting
		d.RequiresPregnancyCheck = proc.RequiresPregnancyCheck
		d.RequiresContrast = proc.RequiresContrast
	}

	if plan.patch != nil {
		plan.patch.Apply(d)
	}

	if m := plan.modality; m != nil {
		d.ModalityID = &m.ID
		d.ModalityCode = strPtr(m.Code)
		if d.AETitle == nil {
			d.AETitle = m.AETitle
		}
	} else if d.ModalityCode == nil {
		d.ModalityCode = strPtr(plan.code)
	}
	return d
}

// ---- reads ----

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*FullOrder, error) {
	ctx, span := s.tracer.Start(ctx, "radiology.GetOrder")
	defer span.End()

	o, err := s.orders.GetByID(ctx, id)
	if db.IsNoRows(err) {
		return nil, notFound("order", id)
	}
	if err != nil {
		return nil, s.fail(ctx, span, "get order", err)
	}
	details, err := s.details.ListByOrder(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, span, "get order", err)
	}
	return &FullOrder{Order: o, Details: details}, nil
}

func (s *Service) GetDetailOrder(ctx context.Context, id uuid.UUID) (*DetailOrder, error) {
	d, err := s.details.GetByID(ctx, id)
	if db.IsNoRows(err) {
		return nil, notFound("detail order", id)
	}
	if err != nil {
		return nil, s.fail(ctx, trace.SpanFromContext(ctx), "get detail order", err)
	}
	return d, nil
}

// GetServiceRequest returns a detail order with its owning order, as needed
// to render it as a FHIR ServiceRequest.
func (s *Service) GetServiceRequest(ctx context.Context, id uuid.UUID) (*DetailOrder, *Order, error) {
	d, err := s.GetDetailOrder(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	o, err := s.orders.GetByID(ctx, d.OrderID)
	if err != nil {
		return nil, nil, s.fail(ctx, trace.SpanFromContext(ctx), "get service request", err)
	}
	return d, o, nil
}

func (s *Service) ListDetailOrders(ctx context.Context, f ListFilter, limit, offset int) ([]*DetailOrderView, int, error) {
	ctx, span := s.tracer.Start(ctx, "radiology.ListDetailOrders")
	defer span.End()

	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, 0, validationError("date_to", "date_to is before date_from")
	}
	if f.Status != nil && !f.Status.Valid() {
		return nil, 0, validationError("status", "unknown status %q", *f.Status)
	}
	if f.Origin != nil && !f.Origin.Valid() {
		return nil, 0, validationError("origin", "unknown origin %q", *f.Origin)
	}
	items, total, err := s.details.Search(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, s.fail(ctx, span, "list detail orders", err)
	}
	return items, total, nil
}

// ---- updates ----

func (s *Service) UpdateOrder(ctx context.Context, id uuid.UUID, in OrderUpdate) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "radiology.UpdateOrder")
	defer span.End()

	if err := s.check(in); err != nil {
		return nil, err
	}
	var out *Order
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetByID(ctx, id)
		if db.IsNoRows(err) {
			return notFound("order", id)
		}
		if err != nil {
			return err
		}
		if in.PractitionerID != nil {
			o.PractitionerID = in.PractitionerID
		}
		if in.EncounterRef != nil {
			o.EncounterRef = trimmedPtr(in.EncounterRef)
		}
		if in.ServiceRef != nil {
			o.ServiceRef = trimmedPtr(in.ServiceRef)
		}
		o.UpdatedAt = s.now()
		if err := s.orders.Update(ctx, o); err != nil {
			return classifyWriteError(err)
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, "update order", err)
	}
	return out, nil
}

// mutateDetail loads id under a row lock, lets fn change it and writes it
// back, all in one transaction.
func (s *Service) mutateDetail(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, d *DetailOrder) error) (*DetailOrder, error) {
	var out *DetailOrder
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		d, err := s.details.GetForUpdate(ctx, id)
		if db.IsNoRows(err) {
			return notFound("detail order", id)
		}
		if err != nil {
			return err
		}
		if err := fn(ctx, d); err != nil {
			return err
		}
		if err := s.details.Update(ctx, d); err != nil {
			return classifyWriteError(err)
		}
		out = d
		return nil
	})
	return out, err
}

func (s *Service) UpdateDetailOrder(ctx context.Context, id uuid.UUID, in DetailOrderUpdate) (*DetailOrder, error) {
	ctx, span := s.tracer.Start(ctx, "radiology.UpdateDetailOrder")
	defer span.End()

	if err := s.check(in); err != nil {
		return nil, err
	}
	d, err := s.mutateDetail(ctx, id, func(ctx context.Context, d *DetailOrder) error {
		if d.Status.Terminal() {
			return validationError("status", "detail order is %s and can no longer be edited", d.Status)
		}
		if in.Priority != nil {
			p, _ := NormalizePriority(*in.Priority)
			d.Priority = p
		}
		if in.ScheduledAt != nil {
			d.ScheduledAt = in.ScheduledAt
		}
		if in.OccurrenceAt != nil {
			d.OccurrenceAt = in.OccurrenceAt
		}
		setIf(&d.RequesterDisplay, in.RequesterDisplay)
		setIf(&d.ContrastCode, in.ContrastCode)
		setIf(&d.ContrastDisplay, in.ContrastDisplay)
		setIf(&d.DiagnosisCode, in.DiagnosisCode)
		setIf(&d.DiagnosisDisplay, in.DiagnosisDisplay)
		setIf(&d.Notes, in.Notes)
		if in.ContrastUsed != nil {
			d.ContrastUsed = in.ContrastUsed
		}
		d.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, "update detail order", err)
	}
	return d, nil
}

func setIf(dst **string, v *string) {
	if v != nil {
		*dst = trimmedPtr(v)
	}
}

// AssignDetailOrder routes a detail order that has not been dispatched yet.
// A modality assignment also fills the AE title from the modality unless one
// is given explicitly.
func (s *Service) AssignDetailOrder(ctx context.Context, id uuid.UUID, a Assignment) (*DetailOrder, error) {
	ctx, span := s.tracer.Start(ctx, "radiology.AssignDetailOrder")
	defer span.End()

	if err := s.check(a); err != nil {
		return nil, err
	}
	if a.empty() {
		return nil, validationError("assignment", "nothing to assign")
	}
	d, err := s.mutateDetail(ctx, id, func(ctx context.Context, d *DetailOrder) error {
		if d.Status != StatusInRequest {
			return validationError("status", "detail order is %s; assignment is only possible in %s", d.Status, StatusInRequest)
		}
		if a.ModalityID != nil {
			m, err := s.catalog.ModalityByID(ctx, *a.ModalityID)
			if db.IsNoRows(err) {
				return validationError("modality_id", "unknown modality %s", *a.ModalityID)
			}
			if err != nil {
				return err
			}
			d.ModalityID = &m.ID
			d.ModalityCode = strPtr(m.Code)
			if a.AETitle == nil && m.AETitle != nil {
				d.AETitle = m.AETitle
			}
		}
		setIf(&d.AETitle, a.AETitle)
		if a.PerformerID != nil {
			d.PerformerID = a.PerformerID
		}
		setIf(&d.PerformerRef, a.PerformerRef)
		setIf(&d.PerformerDisplay, a.PerformerDisplay)
		if a.ScheduledAt != nil {
			d.ScheduledAt = a.ScheduledAt
		}
		d.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, "assign detail order", err)
	}
	return d, nil
}

// ---- status ----

// TransitionDetailOrder moves a detail order to status to through the state
// machine. The status history row and, for IN_QUEUE, the worklist outbox
// entry are written in the same transaction as the status itself.
func (s *Service) TransitionDetailOrder(ctx context.Context, id uuid.UUID, to Status, opts TransitionOptions) (*DetailOrder, error) {
	ctx, span := s.tracer.Start(ctx, "radiology.TransitionDetailOrder", trace.WithAttributes(
		attribute.String("ris.detail_order_id", id.String()),
		attribute.String("ris.to_status", string(to)),
		attribute.Bool("ris.override", opts.Override),
	))
	defer span.End()

	var change *StatusChange
	d, err := s.mutateDetail(ctx, id, func(ctx context.Context, d *DetailOrder) error {
		c, err := s.machine.Transition(d, to, opts)
		if err != nil {
			return err
		}
		change = c
		if err := s.history.Create(ctx, c); err != nil {
			return err
		}
		if to == StatusInQueue {
			return s.enqueueDispatch(ctx, d)
		}
		return nil
	})
	if err != nil {
		if KindOf(err) == KindPreconditionFailed {
			s.metrics.DispatchRejected(FieldOf(err))
		}
		return nil, s.fail(ctx, span, "transition detail order", err)
	}

	s.metrics.StatusChanged(string(change.FromStatus), string(change.ToStatus), change.Override)
	s.log(ctx).Info().
		Str("detail_order_id", d.ID.String()).
		Str("accession_number", d.AccessionNumber).
		Str("from", string(change.FromStatus)).
		Str("to", string(change.ToStatus)).
		Bool("override", change.Override).
		Msg("detail order status changed")
	return d, nil
}

func (s *Service) enqueueDispatch(ctx context.Context, d *DetailOrder) error {
	proj, err := s.projection(ctx, d)
	if err != nil {
		return err
	}
	payload, err := gojson.Marshal(proj)
	if err != nil {
		return fmt.Errorf("marshal dispatch projection: %w", err)
	}
	return s.outbox.Enqueue(ctx, &OutboxEntry{
		ID:              uuid.New(),
		DetailOrderID:   d.ID,
		AccessionNumber: d.AccessionNumber,
		Payload:         payload,
		CreatedAt:       s.now(),
	})
}

func (s *Service) projection(ctx context.Context, d *DetailOrder) (*DispatchProjection, error) {
	if err := CanDispatch(d); err != nil {
		return nil, err
	}
	o, err := s.orders.GetByID(ctx, d.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", d.OrderID, err)
	}
	var proc *Procedure
	if d.ProcedureID != nil {
		proc, err = s.catalog.ProcedureByID(ctx, *d.ProcedureID)
		if err != nil && !db.IsNoRows(err) {
			return nil, err
		}
	}
	return NewDispatchProjection(o, d, proc)
}

// FinalizeDetailOrder moves a detail order to FINAL with its diagnostic result.
func (s *Service) FinalizeDetailOrder(ctx context.Context, id uuid.UUID, result DiagnosticResult, opts TransitionOptions) (*DetailOrder, error) {
	opts.Result = &result
	return s.TransitionDetailOrder(ctx, id, StatusFinal, opts)
}

// DispatchProjection previews what would be handed to the worklist.
func (s *Service) DispatchProjection(ctx context.Context, id uuid.UUID) (*DispatchProjection, error) {
	ctx, span := s.tracer.Start(ctx, "radiology.DispatchProjection")
	defer span.End()

	d, err := s.GetDetailOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	proj, err := s.projection(ctx, d)
	if err != nil {
		return nil, s.fail(ctx, span, "dispatch projection", err)
	}
	return proj, nil
}

func (s *Service) StatusHistory(ctx context.Context, id uuid.UUID) ([]*StatusChange, error) {
	if _, err := s.GetDetailOrder(ctx, id); err != nil {
		return nil, err
	}
	items, err := s.history.ListByDetailOrder(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, trace.SpanFromContext(ctx), "status history", err)
	}
	return items, nil
}

// ---- deletion ----

// DeleteOrder purges an order. Detail orders go first; their history and
// outbox rows follow them by cascade.
func (s *Service) DeleteOrder(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "radiology.DeleteOrder")
	defer span.End()

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.orders.GetByID(ctx, id); db.IsNoRows(err) {
			return notFound("order", id)
		} else if err != nil {
			return err
		}
		n, err := s.details.DeleteByOrder(ctx, id)
		if err != nil {
			return err
		}
		if err := s.orders.Delete(ctx, id); err != nil {
			return err
		}
		s.log(ctx).Info().Str("order_id", id.String()).Int64("details", n).Msg("order purged")
		return nil
	})
	return s.fail(ctx, span, "delete order", err)
}

// DeleteDetailOrder removes one line. The last line of an order cannot be
// removed on its own; delete the order instead.
func (s *Service) DeleteDetailOrder(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "radiology.DeleteDetailOrder")
	defer span.End()

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		d, err := s.details.GetForUpdate(ctx, id)
		if db.IsNoRows(err) {
			return notFound("detail order", id)
		}
		if err != nil {
			return err
		}
		n, err := s.details.CountByOrder(ctx, d.OrderID)
		if err != nil {
			return err
		}
		if n <= 1 {
			return validationError("id", "detail order %s is the last line of order %s; delete the order instead", id, d.OrderID)
		}
		return s.details.Delete(ctx, id)
	})
	return s.fail(ctx, span, "delete detail order", err)
}

// ---- external ServiceRequest ----

// IngestServiceRequest creates an EXTERNAL order with one detail order from
// an exchange ServiceRequest. The procedure is resolved by LOINC code and the
// accession number uses the dashed layout. A payload whose service request id
// was already ingested is a Conflict. Non-fatal decode problems come back as
// warnings.
func (s *Service) IngestServiceRequest(ctx context.Context, in IngestInput, actorID string) (*FullOrder, []string, error) {
	ctx, span := s.tracer.Start(ctx, "radiology.IngestServiceRequest")
	defer span.End()

	if err := s.check(in); err != nil {
		return nil, nil, err
	}
	sr, warnings, err := ParseServiceRequest(in.Payload)
	if err != nil {
		return nil, nil, s.fail(ctx, span, "ingest service request", err)
	}
	patch := MapServiceRequest(sr, s.loc)
	span.SetAttributes(attribute.Int("ris.warnings", len(warnings)))

	if patch.ExtServiceRequestID != nil {
		existing, err := s.details.GetByExternalServiceRequestID(ctx, *patch.ExtServiceRequestID)
		switch {
		case err == nil:
			return nil, warnings, conflict("id",
				fmt.Sprintf("ServiceRequest %s already ingested as detail order %s", *patch.ExtServiceRequestID, existing.ID), nil)
		case !db.IsNoRows(err):
			return nil, nil, s.fail(ctx, span, "ingest service request", err)
		}
	}

	if patch.LOINCCode == nil {
		return nil, warnings, validationError("code", "ServiceRequest carries no LOINC coding")
	}
	proc, err := s.catalog.ProcedureByLOINC(ctx, *patch.LOINCCode)
	if db.IsNoRows(err) {
		return nil, warnings, validationError("code", "unknown LOINC code %s", *patch.LOINCCode)
	}
	if err != nil {
		return nil, nil, s.fail(ctx, span, "ingest service request", err)
	}

	var modality *Modality
	if patch.ModalityCode != nil {
		modality, err = s.catalog.ModalityByCode(ctx, *patch.ModalityCode)
		if db.IsNoRows(err) {
			modality = nil
			warnings = append(warnings, fmt.Sprintf("orderDetail: modality %s is not configured", *patch.ModalityCode))
		} else if err != nil {
			return nil, nil, s.fail(ctx, span, "ingest service request", err)
		}
	}

	snapshot := in.Patient
	if snapshot.Name == nil && sr.Subject != nil {
		snapshot.Name = nonEmpty(sr.Subject.Display)
	}
	order := Order{
		PatientID:      in.PatientID,
		PractitionerID: in.PractitionerID,
		CreatedBy:      actorUUID(actorID),
		ServiceRef:     trimmedPtr(in.ServiceRef),
		Origin:         OriginExternal,
		Patient:        snapshot,
	}
	if sr.Encounter != nil {
		if _, id := splitEncounter(sr.Encounter.Reference); id != "" {
			order.EncounterRef = &id
		}
	}

	date := s.now()
	if patch.OccurrenceAt != nil {
		date = *patch.OccurrenceAt
	}
	plan := detailPlan{
		input:     DetailOrderInput{ProcedureID: proc.ID},
		procedure: proc,
		modality:  modality,
		code:      accessionModality(modality, proc, patch.ModalityCode),
		patch:     &patch,
	}
	full, err := s.create(ctx, span, orderDraft{
		order:  order,
		plans:  []detailPlan{plan},
		format: AccessionDashed,
		date:   date,
	})
	if err != nil {
		return nil, warnings, err
	}
	return full, warnings, nil
}

func splitEncounter(ref string) (string, string) {
	i := strings.LastIndex(ref, "/")
	if i < 0 {
		return "", strings.TrimSpace(ref)
	}
	return ref[:i], strings.TrimSpace(ref[i+1:])
}

// ApplyServiceRequest merges an exchange ServiceRequest into an existing
// detail order. Only fields present in the payload are written.
func (s *Service) ApplyServiceRequest(ctx context.Context, id uuid.UUID, raw []byte) (*DetailOrder, []string, error) {
	ctx, span := s.tracer.Start(ctx, "radiology.ApplyServiceRequest")
	defer span.End()

	sr, warnings, err := ParseServiceRequest(raw)
	if err != nil {
		return nil, nil, err
	}
	patch := MapServiceRequest(sr, s.loc)

	d, err := s.mutateDetail(ctx, id, func(ctx context.Context, d *DetailOrder) error {
		if d.Status.Terminal() {
			return validationError("status", "detail order is %s and can no longer be edited", d.Status)
		}
		if d.Status != StatusInRequest {
			if field := patch.DispatchConflict(d); field != "" {
				return validationError(field, "%s cannot change once the detail order is %s", field, d.Status)
			}
		}
		p := patch
		if p.LOINCCode != nil && *p.LOINCCode != strVal(d.LOINCCode) {
			proc, err := s.catalog.ProcedureByLOINC(ctx, *p.LOINCCode)
			switch {
			case db.IsNoRows(err):
				warnings = append(warnings, fmt.Sprintf("code: LOINC %s is not in the procedure catalog, kept %s", *p.LOINCCode, strVal(d.LOINCCode)))
				p.LOINCCode, p.LOINCDisplay = nil, nil
			case err != nil:
				return err
			default:
				d.ProcedureID = &proc.ID
				d.LOINCDisplay = nonEmpty(proc.Display)
			}
		}
		if !p.Apply(d) {
			d.UpdatedAt = s.now()
			return nil
		}
		m, err := s.catalog.ModalityByCode(ctx, *d.ModalityCode)
		switch {
		case db.IsNoRows(err):
			d.ModalityID = nil
			warnings = append(warnings, fmt.Sprintf("orderDetail: modality %s is not configured", *d.ModalityCode))
		case err != nil:
			return err
		default:
			d.ModalityID = &m.ID
			if patch.AETitle == nil && m.AETitle != nil {
				d.AETitle = m.AETitle
			}
		}
		d.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, nil, s.fail(ctx, span, "apply service request", err)
	}
	return d, warnings, nil
}
