package radiology

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ris/ris/internal/platform/fhir"
)

// Status is the lifecycle state of a DetailOrder.
type Status string

const (
	StatusInRequest  Status = "IN_REQUEST"
	StatusInQueue    Status = "IN_QUEUE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusFinal      Status = "FINAL"
)

type Priority string

const (
	PriorityRoutine Priority = "ROUTINE"
	PriorityUrgent  Priority = "URGENT"
	PriorityStat    Priority = "STAT"
)

// NormalizePriority upper-cases p and folds the legacy ASAP value into URGENT.
func NormalizePriority(p string) (Priority, bool) {
	switch v := Priority(strings.ToUpper(strings.TrimSpace(p))); v {
	case PriorityRoutine, PriorityUrgent, PriorityStat:
		return v, true
	case "ASAP":
		return PriorityUrgent, true
	default:
		return "", false
	}
}

// Origin records whether an order was entered locally or ingested from the
// health-information exchange.
type Origin string

const (
	OriginInternal Origin = "INTERNAL"
	OriginExternal Origin = "EXTERNAL"
)

func (o Origin) Valid() bool {
	return o == OriginInternal || o == OriginExternal
}

// PatientSnapshot is the patient data denormalized onto the order at creation.
// It is never updated afterwards.
type PatientSnapshot struct {
	Name      *string    `db:"patient_name" json:"name,omitempty" validate:"omitempty,max=255"`
	MRN       *string    `db:"patient_mrn" json:"mrn,omitempty" validate:"omitempty,max=64"`
	BirthDate *time.Time `db:"patient_birth_date" json:"birth_date,omitempty"`
	Age       *int       `db:"patient_age" json:"age,omitempty" validate:"omitempty,min=0,max=150"`
	Gender    *string    `db:"patient_gender" json:"gender,omitempty" validate:"omitempty,oneof=male female other unknown"`
}

// Order maps to the radiology_order table.
type Order struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	PatientID      *uuid.UUID      `db:"patient_id" json:"patient_id,omitempty"`
	PractitionerID *uuid.UUID      `db:"practitioner_id" json:"practitioner_id,omitempty"`
	CreatedBy      *uuid.UUID      `db:"created_by" json:"created_by,omitempty"`
	EncounterRef   *string         `db:"encounter_ref" json:"encounter_ref,omitempty"`
	ServiceRef     *string         `db:"service_ref" json:"service_ref,omitempty"`
	OrderNumber    string          `db:"order_number" json:"order_number"`
	Origin         Origin          `db:"origin" json:"origin"`
	Patient        PatientSnapshot `json:"patient"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// DetailOrder maps to the detail_order table: one requested procedure.
type DetailOrder struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	OrderID     uuid.UUID  `db:"order_id" json:"order_id"`
	ProcedureID *uuid.UUID `db:"procedure_id" json:"procedure_id,omitempty"`

	ExtServiceRequestID *string `db:"ext_service_request_id" json:"ext_service_request_id,omitempty"`
	ExtObservationID    *string `db:"ext_observation_id" json:"ext_observation_id,omitempty"`
	ExtProcedureID      *string `db:"ext_procedure_id" json:"ext_procedure_id,omitempty"`
	ExtAllergyID        *string `db:"ext_allergy_id" json:"ext_allergy_id,omitempty"`

	AccessionNumber string     `db:"accession_number" json:"accession_number"`
	OrderNumber     string     `db:"order_number" json:"order_number"`
	OrderDate       time.Time  `db:"order_date" json:"order_date"`
	ScheduledAt     *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	OccurrenceAt    *time.Time `db:"occurrence_at" json:"occurrence_at,omitempty"`
	Priority        Priority   `db:"priority" json:"priority"`
	Status          Status     `db:"status" json:"status"`
	Origin          Origin     `db:"origin" json:"origin"`

	RequesterID      *uuid.UUID `db:"requester_id" json:"requester_id,omitempty"`
	RequesterRef     *string    `db:"requester_ref" json:"requester_ref,omitempty"`
	RequesterDisplay *string    `db:"requester_display" json:"requester_display,omitempty"`
	PerformerID      *uuid.UUID `db:"performer_id" json:"performer_id,omitempty"`
	PerformerRef     *string    `db:"performer_ref" json:"performer_ref,omitempty"`
	PerformerDisplay *string    `db:"performer_display" json:"performer_display,omitempty"`

	ModalityID   *uuid.UUID `db:"modality_id" json:"modality_id,omitempty"`
	ModalityCode *string    `db:"modality_code" json:"modality_code,omitempty"`
	AETitle      *string    `db:"ae_title" json:"ae_title,omitempty"`

	ContrastCode     *string `db:"contrast_code" json:"contrast_code,omitempty"`
	ContrastDisplay  *string `db:"contrast_display" json:"contrast_display,omitempty"`
	ContrastUsed     *bool   `db:"contrast_used" json:"contrast_used,omitempty"`
	DiagnosisCode    *string `db:"diagnosis_code" json:"diagnosis_code,omitempty"`
	DiagnosisDisplay *string `db:"diagnosis_display" json:"diagnosis_display,omitempty"`
	Notes            *string `db:"notes" json:"notes,omitempty"`

	// Copied from the procedure catalog when the row is created.
	RequiresFasting        bool `db:"requires_fasting" json:"requires_fasting"`
	RequiresPregnancyCheck bool `db:"requires_pregnancy_check" json:"requires_pregnancy_check"`
	RequiresContrast       bool `db:"requires_contrast" json:"requires_contrast"`

	SRStatus     *string `db:"sr_status" json:"sr_status,omitempty"`
	SRIntent     *string `db:"sr_intent" json:"sr_intent,omitempty"`
	SRAccession  *string `db:"sr_accession" json:"sr_accession,omitempty"`
	LOINCCode    *string `db:"loinc_code" json:"loinc_code,omitempty"`
	LOINCDisplay *string `db:"loinc_display" json:"loinc_display,omitempty"`
	KPTLCode     *string `db:"kptl_code" json:"kptl_code,omitempty"`
	KPTLDisplay  *string `db:"kptl_display" json:"kptl_display,omitempty"`
	CodeText     *string `db:"code_text" json:"code_text,omitempty"`

	RawPayload json.RawMessage `db:"raw_payload" json:"raw_payload,omitempty"`

	ObservationNotes     *string    `db:"observation_notes" json:"observation_notes,omitempty"`
	DiagnosticConclusion *string    `db:"diagnostic_conclusion" json:"diagnostic_conclusion,omitempty"`
	FinalizedAt          *time.Time `db:"finalized_at" json:"finalized_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// FullOrder is an Order with all of its DetailOrders in creation order.
type FullOrder struct {
	*Order
	Details []*DetailOrder `json:"details"`
}

// DetailOrderView is a listing row: the detail order plus display columns
// joined from master data. Every joined column is optional.
type DetailOrderView struct {
	DetailOrder
	PatientID        *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	PatientName      *string    `db:"patient_name" json:"patient_name,omitempty"`
	PatientMRN       *string    `db:"patient_mrn" json:"patient_mrn,omitempty"`
	PractitionerName *string    `db:"practitioner_name" json:"practitioner_name,omitempty"`
	CreatedByName    *string    `db:"created_by_name" json:"created_by_name,omitempty"`
	ProcedureCode    *string    `db:"procedure_code" json:"procedure_code,omitempty"`
	ProcedureDisplay *string    `db:"procedure_display" json:"procedure_display,omitempty"`
	ModalityName     *string    `db:"modality_name" json:"modality_name,omitempty"`
}

// Procedure maps to the procedure_catalog table.
type Procedure struct {
	ID                     uuid.UUID `db:"id" json:"id"`
	LOINCCode              string    `db:"loinc_code" json:"loinc_code"`
	Display                string    `db:"display" json:"display"`
	ModalityCode           *string   `db:"modality_code" json:"modality_code,omitempty"`
	RequiresFasting        bool      `db:"requires_fasting" json:"requires_fasting"`
	RequiresPregnancyCheck bool      `db:"requires_pregnancy_check" json:"requires_pregnancy_check"`
	RequiresContrast       bool      `db:"requires_contrast" json:"requires_contrast"`
}

// Modality maps to the modality table.
type Modality struct {
	ID      uuid.UUID `db:"id" json:"id"`
	Code    string    `db:"code" json:"code"`
	Name    string    `db:"name" json:"name"`
	AETitle *string   `db:"ae_title" json:"ae_title,omitempty"`
}

// StatusChange maps to detail_order_status_history.
type StatusChange struct {
	ID            uuid.UUID `db:"id" json:"id"`
	DetailOrderID uuid.UUID `db:"detail_order_id" json:"detail_order_id"`
	FromStatus    Status    `db:"from_status" json:"from_status"`
	ToStatus      Status    `db:"to_status" json:"to_status"`
	ChangedBy     string    `db:"changed_by" json:"changed_by"`
	ChangedAt     time.Time `db:"changed_at" json:"changed_at"`
	Reason        *string   `db:"reason" json:"reason,omitempty"`
	Override      bool      `db:"override" json:"override"`
}

// OutboxEntry maps to worklist_outbox. The payload is a DispatchProjection.
type OutboxEntry struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	DetailOrderID   uuid.UUID       `db:"detail_order_id" json:"detail_order_id"`
	AccessionNumber string          `db:"accession_number" json:"accession_number"`
	Payload         json.RawMessage `db:"payload" json:"payload"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	ProcessedAt     *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
}

// ---- inputs ----

// CreateOrderInput is the body of POST /api/v1/orders.
type CreateOrderInput struct {
	PatientID      *uuid.UUID         `json:"patient_id,omitempty"`
	PractitionerID *uuid.UUID         `json:"practitioner_id,omitempty"`
	EncounterRef   *string            `json:"encounter_ref,omitempty" validate:"omitempty,max=255"`
	ServiceRef     *string            `json:"service_ref,omitempty" validate:"omitempty,max=255"`
	Patient        PatientSnapshot    `json:"patient"`
	OrderDate      *time.Time         `json:"order_date,omitempty"`
	Details        []DetailOrderInput `json:"details" validate:"required,min=1,max=50,dive"`
}

// DetailOrderInput describes one requested procedure of a new order.
type DetailOrderInput struct {
	ProcedureID      uuid.UUID  `json:"procedure_id" validate:"required"`
	ModalityID       *uuid.UUID `json:"modality_id,omitempty"`
	Priority         string     `json:"priority,omitempty" validate:"omitempty,priority"`
	ScheduledAt      *time.Time `json:"scheduled_at,omitempty"`
	RequesterID      *uuid.UUID `json:"requester_id,omitempty"`
	RequesterDisplay *string    `json:"requester_display,omitempty" validate:"omitempty,max=255"`
	PerformerID      *uuid.UUID `json:"performer_id,omitempty"`
	PerformerDisplay *string    `json:"performer_display,omitempty" validate:"omitempty,max=255"`
	AETitle          *string    `json:"ae_title,omitempty" validate:"omitempty,aetitle"`
	ContrastUsed     *bool      `json:"contrast_used,omitempty"`
	DiagnosisCode    *string    `json:"diagnosis_code,omitempty" validate:"omitempty,max=32"`
	DiagnosisDisplay *string    `json:"diagnosis_display,omitempty" validate:"omitempty,max=255"`
	Notes            *string    `json:"notes,omitempty" validate:"omitempty,max=4000"`
}

// OrderUpdate carries the mutable Order columns. The patient snapshot is not
// among them.
type OrderUpdate struct {
	PractitionerID *uuid.UUID `json:"practitioner_id,omitempty"`
	EncounterRef   *string    `json:"encounter_ref,omitempty" validate:"omitempty,max=255"`
	ServiceRef     *string    `json:"service_ref,omitempty" validate:"omitempty,max=255"`
}

// DetailOrderUpdate carries the PATCH-able DetailOrder columns. Status,
// identifiers and preparation flags are deliberately absent.
type DetailOrderUpdate struct {
	Priority         *string    `json:"priority,omitempty" validate:"omitempty,priority"`
	ScheduledAt      *time.Time `json:"scheduled_at,omitempty"`
	OccurrenceAt     *time.Time `json:"occurrence_at,omitempty"`
	RequesterDisplay *string    `json:"requester_display,omitempty" validate:"omitempty,max=255"`
	ContrastCode     *string    `json:"contrast_code,omitempty" validate:"omitempty,max=64"`
	ContrastDisplay  *string    `json:"contrast_display,omitempty" validate:"omitempty,max=255"`
	ContrastUsed     *bool      `json:"contrast_used,omitempty"`
	DiagnosisCode    *string    `json:"diagnosis_code,omitempty" validate:"omitempty,max=32"`
	DiagnosisDisplay *string    `json:"diagnosis_display,omitempty" validate:"omitempty,max=255"`
	Notes            *string    `json:"notes,omitempty" validate:"omitempty,max=4000"`
}

// Assignment routes a detail order to a device and a performer.
type Assignment struct {
	ModalityID       *uuid.UUID `json:"modality_id,omitempty"`
	AETitle          *string    `json:"ae_title,omitempty" validate:"omitempty,aetitle"`
	PerformerID      *uuid.UUID `json:"performer_id,omitempty"`
	PerformerRef     *string    `json:"performer_ref,omitempty" validate:"omitempty,max=128"`
	PerformerDisplay *string    `json:"performer_display,omitempty" validate:"omitempty,max=255"`
	ScheduledAt      *time.Time `json:"scheduled_at,omitempty"`
}

func (a Assignment) empty() bool {
	return a.ModalityID == nil && a.AETitle == nil && a.PerformerID == nil &&
		a.PerformerRef == nil && a.PerformerDisplay == nil && a.ScheduledAt == nil
}

// DiagnosticResult is written when a detail order reaches FINAL.
type DiagnosticResult struct {
	ObservationNotes     *string `json:"observation_notes,omitempty"`
	DiagnosticConclusion *string `json:"diagnostic_conclusion,omitempty"`
}

// ListFilter narrows ListDetailOrders. Zero values mean "any".
type ListFilter struct {
	PatientID      *uuid.UUID
	PractitionerID *uuid.UUID
	Status         *Status
	Priority       *Priority
	Origin         *Origin
	From           *time.Time
	To             *time.Time
	Q              string
}

// IngestInput is an external ServiceRequest together with the local context
// the payload does not carry.
type IngestInput struct {
	Payload        json.RawMessage `json:"payload"`
	PatientID      *uuid.UUID      `json:"patient_id,omitempty"`
	PractitionerID *uuid.UUID      `json:"practitioner_id,omitempty"`
	ServiceRef     *string         `json:"service_ref,omitempty"`
	Patient        PatientSnapshot `json:"patient"`
}

// ---- FHIR rendering ----

var statusToFHIR = map[Status]string{
	StatusInRequest:  "active",
	StatusInQueue:    "active",
	StatusInProgress: "active",
	StatusFinal:      "completed",
}

var priorityToFHIR = map[Priority]string{
	PriorityRoutine: "routine",
	PriorityUrgent:  "urgent",
	PriorityStat:    "stat",
}

// ToFHIR renders d as a FHIR ServiceRequest. o may be nil.
func (d *DetailOrder) ToFHIR(o *Order) map[string]interface{} {
	identifiers := []fhir.Identifier{{
		Use: "usual",
		Type: &fhir.CodeableConcept{Coding: []fhir.Coding{{
			System: fhir.SystemIdentifier, Code: "ACSN", Display: "Accession ID",
		}}},
		System: fhir.SystemAccession,
		Value:  d.AccessionNumber,
	}, {
		Use:    "secondary",
		System: fhir.SystemOrderNumber,
		Value:  d.OrderNumber,
	}}

	code := fhir.CodeableConcept{Text: strVal(d.CodeText)}
	if d.LOINCCode != nil {
		code.Coding = append(code.Coding, fhir.Coding{System: fhir.SystemLOINC, Code: *d.LOINCCode, Display: strVal(d.LOINCDisplay)})
	}

	status := statusToFHIR[d.Status]
	if d.SRStatus != nil && d.Status != StatusFinal {
		status = *d.SRStatus
	}
	intent := "order"
	if d.SRIntent != nil {
		intent = *d.SRIntent
	}

	result := map[string]interface{}{
		"resourceType": "ServiceRequest",
		"id":           d.ID.String(),
		"status":       status,
		"intent":       intent,
		"identifier":   identifiers,
		"code":         code,
		"authoredOn":   d.OrderDate.Format(time.RFC3339),
		"meta":         fhir.Meta{LastUpdated: &d.UpdatedAt},
	}
	if p, ok := priorityToFHIR[d.Priority]; ok {
		result["priority"] = p
	}
	if d.ScheduledAt != nil {
		result["occurrenceDateTime"] = d.ScheduledAt.Format(time.RFC3339)
	} else if d.OccurrenceAt != nil {
		result["occurrenceDateTime"] = d.OccurrenceAt.Format(time.RFC3339)
	}

	var details []fhir.CodeableConcept
	if d.ModalityCode != nil {
		details = append(details, fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhir.SystemDICOM, Code: *d.ModalityCode}}})
	}
	if d.AETitle != nil {
		details = append(details, fhir.CodeableConcept{Coding: []fhir.Coding{{System: "urn:ris:ae-title", Code: *d.AETitle, Display: *d.AETitle}}})
	}
	if len(details) > 0 {
		result["orderDetail"] = details
	}

	if o != nil {
		subject := fhir.Reference{Display: strVal(o.Patient.Name)}
		if o.PatientID != nil {
			subject.Reference = fhir.FormatReference("Patient", o.PatientID.String())
		}
		result["subject"] = subject
		if o.EncounterRef != nil {
			result["encounter"] = fhir.Reference{Reference: fhir.FormatReference("Encounter", *o.EncounterRef)}
		}
	}
	if ref := reference("Practitioner", d.RequesterID, d.RequesterRef, d.RequesterDisplay); ref != nil {
		result["requester"] = ref
	}
	if ref := reference("Practitioner", d.PerformerID, d.PerformerRef, d.PerformerDisplay); ref != nil {
		result["performer"] = []fhir.Reference{*ref}
	}
	if d.DiagnosisCode != nil {
		result["reasonCode"] = []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{Code: *d.DiagnosisCode, Display: strVal(d.DiagnosisDisplay)}},
		}}
	}
	if d.Notes != nil {
		result["note"] = []fhir.Annotation{{Text: *d.Notes}}
	}
	return result
}

func reference(resourceType string, id *uuid.UUID, ref, display *string) *fhir.Reference {
	switch {
	case id != nil:
		return &fhir.Reference{Reference: fhir.FormatReference(resourceType, id.String()), Display: strVal(display)}
	case ref != nil:
		return &fhir.Reference{Reference: fhir.FormatReference(resourceType, *ref), Display: strVal(display)}
	case display != nil:
		return &fhir.Reference{Display: *display}
	}
	return nil
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string {
	return &s
}

// trimmedPtr returns nil for nil or blank input, else a trimmed copy.
func trimmedPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func blank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}
