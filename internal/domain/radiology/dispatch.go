package radiology

import (
	"time"
)

// Dispatch fields, in the order CanDispatch checks them.
const (
	FieldAccessionNumber = "accession_number"
	FieldModality        = "modality"
	FieldAETitle         = "ae_title"
	FieldPerformer       = "performer"
)

// CanDispatch gates the hand-off of d to the modality worklist. It returns a
// PreconditionFailed error naming the first missing field, or nil.
func CanDispatch(d *DetailOrder) error {
	switch {
	case d.AccessionNumber == "":
		return preconditionFailed(FieldAccessionNumber)
	case d.ModalityID == nil:
		return preconditionFailed(FieldModality)
	case blank(d.AETitle):
		return preconditionFailed(FieldAETitle)
	case d.PerformerID == nil && blank(d.PerformerRef):
		return preconditionFailed(FieldPerformer)
	}
	return nil
}

// DispatchProjection is the read-only view handed to the worklist
// collaborator. It carries nothing beyond what the device needs.
type DispatchProjection struct {
	AccessionNumber  string          `json:"accession_number"`
	ModalityCode     string          `json:"modality_code"`
	AETitle          string          `json:"ae_title"`
	PerformerDisplay string          `json:"performer_display"`
	ProcedureCode    string          `json:"procedure_code"`
	ProcedureDisplay string          `json:"procedure_display"`
	ScheduledAt      *time.Time      `json:"scheduled_at,omitempty"`
	Patient          PatientSnapshot `json:"patient"`
}

// NewDispatchProjection builds the worklist view of d. p may be nil, in which
// case the codes captured from the external request are used.
func NewDispatchProjection(o *Order, d *DetailOrder, p *Procedure) (*DispatchProjection, error) {
	if err := CanDispatch(d); err != nil {
		return nil, err
	}

	proj := &DispatchProjection{
		AccessionNumber:  d.AccessionNumber,
		ModalityCode:     strVal(d.ModalityCode),
		AETitle:          *d.AETitle,
		PerformerDisplay: strVal(d.PerformerDisplay),
		ProcedureCode:    strVal(d.LOINCCode),
		ProcedureDisplay: strVal(d.LOINCDisplay),
		ScheduledAt:      d.ScheduledAt,
	}
	if p != nil {
		proj.ProcedureCode = p.LOINCCode
		proj.ProcedureDisplay = p.Display
	}
	if proj.ScheduledAt == nil {
		proj.ScheduledAt = d.OccurrenceAt
	}
	if o != nil {
		proj.Patient = o.Patient
	}
	return proj, nil
}
