package radiology

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/ris/ris/internal/platform/fhir"
)

// Code-system markers recognised in an inbound ServiceRequest. Matching is by
// case-insensitive substring so national system URLs of the same family are
// accepted.
const (
	markerLOINC          = "loinc.org"
	markerKPTL           = "kptl"
	markerDICOM          = "dicom.nema.org"
	markerServiceRequest = "/servicerequest/"
	identifierTypeACSN   = "ACSN"
)

var (
	aeTitleMarkers  = []string{"aetitle", "ae-title"}
	contrastMarkers = []string{"/kfa", "formulary"}
)

// ServiceRequest is the typed subset of an inbound FHIR ServiceRequest. Every
// field is optional.
type ServiceRequest struct {
	ResourceType       string
	ID                 string
	Status             *string
	Intent             *string
	Priority           *Priority
	OccurrenceDateTime *DateTime
	Identifier         []fhir.Identifier
	Category           []fhir.CodeableConcept
	Code               *fhir.CodeableConcept
	OrderDetail        []fhir.CodeableConcept
	Subject            *fhir.Reference
	Encounter          *fhir.Reference
	Requester          *fhir.Reference
	Performer          []fhir.Reference
	ReasonCode         []fhir.CodeableConcept
	SupportingInfo     []fhir.Reference

	// Raw is the payload exactly as received.
	Raw json.RawMessage
}

// DateTime is a FHIR dateTime. Values without a UTC offset are resolved in
// the location passed to Time.
type DateTime struct {
	raw    string
	layout string
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func (dt *DateTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := gojson.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	for _, layout := range dateTimeLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			dt.raw, dt.layout = s, layout
			return nil
		}
	}
	return fmt.Errorf("unrecognised dateTime %q", s)
}

// Time resolves dt. loc applies only when the value carries no offset.
func (dt DateTime) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t, _ := time.ParseInLocation(dt.layout, dt.raw, loc)
	return t
}

func (dt DateTime) String() string { return dt.raw }

// ParseServiceRequest decodes raw once at the boundary. Each top-level field
// and each array element is decoded independently: a malformed field is
// dropped and reported in warnings, never failing the whole payload. Only a
// payload that is not a JSON object, or that names another resourceType, is
// rejected.
func ParseServiceRequest(raw []byte) (*ServiceRequest, []string, error) {
	var fields map[string]json.RawMessage
	if err := gojson.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, nil, validationError("payload", "ServiceRequest payload must be a JSON object")
	}

	sr := &ServiceRequest{Raw: append(json.RawMessage(nil), raw...)}
	var warnings []string
	warn := func(field string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s: %v", field, err))
	}

	decodeField(fields, "resourceType", &sr.ResourceType, warn)
	if sr.ResourceType != "" && sr.ResourceType != "ServiceRequest" {
		return nil, nil, validationError("resourceType", "expected ServiceRequest, got %s", sr.ResourceType)
	}
	decodeField(fields, "id", &sr.ID, warn)

	var s string
	if decodeField(fields, "status", &s, warn) {
		sr.Status = &s
	}
	var intent string
	if decodeField(fields, "intent", &intent, warn) {
		sr.Intent = &intent
	}
	var prio string
	if decodeField(fields, "priority", &prio, warn) {
		if p, ok := NormalizePriority(prio); ok {
			sr.Priority = &p
		} else {
			warn("priority", fmt.Errorf("unsupported value %q", prio))
		}
	}
	var occ DateTime
	if decodeField(fields, "occurrenceDateTime", &occ, warn) {
		sr.OccurrenceDateTime = &occ
	}

	var code fhir.CodeableConcept
	if decodeField(fields, "code", &code, warn) {
		sr.Code = &code
	}
	var subject, encounter, requester fhir.Reference
	if decodeField(fields, "subject", &subject, warn) {
		sr.Subject = &subject
	}
	if decodeField(fields, "encounter", &encounter, warn) {
		sr.Encounter = &encounter
	}
	if decodeField(fields, "requester", &requester, warn) {
		sr.Requester = &requester
	}

	sr.Identifier = decodeList[fhir.Identifier](fields, "identifier", warn)
	sr.Category = decodeList[fhir.CodeableConcept](fields, "category", warn)
	sr.OrderDetail = decodeList[fhir.CodeableConcept](fields, "orderDetail", warn)
	sr.Performer = decodeList[fhir.Reference](fields, "performer", warn)
	sr.ReasonCode = decodeList[fhir.CodeableConcept](fields, "reasonCode", warn)
	sr.SupportingInfo = decodeList[fhir.Reference](fields, "supportingInfo", warn)

	return sr, warnings, nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decodeField decodes fields[name] into dst and reports whether it did.
func decodeField[T any](fields map[string]json.RawMessage, name string, dst *T, warn func(string, error)) bool {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return false
	}
	var v T
	if err := gojson.Unmarshal(raw, &v); err != nil {
		warn(name, err)
		return false
	}
	*dst = v
	return true
}

// decodeList decodes an array element by element, skipping bad elements.
func decodeList[T any](fields map[string]json.RawMessage, name string, warn func(string, error)) []T {
	var items []json.RawMessage
	if !decodeField(fields, name, &items, warn) {
		return nil
	}
	out := make([]T, 0, len(items))
	for i, raw := range items {
		if isNull(raw) {
			continue
		}
		var v T
		if err := gojson.Unmarshal(raw, &v); err != nil {
			warn(fmt.Sprintf("%s[%d]", name, i), err)
			continue
		}
		out = append(out, v)
	}
	return out
}

// DetailOrderPatch is the partial DetailOrder derived from a ServiceRequest.
// A nil field means "not present in the payload" and is never applied.
type DetailOrderPatch struct {
	SRStatus            *string
	SRIntent            *string
	Priority            *Priority
	OccurrenceAt        *time.Time
	SRAccession         *string
	ExtServiceRequestID *string
	ExtObservationID    *string
	ExtProcedureID      *string
	ExtAllergyID        *string
	LOINCCode           *string
	LOINCDisplay        *string
	KPTLCode            *string
	KPTLDisplay         *string
	CodeText            *string
	ModalityCode        *string
	AETitle             *string
	ContrastCode        *string
	ContrastDisplay     *string
	RequesterRef        *string
	RequesterDisplay    *string
	PerformerRef        *string
	PerformerDisplay    *string
	DiagnosisCode       *string
	DiagnosisDisplay    *string
	RawPayload          json.RawMessage
}

// MapServiceRequest derives a DetailOrderPatch from sr. Every attribute is
// extracted independently; where several entries match, the first wins.
func MapServiceRequest(sr *ServiceRequest, loc *time.Location) DetailOrderPatch {
	var p DetailOrderPatch
	if sr == nil {
		return p
	}

	p.SRStatus = trimmedPtr(sr.Status)
	p.SRIntent = trimmedPtr(sr.Intent)
	p.Priority = sr.Priority
	if sr.OccurrenceDateTime != nil {
		t := sr.OccurrenceDateTime.Time(loc)
		p.OccurrenceAt = &t
	}

	for _, id := range sr.Identifier {
		if id.Value == "" {
			continue
		}
		if p.SRAccession == nil && hasTypeCode(id.Type, identifierTypeACSN) {
			p.SRAccession = strPtr(id.Value)
		}
		if p.ExtServiceRequestID == nil && containsFold(id.System, markerServiceRequest) {
			p.ExtServiceRequestID = strPtr(id.Value)
		}
	}
	if p.ExtServiceRequestID == nil && sr.ID != "" {
		p.ExtServiceRequestID = strPtr(sr.ID)
	}

	for _, c := range codings(sr) {
		switch {
		case p.LOINCCode == nil && containsFold(c.System, markerLOINC) && c.Code != "":
			p.LOINCCode = strPtr(c.Code)
			p.LOINCDisplay = nonEmpty(c.Display)
		case p.KPTLCode == nil && containsFold(c.System, markerKPTL) && c.Code != "":
			p.KPTLCode = strPtr(c.Code)
			p.KPTLDisplay = nonEmpty(c.Display)
		}
	}
	if sr.Code != nil {
		p.CodeText = nonEmpty(sr.Code.Text)
	}

	for _, detail := range sr.OrderDetail {
		for _, c := range detail.Coding {
			switch {
			case p.ModalityCode == nil && containsFold(c.System, markerDICOM) && c.Code != "":
				p.ModalityCode = strPtr(NormalizeModalityCode(c.Code))
			case p.AETitle == nil && containsAnyFold(c.System, aeTitleMarkers):
				p.AETitle = firstNonEmpty(c.Display, c.Code)
			case p.ContrastCode == nil && containsAnyFold(c.System, contrastMarkers) && c.Code != "":
				p.ContrastCode = strPtr(c.Code)
				p.ContrastDisplay = nonEmpty(c.Display)
			}
		}
	}

	if sr.Requester != nil {
		p.RequesterRef, p.RequesterDisplay = splitActor(*sr.Requester)
	}
	if len(sr.Performer) > 0 {
		p.PerformerRef, p.PerformerDisplay = splitActor(sr.Performer[0])
	}

	if len(sr.ReasonCode) > 0 {
		if c := sr.ReasonCode[0].FirstCoding(); c != nil {
			p.DiagnosisCode = nonEmpty(c.Code)
			p.DiagnosisDisplay = nonEmpty(c.Display)
		}
	}

	for _, ref := range sr.SupportingInfo {
		typ, id := fhir.SplitReference(ref.Reference)
		if id == "" {
			continue
		}
		switch {
		case typ == "Observation" && p.ExtObservationID == nil:
			p.ExtObservationID = strPtr(id)
		case typ == "Procedure" && p.ExtProcedureID == nil:
			p.ExtProcedureID = strPtr(id)
		case typ == "AllergyIntolerance" && p.ExtAllergyID == nil:
			p.ExtAllergyID = strPtr(id)
		}
	}

	if len(sr.Raw) > 0 {
		p.RawPayload = sr.Raw
	}
	return p
}

// codings lists category codings before code codings.
func codings(sr *ServiceRequest) []fhir.Coding {
	var out []fhir.Coding
	for _, cat := range sr.Category {
		out = append(out, cat.Coding...)
	}
	if sr.Code != nil {
		out = append(out, sr.Code.Coding...)
	}
	return out
}

func splitActor(ref fhir.Reference) (id, display *string) {
	if _, v := fhir.SplitReference(ref.Reference); v != "" {
		id = &v
	}
	return id, nonEmpty(ref.Display)
}

func hasTypeCode(cc *fhir.CodeableConcept, code string) bool {
	if cc == nil {
		return false
	}
	for _, c := range cc.Coding {
		if strings.EqualFold(c.Code, code) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}

func containsAnyFold(s string, substrs []string) bool {
	for _, sub := range substrs {
		if containsFold(s, sub) {
			return true
		}
	}
	return false
}

func nonEmpty(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}

func firstNonEmpty(values ...string) *string {
	for _, v := range values {
		if p := nonEmpty(v); p != nil {
			return p
		}
	}
	return nil
}

// DispatchConflict returns the first worklist field the patch would change
// on d, or "" when it leaves them as they are. Fields a dispatched detail
// order has already handed to the modality must not move under it.
func (p DetailOrderPatch) DispatchConflict(d *DetailOrder) string {
	differs := func(v, cur *string) bool {
		return v != nil && *v != strVal(cur)
	}
	switch {
	case differs(p.ModalityCode, d.ModalityCode):
		return FieldModality
	case differs(p.AETitle, d.AETitle):
		return FieldAETitle
	case differs(p.PerformerRef, d.PerformerRef), differs(p.PerformerDisplay, d.PerformerDisplay):
		return FieldPerformer
	case differs(p.LOINCCode, d.LOINCCode):
		return "code"
	case p.OccurrenceAt != nil && (d.OccurrenceAt == nil || !p.OccurrenceAt.Equal(*d.OccurrenceAt)):
		return "occurrence"
	}
	return ""
}

// Apply copies every non-nil patch field onto d. Status, identifiers and
// preparation flags are not touched. It reports whether the modality code
// changed, in which case the caller must re-resolve the modality id.
func (p DetailOrderPatch) Apply(d *DetailOrder) (modalityChanged bool) {
	set := func(dst **string, v *string) {
		if v != nil {
			*dst = v
		}
	}
	set(&d.SRStatus, p.SRStatus)
	set(&d.SRIntent, p.SRIntent)
	set(&d.SRAccession, p.SRAccession)
	set(&d.ExtServiceRequestID, p.ExtServiceRequestID)
	set(&d.ExtObservationID, p.ExtObservationID)
	set(&d.ExtProcedureID, p.ExtProcedureID)
	set(&d.ExtAllergyID, p.ExtAllergyID)
	set(&d.LOINCCode, p.LOINCCode)
	set(&d.LOINCDisplay, p.LOINCDisplay)
	set(&d.KPTLCode, p.KPTLCode)
	set(&d.KPTLDisplay, p.KPTLDisplay)
	set(&d.CodeText, p.CodeText)
	set(&d.AETitle, p.AETitle)
	set(&d.ContrastCode, p.ContrastCode)
	set(&d.ContrastDisplay, p.ContrastDisplay)
	set(&d.RequesterRef, p.RequesterRef)
	set(&d.RequesterDisplay, p.RequesterDisplay)
	set(&d.PerformerRef, p.PerformerRef)
	set(&d.PerformerDisplay, p.PerformerDisplay)
	set(&d.DiagnosisCode, p.DiagnosisCode)
	set(&d.DiagnosisDisplay, p.DiagnosisDisplay)

	if p.Priority != nil {
		d.Priority = *p.Priority
	}
	if p.OccurrenceAt != nil {
		d.OccurrenceAt = p.OccurrenceAt
	}
	if p.ModalityCode != nil && strVal(d.ModalityCode) != *p.ModalityCode {
		d.ModalityCode = p.ModalityCode
		modalityChanged = true
	}
	if len(p.RawPayload) > 0 {
		d.RawPayload = p.RawPayload
	}
	return modalityChanged
}
