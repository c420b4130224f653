package radiology

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ris/ris/internal/platform/fhir"
)

func TestNormalizePriority(t *testing.T) {
	tests := map[string]Priority{
		"routine": PriorityRoutine,
		"URGENT":  PriorityUrgent,
		" stat ":  PriorityStat,
		"asap":    PriorityUrgent,
	}
	for in, want := range tests {
		got, ok := NormalizePriority(in)
		if !ok || got != want {
			t.Errorf("NormalizePriority(%q) = %s, %v", in, got, ok)
		}
	}
	if _, ok := NormalizePriority("whenever"); ok {
		t.Error("unknown priority accepted")
	}
}

func TestDetailOrder_ToFHIR(t *testing.T) {
	patientID := uuid.New()
	o := &Order{
		PatientID:    &patientID,
		EncounterRef: strPtr("enc-77"),
		Patient:      PatientSnapshot{Name: strPtr("Budi Santoso")},
	}
	d := dispatchableDetail()
	d.Priority = PriorityStat
	d.OrderDate = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	d.LOINCCode = strPtr("24725-4")
	d.LOINCDisplay = strPtr("CT Head")
	d.RequesterRef = strPtr("N10000001")
	d.DiagnosisCode = strPtr("S06.0")

	res := d.ToFHIR(o)
	if res["resourceType"] != "ServiceRequest" || res["id"] != d.ID.String() {
		t.Errorf("resource header: %v %v", res["resourceType"], res["id"])
	}
	if res["status"] != "active" || res["intent"] != "order" || res["priority"] != "stat" {
		t.Errorf("status/intent/priority = %v/%v/%v", res["status"], res["intent"], res["priority"])
	}

	ids := res["identifier"].([]fhir.Identifier)
	if ids[0].Value != "CT20240601001" || ids[0].System != fhir.SystemAccession || ids[0].Type.Coding[0].Code != "ACSN" {
		t.Errorf("accession identifier = %+v", ids[0])
	}
	if ids[1].Value != "ORD-20240601-0001" {
		t.Errorf("order number identifier = %+v", ids[1])
	}

	subject := res["subject"].(fhir.Reference)
	if subject.Reference != "Patient/"+patientID.String() || subject.Display != "Budi Santoso" {
		t.Errorf("subject = %+v", subject)
	}
	if res["encounter"].(fhir.Reference).Reference != "Encounter/enc-77" {
		t.Errorf("encounter = %+v", res["encounter"])
	}
	if res["requester"].(*fhir.Reference).Reference != "Practitioner/N10000001" {
		t.Errorf("requester = %+v", res["requester"])
	}
	if perf := res["performer"].([]fhir.Reference); len(perf) != 1 || perf[0].Reference != "Practitioner/"+d.PerformerID.String() {
		t.Errorf("performer = %+v", perf)
	}
	details := res["orderDetail"].([]fhir.CodeableConcept)
	if len(details) != 2 || details[0].Coding[0].Code != "CT" || details[1].Coding[0].Code != "CTAE01" {
		t.Errorf("orderDetail = %+v", details)
	}

	d.Status = StatusFinal
	if got := d.ToFHIR(nil)["status"]; got != "completed" {
		t.Errorf("final status = %v", got)
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("boom")
	wrapped := fmt.Errorf("outer: %w", conflict("accession_number", "taken", cause))

	if KindOf(nil) != "" {
		t.Error("nil error has no kind")
	}
	if KindOf(cause) != KindInternal {
		t.Error("plain errors are internal")
	}
	if KindOf(wrapped) != KindConflict || FieldOf(wrapped) != "accession_number" {
		t.Errorf("wrapped kind/field = %s/%s", KindOf(wrapped), FieldOf(wrapped))
	}
	if !errors.Is(wrapped, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if got := internal("create order", cause).Error(); got != "internal: create order failed" {
		t.Errorf("internal message leaks cause: %q", got)
	}
	if got := notFound("order", "x").Error(); got != "not_found: order x not found" {
		t.Errorf("not found message = %q", got)
	}
}
