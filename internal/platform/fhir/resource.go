package fhir

import (
	"strings"
	"time"
)

// Code systems the radiology service reads from or writes to.
const (
	SystemLOINC       = "http://loinc.org"
	SystemDICOM       = "http://dicom.nema.org/resources/ontology/DCM"
	SystemIdentifier  = "http://terminology.hl7.org/CodeSystem/v2-0203"
	SystemAccession   = "urn:ris:accession"
	SystemOrderNumber = "urn:ris:order-number"
)

type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Profile     []string   `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// FirstCoding returns the first coding of cc, or nil.
func (cc *CodeableConcept) FirstCoding() *Coding {
	if cc == nil || len(cc.Coding) == 0 {
		return nil
	}
	return &cc.Coding[0]
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

type Annotation struct {
	Text string     `json:"text"`
	Time *time.Time `json:"time,omitempty"`
}

// FormatReference builds a literal reference such as "Patient/123".
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}

// SplitReference returns the type and id of a literal reference. Absolute
// URLs are reduced to their last two path segments, so
// "https://x/fhir/Practitioner/9" yields ("Practitioner", "9"). A value with
// no slash yields an empty type and the value as id.
func SplitReference(ref string) (resourceType, id string) {
	ref = strings.TrimSuffix(strings.TrimSpace(ref), "/")
	if ref == "" {
		return "", ""
	}
	i := strings.LastIndex(ref, "/")
	if i < 0 {
		return "", ref
	}
	id = ref[i+1:]
	head := ref[:i]
	if j := strings.LastIndex(head, "/"); j >= 0 {
		head = head[j+1:]
	}
	return head, id
}
