// Package analysis talks to the clinical analysis backend: transcript and
// audio analysis, and visit persistence.
package analysis

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// MaxMedicationLen is the longest prescription line kept for display.
const MaxMedicationLen = 140

type Diagnosis struct {
	Name        string  `json:"name" validate:"required"`
	Probability float64 `json:"probability" validate:"gte=0,lte=1"`
}

type SOAPNotes struct {
	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`
}

// Result is the analysis backend response. Absent fields decode to their
// zero value and never overwrite displayed values in a partial merge.
type Result struct {
	Transcript            string      `json:"transcript"`
	SuggestedQuestions    []string    `json:"suggested_questions,omitempty"`
	DifferentialDiagnosis []Diagnosis `json:"differential_diagnosis,omitempty"`
	SOAPNotes             *SOAPNotes  `json:"soap_notes,omitempty"`
	TreatmentPlan         string      `json:"treatment_plan,omitempty"`
	Prescription          []string    `json:"prescription,omitempty"`
}

// Clone returns a deep copy of r.
func (r Result) Clone() Result {
	out := r
	out.SuggestedQuestions = append([]string(nil), r.SuggestedQuestions...)
	out.DifferentialDiagnosis = append([]Diagnosis(nil), r.DifferentialDiagnosis...)
	out.Prescription = append([]string(nil), r.Prescription...)
	if r.SOAPNotes != nil {
		notes := *r.SOAPNotes
		out.SOAPNotes = &notes
	}
	return out
}

// Empty reports whether r carries no analysis output.
func (r Result) Empty() bool {
	return len(r.DifferentialDiagnosis) == 0 && r.SOAPNotes == nil && r.TreatmentPlan == "" && len(r.Prescription) == 0
}

// MergePartial folds a mid-conversation result into prev. Only the
// differential diagnosis and SOAP notes are taken, and only when present.
func MergePartial(prev, next Result, transcript string) Result {
	out := prev.Clone()
	if len(next.DifferentialDiagnosis) > 0 {
		out.DifferentialDiagnosis = append([]Diagnosis(nil), next.DifferentialDiagnosis...)
	}
	if next.SOAPNotes != nil {
		notes := *next.SOAPNotes
		out.SOAPNotes = &notes
	}
	out.Transcript = transcript
	return out
}

// MergeFull folds the final result into prev. Every field present in next
// wins, including the treatment plan and prescription.
func MergeFull(prev, next Result, transcript string) Result {
	out := prev.Clone()
	n := next.Clone()
	if len(n.SuggestedQuestions) > 0 {
		out.SuggestedQuestions = n.SuggestedQuestions
	}
	if len(n.DifferentialDiagnosis) > 0 {
		out.DifferentialDiagnosis = n.DifferentialDiagnosis
	}
	if n.SOAPNotes != nil {
		out.SOAPNotes = n.SOAPNotes
	}
	if n.TreatmentPlan != "" {
		out.TreatmentPlan = n.TreatmentPlan
	}
	if len(n.Prescription) > 0 {
		out.Prescription = n.Prescription
	}
	out.Transcript = transcript
	return out
}

var (
	validate         = validator.New()
	nonMedicationRe  = regexp.MustCompile(`(?i)(follow up|follow-up|consult|visit|as directed|take as directed|treatment plan|plan|advice)`)
	collapseSpacesRe = regexp.MustCompile(`\s+`)
)

// Sanitize drops diagnoses that fail validation and returns how many were
// dropped.
func (r *Result) Sanitize() int {
	kept := r.DifferentialDiagnosis[:0]
	dropped := 0
	for _, d := range r.DifferentialDiagnosis {
		d.Name = strings.TrimSpace(d.Name)
		if err := validate.Struct(d); err != nil {
			dropped++
			continue
		}
		kept = append(kept, d)
	}
	r.DifferentialDiagnosis = kept
	return dropped
}

// Medications returns the displayable prescription lines: first line only,
// plan and follow-up wording removed, long lines dropped, duplicates removed.
func (r Result) Medications() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, item := range r.Prescription {
		line := FormatMedication(item)
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}

// FormatMedication cleans one prescription entry. It returns "" when the
// entry is not a medication line.
func FormatMedication(item string) string {
	s := strings.TrimSpace(item)
	if s == "" {
		return ""
	}
	first, _, _ := strings.Cut(s, "\n")
	clean := nonMedicationRe.ReplaceAllString(strings.TrimSpace(first), "")
	clean = strings.TrimSpace(collapseSpacesRe.ReplaceAllString(clean, " "))
	if utf8.RuneCountInString(clean) > MaxMedicationLen {
		return ""
	}
	return clean
}
