package gdt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yanniks/health-companion-prototype/internal/platform/fhir"
)

// Content field identifiers used by the observation mapping.
const (
	FieldPatientNumber  = "3000"
	FieldFamilyName     = "3101"
	FieldGivenName      = "3102"
	FieldExamDate       = "6200"
	FieldExamTime       = "6201"
	FieldFreeText       = "6228"
	FieldTestIdent      = "8402"
	FieldTestLabelShort = "8410"
	FieldTestLabel      = "8411"
	FieldTestStatus     = "8418"
	FieldResultValue    = "8420"
	FieldResultUnit     = "8421"
	FieldNormalRange    = "8430"
	FieldNormalLow      = "8431"
	FieldNormalHigh     = "8432"
	FieldResultText     = "8460"
	FieldInterpretation = "8480"
	FieldHeartRate      = "8501"
	FieldECGImpression  = "8520"
)

// LOINC codes carrying the heart rate in an ECG observation's components.
var heartRateCodes = map[string]bool{
	"8867-4":  true,
	"76282-3": true,
}

// LOINC code for an ECG impression component.
const ecgImpressionCode = "8601-7"

// interpretationLabels maps HL7 interpretation codes to the German labels
// practice systems expect in field 8480.
var interpretationLabels = map[string]string{
	"H":   "Erhöht",
	"HH":  "Stark erhöht",
	"L":   "Erniedrigt",
	"LL":  "Stark erniedrigt",
	"N":   "Normal",
	"A":   "Auffällig",
	"AA":  "Stark auffällig",
	"POS": "Positiv",
	"NEG": "Negativ",
}

// GenerateObservation converts a FHIR Observation into a GDT document.
// Patient fields come from the subject reference and display; the clinical
// service synthesizes them for bundles that omit the subject. Without a
// subject the document carries no patient fields and a warning is returned.
//
// Returned warnings describe fields that could not be mapped; they never
// abort the conversion.
func GenerateObservation(obs *fhir.Observation, senderID, receiverID string) ([]byte, []string, error) {
	if obs == nil {
		return nil, nil, fmt.Errorf("gdt: observation is required")
	}

	doc := NewDocument(senderID, receiverID)
	var warnings []string

	// Patient identification
	if obs.Subject != nil {
		if ref := obs.Subject.Reference; ref != "" {
			doc.AddField(FieldPatientNumber, referenceTail(ref))
		}
		if obs.Subject.Display != "" {
			family, given := splitDisplayName(obs.Subject.Display)
			if family != "" {
				doc.AddField(FieldFamilyName, family)
			}
			if given != "" {
				doc.AddField(FieldGivenName, given)
			}
		}
	} else {
		warnings = append(warnings, "observation has no subject")
	}

	// Examination timestamp
	if t, ok := obs.EffectiveTime(); ok {
		doc.AddField(FieldExamDate, t.Format("02012006"))
		doc.AddField(FieldExamTime, t.Format("150405"))
	} else {
		warnings = append(warnings, "observation has no effective timestamp")
	}

	// Test identification
	if coding, ok := obs.FirstCoding(); ok {
		if coding.Code != "" {
			doc.AddField(FieldTestIdent, coding.Code)
		}
		if coding.Display != "" {
			doc.AddField(FieldTestLabelShort, truncate(coding.Display, 20))
		}
	}
	if label := codeLabel(obs.Code); label != "" {
		doc.AddField(FieldTestLabel, label)
	}

	mapValue(doc, obs, &warnings)
	mapReferenceRange(doc, obs)

	if obs.Status != "" {
		doc.AddField(FieldTestStatus, obs.Status)
	}

	if label := interpretationLabel(obs.Interpretation); label != "" {
		doc.AddField(FieldInterpretation, label)
	}

	mapComponents(doc, obs, &warnings)

	data, err := doc.Encode()
	if err != nil {
		return nil, warnings, err
	}
	return data, warnings, nil
}

// mapValue renders the observation's value[x] choice.
func mapValue(doc *Document, obs *fhir.Observation, warnings *[]string) {
	switch {
	case obs.ValueQuantity != nil:
		q := obs.ValueQuantity
		if q.Value != nil {
			doc.AddField(FieldResultValue, formatDecimal(*q.Value))
		}
		if unit := quantityUnit(q); unit != "" {
			doc.AddField(FieldResultUnit, unit)
		}
	case obs.ValueString != nil:
		doc.AddField(FieldResultText, *obs.ValueString)
	case obs.ValueCodeableConcept != nil:
		if text := codeLabel(obs.ValueCodeableConcept); text != "" {
			doc.AddField(FieldResultText, text)
		}
	case obs.ValueBoolean != nil:
		if *obs.ValueBoolean {
			doc.AddField(FieldResultText, "Positiv")
		} else {
			doc.AddField(FieldResultText, "Negativ")
		}
	case obs.ValueInteger != nil:
		doc.AddField(FieldResultText, strconv.Itoa(*obs.ValueInteger))
	case obs.ValueRange != nil:
		doc.AddField(FieldResultText, formatRange(obs.ValueRange))
	case obs.ValueRatio != nil:
		doc.AddField(FieldResultText, formatRatio(obs.ValueRatio))
	case obs.ValuePeriod != nil:
		doc.AddField(FieldResultText, formatPeriod(obs.ValuePeriod))
	default:
		if len(obs.Component) == 0 {
			*warnings = append(*warnings, "observation carries no value")
		}
	}
}

func mapReferenceRange(doc *Document, obs *fhir.Observation) {
	if len(obs.ReferenceRange) == 0 {
		return
	}
	rr := obs.ReferenceRange[0]
	low, high := "", ""
	if rr.Low != nil && rr.Low.Value != nil {
		low = formatDecimal(*rr.Low.Value)
		doc.AddField(FieldNormalLow, low)
	}
	if rr.High != nil && rr.High.Value != nil {
		high = formatDecimal(*rr.High.Value)
		doc.AddField(FieldNormalHigh, high)
	}
	switch {
	case low != "" && high != "":
		doc.AddField(FieldNormalRange, low+" - "+high)
	case rr.Text != "":
		doc.AddField(FieldNormalRange, rr.Text)
	}
}

// mapComponents renders ECG components: the heart rate gets its dedicated
// field, an impression its own, everything else becomes free text.
func mapComponents(doc *Document, obs *fhir.Observation, warnings *[]string) {
	for _, comp := range obs.Component {
		code := firstComponentCoding(comp)

		switch {
		case heartRateCodes[code.Code]:
			if comp.ValueQuantity != nil && comp.ValueQuantity.Value != nil {
				doc.AddField(FieldHeartRate, formatDecimal(*comp.ValueQuantity.Value))
			}
		case code.Code == ecgImpressionCode:
			if text := componentText(comp); text != "" {
				doc.AddField(FieldECGImpression, text)
			}
		default:
			label := componentLabel(comp)
			text := componentText(comp)
			if label == "" || text == "" {
				*warnings = append(*warnings, "skipping unmappable component")
				continue
			}
			doc.AddField(FieldFreeText, label+": "+text)
		}
	}
}

func firstComponentCoding(comp fhir.ObservationComponent) fhir.Coding {
	if comp.Code != nil && len(comp.Code.Coding) > 0 {
		return comp.Code.Coding[0]
	}
	return fhir.Coding{}
}

func componentLabel(comp fhir.ObservationComponent) string {
	if comp.Code == nil {
		return ""
	}
	if comp.Code.Text != "" {
		return comp.Code.Text
	}
	for _, c := range comp.Code.Coding {
		if c.Display != "" {
			return c.Display
		}
	}
	for _, c := range comp.Code.Coding {
		if c.Code != "" {
			return c.Code
		}
	}
	return ""
}

func componentText(comp fhir.ObservationComponent) string {
	switch {
	case comp.ValueString != nil:
		return *comp.ValueString
	case comp.ValueCodeableConcept != nil:
		return codeLabel(comp.ValueCodeableConcept)
	case comp.ValueQuantity != nil && comp.ValueQuantity.Value != nil:
		text := formatDecimal(*comp.ValueQuantity.Value)
		if unit := quantityUnit(comp.ValueQuantity); unit != "" {
			text += " " + unit
		}
		return text
	case comp.ValueInteger != nil:
		return strconv.Itoa(*comp.ValueInteger)
	}
	return ""
}

// interpretationLabel maps the first interpretation to its German label,
// preferring plain text, then the coded form.
func interpretationLabel(interpretations []fhir.CodeableConcept) string {
	if len(interpretations) == 0 {
		return ""
	}
	first := interpretations[0]
	if first.Text != "" {
		if label, ok := interpretationLabels[strings.ToUpper(first.Text)]; ok {
			return label
		}
		return first.Text
	}
	for _, c := range first.Coding {
		if label, ok := interpretationLabels[strings.ToUpper(c.Code)]; ok {
			return label
		}
		if c.Display != "" {
			return c.Display
		}
	}
	return ""
}

func codeLabel(cc *fhir.CodeableConcept) string {
	if cc == nil {
		return ""
	}
	for _, c := range cc.Coding {
		if c.Display != "" {
			return c.Display
		}
	}
	return cc.Text
}

func quantityUnit(q *fhir.Quantity) string {
	if q.Unit != "" {
		return q.Unit
	}
	return q.Code
}

// formatDecimal renders a value in plain fixed-point notation; GDT readers
// do not understand exponents.
func formatDecimal(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatRange(r *fhir.Range) string {
	low, high := "", ""
	if r.Low != nil && r.Low.Value != nil {
		low = formatDecimal(*r.Low.Value)
	}
	if r.High != nil && r.High.Value != nil {
		high = formatDecimal(*r.High.Value)
	}
	return low + " - " + high
}

func formatRatio(r *fhir.Ratio) string {
	num, den := "", ""
	if r.Numerator != nil && r.Numerator.Value != nil {
		num = formatDecimal(*r.Numerator.Value)
	}
	if r.Denominator != nil && r.Denominator.Value != nil {
		den = formatDecimal(*r.Denominator.Value)
	}
	return num + " / " + den
}

func formatPeriod(p *fhir.Period) string {
	return strings.TrimSpace(p.Start + " - " + p.End)
}

// referenceTail returns the identifier part of a literal reference such as
// "Patient/1".
func referenceTail(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// splitDisplayName splits a "family, given" display into its parts.
func splitDisplayName(display string) (family, given string) {
	parts := strings.SplitN(display, ",", 2)
	family = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		given = strings.TrimSpace(parts[1])
	}
	return family, given
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
