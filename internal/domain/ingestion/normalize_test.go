package ingestion

import (
	"encoding/json"
	"strings"
	"testing"
)

func normalizeJSON(t *testing.T, in string) (map[string]interface{}, string) {
	t.Helper()
	var obs map[string]interface{}
	if err := json.Unmarshal([]byte(in), &obs); err != nil {
		t.Fatalf("decode input: %v", err)
	}
	out := NormalizeObservation(obs)
	encoded, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("encode output: %v", err)
	}
	return out, string(encoded)
}

func TestNormalize_ReplacesVendorECGCode(t *testing.T) {
	in := `{
		"resourceType": "Observation",
		"code": {"coding": [{"system": "` + VendorSystem + `", "code": "HKElectrocardiogram"}]}
	}`

	_, encoded := normalizeJSON(t, in)

	if strings.Contains(encoded, VendorSystem) {
		t.Error("vendor system must not survive normalization")
	}
	if !strings.Contains(encoded, SystemLOINC) {
		t.Error("expected the LOINC system URI")
	}
	if !strings.Contains(encoded, "11524-6") {
		t.Error("expected the standard ECG study code")
	}
}

func TestNormalize_MapsAllKnownVendorCodes(t *testing.T) {
	for vendorCode, want := range vendorCodeMappings {
		in := `{"code": {"coding": [{"system": "` + VendorSystem + `", "code": "` + vendorCode + `"}]}}`
		_, encoded := normalizeJSON(t, in)
		if strings.Contains(encoded, VendorSystem) {
			t.Errorf("%s: vendor system survived", vendorCode)
		}
		if !strings.Contains(encoded, want.Code) {
			t.Errorf("%s: expected standard code %s in %s", vendorCode, want.Code, encoded)
		}
	}
}

func TestNormalize_NonVendorCodingsPassThrough(t *testing.T) {
	in := `{"code": {"coding": [{"system": "http://loinc.org", "code": "8867-4", "display": "Heart rate"}]}}`

	out, _ := normalizeJSON(t, in)

	coding := out["code"].(map[string]interface{})["coding"].([]interface{})[0].(map[string]interface{})
	if coding["system"] != "http://loinc.org" || coding["code"] != "8867-4" || coding["display"] != "Heart rate" {
		t.Errorf("non-vendor coding was modified: %v", coding)
	}
}

func TestNormalize_UnknownVendorCodingPreservedVerbatim(t *testing.T) {
	in := `{"code": {"coding": [{"system": "` + VendorSystem + `", "code": "HKSomethingNew"}]}}`

	out, _ := normalizeJSON(t, in)

	coding := out["code"].(map[string]interface{})["coding"].([]interface{})[0].(map[string]interface{})
	if coding["system"] != VendorSystem || coding["code"] != "HKSomethingNew" {
		t.Errorf("unmapped vendor coding must be preserved: %v", coding)
	}
}

func TestNormalize_CategoryCodings(t *testing.T) {
	in := `{
		"category": [
			{"coding": [{"system": "` + VendorSystem + `", "code": "HKCategoryTypeIdentifierDizziness"}]},
			{"coding": [{"system": "http://terminology.hl7.org/CodeSystem/observation-category", "code": "vital-signs"}]}
		]
	}`

	_, encoded := normalizeJSON(t, in)

	if strings.Contains(encoded, VendorSystem) {
		t.Error("vendor system in category must be replaced")
	}
	if !strings.Contains(encoded, "404640003") {
		t.Error("expected the SNOMED dizziness code")
	}
	if !strings.Contains(encoded, "vital-signs") {
		t.Error("non-vendor category coding must pass through")
	}
}

func TestNormalize_ComponentCodesAndClassification(t *testing.T) {
	in := `{
		"component": [
			{
				"code": {"coding": [{"system": "` + VendorSystem + `", "code": "HKElectrocardiogramClassification"}]},
				"valueString": "HKElectrocardiogramClassificationSinusRhythm"
			},
			{
				"code": {"coding": [{"system": "` + VendorSystem + `", "code": "HKElectrocardiogramSamplingFrequency"}]},
				"valueQuantity": {"value": 512, "unit": "Hz"}
			}
		]
	}`

	_, encoded := normalizeJSON(t, in)

	if strings.Contains(encoded, VendorSystem) {
		t.Error("vendor systems in components must be replaced")
	}
	if !strings.Contains(encoded, "8601-7") {
		t.Error("expected LOINC EKG impression code")
	}
	if !strings.Contains(encoded, "MDC_ATTR_SAMP_RATE") {
		t.Error("expected MDC sampling frequency code")
	}
	if strings.Contains(encoded, "HKElectrocardiogramClassificationSinusRhythm") {
		t.Error("raw classification enum must be replaced")
	}
	if !strings.Contains(encoded, "Sinus Rhythm") {
		t.Error("expected the human-readable classification label")
	}
}

func TestNormalize_UnknownClassificationStringsPassThrough(t *testing.T) {
	in := `{"valueString": "free text result"}`
	out, _ := normalizeJSON(t, in)
	if out["valueString"] != "free text result" {
		t.Errorf("plain value strings must pass through, got %v", out["valueString"])
	}
}

func TestNormalize_EmptyCodingArraysBecomeAbsent(t *testing.T) {
	in := `{"code": {"coding": [], "text": "manual entry"}, "category": []}`

	out, encoded := normalizeJSON(t, in)

	code := out["code"].(map[string]interface{})
	if _, present := code["coding"]; present {
		t.Error("empty coding array must be dropped")
	}
	if _, present := out["category"]; present {
		t.Error("empty category array must be dropped")
	}
	if !strings.Contains(encoded, "manual entry") {
		t.Error("sibling fields must survive")
	}
}

func TestNormalize_UntouchedFieldsSurvive(t *testing.T) {
	in := `{
		"resourceType": "Observation",
		"status": "final",
		"device": {"display": "Apple Watch"},
		"note": [{"text": "recorded during exercise"}],
		"code": {"coding": [{"system": "` + VendorSystem + `", "code": "HKElectrocardiogram"}]}
	}`

	_, encoded := normalizeJSON(t, in)

	for _, want := range []string{"Apple Watch", "recorded during exercise", `"status":"final"`} {
		if !strings.Contains(encoded, want) {
			t.Errorf("expected %q to survive normalization", want)
		}
	}
}
