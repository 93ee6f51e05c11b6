package ingestion

// VendorSystem is the code system the mobile client stamps on HealthKit
// sourced codings. The gateway rewrites these to standard terminologies
// before anything reaches the clinical stage.
const VendorSystem = "http://developer.apple.com/documentation/healthkit"

// Standard terminology system URIs.
const (
	SystemLOINC  = "http://loinc.org"
	SystemMDC    = "urn:iso:std:iso:11073:10101"
	SystemSNOMED = "http://snomed.info/sct"
)

type standardCoding struct {
	System  string
	Code    string
	Display string
}

// vendorCodeMappings rewrites vendor codes to their standard-system
// equivalents. Codings outside this map pass through verbatim.
var vendorCodeMappings = map[string]standardCoding{
	// ECG study
	"HKElectrocardiogram": {SystemLOINC, "11524-6", "EKG study"},
	// ECG impression / classification
	"HKElectrocardiogramClassification": {SystemLOINC, "8601-7", "EKG impression"},
	// ECG metadata
	"HKElectrocardiogramVoltageMeasurementCount": {SystemMDC, "MDC_ATTR_NUM_SAMPLES", "Voltage Measurement Count"},
	"HKElectrocardiogramSamplingFrequency":       {SystemMDC, "MDC_ATTR_SAMP_RATE", "Sampling Frequency"},
	// Symptom findings
	"HKCategoryTypeIdentifierChestTightnessOrPain":               {SystemSNOMED, "29857009", "Chest pain"},
	"HKCategoryTypeIdentifierShortnessOfBreath":                  {SystemSNOMED, "267036007", "Dyspnea"},
	"HKCategoryTypeIdentifierDizziness":                          {SystemSNOMED, "404640003", "Dizziness"},
	"HKCategoryTypeIdentifierFatigue":                            {SystemSNOMED, "84229001", "Fatigue"},
	"HKCategoryTypeIdentifierFainting":                           {SystemSNOMED, "271594007", "Syncope"},
	"HKCategoryTypeIdentifierRapidPoundingOrFlutteringHeartbeat": {SystemSNOMED, "80313002", "Palpitations"},
	"HKCategoryTypeIdentifierSkippedHeartbeat":                   {SystemSNOMED, "248654002", "Irregular heart beat"},
}

// classificationLabels rewrites the vendor's raw classification enum values
// to human-readable labels.
var classificationLabels = map[string]string{
	"HKElectrocardiogramClassificationSinusRhythm":               "Sinus Rhythm",
	"HKElectrocardiogramClassificationAtrialFibrillation":        "Atrial Fibrillation",
	"HKElectrocardiogramClassificationInconclusiveLowHeartRate":  "Inconclusive (Low Heart Rate)",
	"HKElectrocardiogramClassificationInconclusiveHighHeartRate": "Inconclusive (High Heart Rate)",
	"HKElectrocardiogramClassificationInconclusivePoorReading":   "Inconclusive (Poor Reading)",
	"HKElectrocardiogramClassificationInconclusiveOther":         "Inconclusive (Other)",
	"HKElectrocardiogramClassificationNotSet":                    "Not Set",
	"HKElectrocardiogramClassificationUnrecognized":              "Unrecognized",
}

// NormalizeObservation rewrites vendor codings in place: the primary code,
// the category codings, every component code, and classification enum
// strings in value fields. Everything it does not recognize stays exactly
// as it arrived, so unknown content survives transport untouched.
func NormalizeObservation(obs map[string]interface{}) map[string]interface{} {
	normalizeConcept(obs, "code")
	normalizeConceptList(obs, "category")

	if raw, ok := obs["component"].([]interface{}); ok {
		for _, c := range raw {
			comp, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			normalizeConcept(comp, "code")
			normalizeClassification(comp, "valueString")
			if vcc, ok := comp["valueCodeableConcept"].(map[string]interface{}); ok {
				normalizeClassification(vcc, "text")
			}
		}
	}

	normalizeClassification(obs, "valueString")
	if vcc, ok := obs["valueCodeableConcept"].(map[string]interface{}); ok {
		normalizeClassification(vcc, "text")
	}

	return obs
}

// normalizeConcept rewrites the codings of the CodeableConcept stored under
// key. An empty coding array becomes absent.
func normalizeConcept(parent map[string]interface{}, key string) {
	cc, ok := parent[key].(map[string]interface{})
	if !ok {
		return
	}
	codings, ok := cc["coding"].([]interface{})
	if !ok {
		return
	}
	if len(codings) == 0 {
		delete(cc, "coding")
		return
	}
	for _, c := range codings {
		coding, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		system, _ := coding["system"].(string)
		if system != VendorSystem {
			continue
		}
		code, _ := coding["code"].(string)
		mapped, ok := vendorCodeMappings[code]
		if !ok {
			// Unknown vendor coding: preserved verbatim.
			continue
		}
		coding["system"] = mapped.System
		coding["code"] = mapped.Code
		coding["display"] = mapped.Display
	}
}

func normalizeConceptList(parent map[string]interface{}, key string) {
	list, ok := parent[key].([]interface{})
	if !ok {
		return
	}
	if len(list) == 0 {
		delete(parent, key)
		return
	}
	for i := range list {
		if _, ok := list[i].(map[string]interface{}); ok {
			wrapper := map[string]interface{}{"cc": list[i]}
			normalizeConcept(wrapper, "cc")
		}
	}
}

// normalizeClassification replaces a raw classification enum string with its
// human-readable label.
func normalizeClassification(parent map[string]interface{}, key string) {
	value, ok := parent[key].(string)
	if !ok {
		return
	}
	if label, ok := classificationLabels[value]; ok {
		parent[key] = label
	}
}
