package extract

import (
	"medbench/internal/db"
)

// timeField derives a relative-minutes column from the first non-null source
// column.
type timeField struct {
	out     string
	sources []string
}

func relMin(sources ...string) []timeField {
	return []timeField{{out: "t_rel_min", sources: sources}}
}

// section describes how one packet category is keyed, ordered and labelled.
type section struct {
	key        string
	table      db.Table
	prefix     string
	timeFields []timeField
	// detail rows carry no hadm_id; only subject_id is dropped.
	detail bool
}

func (s section) naturalKey() []string { return s.table.OrderBy }

var (
	secTransfers       = section{key: "transfers", table: db.Transfers, prefix: "XFER", timeFields: relMin("intime")}
	secServices        = section{key: "services", table: db.Services, prefix: "SVC", timeFields: relMin("transfertime")}
	secDischarge       = section{key: "discharge", table: db.Discharge, prefix: "DS", timeFields: relMin("charttime")}
	secDischargeDetail = section{key: "discharge_detail", table: db.DischargeDetail, prefix: "DSD", detail: true}
	secRadiology       = section{key: "radiology", table: db.Radiology, prefix: "RAD", timeFields: relMin("charttime")}
	secRadiologyDetail = section{key: "radiology_detail", table: db.RadiologyDetail, prefix: "RADD", detail: true}
	secLabs            = section{key: "labs", table: db.LabEvents, prefix: "LAB", timeFields: relMin("charttime", "storetime")}
	secMicrobiology    = section{key: "microbiology", table: db.MicrobiologyEvents, prefix: "MICRO", timeFields: relMin("charttime", "chartdate", "storetime", "storedate")}
	secPOE             = section{key: "poe", table: db.POE, prefix: "POE", timeFields: relMin("ordertime")}
	secPOEDetail       = section{key: "poe_detail", table: db.POEDetail, prefix: "POED", detail: true}
	secPrescriptions   = section{key: "prescriptions", table: db.Prescriptions, prefix: "RX", timeFields: relMin("starttime", "stoptime")}
	secPharmacy        = section{key: "pharmacy", table: db.Pharmacy, prefix: "PHARM", timeFields: relMin("entertime", "starttime")}
	secEMAR            = section{key: "emar", table: db.EMAR, prefix: "EMAR", timeFields: relMin("charttime", "scheduletime", "storetime")}
	secEMARDetail      = section{key: "emar_detail", table: db.EMARDetail, prefix: "EMD", detail: true}
	secDiagnoses       = section{key: "diagnoses_icd", table: db.DiagnosesICD, prefix: "DX"}
	secProcedures      = section{key: "procedures_icd", table: db.ProceduresICD, prefix: "PX", timeFields: relMin("chartdate")}
	secDRG             = section{key: "drgcodes", table: db.DRGCodes, prefix: "DRG"}
	secICU             = section{
		key:    "icustays",
		table:  db.ICUStays,
		prefix: "ICU",
		timeFields: []timeField{
			{out: "t_in_min", sources: []string{"intime"}},
			{out: "t_out_min", sources: []string{"outtime"}},
		},
	}
)

// sections lists every packet category in packet order.
var sections = []section{
	secTransfers, secServices,
	secDischarge, secDischargeDetail, secRadiology, secRadiologyDetail,
	secLabs, secMicrobiology,
	secPOE, secPOEDetail, secPrescriptions, secPharmacy, secEMAR, secEMARDetail,
	secDiagnoses, secProcedures, secDRG,
	secICU,
}

// tableNames maps query labels to the tables they read, for the manifest.
var tableNames = map[string]string{
	"transfers":          "hosp.transfers",
	"services":           "hosp.services",
	"labs_strict":        "hosp.labevents",
	"labs_proximal":      "hosp.labevents",
	"lab_items":          "hosp.d_labitems",
	"micro_strict":       "hosp.microbiologyevents",
	"micro_proximal":     "hosp.microbiologyevents",
	"poe":                "hosp.poe",
	"poe_detail":         "hosp.poe_detail",
	"prescriptions":      "hosp.prescriptions",
	"pharmacy":           "hosp.pharmacy",
	"emar_candidates":    "hosp.emar",
	"emar_detail":        "hosp.emar_detail",
	"diagnoses_icd":      "hosp.diagnoses_icd+d_icd_diagnoses",
	"procedures_icd":     "hosp.procedures_icd+d_icd_procedures",
	"drgcodes":           "hosp.drgcodes",
	"discharge":          "note.discharge",
	"discharge_detail":   "note.discharge_detail",
	"radiology":          "note.radiology",
	"radiology_detail":   "note.radiology_detail",
	"radiology_unlinked": "note.radiology",
	"icustays":           "icu.icustays",
}
