package db

// Module is a MIMIC-IV module.  Each maps to its own Postgres schema; a local
// SQLite dataset keeps every table in the main schema.
type Module string

const (
	ModuleHosp Module = "hosp"
	ModuleICU  Module = "icu"
	ModuleNote Module = "note"
)

// Table describes a source table: the columns read from it and its natural
// key.  Rows are ordered by OrderBy ascending with nulls last.
type Table struct {
	Module  Module
	Name    string
	Columns []string
	OrderBy []string
}

// Qualified returns the module-qualified name, e.g. "hosp.labevents".
func (t Table) Qualified() string { return string(t.Module) + "." + t.Name }

var (
	Patients = Table{
		Module:  ModuleHosp,
		Name:    "patients",
		Columns: []string{"subject_id", "gender", "anchor_age", "anchor_year", "anchor_year_group", "dod"},
		OrderBy: []string{"subject_id"},
	}
	Admissions = Table{
		Module: ModuleHosp,
		Name:   "admissions",
		Columns: []string{
			"subject_id", "hadm_id", "admittime", "dischtime", "deathtime",
			"admission_type", "admit_provider_id", "admission_location", "discharge_location",
			"insurance", "language", "marital_status", "race",
			"edregtime", "edouttime", "hospital_expire_flag",
		},
		OrderBy: []string{"admittime", "hadm_id"},
	}
	Transfers = Table{
		Module:  ModuleHosp,
		Name:    "transfers",
		Columns: []string{"subject_id", "hadm_id", "transfer_id", "eventtype", "careunit", "intime", "outtime"},
		OrderBy: []string{"intime", "outtime", "transfer_id"},
	}
	Services = Table{
		Module:  ModuleHosp,
		Name:    "services",
		Columns: []string{"subject_id", "hadm_id", "transfertime", "prev_service", "curr_service"},
		OrderBy: []string{"transfertime", "curr_service"},
	}
	LabEvents = Table{
		Module: ModuleHosp,
		Name:   "labevents",
		Columns: []string{
			"labevent_id", "subject_id", "hadm_id", "specimen_id", "itemid",
			"order_provider_id", "charttime", "storetime", "value", "valuenum",
			"valueuom", "ref_range_lower", "ref_range_upper", "flag", "priority", "comments",
		},
		OrderBy: []string{"charttime", "storetime", "labevent_id"},
	}
	DLabItems = Table{
		Module:  ModuleHosp,
		Name:    "d_labitems",
		Columns: []string{"itemid", "label", "fluid", "category"},
		OrderBy: []string{"itemid"},
	}
	MicrobiologyEvents = Table{
		Module: ModuleHosp,
		Name:   "microbiologyevents",
		Columns: []string{
			"microevent_id", "subject_id", "hadm_id", "micro_specimen_id", "order_provider_id",
			"chartdate", "charttime", "storedate", "storetime", "spec_itemid", "spec_type_desc",
			"test_seq", "test_itemid", "test_name", "org_itemid", "org_name", "isolate_num",
			"quantity", "ab_itemid", "ab_name", "dilution_text", "dilution_comparison",
			"dilution_value", "interpretation", "comments",
		},
		OrderBy: []string{"charttime", "chartdate", "storetime", "microevent_id"},
	}
	POE = Table{
		Module: ModuleHosp,
		Name:   "poe",
		Columns: []string{
			"poe_id", "poe_seq", "subject_id", "hadm_id", "ordertime", "order_type", "order_subtype",
			"transaction_type", "discontinue_of_poe_id", "discontinued_by_poe_id",
			"order_provider_id", "order_status",
		},
		OrderBy: []string{"ordertime", "poe_seq"},
	}
	POEDetail = Table{
		Module:  ModuleHosp,
		Name:    "poe_detail",
		Columns: []string{"poe_id", "poe_seq", "subject_id", "field_name", "field_value"},
		OrderBy: []string{"poe_seq", "field_name"},
	}
	Prescriptions = Table{
		Module: ModuleHosp,
		Name:   "prescriptions",
		Columns: []string{
			"subject_id", "hadm_id", "pharmacy_id", "poe_id", "poe_seq", "order_provider_id",
			"starttime", "stoptime", "drug_type", "drug", "formulary_drug_cd", "gsn", "ndc",
			"prod_strength", "form_rx", "dose_val_rx", "dose_unit_rx", "form_val_disp",
			"form_unit_disp", "doses_per_24_hrs", "route",
		},
		OrderBy: []string{"starttime", "stoptime", "pharmacy_id"},
	}
	Pharmacy = Table{
		Module: ModuleHosp,
		Name:   "pharmacy",
		Columns: []string{
			"subject_id", "hadm_id", "pharmacy_id", "poe_id", "starttime", "stoptime", "medication",
			"proc_type", "status", "entertime", "verifiedtime", "route", "frequency", "disp_sched",
			"infusion_type", "sliding_scale", "lockout_interval", "basal_rate", "one_hr_max",
			"doses_per_24_hrs", "duration", "duration_interval", "expiration_value",
			"expiration_unit", "expirationdate", "dispensation", "fill_quantity",
		},
		OrderBy: []string{"entertime", "pharmacy_id"},
	}
	EMAR = Table{
		Module: ModuleHosp,
		Name:   "emar",
		Columns: []string{
			"subject_id", "hadm_id", "emar_id", "emar_seq", "poe_id", "pharmacy_id",
			"enter_provider_id", "charttime", "medication", "event_txt", "scheduletime", "storetime",
		},
		OrderBy: []string{"charttime", "emar_seq", "emar_id"},
	}
	EMARDetail = Table{
		Module: ModuleHosp,
		Name:   "emar_detail",
		Columns: []string{
			"subject_id", "emar_id", "emar_seq", "parent_field_ordinal", "administration_type",
			"pharmacy_id", "reason_for_no_barcode", "complete_dose_not_given", "dose_due",
			"dose_due_unit", "dose_given", "dose_given_unit", "product_code", "product_description",
			"prior_infusion_rate", "infusion_rate", "infusion_rate_unit", "route",
		},
		OrderBy: []string{"emar_seq", "parent_field_ordinal"},
	}
	DiagnosesICD = Table{
		Module:  ModuleHosp,
		Name:    "diagnoses_icd",
		Columns: []string{"subject_id", "hadm_id", "seq_num", "icd_code", "icd_version"},
		OrderBy: []string{"seq_num", "icd_code"},
	}
	DICDDiagnoses = Table{
		Module:  ModuleHosp,
		Name:    "d_icd_diagnoses",
		Columns: []string{"icd_code", "icd_version", "long_title"},
		OrderBy: []string{"icd_code", "icd_version"},
	}
	ProceduresICD = Table{
		Module:  ModuleHosp,
		Name:    "procedures_icd",
		Columns: []string{"subject_id", "hadm_id", "seq_num", "chartdate", "icd_code", "icd_version"},
		OrderBy: []string{"chartdate", "seq_num", "icd_code"},
	}
	DICDProcedures = Table{
		Module:  ModuleHosp,
		Name:    "d_icd_procedures",
		Columns: []string{"icd_code", "icd_version", "long_title"},
		OrderBy: []string{"icd_code", "icd_version"},
	}
	DRGCodes = Table{
		Module:  ModuleHosp,
		Name:    "drgcodes",
		Columns: []string{"subject_id", "hadm_id", "drg_type", "drg_code", "description", "drg_severity", "drg_mortality"},
		OrderBy: []string{"drg_type", "drg_code"},
	}
	Discharge = Table{
		Module:  ModuleNote,
		Name:    "discharge",
		Columns: []string{"note_id", "subject_id", "hadm_id", "note_type", "note_seq", "charttime", "storetime", "text"},
		OrderBy: []string{"note_type", "note_seq"},
	}
	DischargeDetail = Table{
		Module:  ModuleNote,
		Name:    "discharge_detail",
		Columns: []string{"note_id", "subject_id", "field_name", "field_value", "field_ordinal"},
		OrderBy: []string{"note_id", "field_ordinal"},
	}
	Radiology = Table{
		Module:  ModuleNote,
		Name:    "radiology",
		Columns: []string{"note_id", "subject_id", "hadm_id", "note_type", "note_seq", "charttime", "storetime", "text"},
		OrderBy: []string{"charttime", "note_seq"},
	}
	RadiologyDetail = Table{
		Module:  ModuleNote,
		Name:    "radiology_detail",
		Columns: []string{"note_id", "subject_id", "field_name", "field_value", "field_ordinal"},
		OrderBy: []string{"note_id", "field_ordinal"},
	}
	ICUStays = Table{
		Module:  ModuleICU,
		Name:    "icustays",
		Columns: []string{"subject_id", "hadm_id", "stay_id", "first_careunit", "last_careunit", "intime", "outtime", "los"},
		OrderBy: []string{"intime", "stay_id"},
	}
)

// AllTables lists every table the generator reads, in dependency order for a
// local dataset import.
var AllTables = []Table{
	Patients, Admissions, Transfers, Services,
	DLabItems, LabEvents, MicrobiologyEvents,
	POE, POEDetail, Prescriptions, Pharmacy, EMAR, EMARDetail,
	DICDDiagnoses, DiagnosesICD, DICDProcedures, ProceduresICD, DRGCodes,
	Discharge, DischargeDetail, Radiology, RadiologyDetail,
	ICUStays,
}

// LookupTable finds a table by bare or module-qualified name.
func LookupTable(name string) (Table, bool) {
	for _, t := range AllTables {
		if t.Name == name || t.Qualified() == name {
			return t, true
		}
	}
	return Table{}, false
}
