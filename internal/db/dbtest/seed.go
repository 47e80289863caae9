package dbtest

import (
	"fmt"
	"time"

	"medbench/internal/db"
)

const layout = "2006-01-02 15:04:05"

// Patient inserts a patient row.
func (f *Fixture) Patient(subjectID int64) {
	f.Insert(db.Patients, map[string]any{
		"subject_id":        subjectID,
		"gender":            "F",
		"anchor_age":        64,
		"anchor_year":       2150,
		"anchor_year_group": "2017 - 2019",
	})
}

// Admission inserts an admission spanning [admit, disch].
func (f *Fixture) Admission(subjectID, hadmID int64, admit, disch time.Time) {
	f.Insert(db.Admissions, map[string]any{
		"subject_id":         subjectID,
		"hadm_id":            hadmID,
		"admittime":          admit.Format(layout),
		"dischtime":          disch.Format(layout),
		"admission_type":     "EW EMER.",
		"admission_location": "EMERGENCY ROOM",
		"discharge_location": "HOME",
		"insurance":          "Medicare",
		"race":               "WHITE",
	})
}

// DischargeNote inserts a discharge note for the admission.
func (f *Fixture) DischargeNote(subjectID, hadmID int64, noteID string, charted time.Time, text string) {
	f.Insert(db.Discharge, map[string]any{
		"note_id":    noteID,
		"subject_id": subjectID,
		"hadm_id":    hadmID,
		"note_type":  "DS",
		"note_seq":   1,
		"charttime":  charted.Format(layout),
		"storetime":  charted.Format(layout),
		"text":       text,
	})
}

// Labs inserts n lab events one minute apart starting at start.  Lab event
// ids start at firstID.  Every tenth row is flagged abnormal.
func (f *Fixture) Labs(subjectID, hadmID int64, firstID int64, n int, start time.Time) {
	rows := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		row := map[string]any{
			"labevent_id": firstID + int64(i),
			"subject_id":  subjectID,
			"hadm_id":     hadmID,
			"itemid":      50912,
			"charttime":   start.Add(time.Duration(i) * time.Minute).Format(layout),
			"value":       fmt.Sprintf("%.1f", 1.0+float64(i%7)/10),
			"valuenum":    1.0 + float64(i%7)/10,
			"valueuom":    "mg/dL",
		}
		if i%10 == 9 {
			row["flag"] = "abnormal"
		}
		rows = append(rows, row)
	}
	f.Insert(db.LabEvents, rows...)
}

// LabItem inserts a lab dictionary entry.
func (f *Fixture) LabItem(itemID int64, label string) {
	f.Insert(db.DLabItems, map[string]any{
		"itemid":   itemID,
		"label":    label,
		"fluid":    "Blood",
		"category": "Chemistry",
	})
}
