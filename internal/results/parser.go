package results

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// classProbPrefix marks per-class probability columns, e.g. "prob@nodule".
// The reserved class "anomaly" doubles as the fallback source for the
// probability_of_anomaly field.
const (
	classProbPrefix = "prob@"
	anomalyColumn   = classProbPrefix + "anomaly"
)

// headerAliases maps each record field to the accepted header spellings.
// Matching is case-insensitive over trimmed headers.
var headerAliases = map[string][]string{
	"study_uid":  {"study_uid", "studyuid", "study uid", "study_instance_uid"},
	"series_uid": {"series_uid", "seriesuid", "series uid", "series_instance_uid"},
	"probability_of_pathology": {
		"probability_of_pathology", "probability of pathology", "pathology_probability",
	},
	"pathology": {"pathology", "has_pathology"},
	"time_of_processing": {
		"time_of_processing", "time of processing", "processing_time",
	},
	"most_dangerous_pathology_type": {
		"most_dangerous_pathology_type", "most dangerous pathology type", "dangerous_type",
	},
	"probability_of_anomaly": {
		"probability_of_anomaly", "probability of anomaly", "anomaly_probability",
	},
}

var truthyTokens = map[string]bool{
	"true": true, "1": true, "yes": true, "да": true,
}

// Record is one normalized row of the analysis output workbook.
type Record struct {
	StudyUID                   string  `json:"study_uid"`
	SeriesUID                  string  `json:"series_uid"`
	ProbabilityOfPathology     float64 `json:"probability_of_pathology"`
	Pathology                  bool    `json:"pathology"`
	TimeOfProcessing           string  `json:"time_of_processing"`
	MostDangerousPathologyType string  `json:"most_dangerous_pathology_type"`
	HazardProbability          float64 `json:"hazard_probability"`
	ProbabilityOfAnomaly       float64 `json:"probability_of_anomaly"`
}

// Results is the parsed payload stored on the job and returned to clients.
type Results struct {
	Count   int      `json:"count"`
	Records []Record `json:"records"`
}

// Parse reads the active sheet of an xlsx workbook: the first row is the
// header, every following non-empty row becomes one Record. Header matching
// goes through the alias table, so workbooks from different exporter versions
// parse identically.
func Parse(data []byte) (Results, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return Results{}, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	rows, err := f.GetRows(sheet)
	if err != nil {
		return Results{}, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return Results{Records: []Record{}}, nil
	}

	cols := indexHeaders(rows[0])
	records := []Record{}
	for _, row := range rows[1:] {
		if emptyRow(row) {
			continue
		}
		records = append(records, parseRow(cols, row))
	}
	return Results{Count: len(records), Records: records}, nil
}

// columnIndex resolves header names to column positions. classProbs keeps the
// per-class probability columns in header order for the hazard derivation.
type columnIndex struct {
	fields     map[string]int
	classProbs []classColumn
}

type classColumn struct {
	label string
	col   int
}

func indexHeaders(header []string) columnIndex {
	idx := columnIndex{fields: map[string]int{}}
	byName := map[string]int{}
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if name == "" {
			continue
		}
		byName[name] = i
		if label, ok := strings.CutPrefix(name, classProbPrefix); ok {
			idx.classProbs = append(idx.classProbs, classColumn{label: label, col: i})
		}
	}
	for field, aliases := range headerAliases {
		for _, alias := range aliases {
			if col, ok := byName[alias]; ok {
				idx.fields[field] = col
				break
			}
		}
	}
	return idx
}

func parseRow(cols columnIndex, row []string) Record {
	rec := Record{
		StudyUID:               cols.str(row, "study_uid"),
		SeriesUID:              cols.str(row, "series_uid"),
		ProbabilityOfPathology: cols.float(row, "probability_of_pathology"),
		Pathology:              cols.bool(row, "pathology"),
		TimeOfProcessing:       cols.str(row, "time_of_processing"),
	}

	maxLabel, maxValue, found := maxClassProb(cols, row)
	if v, ok := cols.fields["most_dangerous_pathology_type"]; ok {
		rec.MostDangerousPathologyType = cell(row, v)
	} else if found {
		rec.MostDangerousPathologyType = maxLabel
	}
	if found {
		rec.HazardProbability = maxValue
	}

	if _, ok := cols.fields["probability_of_anomaly"]; ok {
		rec.ProbabilityOfAnomaly = cols.float(row, "probability_of_anomaly")
	} else {
		for _, cp := range cols.classProbs {
			if classProbPrefix+cp.label == anomalyColumn {
				rec.ProbabilityOfAnomaly, _ = parseDecimal(cell(row, cp.col))
			}
		}
	}
	return rec
}

func maxClassProb(cols columnIndex, row []string) (label string, value float64, found bool) {
	for _, cp := range cols.classProbs {
		v, ok := parseDecimal(cell(row, cp.col))
		if !ok {
			continue
		}
		if !found || v > value {
			label, value, found = cp.label, v, true
		}
	}
	return label, value, found
}

func (c columnIndex) str(row []string, field string) string {
	col, ok := c.fields[field]
	if !ok {
		return ""
	}
	return cell(row, col)
}

func (c columnIndex) float(row []string, field string) float64 {
	col, ok := c.fields[field]
	if !ok {
		return 0
	}
	v, _ := parseDecimal(cell(row, col))
	return v
}

func (c columnIndex) bool(row []string, field string) bool {
	col, ok := c.fields[field]
	if !ok {
		return false
	}
	return truthyTokens[strings.ToLower(cell(row, col))]
}

func cell(row []string, col int) string {
	if col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

// parseDecimal accepts both "." and "," as the decimal separator.
func parseDecimal(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func emptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
