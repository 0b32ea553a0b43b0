package j1939

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/fleetsense/fuelwatch/model"
)

//go:embed data/j1939.json
var rawData []byte

// Record is a resolved (SPN, FMI) description ready to become a DTCEvent.
type Record struct {
	SPN              int
	FMI              int
	Name             string
	DescriptionES    string
	SPNExplanationES string
	FMIExplanationES string
	Severity         model.DTCSeverity
	Category         string
	Action           string
	OEM              string
	HasDetailedInfo  bool
}

// Code returns the canonical "SPN-FMI" string.
func (r Record) Code() string {
	return fmt.Sprintf("%d-%d", r.SPN, r.FMI)
}

type detailedEntry struct {
	SPN              int    `json:"spn"`
	FMI              int    `json:"fmi"`
	Name             string `json:"name"`
	DescriptionES    string `json:"description_es"`
	SPNExplanationES string `json:"spn_explanation_es"`
	FMIExplanationES string `json:"fmi_explanation_es"`
	Severity         string `json:"severity"`
	Category         string `json:"category"`
	Action           string `json:"action"`
	OEM              string `json:"oem"`
}

type spnEntry struct {
	Name     string `json:"name"`
	NameES   string `json:"name_es"`
	Category string `json:"category"`
}

type dataFile struct {
	Detailed []detailedEntry    `json:"detailed"`
	SPNs     map[string]spnEntry `json:"spns"`
	FMIs     map[string]string   `json:"fmis"`
}

type spnFMI struct {
	spn int
	fmi int
}

// Store is the immutable two-tier (SPN, FMI) lookup table. Built once at
// startup; safe for concurrent reads without synchronization.
type Store struct {
	detailed map[spnFMI]Record
	spns     map[int]spnEntry
	fmis     map[int]string
}

// NewStore parses the embedded data file.
func NewStore() (*Store, error) {
	return newStoreFrom(rawData)
}

func newStoreFrom(data []byte) (*Store, error) {
	var df dataFile
	if err := json.Unmarshal(data, &df); err != nil {
		return nil, fmt.Errorf("parse j1939 data: %w", err)
	}

	s := &Store{
		detailed: make(map[spnFMI]Record, len(df.Detailed)),
		spns:     make(map[int]spnEntry, len(df.SPNs)),
		fmis:     make(map[int]string, len(df.FMIs)),
	}
	for _, d := range df.Detailed {
		s.detailed[spnFMI{d.SPN, d.FMI}] = Record{
			SPN:              d.SPN,
			FMI:              d.FMI,
			Name:             d.Name,
			DescriptionES:    d.DescriptionES,
			SPNExplanationES: d.SPNExplanationES,
			FMIExplanationES: d.FMIExplanationES,
			Severity:         parseSeverity(d.Severity),
			Category:         d.Category,
			Action:           d.Action,
			OEM:              d.OEM,
			HasDetailedInfo:  true,
		}
	}
	for key, e := range df.SPNs {
		var spn int
		if _, err := fmt.Sscanf(key, "%d", &spn); err != nil {
			continue
		}
		s.spns[spn] = e
	}
	for key, desc := range df.FMIs {
		var fmi int
		if _, err := fmt.Sscanf(key, "%d", &fmi); err != nil {
			continue
		}
		s.fmis[fmi] = desc
	}
	return s, nil
}

// LookupDetailed probes the curated tier.
func (s *Store) LookupDetailed(spn, fmi int) (Record, bool) {
	r, ok := s.detailed[spnFMI{spn, fmi}]
	return r, ok
}

// LookupComplete probes the generic tier. The record is assembled from the
// SPN name table and the FMI explanation table; severity derives from the
// FMI bucket.
func (s *Store) LookupComplete(spn, fmi int) (Record, bool) {
	e, ok := s.spns[spn]
	if !ok {
		return Record{}, false
	}
	sev := SeverityFromFMI(fmi)
	fmiDesc := s.fmis[fmi]
	if fmiDesc == "" {
		fmiDesc = "Condición de falla no especificada"
	}
	return Record{
		SPN:              spn,
		FMI:              fmi,
		Name:             e.Name,
		DescriptionES:    fmt.Sprintf("%s: %s", e.NameES, fmiDesc),
		FMIExplanationES: fmiDesc,
		Severity:         sev,
		Category:         e.Category,
		Action:           genericAction(sev),
		OEM:              "All OEMs",
		HasDetailedInfo:  false,
	}, true
}

// synthesize builds the unknown-code fallback record.
func (s *Store) synthesize(spn, fmi int) Record {
	fmiDesc := s.fmis[fmi]
	if fmiDesc == "" {
		fmiDesc = "Condición de falla no especificada"
	}
	return Record{
		SPN:              spn,
		FMI:              fmi,
		Name:             fmt.Sprintf("Unknown SPN %d", spn),
		DescriptionES:    fmt.Sprintf("SPN %d desconocido, FMI %d: %s", spn, fmi, fmiDesc),
		FMIExplanationES: fmiDesc,
		Severity:         model.SeverityInfo,
		Category:         "Unknown",
		Action:           genericAction(model.SeverityInfo),
		OEM:              "All OEMs",
		HasDetailedInfo:  false,
	}
}

// SeverityFromFMI maps a failure mode indicator to a severity bucket.
func SeverityFromFMI(fmi int) model.DTCSeverity {
	switch fmi {
	case 0, 1, 2, 12, 14:
		return model.SeverityCritical
	case 3, 4, 5, 6, 19, 20:
		return model.SeverityHigh
	case 7, 8, 9, 10, 11, 13, 15, 16, 21:
		return model.SeverityModerate
	case 17, 18:
		return model.SeverityLow
	}
	return model.SeverityInfo
}

func parseSeverity(s string) model.DTCSeverity {
	switch s {
	case "CRITICAL":
		return model.SeverityCritical
	case "HIGH":
		return model.SeverityHigh
	case "MODERATE":
		return model.SeverityModerate
	case "LOW":
		return model.SeverityLow
	}
	return model.SeverityInfo
}

func genericAction(sev model.DTCSeverity) string {
	switch sev {
	case model.SeverityCritical:
		return "Detenga el vehículo de forma segura y contacte a mantenimiento de inmediato"
	case model.SeverityHigh:
		return "Programe servicio urgente y limite la operación del vehículo"
	case model.SeverityModerate:
		return "Programe una revisión en el próximo servicio"
	case model.SeverityLow:
		return "Monitoree el parámetro; no se requiere acción inmediata"
	}
	return "Informativo; no se requiere acción"
}
