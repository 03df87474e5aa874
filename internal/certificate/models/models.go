package models

import (
	"strings"
	"time"
)

// Column names of the CAEPI export, in feed order.
const (
	ColRegistroCA             = "RegistroCA"
	ColDataValidade           = "DataValidade"
	ColSituacao               = "Situacao"
	ColNRProcesso             = "NRProcesso"
	ColCNPJ                   = "CNPJ"
	ColRazaoSocial            = "RazaoSocial"
	ColNatureza               = "Natureza"
	ColNomeEquipamento        = "NomeEquipamento"
	ColDescricaoEquipamento   = "DescricaoEquipamento"
	ColMarcaCA                = "MarcaCA"
	ColReferencia             = "Referencia"
	ColCor                    = "Cor"
	ColAprovadoParaLaudo      = "AprovadoParaLaudo"
	ColRestricaoLaudo         = "RestricaoLaudo"
	ColObservacaoAnaliseLaudo = "ObservacaoAnaliseLaudo"
	ColCNPJLaboratorio        = "CNPJLaboratorio"
	ColRazaoSocialLaboratorio = "RazaoSocialLaboratorio"
	ColNRLaudo                = "NRLaudo"
	ColNorma                  = "Norma"
)

// Columns lists every column of a certificate row in feed order.
var Columns = []string{
	ColRegistroCA, ColDataValidade, ColSituacao, ColNRProcesso, ColCNPJ,
	ColRazaoSocial, ColNatureza, ColNomeEquipamento, ColDescricaoEquipamento,
	ColMarcaCA, ColReferencia, ColCor, ColAprovadoParaLaudo, ColRestricaoLaudo,
	ColObservacaoAnaliseLaudo, ColCNPJLaboratorio, ColRazaoSocialLaboratorio,
	ColNRLaudo, ColNorma,
}

// ColumnCount is the expected field count of a data line.
var ColumnCount = len(Columns)

var columnIndex = func() map[string]int {
	m := make(map[string]int, len(Columns))
	for i, c := range Columns {
		m[c] = i
	}
	return m
}()

// IsColumn reports whether name is a known column.
func IsColumn(name string) bool {
	_, ok := columnIndex[name]
	return ok
}

// CertificateRecord is one row of the CAEPI dataset.
type CertificateRecord struct {
	ID                   string
	ExpiryDate           *time.Time
	ExpiryRaw            string
	Status               Status
	StatusRaw            string
	ProcessNumber        string
	TaxID                string
	CompanyName          string
	Nature               string
	EquipmentName        string
	EquipmentDescription string
	Brand                string
	Reference            string
	Color                string
	ApprovedForReport    string
	ReportRestriction    string
	ReportObservation    string
	LabTaxID             string
	LabName              string
	ReportNumber         string
	Standard             string
}

// FromFields maps a parsed row onto a record. Missing trailing fields are
// treated as empty.
func FromFields(fields []string) CertificateRecord {
	get := func(i int) string {
		if i < len(fields) {
			return strings.TrimSpace(fields[i])
		}
		return ""
	}

	expiryRaw := get(1)
	statusRaw := get(2)
	return CertificateRecord{
		ID:                   get(0),
		ExpiryDate:           ParseExpiry(expiryRaw),
		ExpiryRaw:            expiryRaw,
		Status:               ParseStatus(statusRaw),
		StatusRaw:            statusRaw,
		ProcessNumber:        get(3),
		TaxID:                get(4),
		CompanyName:          get(5),
		Nature:               get(6),
		EquipmentName:        get(7),
		EquipmentDescription: get(8),
		Brand:                get(9),
		Reference:            get(10),
		Color:                get(11),
		ApprovedForReport:    get(12),
		ReportRestriction:    get(13),
		ReportObservation:    get(14),
		LabTaxID:             get(15),
		LabName:              get(16),
		ReportNumber:         get(17),
		Standard:             get(18),
	}
}

// Fields returns the record as raw column values in feed order.
func (r CertificateRecord) Fields() []string {
	return []string{
		r.ID, r.ExpiryRaw, r.StatusRaw, r.ProcessNumber, r.TaxID,
		r.CompanyName, r.Nature, r.EquipmentName, r.EquipmentDescription,
		r.Brand, r.Reference, r.Color, r.ApprovedForReport, r.ReportRestriction,
		r.ReportObservation, r.LabTaxID, r.LabName, r.ReportNumber, r.Standard,
	}
}

// Field returns the raw value of the named column.
func (r CertificateRecord) Field(column string) (string, bool) {
	i, ok := columnIndex[column]
	if !ok {
		return "", false
	}
	return r.Fields()[i], true
}

// Certificate is the user-facing projection of a record.
type Certificate struct {
	RegistroCA   string `json:"registro_ca"`
	DataValidade string `json:"data_validade"`
	Situacao     string `json:"situacao"`
}

// Certificate projects the record for lookup responses.
func (r CertificateRecord) Certificate() Certificate {
	return Certificate{
		RegistroCA:   r.ID,
		DataValidade: r.NormalizedExpiry(),
		Situacao:     r.StatusLabel(),
	}
}

// NormalizedExpiry renders the expiry as YYYY-MM-DD when it could be parsed,
// otherwise the raw feed value.
func (r CertificateRecord) NormalizedExpiry() string {
	if r.ExpiryDate == nil {
		return r.ExpiryRaw
	}
	return r.ExpiryDate.Format(DateLayout)
}

// StatusLabel returns the canonical label for known statuses and the raw
// value otherwise.
func (r CertificateRecord) StatusLabel() string {
	if r.Status == StatusUnknown {
		return r.StatusRaw
	}
	return r.Status.Label()
}

// DateLayout is the normalized date format of lookup responses.
const DateLayout = "2006-01-02"

var expiryLayouts = []string{
	DateLayout,
	"02/01/2006",
	"2006-01-02 15:04:05",
	"02/01/2006 15:04:05",
	time.RFC3339,
}

// ParseExpiry parses a feed date. It returns nil for blank or unrecognised
// values.
func ParseExpiry(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	return nil
}
