package models

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Status is the normalized certificate situation.
type Status string

const (
	StatusValid       Status = "valid"
	StatusExpired     Status = "expired"
	StatusCancelled   Status = "cancelled"
	StatusSuspended   Status = "suspended"
	StatusUnderReview Status = "under_review"
	StatusUnknown     Status = "unknown"
)

var statusLabels = map[Status]string{
	StatusValid:       "Válido",
	StatusExpired:     "Vencido",
	StatusCancelled:   "Cancelado",
	StatusSuspended:   "Suspenso",
	StatusUnderReview: "Em Análise",
}

// Label returns the Portuguese label shown to API consumers.
func (s Status) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

// ParseStatus maps a raw Situacao value onto a Status, ignoring case and
// accents.
func ParseStatus(raw string) Status {
	folded := Fold(raw)
	switch {
	case folded == "":
		return StatusUnknown
	case strings.HasPrefix(folded, "valid"):
		return StatusValid
	case strings.HasPrefix(folded, "vencid"), strings.HasPrefix(folded, "expirad"):
		return StatusExpired
	case strings.HasPrefix(folded, "cancelad"):
		return StatusCancelled
	case strings.HasPrefix(folded, "suspens"):
		return StatusSuspended
	case strings.Contains(folded, "analise"):
		return StatusUnderReview
	default:
		return StatusUnknown
	}
}

// Fold lowercases s, trims it and strips diacritics.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		out = strings.TrimSpace(s)
	}
	return strings.ToLower(out)
}
