package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{"Válido", StatusValid},
		{"VALIDO", StatusValid},
		{" valido ", StatusValid},
		{"Vencido", StatusExpired},
		{"CANCELADO", StatusCancelled},
		{"Suspenso", StatusSuspended},
		{"Em Análise", StatusUnderReview},
		{"em analise", StatusUnderReview},
		{"", StatusUnknown},
		{"Outro", StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseStatus(tt.raw))
		})
	}
}

func TestParseExpiry(t *testing.T) {
	want := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	for _, raw := range []string{
		"2025-12-31",
		"31/12/2025",
		"2025-12-31 10:30:00",
		"31/12/2025 10:30:00",
		"2025-12-31T10:30:00Z",
	} {
		t.Run(raw, func(t *testing.T) {
			got := ParseExpiry(raw)
			require.NotNil(t, got)
			assert.True(t, want.Equal(*got))
		})
	}

	assert.Nil(t, ParseExpiry(""))
	assert.Nil(t, ParseExpiry("não informado"))
}

func TestCertificateProjection(t *testing.T) {
	t.Run("normalizes known values", func(t *testing.T) {
		rec := FromFields([]string{"12345", "31/12/2025", "VALIDO"})

		assert.Equal(t, Certificate{
			RegistroCA:   "12345",
			DataValidade: "2025-12-31",
			Situacao:     "Válido",
		}, rec.Certificate())
	})

	t.Run("keeps raw values it cannot interpret", func(t *testing.T) {
		rec := FromFields([]string{" 777 ", " sem data ", " Indefinido "})

		assert.Equal(t, Certificate{
			RegistroCA:   "777",
			DataValidade: "sem data",
			Situacao:     "Indefinido",
		}, rec.Certificate())
	})
}

func TestFieldsRoundTrip(t *testing.T) {
	fields := make([]string, ColumnCount)
	for i := range fields {
		fields[i] = Columns[i] + "-value"
	}
	rec := FromFields(fields)

	assert.Equal(t, fields, rec.Fields())
	v, ok := rec.Field(ColNorma)
	assert.True(t, ok)
	assert.Equal(t, "Norma-value", v)
	_, ok = rec.Field("Missing")
	assert.False(t, ok)
}
