package store

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"caepi/internal/certificate/models"
)

// Encoding tags the serialization format of a persisted snapshot.
type Encoding string

const (
	EncodingParquet Encoding = "parquet"
	EncodingGob     Encoding = "gob"
)

// Codec serializes a full record set.
type Codec interface {
	Encoding() Encoding
	Extension() string
	Compression() string
	Encode(w io.Writer, records []models.CertificateRecord) error
	Decode(data []byte) ([]models.CertificateRecord, error)
}

// SelectEncoding returns a parquet codec when it survives a round trip with
// the requested compression, otherwise the gob codec. The choice is made once
// and reused for every Save and Load.
func SelectEncoding(preferred Encoding, compression string, logger *slog.Logger) Codec {
	if logger == nil {
		logger = slog.Default()
	}
	if preferred == EncodingGob {
		return GobCodec{}
	}

	pc, err := NewParquetCodec(compression)
	if err == nil {
		err = probe(pc)
	}
	if err != nil {
		logger.Warn("parquet encoding unavailable, falling back to gob",
			"compression", compression,
			"error", err,
		)
		return GobCodec{}
	}
	return pc
}

func probe(c Codec) error {
	sample := []models.CertificateRecord{models.FromFields([]string{"0", "2000-01-01", "Válido"})}
	var buf bytes.Buffer
	if err := c.Encode(&buf, sample); err != nil {
		return fmt.Errorf("probe encode: %w", err)
	}
	got, err := c.Decode(buf.Bytes())
	if err != nil {
		return fmt.Errorf("probe decode: %w", err)
	}
	if len(got) != 1 || got[0].ID != "0" {
		return fmt.Errorf("probe round trip mismatch")
	}
	return nil
}

// ParquetCodec stores records as a single parquet file with one string
// column per feed column.
type ParquetCodec struct {
	compression string
	codec       compress.Codec
}

// NewParquetCodec accepts snappy, zstd, gzip or none.
func NewParquetCodec(compression string) (ParquetCodec, error) {
	name := strings.ToLower(strings.TrimSpace(compression))
	var c compress.Codec
	switch name {
	case "", "snappy":
		name, c = "snappy", &parquet.Snappy
	case "zstd":
		c = &parquet.Zstd
	case "gzip":
		c = &parquet.Gzip
	case "none", "uncompressed":
		name, c = "none", &parquet.Uncompressed
	default:
		return ParquetCodec{}, fmt.Errorf("unsupported parquet compression %q", compression)
	}
	return ParquetCodec{compression: name, codec: c}, nil
}

func (ParquetCodec) Encoding() Encoding    { return EncodingParquet }
func (ParquetCodec) Extension() string     { return ".parquet" }
func (c ParquetCodec) Compression() string { return c.compression }

func (c ParquetCodec) Encode(w io.Writer, records []models.CertificateRecord) error {
	rows := make([]parquetRow, len(records))
	for i, r := range records {
		rows[i] = toParquetRow(r)
	}
	if err := parquet.Write(w, rows, parquet.Compression(c.codec)); err != nil {
		return fmt.Errorf("write parquet: %w", err)
	}
	return nil
}

func (ParquetCodec) Decode(data []byte) ([]models.CertificateRecord, error) {
	rows, err := parquet.Read[parquetRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet: %w", err)
	}
	out := make([]models.CertificateRecord, len(rows))
	for i, row := range rows {
		out[i] = row.record()
	}
	return out, nil
}

// GobCodec stores records as gzip-compressed gob.
type GobCodec struct{}

func (GobCodec) Encoding() Encoding  { return EncodingGob }
func (GobCodec) Extension() string   { return ".gob" }
func (GobCodec) Compression() string { return "gzip" }

func (GobCodec) Encode(w io.Writer, records []models.CertificateRecord) error {
	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = r.Fields()
	}
	zw := gzip.NewWriter(w)
	if err := gob.NewEncoder(zw).Encode(rows); err != nil {
		_ = zw.Close()
		return fmt.Errorf("encode gob: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}

func (GobCodec) Decode(data []byte) ([]models.CertificateRecord, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()

	var rows [][]string
	if err := gob.NewDecoder(zr).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode gob: %w", err)
	}
	out := make([]models.CertificateRecord, len(rows))
	for i, row := range rows {
		out[i] = models.FromFields(row)
	}
	return out, nil
}

type parquetRow struct {
	RegistroCA             string `parquet:"RegistroCA"`
	DataValidade           string `parquet:"DataValidade"`
	Situacao               string `parquet:"Situacao"`
	NRProcesso             string `parquet:"NRProcesso"`
	CNPJ                   string `parquet:"CNPJ"`
	RazaoSocial            string `parquet:"RazaoSocial"`
	Natureza               string `parquet:"Natureza"`
	NomeEquipamento        string `parquet:"NomeEquipamento"`
	DescricaoEquipamento   string `parquet:"DescricaoEquipamento"`
	MarcaCA                string `parquet:"MarcaCA"`
	Referencia             string `parquet:"Referencia"`
	Cor                    string `parquet:"Cor"`
	AprovadoParaLaudo      string `parquet:"AprovadoParaLaudo"`
	RestricaoLaudo         string `parquet:"RestricaoLaudo"`
	ObservacaoAnaliseLaudo string `parquet:"ObservacaoAnaliseLaudo"`
	CNPJLaboratorio        string `parquet:"CNPJLaboratorio"`
	RazaoSocialLaboratorio string `parquet:"RazaoSocialLaboratorio"`
	NRLaudo                string `parquet:"NRLaudo"`
	Norma                  string `parquet:"Norma"`
}

func toParquetRow(r models.CertificateRecord) parquetRow {
	return parquetRow{
		RegistroCA:             r.ID,
		DataValidade:           r.ExpiryRaw,
		Situacao:               r.StatusRaw,
		NRProcesso:             r.ProcessNumber,
		CNPJ:                   r.TaxID,
		RazaoSocial:            r.CompanyName,
		Natureza:               r.Nature,
		NomeEquipamento:        r.EquipmentName,
		DescricaoEquipamento:   r.EquipmentDescription,
		MarcaCA:                r.Brand,
		Referencia:             r.Reference,
		Cor:                    r.Color,
		AprovadoParaLaudo:      r.ApprovedForReport,
		RestricaoLaudo:         r.ReportRestriction,
		ObservacaoAnaliseLaudo: r.ReportObservation,
		CNPJLaboratorio:        r.LabTaxID,
		RazaoSocialLaboratorio: r.LabName,
		NRLaudo:                r.ReportNumber,
		Norma:                  r.Standard,
	}
}

func (p parquetRow) record() models.CertificateRecord {
	return models.FromFields([]string{
		p.RegistroCA, p.DataValidade, p.Situacao, p.NRProcesso, p.CNPJ,
		p.RazaoSocial, p.Natureza, p.NomeEquipamento, p.DescricaoEquipamento,
		p.MarcaCA, p.Referencia, p.Cor, p.AprovadoParaLaudo, p.RestricaoLaudo,
		p.ObservacaoAnaliseLaudo, p.CNPJLaboratorio, p.RazaoSocialLaboratorio,
		p.NRLaudo, p.Norma,
	})
}
