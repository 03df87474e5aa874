package store

import (
	"time"

	"caepi/internal/certificate/index"
	"caepi/internal/certificate/models"
)

// Metadata is the sidecar written next to every persisted blob.
type Metadata struct {
	TotalRecords int               `json:"total_records"`
	Columns      []string          `json:"columns"`
	DTypes       map[string]string `json:"dtypes"`
	CreatedAt    time.Time         `json:"created_at"`
	BuiltAt      time.Time         `json:"built_at"`
	Compression  string            `json:"compression"`
	CacheType    Encoding          `json:"cache_type"`
}

func newMetadata(snap *index.Snapshot, codec Codec, now time.Time) Metadata {
	dtypes := make(map[string]string, len(models.Columns))
	for _, c := range models.Columns {
		dtypes[c] = "string"
	}
	dtypes[models.ColDataValidade] = "date"
	dtypes[models.ColSituacao] = "category"

	return Metadata{
		TotalRecords: snap.Len(),
		Columns:      append([]string(nil), models.Columns...),
		DTypes:       dtypes,
		CreatedAt:    now,
		BuiltAt:      snap.BuiltAt(),
		Compression:  codec.Compression(),
		CacheType:    codec.Encoding(),
	}
}
