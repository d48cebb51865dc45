// Package export produces the canonical byte serialization of a BaseLocale.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bal-adresse/publication-server/internal/store"
)

// Producer is the Export Producer boundary. The returned bytes are exactly
// what gets hashed and uploaded to the registry, so the serialization must
// be deterministic for unchanged content.
type Producer interface {
	ExportContent(ctx context.Context, balID uuid.UUID) ([]byte, error)
}

// balHeader is the BAL 1.3 column set expected by the registry's validator.
var balHeader = []string{
	"cle_interop",
	"commune_insee",
	"voie_nom",
	"numero",
	"suffixe",
	"position",
	"long",
	"lat",
	"certification_commune",
	"date_der_maj",
}

// CSVProducer serializes a BaseLocale's active address rows as BAL CSV.
type CSVProducer struct {
	addresses store.AddressReader
}

var _ Producer = (*CSVProducer)(nil)

// NewCSVProducer creates a producer reading address rows from the given store.
func NewCSVProducer(addresses store.AddressReader) *CSVProducer {
	return &CSVProducer{addresses: addresses}
}

// ExportContent serializes the record's active addresses. Rows come back
// from the store in cle_interop order, which keeps output stable across
// calls when nothing changed.
func (p *CSVProducer) ExportContent(ctx context.Context, balID uuid.UUID) ([]byte, error) {
	rows, err := p.addresses.ListActiveAddresses(ctx, balID)
	if err != nil {
		return nil, fmt.Errorf("export base locale %s: %w", balID, err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = ';'

	if err := w.Write(balHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		certified := "0"
		if r.CertifiedAt != nil {
			certified = "1"
		}
		record := []string{
			r.CleInterop,
			r.CodeCommune,
			r.NomVoie,
			strconv.Itoa(r.Numero),
			r.Suffixe,
			r.Positions,
			strconv.FormatFloat(r.Long, 'f', -1, 64),
			strconv.FormatFloat(r.Lat, 'f', -1, 64),
			certified,
			r.UpdatedAt.UTC().Format(time.DateOnly),
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row %s: %w", r.CleInterop, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}
