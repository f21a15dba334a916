package pricebook

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"costops/internal/domain/pricing"
	"costops/pkg/errors"
)

const maxLineBytes = 1 << 20

// importLine is one NDJSON record of a price-table file.
type importLine struct {
	Provider      string            `json:"provider"`
	Model         string            `json:"model"`
	EffectiveDate time.Time         `json:"effective_date"`
	EndDate       *time.Time        `json:"end_date,omitempty"`
	Currency      string            `json:"currency"`
	Structure     pricing.Structure `json:"structure"`
}

// LineError describes a rejected line.
type LineError struct {
	Line  int    `json:"line"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// ImportReport summarizes one import run.
type ImportReport struct {
	Lines    int         `json:"lines"`
	Created  []uuid.UUID `json:"created"`
	Rejected []LineError `json:"rejected"`
	Duration string      `json:"duration"`
}

// Importer loads newline-delimited JSON price tables through the price book.
type Importer struct {
	svc *Service
}

// NewImporter creates an importer bound to the price book.
func NewImporter(svc *Service) *Importer {
	return &Importer{svc: svc}
}

// Import creates one table per line. Lines that fail to parse, fail
// validation or overlap an existing table for the same key are reported and
// skipped; the rest are created in file order. Only I/O and transient
// storage failures abort the run.
func (im *Importer) Import(ctx context.Context, r io.Reader) (*ImportReport, error) {
	start := time.Now()
	report := &ImportReport{Created: []uuid.UUID{}, Rejected: []LineError{}}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		report.Lines++

		if err := ctx.Err(); err != nil {
			return report, err
		}

		table, err := parseLine(raw)
		if err != nil {
			report.Rejected = append(report.Rejected, lineError(lineNo, err))
			continue
		}

		created, err := im.svc.CreateTable(ctx, table)
		if err != nil {
			switch errors.KindOf(err) {
			case errors.KindValidationFailed, errors.KindConflict:
				report.Rejected = append(report.Rejected, lineError(lineNo, err))
				continue
			}
			return report, errors.Wrapf(err, "line %d", lineNo)
		}
		report.Created = append(report.Created, created.ID)
	}
	if err := scanner.Err(); err != nil {
		return report, errors.Wrap(err, "read price table file")
	}

	report.Duration = time.Since(start).String()
	return report, nil
}

func parseLine(raw []byte) (*pricing.PriceTable, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var line importLine
	if err := dec.Decode(&line); err != nil {
		return nil, errors.NewValidationError("line", fmt.Sprintf("invalid JSON: %v", err), nil)
	}
	if dec.More() {
		return nil, errors.NewValidationError("line", "trailing data after record", nil)
	}

	return &pricing.PriceTable{
		Provider:      line.Provider,
		Model:         line.Model,
		EffectiveDate: line.EffectiveDate,
		EndDate:       line.EndDate,
		Currency:      line.Currency,
		Structure:     line.Structure,
	}, nil
}

func lineError(line int, err error) LineError {
	return LineError{Line: line, Kind: string(errors.KindOf(err)), Error: err.Error()}
}
