package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/alanyoungcy/arbeval/internal/domain"
)

// OpportunitySource lists journaled opportunities for archival.
// *postgres.OpportunityStore satisfies it.
type OpportunitySource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Opportunity, error)
}

var _ domain.Archiver = (*Archiver)(nil)

// Archiver writes journaled opportunities to object storage as one JSONL
// file per UTC day. It never deletes from the journal; pruning is a
// separate step once the upload has succeeded.
type Archiver struct {
	writer domain.BlobWriter
	source OpportunitySource
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, source OpportunitySource) *Archiver {
	return &Archiver{writer: writer, source: source}
}

// ArchiveOpportunities uploads every opportunity evaluated before the
// cutoff and returns how many were written. Files above MinPartSize go
// through the multipart uploader.
func (a *Archiver) ArchiveOpportunities(ctx context.Context, before time.Time) (int64, error) {
	opps, err := a.source.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive opportunities query: %w", err)
	}

	var written int64
	for _, day := range groupByDay(opps) {
		buf, err := marshalJSONL(day.opps)
		if err != nil {
			return written, fmt.Errorf("s3blob: archive opportunities marshal: %w", err)
		}

		path := ArchivePath(day.date)
		if int64(len(buf)) > MinPartSize {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), MinPartSize)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
		}
		if err != nil {
			return written, fmt.Errorf("s3blob: archive opportunities upload: %w", err)
		}
		written += int64(len(day.opps))
	}
	return written, nil
}

// ArchivePath is the object key for one UTC day of opportunities:
//
//	opportunities/2025/06/01.jsonl
func ArchivePath(day time.Time) string {
	return "opportunities/" + day.UTC().Format("2006/01/02") + ".jsonl"
}

type dayBatch struct {
	date time.Time
	opps []domain.Opportunity
}

// groupByDay buckets opps by UTC evaluation day, oldest day first.
func groupByDay(opps []domain.Opportunity) []dayBatch {
	byDay := make(map[time.Time][]domain.Opportunity)
	for _, o := range opps {
		d := o.EvaluatedAt.UTC().Truncate(24 * time.Hour)
		byDay[d] = append(byDay[d], o)
	}
	out := make([]dayBatch, 0, len(byDay))
	for d, batch := range byDay {
		out = append(out, dayBatch{date: d, opps: batch})
	}
	slices.SortFunc(out, func(a, b dayBatch) int { return a.date.Compare(b.date) })
	return out
}

// marshalJSONL encodes one compact JSON object per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
