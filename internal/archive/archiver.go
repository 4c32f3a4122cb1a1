package archive

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"duck-audit/internal/store"
)

const defaultBatchSize = 1000

// RecordStore is the part of the audit store the archiver needs.
type RecordStore interface {
	Unarchived(ctx context.Context, limit int) ([]store.StoredRecord, error)
	MarkArchived(ctx context.Context, ids []int64, key string) error
}

// Observer is notified of archive outcomes.
type Observer interface {
	ArchiveUploaded(records int)
	ArchiveFailed()
}

// Archiver copies unarchived records to every destination, one object per batch.
type Archiver struct {
	records   RecordStore
	uploaders []Uploader
	prefix    string
	batch     int
	logger    *slog.Logger
	observer  Observer
	sealer    *Sealer
	now       func() time.Time

	mu       sync.Mutex // serializes runs
	lastNano int64
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithBatchSize caps the records per archive object.
func WithBatchSize(n int) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.batch = n
		}
	}
}

// WithObserver sets the archive observer.
func WithObserver(o Observer) Option {
	return func(a *Archiver) { a.observer = o }
}

// WithSealer encrypts every object before upload. Sealed keys end in
// SealedSuffix.
func WithSealer(s *Sealer) Option {
	return func(a *Archiver) { a.sealer = s }
}

// WithClock overrides the clock used for object keys.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) { a.now = now }
}

// NewArchiver creates an archiver writing under prefix.
func NewArchiver(records RecordStore, uploaders []Uploader, prefix string, logger *slog.Logger, opts ...Option) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archiver{
		records:   records,
		uploaders: uploaders,
		prefix:    strings.Trim(prefix, "/"),
		batch:     defaultBatchSize,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run archives until no unarchived records remain and returns how many
// records it archived. A batch is marked archived only after every
// destination accepted it.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.uploaders) == 0 {
		return 0, nil
	}

	total := 0
	for {
		recs, err := a.records.Unarchived(ctx, a.batch)
		if err != nil {
			return total, err
		}
		if len(recs) == 0 {
			return total, nil
		}

		key := a.nextKey()
		body, ids := encodeBatch(recs)
		if a.sealer != nil {
			if body, err = a.sealer.Seal(body); err != nil {
				return total, err
			}
		}
		if err := a.upload(ctx, key, body); err != nil {
			if a.observer != nil {
				a.observer.ArchiveFailed()
			}
			return total, err
		}
		if err := a.records.MarkArchived(ctx, ids, key); err != nil {
			return total, fmt.Errorf("mark batch %s: %w", key, err)
		}

		total += len(recs)
		if a.observer != nil {
			a.observer.ArchiveUploaded(len(recs))
		}
		a.logger.Info("archived audit records", "key", key, "records", len(recs))

		if len(recs) < a.batch {
			return total, nil
		}
	}
}

func (a *Archiver) upload(ctx context.Context, key string, body []byte) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range a.uploaders {
		g.Go(func() error {
			if err := u.Upload(gctx, key, body); err != nil {
				a.logger.Warn("archive upload failed", "destination", u.Location(), "key", key, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// nextKey returns <prefix>/yyyy/mm/dd/<unix-nanos>.log, strictly increasing
// within the process.
func (a *Archiver) nextKey() string {
	t := a.now().UTC()
	n := t.UnixNano()
	if n <= a.lastNano {
		n = a.lastNano + 1
	}
	a.lastNano = n
	name := fmt.Sprintf("%04d/%02d/%02d/%d.log", t.Year(), t.Month(), t.Day(), n)
	if a.sealer != nil {
		name += SealedSuffix
	}
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}

func encodeBatch(recs []store.StoredRecord) ([]byte, []int64) {
	var b strings.Builder
	ids := make([]int64, 0, len(recs))
	for _, r := range recs {
		b.WriteString(r.Line)
		b.WriteByte('\n')
		ids = append(ids, r.ID)
	}
	return []byte(b.String()), ids
}
