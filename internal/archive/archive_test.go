package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-audit/internal/audit"
	"duck-audit/internal/audit/classify"
	"duck-audit/internal/db"
	"duck-audit/internal/domain"
	"duck-audit/internal/store"
)

var day = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type memUploader struct {
	mu      sync.Mutex
	name    string
	objects map[string]string
	keys    []string
	err     error
}

func newMemUploader(name string) *memUploader {
	return &memUploader{name: name, objects: map[string]string{}}
}

func (m *memUploader) Upload(_ context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.objects[key] = string(body)
	m.keys = append(m.keys, key)
	return nil
}

func (m *memUploader) Location() string { return "mem://" + m.name }

type countingObserver struct {
	uploaded []int
	failed   int
}

func (o *countingObserver) ArchiveUploaded(n int) { o.uploaded = append(o.uploaded, n) }
func (o *countingObserver) ArchiveFailed()        { o.failed++ }

func seedRecords(t *testing.T, r *store.Records, n int, at time.Time) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := r.Insert(context.Background(), audit.Record{
			SessionID:      "s1",
			Kind:           "SESSION",
			Class:          classify.ClassRead,
			ClassName:      "READ",
			StatementID:    int64(i),
			SubstatementID: 1,
			Line:           fmt.Sprintf("AUDIT: SESSION,%d,1,READ", i),
			Time:           at,
		})
		require.NoError(t, err)
	}
}

func TestArchiver_RunBatchesToEveryDestination(t *testing.T) {
	records := store.NewRecords(db.OpenTestSQLite(t))
	seedRecords(t, records, 3, day)

	primary, replica := newMemUploader("primary"), newMemUploader("replica")
	obs := &countingObserver{}
	a := NewArchiver(records, []Uploader{primary, replica}, "/audit/", nil,
		WithBatchSize(2),
		WithObserver(obs),
		WithClock(func() time.Time { return day }),
	)

	n, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{2, 1}, obs.uploaded)

	require.Len(t, primary.keys, 2)
	assert.Equal(t, primary.objects, replica.objects)
	first, second := primary.keys[0], primary.keys[1]
	assert.Equal(t, fmt.Sprintf("audit/2026/03/01/%d.log", day.UnixNano()), first)
	assert.Equal(t, fmt.Sprintf("audit/2026/03/01/%d.log", day.UnixNano()+1), second)
	assert.Equal(t, "AUDIT: SESSION,1,1,READ\nAUDIT: SESSION,2,1,READ\n", primary.objects[first])
	assert.Equal(t, "AUDIT: SESSION,3,1,READ\n", primary.objects[second])

	all, err := records.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	for _, r := range all {
		assert.NotEmpty(t, r.ArchiveKey, "record %d", r.ID)
	}

	n, err = a.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, primary.keys, 2)
}

func TestArchiver_FailedUploadLeavesRecordsUnarchived(t *testing.T) {
	records := store.NewRecords(db.OpenTestSQLite(t))
	seedRecords(t, records, 2, day)

	ok, bad := newMemUploader("ok"), newMemUploader("bad")
	bad.err = errors.New("bucket not found")
	obs := &countingObserver{}
	a := NewArchiver(records, []Uploader{ok, bad}, "", nil, WithObserver(obs))

	n, err := a.Run(context.Background())
	require.ErrorContains(t, err, "bucket not found")
	assert.Zero(t, n)
	assert.Equal(t, 1, obs.failed)

	pending, err := records.Unarchived(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestArchiver_NoDestinations(t *testing.T) {
	records := store.NewRecords(db.OpenTestSQLite(t))
	seedRecords(t, records, 1, day)

	n, err := NewArchiver(records, nil, "audit", nil).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiver_KeyWithoutPrefix(t *testing.T) {
	a := NewArchiver(nil, nil, "", nil, WithClock(func() time.Time { return day }))
	assert.Equal(t, fmt.Sprintf("2026/03/01/%d.log", day.UnixNano()), a.nextKey())
}

func TestScheduler_RunRetention(t *testing.T) {
	records := store.NewRecords(db.OpenTestSQLite(t))
	ctx := context.Background()
	old := day.Add(-40 * 24 * time.Hour)
	seedRecords(t, records, 2, old)
	seedRecords(t, records, 1, day)

	up := newMemUploader("primary")
	a := NewArchiver(records, []Uploader{up}, "audit", nil)
	s := NewScheduler(a, records, Schedule{RetentionDays: 30}, nil)
	s.now = func() time.Time { return day }

	// Nothing is archived yet, so retention keeps everything.
	n, err := s.RunRetention(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	archived, err := s.RunArchive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, archived)

	n, err = s.RunRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := records.List(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.True(t, left[0].Time.Equal(day))
}

func TestScheduler_StartRejectsInvalidSchedule(t *testing.T) {
	records := store.NewRecords(db.OpenTestSQLite(t))
	a := NewArchiver(records, nil, "", nil)

	err := NewScheduler(a, records, Schedule{Archive: "every minute"}, nil).Start()
	require.ErrorContains(t, err, "archive schedule")

	s := NewScheduler(a, records, Schedule{Archive: "@every 1h", Retention: "0 3 * * *", RetentionDays: 7}, nil)
	require.NoError(t, s.Start())
	s.Stop()
}

func TestNewUploaders(t *testing.T) {
	ctx := context.Background()

	got, err := NewUploaders(ctx, Settings{})
	require.NoError(t, err)
	assert.Empty(t, got)

	tests := []struct {
		name   string
		s      Settings
		errMsg string
	}{
		{"missing_bucket", Settings{Providers: []string{"s3"}}, "bucket is required"},
		{"unknown_provider", Settings{Providers: []string{"ftp"}, Bucket: "b"}, `unknown archive provider "ftp"`},
		{"s3_without_credentials", Settings{Providers: []string{"s3"}, Bucket: "b"}, "S3 key id"},
		{"gcs_without_key_file", Settings{Providers: []string{"gcs"}, Bucket: "b"}, "GCS key file"},
		{"azure_without_account", Settings{Providers: []string{"azure"}, Bucket: "b"}, "Azure account"},
		{"azure_bad_key", Settings{Providers: []string{"azure"}, Bucket: "b", AzureAccountName: "acct", AzureAccountKey: "%%%"}, "shared key credential"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewUploaders(ctx, tc.s)
			require.ErrorContains(t, err, tc.errMsg)
		})
	}

	_, err = NewUploaders(ctx, Settings{Providers: []string{"ftp"}, Bucket: "b"})
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)

	got, err = NewUploaders(ctx, Settings{
		Providers:  []string{" S3 "},
		Bucket:     "audit-bucket",
		S3Endpoint: "minio:9000",
		S3Region:   "us-east-1",
		S3KeyID:    "key",
		S3Secret:   "secret",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s3://audit-bucket", got[0].Location())
	assert.True(t, strings.HasPrefix(got[0].Location(), "s3://"))
}
