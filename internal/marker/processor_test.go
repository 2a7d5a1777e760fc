package marker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/portalmark/backend/config"
	"github.com/portalmark/backend/internal/content"
	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/pkg/queue"
	"github.com/portalmark/backend/pkg/storage"
)

type fakeStore struct {
	src         *content.MarkerSource
	srcErr      error
	claimOK     bool
	claimCalled bool
	results     []content.MarkerResult
	applyResult bool
}

func (f *fakeStore) GetMarkerSource(ctx context.Context, id int64) (*content.MarkerSource, error) {
	if f.srcErr != nil {
		return nil, f.srcErr
	}
	return f.src, nil
}

func (f *fakeStore) ClaimMarkerProcessing(ctx context.Context, id int64) (bool, error) {
	f.claimCalled = true
	return f.claimOK, nil
}

func (f *fakeStore) UpdateMarkerResult(ctx context.Context, id int64, res content.MarkerResult) (bool, error) {
	f.results = append(f.results, res)
	return f.applyResult, nil
}

type fakeProvider struct {
	data        []byte
	downloadErr error
	uploadErr   error
	uploadedKey string
}

func (f *fakeProvider) Kind() string { return "fake" }

func (f *fakeProvider) Test(context.Context) storage.Status { return storage.Status{OK: true} }

func (f *fakeProvider) StableURLs() bool { return true }

func (f *fakeProvider) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploadedKey = key
	return "https://cdn.example.com/" + key, nil
}

func (f *fakeProvider) Download(ctx context.Context, key, localPath string) error {
	if f.downloadErr != nil {
		return f.downloadErr
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(localPath, f.data, 0o644)
}

func (f *fakeProvider) Delete(context.Context, string) error { return nil }

func (f *fakeProvider) List(context.Context, string, bool) ([]storage.Entry, error) {
	return nil, nil
}

func (f *fakeProvider) CreateFolder(context.Context, string) error { return nil }

func (f *fakeProvider) Usage(context.Context, string) (storage.Usage, error) {
	return storage.Usage{}, nil
}

func (f *fakeProvider) ResolveURL(ctx context.Context, key string) (string, error) {
	return "https://cdn.example.com/" + key, nil
}

type fakeRegistry struct {
	p   storage.Provider
	err error
}

func (f *fakeRegistry) Provider(ctx context.Context, id int64) (storage.Provider, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.p, nil
}

type fakeNotifier struct {
	sent []queue.SendNotificationPayload
}

func (f *fakeNotifier) EnqueueSendNotification(ctx context.Context, p queue.SendNotificationPayload) error {
	f.sent = append(f.sent, p)
	return nil
}

func markerSource(status string) *content.MarkerSource {
	return &content.MarkerSource{
		Content: models.ARContent{
			ID:           7,
			ProjectID:    3,
			CompanyID:    2,
			Title:        "Poster",
			ImagePath:    "acme/content/img.jpg",
			MarkerStatus: status,
		},
		StorageConnectionID: 1,
		StoragePath:         "acme",
	}
}

func markerJob(t *testing.T, attempt int) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(queue.GenerateMarkerPayload{ARContentID: 7})
	require.NoError(t, err)
	return &queue.Job{ID: "job-1", Kind: queue.JobGenerateMarker, Payload: payload, Attempt: attempt}
}

const okScript = `echo "features: 42"
cp "$2" "$4"
`

func newTestProcessor(t *testing.T, store *fakeStore, provider storage.Provider, script string) (*Processor, *fakeNotifier) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Storage.ScratchDir = t.TempDir()
	cfg.Compiler = config.CompilerConfig{
		BinaryPath:  fakeCompiler(t, script),
		MaxFeatures: 100,
		TimeoutSec:  5,
	}
	notes := &fakeNotifier{}
	p := NewProcessor(store, &fakeRegistry{p: provider}, notes,
		NewCompiler(cfg.Compiler), cfg, zap.NewNop())
	return p, notes
}

func TestProcessSuccess(t *testing.T) {
	store := &fakeStore{src: markerSource(models.MarkerStatusPending), claimOK: true, applyResult: true}
	provider := &fakeProvider{data: []byte("image-bytes")}
	p, notes := newTestProcessor(t, store, provider, okScript)

	err := p.Process(context.Background(), markerJob(t, 0))
	require.NoError(t, err)

	assert.True(t, store.claimCalled)
	assert.Equal(t, "acme/markers/7.mind", provider.uploadedKey)
	require.Len(t, store.results, 1)
	res := store.results[0]
	assert.Equal(t, models.MarkerStatusReady, res.Status)
	assert.Equal(t, "acme/markers/7.mind", res.MarkerPath)
	assert.Equal(t, "https://cdn.example.com/acme/markers/7.mind", res.MarkerURL)
	require.NotNil(t, res.FeaturePoints)
	assert.Equal(t, 42, *res.FeaturePoints)
	assert.Empty(t, notes.sent)
}

func TestProcessDropsReadyContent(t *testing.T) {
	store := &fakeStore{src: markerSource(models.MarkerStatusReady)}
	p, notes := newTestProcessor(t, store, &fakeProvider{}, okScript)

	err := p.Process(context.Background(), markerJob(t, 0))
	require.NoError(t, err)
	assert.False(t, store.claimCalled)
	assert.Empty(t, store.results)
	assert.Empty(t, notes.sent)
}

func TestProcessDropsLostClaim(t *testing.T) {
	store := &fakeStore{src: markerSource(models.MarkerStatusPending), claimOK: false}
	p, _ := newTestProcessor(t, store, &fakeProvider{}, okScript)

	err := p.Process(context.Background(), markerJob(t, 0))
	require.NoError(t, err)
	assert.True(t, store.claimCalled)
	assert.Empty(t, store.results)
}

func TestProcessMissingRowIsFatal(t *testing.T) {
	store := &fakeStore{srcErr: pgx.ErrNoRows}
	p, notes := newTestProcessor(t, store, &fakeProvider{}, okScript)

	err := p.Process(context.Background(), markerJob(t, 0))
	require.NoError(t, err, "nothing to retry when the row is gone")
	assert.Empty(t, store.results)
	assert.Empty(t, notes.sent)
}

func TestProcessMissingSourceImageIsFatal(t *testing.T) {
	store := &fakeStore{src: markerSource(models.MarkerStatusPending), claimOK: true, applyResult: true}
	provider := &fakeProvider{downloadErr: storage.ErrNotFound}
	p, notes := newTestProcessor(t, store, provider, okScript)

	err := p.Process(context.Background(), markerJob(t, 0))
	require.NoError(t, err)

	require.Len(t, store.results, 1)
	assert.Equal(t, models.MarkerStatusFailed, store.results[0].Status)
	require.Len(t, notes.sent, 1)
	note := notes.sent[0]
	assert.Equal(t, models.NotificationMarkerFailed, note.Kind)
	assert.Equal(t, int64(2), note.CompanyID)
	require.NotNil(t, note.ARContentID)
	assert.Equal(t, int64(7), *note.ARContentID)
}

func TestProcessCompileFailureIsRetriable(t *testing.T) {
	store := &fakeStore{src: markerSource(models.MarkerStatusPending), claimOK: true}
	p, notes := newTestProcessor(t, store, &fakeProvider{}, `exit 1`)

	err := p.Process(context.Background(), markerJob(t, 0))
	require.Error(t, err)
	assert.Empty(t, store.results, "row stays processing between attempts")
	assert.Empty(t, notes.sent)
}

func TestProcessLastAttemptRecordsFailure(t *testing.T) {
	store := &fakeStore{src: markerSource(models.MarkerStatusProcessing), applyResult: true}
	p, notes := newTestProcessor(t, store, &fakeProvider{}, `exit 1`)

	err := p.Process(context.Background(), markerJob(t, queue.MaxRetries-1))
	require.Error(t, err, "the job still moves to the DLQ")

	assert.False(t, store.claimCalled, "retries keep the claim from the first attempt")
	require.Len(t, store.results, 1)
	assert.Equal(t, models.MarkerStatusFailed, store.results[0].Status)
	require.Len(t, notes.sent, 1)
	assert.Equal(t, models.NotificationMarkerFailed, notes.sent[0].Kind)
}

func TestProcessRetryDropsWhenRowMoved(t *testing.T) {
	// Admin reset the row to pending while the retry waited out its backoff.
	store := &fakeStore{src: markerSource(models.MarkerStatusPending)}
	p, _ := newTestProcessor(t, store, &fakeProvider{}, okScript)

	err := p.Process(context.Background(), markerJob(t, 1))
	require.NoError(t, err)
	assert.False(t, store.claimCalled)
	assert.Empty(t, store.results)
}

func TestProcessUploadFailureIsRetriable(t *testing.T) {
	store := &fakeStore{src: markerSource(models.MarkerStatusPending), claimOK: true}
	provider := &fakeProvider{uploadErr: errors.New("connection reset")}
	p, notes := newTestProcessor(t, store, provider, okScript)

	err := p.Process(context.Background(), markerJob(t, 0))
	require.Error(t, err)
	assert.Empty(t, store.results)
	assert.Empty(t, notes.sent)
}

func TestProcessDiscardedResult(t *testing.T) {
	// Row left processing while we compiled; the update applies to nothing.
	store := &fakeStore{src: markerSource(models.MarkerStatusPending), claimOK: true, applyResult: false}
	p, notes := newTestProcessor(t, store, &fakeProvider{}, okScript)

	err := p.Process(context.Background(), markerJob(t, 0))
	require.NoError(t, err)
	require.Len(t, store.results, 1)
	assert.Empty(t, notes.sent)
}

func TestProcessMalformedPayload(t *testing.T) {
	p, _ := newTestProcessor(t, &fakeStore{}, &fakeProvider{}, okScript)
	job := &queue.Job{ID: "job-x", Kind: queue.JobGenerateMarker, Payload: []byte("{broken")}
	require.NoError(t, p.Process(context.Background(), job))
}
