package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sipeed/docrelay/pkg/attachments"
	"github.com/sipeed/docrelay/pkg/bus"
	"github.com/sipeed/docrelay/pkg/session"
)

type uploadCall struct {
	ChatID   int64
	Path     string
	Filename string
	Caption  string
	Content  string
}

// fakeBackend serves messages from an in-memory map keyed by message id.
type fakeBackend struct {
	mu         sync.Mutex
	messages   map[int]*session.Message
	resolveErr map[int64]error
	fetchErr   map[int]error
	uploadErr  error
	uploads    []uploadCall
	fetched    []int
	downloads  []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		messages:   map[int]*session.Message{},
		resolveErr: map[int64]error{},
		fetchErr:   map[int]error{},
	}
}

func (f *fakeBackend) addDocument(msgID int, docID int64, name string) {
	f.messages[msgID] = &session.Message{
		ID:       msgID,
		Document: &session.Document{ID: docID, FileName: name, Size: 4},
	}
}

func (f *fakeBackend) ResolveEntity(ctx context.Context, chatID int64) (session.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.resolveErr[chatID]; err != nil {
		return session.Entity{}, err
	}
	return session.Entity{ChatID: chatID}, nil
}

func (f *fakeBackend) FetchMessage(ctx context.Context, e session.Entity, msgID int) (*session.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, msgID)
	if err := f.fetchErr[msgID]; err != nil {
		return nil, err
	}
	return f.messages[msgID], nil
}

func (f *fakeBackend) Download(ctx context.Context, doc *session.Document, path string) error {
	f.mu.Lock()
	f.downloads = append(f.downloads, path)
	f.mu.Unlock()
	return os.WriteFile(path, []byte(fmt.Sprintf("doc-%d", doc.ID)), 0644)
}

func (f *fakeBackend) Upload(ctx context.Context, e session.Entity, path, filename, caption string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploads = append(f.uploads, uploadCall{
		ChatID:   e.ChatID,
		Path:     path,
		Filename: filename,
		Caption:  caption,
		Content:  string(data),
	})
	return nil
}

func newTestWorker(t *testing.T, backend Backend) (*Worker, *bus.TaskQueue, *attachments.Staging) {
	t.Helper()
	staging, err := attachments.NewStaging(filepath.Join(t.TempDir(), "downloads"))
	require.NoError(t, err)
	q := bus.NewTaskQueue(0)
	return NewWorker(backend, q, staging, 0), q, staging
}

func TestProcessRenamesAndUploads(t *testing.T) {
	backend := newFakeBackend()
	backend.addDocument(7, 42, "invoice.pdf")
	w, _, staging := newTestWorker(t, backend)

	task := bus.Task{ID: "t1", RelayChatID: -100555, RelayMessageID: 7, DesiredFilename: "report.pdf"}
	res := w.Process(context.Background(), task)

	require.NoError(t, res.Err)
	require.True(t, res.Completed())
	require.Equal(t, bus.StageDone, res.Stage)
	require.Equal(t, "report.pdf", res.FinalName)
	require.Equal(t, int64(len("doc-42")), res.SizeBytes)

	require.Equal(t, []string{filepath.Join(staging.RootPath(), "42_invoice.pdf")}, backend.downloads)

	require.Len(t, backend.uploads, 1)
	up := backend.uploads[0]
	require.Equal(t, int64(-100555), up.ChatID)
	require.Equal(t, filepath.Join(staging.RootPath(), "report.pdf"), up.Path)
	require.Equal(t, "report.pdf", up.Filename)
	require.Equal(t, "report.pdf", up.Caption)
	require.Equal(t, "doc-42", up.Content)

	n, err := staging.Pending()
	require.NoError(t, err)
	require.Zero(t, n, "staging dir should be empty after a successful task")
}

func TestProcessKeepsOriginalNameWhenDesiredEmpty(t *testing.T) {
	backend := newFakeBackend()
	backend.addDocument(7, 42, "invoice.pdf")
	w, _, _ := newTestWorker(t, backend)

	res := w.Process(context.Background(), bus.Task{ID: "t1", RelayChatID: 1, RelayMessageID: 7})
	require.NoError(t, res.Err)
	require.Equal(t, "invoice.pdf", backend.uploads[0].Filename)
	require.Equal(t, "invoice.pdf", backend.uploads[0].Caption)
}

func TestProcessUploadsDesiredNameVerbatim(t *testing.T) {
	backend := newFakeBackend()
	backend.addDocument(7, 42, "invoice.pdf")
	w, _, staging := newTestWorker(t, backend)

	name := "Q3 report/final"
	res := w.Process(context.Background(), bus.Task{ID: "t1", RelayChatID: 1, RelayMessageID: 7, DesiredFilename: name})
	require.NoError(t, res.Err)
	require.Equal(t, name, backend.uploads[0].Filename)
	require.Equal(t, name, backend.uploads[0].Caption)
	require.Equal(t, filepath.Join(staging.RootPath(), "Q3 report_final"), backend.uploads[0].Path)
}

func TestProcessAbandonsOnMissingPieces(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(b *fakeBackend)
		wantErr error
		stage   bus.Stage
	}{
		{
			name:    "entity resolution fails",
			setup:   func(b *fakeBackend) { b.resolveErr[1] = errors.New("CHANNEL_INVALID") },
			wantErr: ErrEntityUnresolved,
			stage:   bus.StageResolve,
		},
		{
			name:    "message missing",
			setup:   func(b *fakeBackend) {},
			wantErr: ErrMessageNotFound,
			stage:   bus.StageFetch,
		},
		{
			name:    "message has no document",
			setup:   func(b *fakeBackend) { b.messages[7] = &session.Message{ID: 7} },
			wantErr: ErrNoDocument,
			stage:   bus.StageValidate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			tt.setup(backend)
			w, _, staging := newTestWorker(t, backend)

			res := w.Process(context.Background(), bus.Task{ID: "t", RelayChatID: 1, RelayMessageID: 7})
			require.False(t, res.Completed())
			require.ErrorIs(t, res.Err, tt.wantErr)
			require.Equal(t, tt.stage, res.Stage)
			require.Empty(t, backend.uploads)

			n, err := staging.Pending()
			require.NoError(t, err)
			require.Zero(t, n)
		})
	}
}

func TestProcessRetainsStagedFileOnUploadFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.addDocument(7, 42, "invoice.pdf")
	backend.uploadErr = errors.New("FLOOD_WAIT")
	w, _, staging := newTestWorker(t, backend)

	res := w.Process(context.Background(), bus.Task{ID: "t1", RelayChatID: 1, RelayMessageID: 7, DesiredFilename: "report.pdf"})
	require.False(t, res.Completed())
	require.Equal(t, bus.StageUpload, res.Stage)
	require.Equal(t, filepath.Join(staging.RootPath(), "report.pdf"), res.StagedPath)

	_, err := os.Stat(res.StagedPath)
	require.NoError(t, err, "staged file is kept after a failure past download")
}

type panickyBackend struct{ *fakeBackend }

func (p panickyBackend) FetchMessage(ctx context.Context, e session.Entity, msgID int) (*session.Message, error) {
	panic("boom")
}

func TestProcessRecoversPanic(t *testing.T) {
	w, _, _ := newTestWorker(t, panickyBackend{newFakeBackend()})
	res := w.Process(context.Background(), bus.Task{ID: "t1", RelayChatID: 1, RelayMessageID: 7})
	require.False(t, res.Completed())
	require.ErrorContains(t, res.Err, "panic")
}

func TestRunProcessesInOrderAndSurvivesFailures(t *testing.T) {
	backend := newFakeBackend()
	for i := 1; i <= 5; i++ {
		if i == 3 {
			continue // task 3 points at a missing message
		}
		backend.addDocument(i, int64(100+i), fmt.Sprintf("in-%d.pdf", i))
	}
	w, q, staging := newTestWorker(t, backend)

	var mu sync.Mutex
	var results []bus.Result
	w.OnResult(func(ctx context.Context, res bus.Result) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, res)
	})
	w.OnResult(func(ctx context.Context, res bus.Result) {
		panic("handler bug")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Enqueue(bus.Task{
			ID:              fmt.Sprintf("t%d", i),
			RelayChatID:     -100,
			RelayMessageID:  i,
			DesiredFilename: fmt.Sprintf("out-%d.pdf", i),
		}))
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	require.NoError(t, q.Drain(drainCtx))

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	require.Equal(t, []int{1, 2, 3, 4, 5}, backend.fetched)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 5)
	for i, res := range results {
		require.Equal(t, fmt.Sprintf("t%d", i+1), res.Task.ID)
		if i+1 == 3 {
			require.False(t, res.Completed())
			continue
		}
		require.True(t, res.Completed(), "task %d", i+1)
	}

	require.Len(t, backend.uploads, 4)
	require.Equal(t, "out-4.pdf", backend.uploads[2].Filename)
	require.Zero(t, q.Len())

	n, err := staging.Pending()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRunStopsWhenQueueClosed(t *testing.T) {
	w, q, _ := newTestWorker(t, newFakeBackend())
	q.Close()
	require.NoError(t, w.Run(context.Background()))
}
