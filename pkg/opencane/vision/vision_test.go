package vision

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/iflabx/opencane/pkg/opencane/ingest"
	"github.com/iflabx/opencane/pkg/opencane/logging"
)

// fakeAssets is a minimal in-memory storage.FileStore.
type fakeAssets struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakeAssets() *fakeAssets { return &fakeAssets{files: make(map[string][]byte)} }

func (f *fakeAssets) Read(_ context.Context, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeAssets) Write(_ context.Context, path string) (io.WriteCloser, error) {
	return &fakeWriter{store: f, path: path}, nil
}

func (f *fakeAssets) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

func (f *fakeAssets) Exists(_ context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok, nil
}

type fakeWriter struct {
	store *fakeAssets
	path  string
	buf   bytes.Buffer
}

func (w *fakeWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *fakeWriter) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.files[w.path] = w.buf.Bytes()
	return nil
}

// fakeContexts is an in-memory ContextStore.
type fakeContexts struct {
	mu   sync.Mutex
	rows []*Context
}

func (f *fakeContexts) FindSimilar(_ context.Context, sessionID string, dhash uint64, within time.Duration, maxDistance int) (*Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.SessionID != sessionID {
			continue
		}
		if time.Since(r.CreatedAt) > within {
			continue
		}
		if HammingDistance64(r.DHash, dhash) <= maxDistance {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeContexts) SaveContext(_ context.Context, c *Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, c)
	return nil
}

type fakeProvider struct {
	calls  int
	result Result
	err    error
}

func (p *fakeProvider) Analyze(_ context.Context, data []byte, mime, question string) (Result, error) {
	p.calls++
	return p.result, p.err
}

func pngBytes(fill color.Gray) []byte {
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetGray(x, y, fill)
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func TestPipelineAnalyzesNewImage(t *testing.T) {
	contexts := &fakeContexts{}
	provider := &fakeProvider{result: Result{Summary: "a red door", ActionableSummary: "there is a door ahead"}}
	var digest *Digest
	p := New(Config{
		Assets:   newFakeAssets(),
		Contexts: contexts,
		Provider: provider,
		Logger:   logging.Nop(),
		OnDigest: func(_ context.Context, d Digest) { digest = &d },
	})

	job := &ingest.Job{JobID: "j1", SessionID: "s1", DeviceID: "d1", Bytes: pngBytes(color.Gray{Y: 10}), Mime: "image/png", EnqueuedAt: time.Now()}
	if err := p.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("expected 1 provider call, got %d", provider.calls)
	}
	if digest == nil || digest.Deduped || digest.Failed {
		t.Fatalf("unexpected digest: %+v", digest)
	}
	if len(contexts.rows) != 1 {
		t.Fatalf("expected 1 saved context, got %d", len(contexts.rows))
	}
}

func TestPipelineDedupsIdenticalImage(t *testing.T) {
	contexts := &fakeContexts{}
	provider := &fakeProvider{result: Result{Summary: "a red door"}}
	var digests []Digest
	p := New(Config{
		Assets:   newFakeAssets(),
		Contexts: contexts,
		Provider: provider,
		Logger:   logging.Nop(),
		OnDigest: func(_ context.Context, d Digest) { digests = append(digests, d) },
	})

	data := pngBytes(color.Gray{Y: 200})
	job1 := &ingest.Job{JobID: "j1", SessionID: "s1", Bytes: data, Mime: "image/png", EnqueuedAt: time.Now()}
	job2 := &ingest.Job{JobID: "j2", SessionID: "s1", Bytes: data, Mime: "image/png", EnqueuedAt: time.Now()}

	if err := p.Handle(context.Background(), job1); err != nil {
		t.Fatalf("Handle 1: %v", err)
	}
	if err := p.Handle(context.Background(), job2); err != nil {
		t.Fatalf("Handle 2: %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("expected VLM called once, got %d", provider.calls)
	}
	if len(digests) != 2 || !digests[1].Deduped {
		t.Fatalf("expected second digest to be deduped: %+v", digests)
	}
	if len(contexts.rows) != 1 {
		t.Fatalf("expected exactly one contexts row, got %d", len(contexts.rows))
	}
}

func TestPipelineProviderFailureDegradesGracefully(t *testing.T) {
	provider := &fakeProvider{err: errors.New("boom")}
	var digest *Digest
	p := New(Config{
		Assets:   newFakeAssets(),
		Contexts: &fakeContexts{},
		Provider: provider,
		Logger:   logging.Nop(),
		OnDigest: func(_ context.Context, d Digest) { digest = &d },
	})

	job := &ingest.Job{JobID: "j1", SessionID: "s1", Bytes: pngBytes(color.Gray{Y: 50}), Mime: "image/png", EnqueuedAt: time.Now()}
	if err := p.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle should not propagate provider errors: %v", err)
	}
	if digest == nil || !digest.Failed || digest.Reply != conservativeReply {
		t.Fatalf("expected a failed digest with the conservative reply, got %+v", digest)
	}
}

func TestHammingDistance64(t *testing.T) {
	if got := HammingDistance64(0b1010, 0b1010); got != 0 {
		t.Fatalf("identical hashes should have 0 distance, got %d", got)
	}
	if got := HammingDistance64(0b0000, 0b1111); got != 4 {
		t.Fatalf("expected distance 4, got %d", got)
	}
}
