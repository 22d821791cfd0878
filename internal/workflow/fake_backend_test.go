package workflow

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"vtonflow/internal/client"
	"vtonflow/internal/events"
	"vtonflow/internal/models"
	"vtonflow/internal/storage"
)

// fakeBackend is an in-memory processing backend. Processing completes
// synchronously unless processFn overrides it.
type fakeBackend struct {
	mu       sync.Mutex
	items    []models.QueueItem
	products map[string]*models.Product
	images   map[string][]byte

	listErr, enqueueErr, approveErr, discardErr, clearErr, uploadErr error

	processFn    func(ctx context.Context, key models.ItemKey) error
	listCalls    int
	productCalls map[string]int
	// productGate, when set, holds GetProduct until it is closed.
	productGate  chan struct{}
	uploads      [][]byte
	approvedWith map[models.ItemKey]string
	nextCrop     int
}

func newFakeBackend(items ...models.QueueItem) *fakeBackend {
	return &fakeBackend{
		items:        items,
		products:     map[string]*models.Product{},
		images:       map[string][]byte{},
		productCalls: map[string]int{},
		approvedWith: map[models.ItemKey]string{},
	}
}

func (f *fakeBackend) ListQueue(context.Context) ([]models.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.QueueItem, len(f.items))
	copy(out, f.items)
	return out, nil
}

func (f *fakeBackend) index(key models.ItemKey) int {
	for i, it := range f.items {
		if it.Key() == key {
			return i
		}
	}
	return -1
}

func (f *fakeBackend) setStatus(key models.ItemKey, st models.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := f.index(key); i >= 0 {
		f.items[i].Status = st
	}
}

func (f *fakeBackend) status(key models.ItemKey) models.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := f.index(key); i >= 0 {
		return f.items[i].Status
	}
	return ""
}

func (f *fakeBackend) Enqueue(_ context.Context, productID, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	key := models.ItemKey{ProductID: productID, Filename: filename}
	if f.index(key) >= 0 {
		return fmt.Errorf("fake: %w", client.ErrConflict)
	}
	f.items = append(f.items, models.QueueItem{ProductID: productID, ImageFilename: filename, Status: models.StatusPending})
	return nil
}

func (f *fakeBackend) StartProcessing(ctx context.Context, productID, filename string) error {
	key := models.ItemKey{ProductID: productID, Filename: filename}
	if f.processFn != nil {
		return f.processFn(ctx, key)
	}
	f.setStatus(key, models.StatusCompleted)
	return nil
}

func (f *fakeBackend) Approve(_ context.Context, productID, filename, processed string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approveErr != nil {
		return f.approveErr
	}
	key := models.ItemKey{ProductID: productID, Filename: filename}
	i := f.index(key)
	if i < 0 {
		return fmt.Errorf("fake: %w", client.ErrNotFound)
	}
	f.items[i].Status = models.StatusApproved
	f.approvedWith[key] = processed
	return nil
}

func (f *fakeBackend) Discard(_ context.Context, productID, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discardErr != nil {
		return f.discardErr
	}
	i := f.index(models.ItemKey{ProductID: productID, Filename: filename})
	if i < 0 {
		return fmt.Errorf("fake: %w", client.ErrNotFound)
	}
	f.items = append(f.items[:i], f.items[i+1:]...)
	return nil
}

func (f *fakeBackend) ClearApproved(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clearErr != nil {
		return f.clearErr
	}
	kept := f.items[:0]
	for _, it := range f.items {
		if it.Status != models.StatusApproved {
			kept = append(kept, it)
		}
	}
	f.items = kept
	return nil
}

func (f *fakeBackend) UploadCroppedImage(_ context.Context, productID string, png []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.nextCrop++
	f.uploads = append(f.uploads, png)
	return fmt.Sprintf("cropped_%d.png", f.nextCrop), nil
}

func (f *fakeBackend) FetchImage(_ context.Context, productID, filename string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.images[productID+"/"+filename]
	if !ok {
		return nil, fmt.Errorf("fake: %w", client.ErrNotFound)
	}
	return data, nil
}

func (f *fakeBackend) GetProduct(_ context.Context, id string) (*models.Product, error) {
	f.mu.Lock()
	f.productCalls[id]++
	gate := f.productGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return nil, fmt.Errorf("fake: %w", client.ErrNotFound)
	}
	return p.Clone(), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type fakeLedger struct {
	uploads []*storage.Upload
}

func (l *fakeLedger) RecordUpload(_ context.Context, u *storage.Upload) error {
	l.uploads = append(l.uploads, u)
	return nil
}

type fakeSubmitter struct {
	payload *models.UploadPayload
	invalid error
	err     error
	calls   int
}

func (s *fakeSubmitter) Validate() error { return s.invalid }

func (s *fakeSubmitter) Submit(context.Context) (*models.UploadResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &models.UploadResult{Success: true, Message: "uploaded"}, nil
}

func (s *fakeSubmitter) Payload() *models.UploadPayload { return s.payload }

func testPNG(w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
