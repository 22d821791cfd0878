package workflow

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"vtonflow/internal/client"
	"vtonflow/internal/events"
	"vtonflow/internal/models"
	"vtonflow/internal/storage"
)

var (
	ErrUnknownItem       = errors.New("queue item not found")
	ErrInvalidTransition = errors.New("transition not allowed")
	ErrAlreadyProcessing = errors.New("processing already in progress")
	ErrProcessingFailed  = errors.New("extraction failed")
	ErrUploadFailed      = errors.New("catalogue upload failed")
)

// maxProductLookups bounds concurrent product fetches per refresh.
const maxProductLookups = 4

// Backend is the remote processing queue and catalogue lookup.
type Backend interface {
	ListQueue(ctx context.Context) ([]models.QueueItem, error)
	Enqueue(ctx context.Context, productID, filename string) error
	StartProcessing(ctx context.Context, productID, filename string) error
	Approve(ctx context.Context, productID, filename, processedFilename string) error
	Discard(ctx context.Context, productID, filename string) error
	ClearApproved(ctx context.Context) error
	UploadCroppedImage(ctx context.Context, productID string, png []byte) (string, error)
	FetchImage(ctx context.Context, productID, filename string) ([]byte, error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
}

// Submitter sends one catalogue submission. The catalogue draft implements it.
type Submitter interface {
	Validate() error
	Submit(ctx context.Context) (*models.UploadResult, error)
	Payload() *models.UploadPayload
}

// Ledger records successful catalogue submissions.
type Ledger interface {
	RecordUpload(ctx context.Context, u *storage.Upload) error
}

type Deps struct {
	Backend   Backend
	Store     *Store
	Publisher events.Publisher
	// Ledger is optional.
	Ledger Ledger
	Log    *zap.Logger
}

// Engine drives queue items through extraction, approval and upload. Server
// state is authoritative; local changes bridge the gap until the next
// refresh.
type Engine struct {
	backend Backend
	store   *Store
	pub     events.Publisher
	ledger  Ledger
	log     *zap.Logger

	session atomic.Uint64

	mu         sync.Mutex
	processing map[models.ItemKey]struct{}

	// lookups shares one GetProduct call between concurrent misses.
	lookups singleflight.Group
}

func NewEngine(d Deps) *Engine {
	if d.Store == nil {
		d.Store = NewStore()
	}
	if d.Publisher == nil {
		d.Publisher = events.NopPublisher{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Engine{
		backend:    d.Backend,
		store:      d.Store,
		pub:        d.Publisher,
		ledger:     d.Ledger,
		log:        d.Log.With(zap.String("component", "workflow")),
		processing: make(map[models.ItemKey]struct{}),
	}
}

func (e *Engine) Store() *Store { return e.store }

// Attach starts a new view session and returns its id. Operations started
// under an earlier session no longer touch local state when they finish.
func (e *Engine) Attach() uint64 {
	return e.session.Add(1)
}

// Detach ends the current session.
func (e *Engine) Detach() {
	e.session.Add(1)
}

func (e *Engine) current(session uint64) bool {
	return e.session.Load() == session
}

// apply runs a local mutation only if the session that issued it is current.
func (e *Engine) apply(session uint64, what string, fn func()) {
	if !e.current(session) {
		e.log.Debug("Dropping late result for inactive view", zap.String("op", what))
		return
	}
	fn()
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.log.Warn("Failed to publish workflow event",
			zap.String("type", string(ev.Type)), zap.String("product_id", ev.ProductID), zap.Error(err))
	}
}

func (e *Engine) Snapshot() []models.QueueItem { return e.store.Items() }
func (e *Engine) ActiveQueue() []models.QueueItem { return ActiveQueue(e.store.Items()) }
func (e *Engine) Approved() []models.QueueItem { return Approved(e.store.Items()) }

func (e *Engine) Item(key models.ItemKey) (models.QueueItem, bool) {
	return e.store.Item(key)
}

// Refresh fetches the queue, reconciles it and fills the product cache for
// product ids not seen before.
func (e *Engine) Refresh(ctx context.Context) error {
	const op = "workflow.Refresh"

	seq := e.store.NextSeq()
	items, err := e.backend.ListQueue(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !e.store.Apply(Snapshot{Seq: seq, Items: items}) {
		e.log.Debug("Skipped stale queue snapshot", zap.Uint64("seq", seq))
	}

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}
	e.loadProducts(ctx, ids)
	return nil
}

// refreshAfter follows a user operation. Its failure is left to the poll loop.
func (e *Engine) refreshAfter(ctx context.Context, session uint64) {
	if !e.current(session) {
		return
	}
	if err := e.Refresh(ctx); err != nil {
		e.log.Warn("Refresh after operation failed", zap.Error(err))
	}
}

// loadProducts fetches uncached products. Ids already being fetched join
// that lookup instead of issuing another request.
func (e *Engine) loadProducts(ctx context.Context, ids []string) {
	missing := e.store.MissingProducts(ids)
	if len(missing) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxProductLookups)
	for _, id := range missing {
		id := id
		g.Go(func() error {
			if _, err := e.fetchProduct(gctx, id); err != nil {
				e.log.Warn("Failed to fetch product", zap.String("product_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// fetchProduct loads id into the cache, sharing the request with any lookup
// of the same id in flight. The shared call is not tied to one caller's
// cancellation; the client's timeout bounds it.
func (e *Engine) fetchProduct(ctx context.Context, id string) (*models.Product, error) {
	ch := e.lookups.DoChan(id, func() (any, error) {
		if p, ok := e.store.Product(id); ok {
			return p, nil
		}
		p, err := e.backend.GetProduct(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		e.store.MergeProduct(p)
		return p, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Product).Clone(), nil
	}
}

// CachedProduct returns the product if a refresh already loaded it.
func (e *Engine) CachedProduct(id string) (*models.Product, bool) {
	return e.store.Product(id)
}

// Product returns the cached product, fetching it on a miss. Concurrent
// misses for one id share a single request.
func (e *Engine) Product(ctx context.Context, id string) (*models.Product, error) {
	const op = "workflow.Product"
	if p, ok := e.store.Product(id); ok {
		return p, nil
	}
	p, err := e.fetchProduct(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

// SubmitCrop fetches a product source image, crops it and enqueues the crop.
func (e *Engine) SubmitCrop(ctx context.Context, productID, sourceFilename string, rect image.Rectangle) (models.QueueItem, error) {
	const op = "workflow.SubmitCrop"

	data, err := e.backend.FetchImage(ctx, productID, sourceFilename)
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("%s: %w", op, err)
	}
	src, err := DecodeImage(data)
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("%s: %w", op, err)
	}
	return e.EnqueueCrop(ctx, productID, src, rect)
}

// EnqueueCrop uploads the cropped region of src and adds it to the queue as
// a pending item. The two steps are not atomic: when enqueueing fails after
// the upload, the stored crop is left behind and only logged.
func (e *Engine) EnqueueCrop(ctx context.Context, productID string, src image.Image, rect image.Rectangle) (models.QueueItem, error) {
	const op = "workflow.EnqueueCrop"
	session := e.session.Load()

	png, err := CropPNG(src, rect)
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("%s: %w", op, err)
	}
	filename, err := e.backend.UploadCroppedImage(ctx, productID, png)
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("%s: %w", op, err)
	}
	item, err := models.NewQueueItem(productID, filename)
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("%s: %w", op, err)
	}
	item.IsCropped = true

	if err := e.backend.Enqueue(ctx, productID, filename); err != nil {
		if errors.Is(err, client.ErrConflict) {
			e.log.Info("Crop already queued", zap.String("product_id", productID), zap.String("filename", filename))
			e.refreshAfter(ctx, session)
			return item, nil
		}
		e.log.Warn("Enqueue failed after crop upload, stored crop is orphaned",
			zap.String("product_id", productID), zap.String("filename", filename), zap.Error(err))
		return models.QueueItem{}, fmt.Errorf("%s: %w", op, err)
	}

	e.apply(session, op, func() { e.store.Upsert(item) })
	e.publish(ctx, events.New(events.Enqueued, productID, filename))
	e.refreshAfter(ctx, session)
	return item, nil
}

// Process runs extraction for a pending or failed item. The item shows as
// processing right away; the call blocks until the backend is done. A
// failed call is not rolled back here, the next refresh restores the
// server's view.
func (e *Engine) Process(ctx context.Context, key models.ItemKey) error {
	const op = "workflow.Process"
	session := e.session.Load()

	e.mu.Lock()
	if _, busy := e.processing[key]; busy {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w: %s", op, ErrAlreadyProcessing, key)
	}
	item, ok := e.store.Item(key)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w: %s", op, ErrUnknownItem, key)
	}
	if !item.Status.CanTransition(models.StatusProcessing) {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w: %s is %s", op, ErrInvalidTransition, key, item.Status)
	}
	e.processing[key] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.processing, key)
		e.mu.Unlock()
	}()

	e.apply(session, op, func() { e.store.MarkProcessing(key) })
	e.publish(ctx, events.New(events.Processing, key.ProductID, key.Filename))

	err := e.backend.StartProcessing(ctx, key.ProductID, key.Filename)
	e.refreshAfter(ctx, session)
	if err != nil {
		e.log.Warn("Processing request failed", zap.String("item", key.String()), zap.Error(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if it, ok := e.store.Item(key); ok && it.Status == models.StatusFailed {
		return fmt.Errorf("%s: %w: %s", op, ErrProcessingFailed, key)
	}
	return nil
}

// Approve accepts a completed extraction.
func (e *Engine) Approve(ctx context.Context, key models.ItemKey) error {
	const op = "workflow.Approve"
	session := e.session.Load()

	item, ok := e.store.Item(key)
	if !ok {
		return fmt.Errorf("%s: %w: %s", op, ErrUnknownItem, key)
	}
	if !item.Status.CanTransition(models.StatusApproved) {
		return fmt.Errorf("%s: %w: %s is %s", op, ErrInvalidTransition, key, item.Status)
	}

	if err := e.backend.Approve(ctx, key.ProductID, key.Filename, item.ProcessedFilename()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	e.apply(session, op, func() { e.store.SetStatus(key, models.StatusApproved) })
	e.publish(ctx, events.New(events.Approved, key.ProductID, key.Filename))
	e.refreshAfter(ctx, session)
	return nil
}

// ApproveAndUpload approves a completed item and submits it to the
// catalogue. The submission is validated before approving. The steps commit
// separately: a failed upload leaves the item approved, and it can be
// uploaded again later.
func (e *Engine) ApproveAndUpload(ctx context.Context, key models.ItemKey, sub Submitter) (*models.UploadResult, error) {
	const op = "workflow.ApproveAndUpload"

	item, ok := e.store.Item(key)
	if !ok {
		return nil, fmt.Errorf("%s: %w: %s", op, ErrUnknownItem, key)
	}
	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if item.Status != models.StatusApproved {
		if err := e.Approve(ctx, key); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return e.upload(ctx, op, key, sub)
}

// Upload submits an approved item to the catalogue.
func (e *Engine) Upload(ctx context.Context, key models.ItemKey, sub Submitter) (*models.UploadResult, error) {
	const op = "workflow.Upload"

	item, ok := e.store.Item(key)
	if !ok {
		return nil, fmt.Errorf("%s: %w: %s", op, ErrUnknownItem, key)
	}
	if item.Status != models.StatusApproved {
		return nil, fmt.Errorf("%s: %w: %s is %s", op, ErrInvalidTransition, key, item.Status)
	}
	return e.upload(ctx, op, key, sub)
}

func (e *Engine) upload(ctx context.Context, op string, key models.ItemKey, sub Submitter) (*models.UploadResult, error) {
	res, err := sub.Submit(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrUploadFailed, err)
	}
	e.publish(ctx, events.New(events.Uploaded, key.ProductID, key.Filename))

	if e.ledger != nil {
		if err := e.ledger.RecordUpload(ctx, uploadRecord(key, sub.Payload(), res)); err != nil {
			e.log.Error("Failed to record catalogue upload", zap.String("item", key.String()), zap.Error(err))
		}
	}
	return res, nil
}

func uploadRecord(key models.ItemKey, p *models.UploadPayload, res *models.UploadResult) *storage.Upload {
	u := &storage.Upload{ProductID: key.ProductID, SourceFilename: key.Filename}
	if p != nil {
		u.ProcessedFilename = p.ProcessedFilename
		u.ClientID = p.ClientID
		u.LocationIDs = append([]int(nil), p.LocationIDs...)
		u.CustomLocation = p.CustomLocation
	}
	if res != nil {
		u.Message = res.Message
	}
	return u
}

// Discard removes an item that has not been approved. An item the backend
// no longer knows counts as discarded.
func (e *Engine) Discard(ctx context.Context, key models.ItemKey) error {
	const op = "workflow.Discard"
	session := e.session.Load()

	if item, ok := e.store.Item(key); ok && !item.Status.Discardable() {
		return fmt.Errorf("%s: %w: %s is %s", op, ErrInvalidTransition, key, item.Status)
	}

	if err := e.backend.Discard(ctx, key.ProductID, key.Filename); err != nil {
		if !errors.Is(err, client.ErrNotFound) {
			return fmt.Errorf("%s: %w", op, err)
		}
		e.log.Debug("Discarded item already gone", zap.String("item", key.String()))
	}
	e.apply(session, op, func() { e.store.Remove(key) })
	e.publish(ctx, events.New(events.Discarded, key.ProductID, key.Filename))
	e.refreshAfter(ctx, session)
	return nil
}

// ClearApproved removes every approved item.
func (e *Engine) ClearApproved(ctx context.Context) error {
	const op = "workflow.ClearApproved"
	session := e.session.Load()

	if err := e.backend.ClearApproved(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	e.apply(session, op, func() { e.store.RemoveStatus(models.StatusApproved) })
	e.publish(ctx, events.New(events.Cleared, "", ""))
	e.refreshAfter(ctx, session)
	return nil
}
