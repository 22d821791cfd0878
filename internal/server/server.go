package server

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"vtonflow/internal/catalogue"
	"vtonflow/internal/logger"
	"vtonflow/internal/models"
	"vtonflow/internal/storage"
	"vtonflow/internal/workflow"
)

// Workflow is the part of the extraction engine the facade drives.
type Workflow interface {
	Attach() uint64
	Detach()
	Refresh(ctx context.Context) error
	ActiveQueue() []models.QueueItem
	Approved() []models.QueueItem
	Item(key models.ItemKey) (models.QueueItem, bool)
	CachedProduct(id string) (*models.Product, bool)
	Product(ctx context.Context, id string) (*models.Product, error)
	SubmitCrop(ctx context.Context, productID, sourceFilename string, rect image.Rectangle) (models.QueueItem, error)
	Process(ctx context.Context, key models.ItemKey) error
	Approve(ctx context.Context, key models.ItemKey) error
	Discard(ctx context.Context, key models.ItemKey) error
	ClearApproved(ctx context.Context) error
	Upload(ctx context.Context, key models.ItemKey, sub workflow.Submitter) (*models.UploadResult, error)
	ApproveAndUpload(ctx context.Context, key models.ItemKey, sub workflow.Submitter) (*models.UploadResult, error)
}

// Directory is the catalogue side of the backend.
type Directory interface {
	catalogue.Uploader
	ListProducts(ctx context.Context, page, limit int, pendingOnly bool) (*models.ProductPage, error)
	ListClients(ctx context.Context) ([]models.Client, error)
	ListLocations(ctx context.Context, clientID int) ([]models.Location, error)
	ImageURL(productID, filename string) string
	ThumbnailURL(productID, filename string) string
	ProcessedImageURL(filename string) string
}

// Poller is started and stopped with the view session.
type Poller interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
}

// UploadHistory lists recorded catalogue submissions.
type UploadHistory interface {
	ListUploads(ctx context.Context, productID string) ([]storage.Upload, error)
}

type Deps struct {
	Workflow  Workflow
	Directory Directory
	Poller    Poller
	// History is optional.
	History UploadHistory
	Log     *zap.Logger
}

type Server struct {
	cfg    *models.Config
	router *gin.Engine
	http   *http.Server
	log    *zap.Logger

	wf      Workflow
	dir     Directory
	poller  Poller
	history UploadHistory

	// base outlives requests; the poller runs under it.
	base   context.Context
	cancel context.CancelFunc

	// drafts holds each item's draft whose last submission failed, kept for
	// retry or for editing again.
	mu     sync.Mutex
	drafts map[models.ItemKey]*catalogue.Draft
}

func NewServer(cfg *models.Config, d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), logger.RequestLogger(d.Log))

	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		router:  r,
		log:     d.Log.With(zap.String("component", "server")),
		wf:      d.Workflow,
		dir:     d.Directory,
		poller:  d.Poller,
		history: d.History,
		base:    base,
		cancel:  cancel,
		drafts:  make(map[models.ItemKey]*catalogue.Draft),
	}
	s.http = &http.Server{Addr: cfg.ServerAddr, Handler: r}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	api.POST("/session", s.handleAttach)
	api.DELETE("/session", s.handleDetach)

	api.GET("/queue", s.handleListQueue)
	api.DELETE("/queue/approved", s.handleClearApproved)
	api.POST("/queue/:product_id/:filename/process", s.handleProcess)
	api.POST("/queue/:product_id/:filename/approve", s.handleApprove)
	api.POST("/queue/:product_id/:filename/discard", s.handleDiscard)
	api.GET("/queue/:product_id/:filename/upload", s.handleGetDraft)
	api.POST("/queue/:product_id/:filename/upload", s.handleUpload)
	api.POST("/queue/:product_id/:filename/upload/retry", s.handleRetryUpload)
	api.POST("/queue/:product_id/:filename/upload/edit", s.handleEditDraft)

	api.POST("/crop/:product_id", s.handleCrop)
	api.GET("/size-chart/default", s.handleDefaultSizeChart)
	api.GET("/products", s.handleListProducts)
	api.GET("/products/:id", s.handleGetProduct)
	api.GET("/products/:id/uploads", s.handleListUploads)
	api.GET("/clients", s.handleListClients)
	api.GET("/clients/:id/locations", s.handleListLocations)

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", zap.String("addr", s.cfg.ServerAddr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Stop ends the view session and drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.endSession()
	s.cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Stop: %w", err)
	}
	return nil
}

// BeginSession attaches a new view and starts polling.
func (s *Server) BeginSession() uint64 {
	id := s.wf.Attach()
	if s.poller != nil {
		s.poller.Start(s.base)
	}
	return id
}

func (s *Server) endSession() {
	if s.poller != nil {
		s.poller.Stop()
	}
	s.wf.Detach()
}

// handleAttach starts a view session. Attaching again supersedes the previous
// session, so results still owed to it are dropped.
func (s *Server) handleAttach(c *gin.Context) {
	id := s.BeginSession()
	c.JSON(http.StatusOK, gin.H{"session": id, "polling": s.poller != nil && s.poller.Running()})
}

func (s *Server) handleDetach(c *gin.Context) {
	s.endSession()
	c.Status(http.StatusNoContent)
}

type queueItemView struct {
	models.QueueItem
	ImageURL          string `json:"image_url"`
	ProcessedFilename string `json:"processed_filename,omitempty"`
	ProcessedURL      string `json:"processed_url,omitempty"`
	ProductName       string `json:"product_name,omitempty"`
	ProductBrand      string `json:"product_brand,omitempty"`
}

func (s *Server) view(it models.QueueItem) queueItemView {
	v := queueItemView{QueueItem: it, ImageURL: s.dir.ImageURL(it.ProductID, it.ImageFilename)}
	if it.HasResult() {
		v.ProcessedFilename = it.ProcessedFilename()
		v.ProcessedURL = s.dir.ProcessedImageURL(v.ProcessedFilename)
	}
	if p, ok := s.wf.CachedProduct(it.ProductID); ok {
		v.ProductName, v.ProductBrand = p.Name, p.Brand
	}
	return v
}

// handleListQueue serves the reconciled local state. refresh=true runs a
// reconciliation first instead of waiting for the next poll.
func (s *Server) handleListQueue(c *gin.Context) {
	if c.Query("refresh") == "true" {
		if err := s.wf.Refresh(c.Request.Context()); err != nil {
			s.fail(c, err)
			return
		}
	}

	var items []models.QueueItem
	switch tab := c.DefaultQuery("tab", "queue"); tab {
	case "queue":
		items = s.wf.ActiveQueue()
	case "approved":
		items = s.wf.Approved()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown tab %q", tab)})
		return
	}

	out := make([]queueItemView, 0, len(items))
	for _, it := range items {
		out = append(out, s.view(it))
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

// opContext detaches a user operation from its request. Leaving the page
// must not abort a started extraction or an upload after approval; client
// timeouts still bound the calls and the session guard drops late results.
func opContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

func itemKey(c *gin.Context) models.ItemKey {
	return models.ItemKey{ProductID: c.Param("product_id"), Filename: c.Param("filename")}
}

// respondItem answers with the item's current state, or 204 once it is gone.
func (s *Server) respondItem(c *gin.Context, key models.ItemKey) {
	it, ok := s.wf.Item(key)
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, s.view(it))
}

func (s *Server) handleProcess(c *gin.Context) {
	key := itemKey(c)
	err := s.wf.Process(opContext(c), key)
	if errors.Is(err, workflow.ErrProcessingFailed) {
		// a failed extraction is an item state, shown inline with a retry
		it, _ := s.wf.Item(key)
		c.JSON(http.StatusOK, gin.H{"item": s.view(it), "error": err.Error()})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respondItem(c, key)
}

func (s *Server) handleApprove(c *gin.Context) {
	key := itemKey(c)
	if err := s.wf.Approve(opContext(c), key); err != nil {
		s.fail(c, err)
		return
	}
	s.respondItem(c, key)
}

func (s *Server) handleDiscard(c *gin.Context) {
	key := itemKey(c)
	if err := s.wf.Discard(opContext(c), key); err != nil {
		s.fail(c, err)
		return
	}
	s.dropDraft(key)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleClearApproved(c *gin.Context) {
	approved := s.wf.Approved()
	if err := s.wf.ClearApproved(opContext(c)); err != nil {
		s.fail(c, err)
		return
	}
	for _, it := range approved {
		s.dropDraft(it.Key())
	}
	c.Status(http.StatusNoContent)
}

type cropRequest struct {
	Filename string `json:"filename" binding:"required"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Width    int    `json:"width" binding:"required,gt=0"`
	Height   int    `json:"height" binding:"required,gt=0"`
}

func (s *Server) handleCrop(c *gin.Context) {
	var req cropRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rect := image.Rect(req.X, req.Y, req.X+req.Width, req.Y+req.Height)
	it, err := s.wf.SubmitCrop(opContext(c), c.Param("product_id"), req.Filename, rect)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.view(it))
}

type productPageQuery struct {
	Page        int  `form:"page,default=1" binding:"gte=1"`
	Limit       int  `form:"limit,default=30" binding:"gte=1,lte=200"`
	PendingOnly bool `form:"pending_only"`
}

type productView struct {
	models.Product
	HasVton      bool   `json:"has_vton"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// handleListProducts pages through the catalogue, optionally only products
// still without a VTON image.
func (s *Server) handleListProducts(c *gin.Context) {
	var q productPageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	page, err := s.dir.ListProducts(c.Request.Context(), q.Page, q.Limit, q.PendingOnly)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]productView, 0, len(page.Products))
	for _, p := range page.Products {
		out = append(out, productView{
			Product:      p,
			HasVton:      p.HasVton(),
			ThumbnailURL: s.dir.ThumbnailURL(p.ID, p.ThumbnailImage),
		})
	}
	c.JSON(http.StatusOK, gin.H{"total": page.Total, "page": page.Page, "limit": page.Limit, "products": out})
}

// handleDefaultSizeChart offers the blank template for products without a chart.
func (s *Server) handleDefaultSizeChart(c *gin.Context) {
	c.JSON(http.StatusOK, models.DefaultSizeChart())
}

func (s *Server) handleGetProduct(c *gin.Context) {
	p, err := s.wf.Product(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleListUploads(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "upload ledger is not configured"})
		return
	}
	uploads, err := s.history.ListUploads(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploads": uploads})
}

func (s *Server) handleListClients(c *gin.Context) {
	clients, err := s.dir.ListClients(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	type clientView struct {
		models.Client
		Label string `json:"label"`
	}
	out := make([]clientView, 0, len(clients))
	for _, cl := range clients {
		out = append(out, clientView{Client: cl, Label: cl.Label()})
	}
	c.JSON(http.StatusOK, gin.H{"clients": out})
}

func (s *Server) handleListLocations(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client id"})
		return
	}
	locations, err := s.dir.ListLocations(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locations": locations})
}
