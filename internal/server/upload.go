package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"vtonflow/internal/catalogue"
	"vtonflow/internal/models"
	"vtonflow/internal/workflow"
)

// draftRequest is the reviewed upload form. Product and size chart are
// optional; the cached product and its chart are used when they are absent.
type draftRequest struct {
	ClientID       int                     `json:"client_id"`
	LocationIDs    []int                   `json:"location_ids"`
	CustomLocation *string                 `json:"custom_location"`
	Product        *models.EditableProduct `json:"product"`
	SizeChart      []models.SizeChartRow   `json:"size_chart"`
	SizeChartUnit  models.Unit             `json:"size_chart_unit"`
}

func (r *draftRequest) apply(d *catalogue.Draft) error {
	if err := d.SelectClient(r.ClientID); err != nil {
		return err
	}
	for _, id := range r.LocationIDs {
		if err := d.ToggleLocation(id); err != nil {
			return err
		}
	}
	if r.CustomLocation != nil {
		if err := d.SetCustomLocation(true); err != nil {
			return err
		}
		if err := d.SetCustomLocationName(*r.CustomLocation); err != nil {
			return err
		}
	}
	if r.Product != nil {
		if err := d.SetProduct(*r.Product); err != nil {
			return err
		}
	}
	if r.SizeChart != nil {
		if err := d.SetSizeChart(models.NormalizeSizeChart(r.SizeChart)); err != nil {
			return err
		}
	}
	if r.SizeChartUnit != "" {
		if err := d.SetUnit(r.SizeChartUnit); err != nil {
			return err
		}
	}
	return nil
}

// handleUpload submits the reviewed draft for an approved item, or approves
// a completed one first when approve=true. A draft returned to review after
// a failure is continued so edits made there are kept.
func (s *Server) handleUpload(c *gin.Context) {
	key := itemKey(c)
	ctx := opContext(c)

	var req draftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	it, ok := s.wf.Item(key)
	if !ok {
		s.fail(c, workflow.ErrUnknownItem)
		return
	}

	draft := s.draft(key)
	if draft == nil || draft.Step() != catalogue.StepReview {
		product, err := s.wf.Product(ctx, key.ProductID)
		if err != nil {
			s.fail(c, err)
			return
		}
		draft = catalogue.NewDraft(s.dir, product, it)
	}
	if err := req.apply(draft); err != nil {
		s.fail(c, err)
		return
	}

	var (
		res *models.UploadResult
		err error
	)
	if c.Query("approve") == "true" {
		res, err = s.wf.ApproveAndUpload(ctx, key, draft)
	} else {
		res, err = s.wf.Upload(ctx, key, draft)
	}
	s.finishUpload(c, key, draft, res, err)
}

// handleRetryUpload resends the payload of the item's last failed upload.
func (s *Server) handleRetryUpload(c *gin.Context) {
	key := itemKey(c)
	draft := s.draft(key)
	if draft == nil {
		s.fail(c, catalogue.ErrNothingToRetry)
		return
	}

	res, err := s.wf.Upload(opContext(c), key, draft.Resubmission())
	s.finishUpload(c, key, draft, res, err)
}

// handleGetDraft returns the item's failed draft so the form can be restored.
func (s *Server) handleGetDraft(c *gin.Context) {
	draft := s.draft(itemKey(c))
	if draft == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no failed upload for this item"})
		return
	}
	c.JSON(http.StatusOK, draft.State())
}

// handleEditDraft returns a failed draft to review. The next upload POST
// continues it.
func (s *Server) handleEditDraft(c *gin.Context) {
	draft := s.draft(itemKey(c))
	if draft == nil {
		s.fail(c, catalogue.ErrNothingToRetry)
		return
	}
	if err := draft.BackToReview(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, draft.State())
}

func (s *Server) finishUpload(c *gin.Context, key models.ItemKey, draft *catalogue.Draft, res *models.UploadResult, err error) {
	if err != nil {
		if draft.Step() == catalogue.StepError {
			s.mu.Lock()
			s.drafts[key] = draft
			s.mu.Unlock()
			s.log.Warn("Catalogue upload failed",
				zap.String("item", key.String()), zap.Stringer("submission", draft.ID()), zap.Error(err))
		}
		s.fail(c, err)
		return
	}
	s.dropDraft(key)
	c.JSON(http.StatusOK, gin.H{"submission_id": draft.ID(), "result": res})
}

func (s *Server) draft(key models.ItemKey) *catalogue.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[key]
}

func (s *Server) dropDraft(key models.ItemKey) {
	s.mu.Lock()
	delete(s.drafts, key)
	s.mu.Unlock()
}

// stepOf names which half of a combined approve and upload failed.
func stepOf(err error) string {
	if errors.Is(err, workflow.ErrUploadFailed) {
		return "upload"
	}
	return ""
}
