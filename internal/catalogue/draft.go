// Package catalogue assembles and submits the single-product catalogue upload
// that follows an approved extraction.
package catalogue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"vtonflow/internal/models"
)

// Step is the submission state of a draft.
type Step string

const (
	StepReview    Step = "review"
	StepUploading Step = "uploading"
	StepSuccess   Step = "success"
	StepError     Step = "error"
)

var (
	ErrNotEditable    = errors.New("draft is not in review")
	ErrUploadPending  = errors.New("upload already in progress")
	ErrNothingToRetry = errors.New("no failed submission")
	ErrUnknownField   = errors.New("unknown product field")
)

// PreconditionError lists what is missing before a draft may be submitted.
type PreconditionError struct {
	Missing []string
}

func (e *PreconditionError) Error() string {
	return "upload blocked: missing " + strings.Join(e.Missing, ", ")
}

// Uploader sends a single-product submission to the catalogue.
type Uploader interface {
	UploadSingle(ctx context.Context, p *models.UploadPayload) (*models.UploadResult, error)
}

// Draft is the reviewer's editable copy of a product plus its catalogue
// target. It never touches the cached product it was created from.
type Draft struct {
	mu       sync.Mutex
	id       uuid.UUID
	uploader Uploader

	product   models.EditableProduct
	chart     *models.SizeChart
	unit      models.Unit
	processed string

	clientID   int
	locations  []int
	custom     bool
	customName string

	step   Step
	last   *models.UploadPayload
	result *models.UploadResult
	err    error
}

// NewDraft starts a review of product for the processed image of item. The
// size chart is pre-filled from the product when it carries one.
func NewDraft(up Uploader, product *models.Product, item models.QueueItem) *Draft {
	chart := models.NewSizeChart()
	if product != nil && len(product.SizeChart) > 0 {
		if c := models.NormalizeSizeChart(product.SizeChart); c != nil {
			chart = c
		}
	}
	return &Draft{
		id:        uuid.New(),
		uploader:  up,
		product:   models.EditableFrom(product),
		chart:     chart,
		unit:      models.UnitCM,
		processed: item.ProcessedFilename(),
		step:      StepReview,
	}
}

func (d *Draft) ID() uuid.UUID { return d.id }

func (d *Draft) Step() Step {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.step
}

func (d *Draft) Product() models.EditableProduct {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.product
}

// SizeChart returns a copy of the draft's chart. Use EditSizeChart to change it.
func (d *Draft) SizeChart() *models.SizeChart {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chart.Clone()
}

// EditSizeChart runs fn on the draft's chart while the draft is in review.
func (d *Draft) EditSizeChart(fn func(c *models.SizeChart) error) error {
	return d.edit(func() error { return fn(d.chart) })
}

// edit runs fn under the lock if the draft is editable.
func (d *Draft) edit(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.step != StepReview {
		return fmt.Errorf("%w: %s", ErrNotEditable, d.step)
	}
	return fn()
}

// SelectClient sets the target client. Locations belong to a client, so
// the location selection and custom mode are reset.
func (d *Draft) SelectClient(id int) error {
	return d.edit(func() error {
		d.clientID = id
		d.locations = nil
		d.custom = false
		return nil
	})
}

// ToggleLocation adds or removes a location and leaves custom mode.
func (d *Draft) ToggleLocation(id int) error {
	return d.edit(func() error {
		d.custom = false
		if i := slices.Index(d.locations, id); i >= 0 {
			d.locations = slices.Delete(d.locations, i, i+1)
			return nil
		}
		d.locations = append(d.locations, id)
		return nil
	})
}

// SetCustomLocation switches custom mode. Turning it on clears the selected
// locations.
func (d *Draft) SetCustomLocation(on bool) error {
	return d.edit(func() error {
		d.custom = on
		if on {
			d.locations = nil
		}
		return nil
	})
}

func (d *Draft) SetCustomLocationName(name string) error {
	return d.edit(func() error {
		d.customName = name
		return nil
	})
}

func (d *Draft) Locations() (ids []int, custom bool, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.locations), d.custom, d.customName
}

// SetField edits one product field by its wire name.
func (d *Draft) SetField(name, value string) error {
	return d.edit(func() error {
		p := &d.product
		switch name {
		case "name":
			p.Name = value
		case "brand":
			p.Brand = value
		case "category":
			p.Category = value
		case "gender":
			p.Gender = value
		case "color":
			p.Color = value
		case "sizes":
			p.Sizes = value
		case "description":
			p.Description = value
		case "material_care":
			p.MaterialCare = value
		case "mrp", "discount_percent":
			f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return fmt.Errorf("catalogue.SetField: %s: %w", name, err)
			}
			if name == "mrp" {
				p.MRP = f
			} else {
				p.DiscountPercent = f
			}
		default:
			return fmt.Errorf("%w: %q", ErrUnknownField, name)
		}
		return nil
	})
}

// SetProduct replaces every editable field. The product id is kept.
func (d *Draft) SetProduct(p models.EditableProduct) error {
	return d.edit(func() error {
		p.ID = d.product.ID
		d.product = p
		return nil
	})
}

func (d *Draft) SetSizeChart(c *models.SizeChart) error {
	return d.edit(func() error {
		if c == nil {
			c = models.NewSizeChart()
		}
		d.chart = c.Clone()
		return nil
	})
}

func (d *Draft) SetUnit(u models.Unit) error {
	return d.edit(func() error {
		if !u.Valid() {
			return fmt.Errorf("%w: unknown unit %q", models.ErrInvalidPayload, u)
		}
		d.unit = u
		return nil
	})
}

// Validate reports unmet submission preconditions.
func (d *Draft) Validate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.validateLocked()
}

func (d *Draft) validateLocked() error {
	var missing []string
	if d.clientID <= 0 {
		missing = append(missing, "client")
	}
	if d.custom {
		if strings.TrimSpace(d.customName) == "" {
			missing = append(missing, "custom location name")
		}
	} else if len(d.locations) == 0 {
		missing = append(missing, "location")
	}
	if strings.TrimSpace(d.product.Name) == "" {
		missing = append(missing, "product name")
	}
	if len(missing) > 0 {
		return &PreconditionError{Missing: missing}
	}
	return nil
}

// Build assembles the upload payload from the current draft.
func (d *Draft) Build() (*models.UploadPayload, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buildLocked()
}

func (d *Draft) buildLocked() (*models.UploadPayload, error) {
	const op = "catalogue.Build"
	if err := d.validateLocked(); err != nil {
		return nil, err
	}

	p := &models.UploadPayload{
		ClientID:          d.clientID,
		Product:           d.product,
		ProcessedFilename: d.processed,
	}
	if d.custom {
		name := strings.TrimSpace(d.customName)
		p.CustomLocation = &name
	} else {
		p.LocationIDs = slices.Clone(d.locations)
	}
	if rows := models.DenormalizeSizeChart(d.chart); rows != nil {
		unit := d.unit
		p.SizeChart = rows
		p.SizeChartUnit = &unit
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

// Submit validates and sends the draft. Precondition failures leave the
// draft in review without a network call. A failed upload moves the draft
// to the error step with the payload kept for Retry.
func (d *Draft) Submit(ctx context.Context) (*models.UploadResult, error) {
	d.mu.Lock()
	if d.step == StepUploading {
		d.mu.Unlock()
		return nil, ErrUploadPending
	}
	if d.step != StepReview {
		step := d.step
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotEditable, step)
	}
	p, err := d.buildLocked()
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.last = p
	d.step = StepUploading
	d.mu.Unlock()

	return d.send(ctx, p)
}

// Retry resends the last payload unchanged after a failed submission.
func (d *Draft) Retry(ctx context.Context) (*models.UploadResult, error) {
	d.mu.Lock()
	if d.step != StepError || d.last == nil {
		step := d.step
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNothingToRetry, step)
	}
	p := d.last
	d.step = StepUploading
	d.mu.Unlock()

	return d.send(ctx, p)
}

func (d *Draft) send(ctx context.Context, p *models.UploadPayload) (*models.UploadResult, error) {
	res, err := d.uploader.UploadSingle(ctx, p)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.step, d.err, d.result = StepError, err, nil
		return nil, err
	}
	d.step, d.err, d.result = StepSuccess, nil, res
	return res, nil
}

// BackToReview makes a failed draft editable again with everything the
// reviewer entered.
func (d *Draft) BackToReview() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.step != StepError {
		return fmt.Errorf("%w: %s", ErrNothingToRetry, d.step)
	}
	d.step = StepReview
	return nil
}

// State is a point-in-time view of the draft, used to restore the review
// form after a failed submission.
type State struct {
	ID                 uuid.UUID              `json:"submission_id"`
	Step               Step                   `json:"step"`
	ClientID           int                    `json:"client_id"`
	LocationIDs        []int                  `json:"location_ids"`
	CustomLocation     bool                   `json:"custom_location"`
	CustomLocationName string                 `json:"custom_location_name,omitempty"`
	Product            models.EditableProduct `json:"product"`
	SizeChart          []models.SizeChartRow  `json:"size_chart"`
	SizeChartUnit      models.Unit            `json:"size_chart_unit"`
	ProcessedFilename  string                 `json:"processed_filename"`
	Error              string                 `json:"error,omitempty"`
}

func (d *Draft) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := State{
		ID:                 d.id,
		Step:               d.step,
		ClientID:           d.clientID,
		LocationIDs:        slices.Clone(d.locations),
		CustomLocation:     d.custom,
		CustomLocationName: d.customName,
		Product:            d.product,
		SizeChart:          models.DenormalizeSizeChart(d.chart),
		SizeChartUnit:      d.unit,
		ProcessedFilename:  d.processed,
	}
	if d.err != nil {
		st.Error = d.err.Error()
	}
	return st
}

// Payload returns the last submitted payload, or nil.
func (d *Draft) Payload() *models.UploadPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *Draft) Result() *models.UploadResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result
}

func (d *Draft) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Resubmission replays a failed draft's last payload through Retry. Its
// payload was validated when it was first built.
type Resubmission struct {
	d *Draft
}

func (d *Draft) Resubmission() Resubmission { return Resubmission{d: d} }

func (r Resubmission) Validate() error { return nil }

func (r Resubmission) Submit(ctx context.Context) (*models.UploadResult, error) {
	return r.d.Retry(ctx)
}

func (r Resubmission) Payload() *models.UploadPayload { return r.d.Payload() }
