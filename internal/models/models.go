package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Status is the extraction lifecycle state reported by the processing backend.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusApproved   Status = "approved"
)

var ErrInvalidItem = errors.New("invalid queue item")

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusApproved:
		return true
	}
	return false
}

// CanTransition reports whether a user-initiated move from s to next is allowed.
// Server-reported states are not checked against it.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	case StatusCompleted:
		return next == StatusApproved
	case StatusFailed:
		return next == StatusProcessing
	}
	return false
}

// Discardable reports whether an item in this state may be removed individually.
// Approved items only leave through the bulk clear.
func (s Status) Discardable() bool {
	return s.Valid() && s != StatusApproved
}

// ItemKey is the composite identity of a queue item.
type ItemKey struct {
	ProductID string
	Filename  string
}

func (k ItemKey) String() string {
	return k.ProductID + "/" + k.Filename
}

type QueueItem struct {
	ProductID          string  `json:"product_id"`
	ImageFilename      string  `json:"image_filename"`
	Status             Status  `json:"status"`
	ProcessedImagePath *string `json:"processed_image_path"`
	IsCropped          bool    `json:"is_cropped,omitempty"`
}

func NewQueueItem(productID, filename string) (QueueItem, error) {
	item := QueueItem{ProductID: productID, ImageFilename: filename, Status: StatusPending}
	if err := item.Validate(); err != nil {
		return QueueItem{}, err
	}
	return item, nil
}

func (q QueueItem) Key() ItemKey {
	return ItemKey{ProductID: q.ProductID, Filename: q.ImageFilename}
}

func (q QueueItem) Validate() error {
	if strings.TrimSpace(q.ProductID) == "" {
		return fmt.Errorf("%w: empty product id", ErrInvalidItem)
	}
	if strings.TrimSpace(q.ImageFilename) == "" {
		return fmt.Errorf("%w: empty filename for product %s", ErrInvalidItem, q.ProductID)
	}
	if !q.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q for %s", ErrInvalidItem, q.Status, q.Key())
	}
	return nil
}

// ProcessedFilename is the server-reported processed image name, falling back
// to the canonical derivation while the server has not reported one.
func (q QueueItem) ProcessedFilename() string {
	if q.ProcessedImagePath != nil && *q.ProcessedImagePath != "" {
		return *q.ProcessedImagePath
	}
	return DeriveProcessedFilename(q.ProductID, q.ImageFilename)
}

// HasResult reports whether a processed image is expected to exist.
func (q QueueItem) HasResult() bool {
	return q.Status == StatusCompleted || q.Status == StatusApproved
}

type Product struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Brand           string          `json:"brand"`
	MRP             float64         `json:"mrp"`
	DiscountPercent float64         `json:"discount_percent"`
	Category        string          `json:"category"`
	SubCategory     string          `json:"sub_category,omitempty"`
	Gender          string          `json:"gender"`
	Color           string          `json:"color"`
	Sizes           string          `json:"sizes,omitempty"`
	Description     string          `json:"description"`
	MaterialCare    string          `json:"material_care,omitempty"`
	ThumbnailImage  string          `json:"thumbnail_image"`
	OtherImages     []string        `json:"other_images"`
	VtonImage       *string         `json:"vton_image"`
	ImageFilename   string          `json:"image_filename,omitempty"`
	SizeChart       json.RawMessage `json:"size_chart,omitempty"`
}

// HasVton reports whether the product already carries an approved VTON image.
func (p *Product) HasVton() bool {
	return p.VtonImage != nil && *p.VtonImage != ""
}

// Clone returns a deep copy.
func (p *Product) Clone() *Product {
	if p == nil {
		return nil
	}
	c := *p
	if p.OtherImages != nil {
		c.OtherImages = append([]string(nil), p.OtherImages...)
	}
	if p.VtonImage != nil {
		v := *p.VtonImage
		c.VtonImage = &v
	}
	if p.SizeChart != nil {
		c.SizeChart = append(json.RawMessage(nil), p.SizeChart...)
	}
	return &c
}

type ProductPage struct {
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	Limit    int       `json:"limit"`
	Products []Product `json:"products"`
}

type Client struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	ClientType  string `json:"client_type,omitempty"`
}

func (c Client) Label() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Name
}

type Location struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}
