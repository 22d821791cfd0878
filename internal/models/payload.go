package models

import (
	"errors"
	"fmt"
	"strings"
)

// Unit is the measurement unit of a submitted size chart.
type Unit string

const (
	UnitCM     Unit = "cm"
	UnitInches Unit = "inches"
)

func (u Unit) Valid() bool {
	return u == UnitCM || u == UnitInches
}

var ErrInvalidPayload = errors.New("invalid upload payload")

// EditableProduct is the subset of product fields a reviewer may change
// before the product is re-submitted to the catalogue.
type EditableProduct struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Brand           string  `json:"brand"`
	MRP             float64 `json:"mrp"`
	DiscountPercent float64 `json:"discount_percent"`
	Category        string  `json:"category"`
	Gender          string  `json:"gender"`
	Color           string  `json:"color"`
	Sizes           string  `json:"sizes"`
	Description     string  `json:"description"`
	MaterialCare    string  `json:"material_care"`
}

// EditableFrom copies the editable fields of p. The result shares no memory
// with p.
func EditableFrom(p *Product) EditableProduct {
	if p == nil {
		return EditableProduct{}
	}
	return EditableProduct{
		ID:              p.ID,
		Name:            p.Name,
		Brand:           p.Brand,
		MRP:             p.MRP,
		DiscountPercent: p.DiscountPercent,
		Category:        p.Category,
		Gender:          p.Gender,
		Color:           p.Color,
		Sizes:           p.Sizes,
		Description:     p.Description,
		MaterialCare:    p.MaterialCare,
	}
}

// UploadPayload is the single-product catalogue submission. LocationIDs and
// CustomLocation are mutually exclusive.
type UploadPayload struct {
	ClientID          int             `json:"client_id"`
	LocationIDs       []int           `json:"location_ids"`
	CustomLocation    *string         `json:"custom_location"`
	Product           EditableProduct `json:"product"`
	SizeChart         []SizeChartRow  `json:"size_chart"`
	SizeChartUnit     *Unit           `json:"size_chart_unit"`
	ProcessedFilename string          `json:"processed_filename"`
}

func (p *UploadPayload) Validate() error {
	if p.ClientID <= 0 {
		return fmt.Errorf("%w: client_id is required", ErrInvalidPayload)
	}
	hasLocations := len(p.LocationIDs) > 0
	hasCustom := p.CustomLocation != nil && strings.TrimSpace(*p.CustomLocation) != ""
	if hasLocations && hasCustom {
		return fmt.Errorf("%w: location_ids and custom_location are mutually exclusive", ErrInvalidPayload)
	}
	if !hasLocations && !hasCustom {
		return fmt.Errorf("%w: a location or custom location is required", ErrInvalidPayload)
	}
	if (p.SizeChart == nil) != (p.SizeChartUnit == nil) {
		return fmt.Errorf("%w: size_chart and size_chart_unit must be set together", ErrInvalidPayload)
	}
	if p.SizeChartUnit != nil && !p.SizeChartUnit.Valid() {
		return fmt.Errorf("%w: unknown unit %q", ErrInvalidPayload, *p.SizeChartUnit)
	}
	if p.ProcessedFilename == "" {
		return fmt.Errorf("%w: processed_filename is required", ErrInvalidPayload)
	}
	return nil
}

// UploadResult is the catalogue's answer to a successful submission.
type UploadResult struct {
	Success           bool   `json:"success"`
	Message           string `json:"message,omitempty"`
	ProductsProcessed int    `json:"products_processed,omitempty"`
}
