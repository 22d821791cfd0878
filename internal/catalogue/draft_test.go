package catalogue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vtonflow/internal/client"
	"vtonflow/internal/models"
)

type fakeUploader struct {
	err      error
	payloads []*models.UploadPayload
}

func (f *fakeUploader) UploadSingle(_ context.Context, p *models.UploadPayload) (*models.UploadResult, error) {
	f.payloads = append(f.payloads, p)
	if f.err != nil {
		return nil, f.err
	}
	return &models.UploadResult{Success: true, Message: "Product uploaded", ProductsProcessed: 1}, nil
}

func testProduct() *models.Product {
	return &models.Product{
		ID:          "42",
		Name:        "Linen Shirt",
		Brand:       "Acme",
		MRP:         1999,
		Category:    "shirts",
		OtherImages: []string{"back.jpg"},
		SizeChart:   json.RawMessage(`[{"Size":"S","Chest":"38"},{"Size":"M","Chest":"40"}]`),
	}
}

func testItem() models.QueueItem {
	return models.QueueItem{ProductID: "42", ImageFilename: "shirt.png", Status: models.StatusApproved}
}

func readyDraft(t *testing.T, up Uploader) *Draft {
	t.Helper()
	d := NewDraft(up, testProduct(), testItem())
	require.NoError(t, d.SelectClient(3))
	require.NoError(t, d.ToggleLocation(11))
	return d
}

func TestNewDraftPrefills(t *testing.T) {
	p := testProduct()
	d := NewDraft(&fakeUploader{}, p, testItem())

	assert.Equal(t, StepReview, d.Step())
	assert.Equal(t, "Linen Shirt", d.Product().Name)
	assert.Equal(t, []string{"S", "M"}, d.SizeChart().Sizes)
	assert.Equal(t, "40", d.SizeChart().Get("M", "chest"))

	// edits never reach the cached product
	require.NoError(t, d.SetField("name", "Linen Shirt v2"))
	assert.Equal(t, "Linen Shirt", p.Name)
}

func TestNewDraftWithoutChart(t *testing.T) {
	p := testProduct()
	p.SizeChart = nil
	d := NewDraft(&fakeUploader{}, p, testItem())

	assert.True(t, d.SizeChart().IsEmpty())
	require.NoError(t, d.SelectClient(1))
	require.NoError(t, d.ToggleLocation(2))

	payload, err := d.Build()
	require.NoError(t, err)
	assert.Nil(t, payload.SizeChart)
	assert.Nil(t, payload.SizeChartUnit)
}

func TestDraftPreconditions(t *testing.T) {
	up := &fakeUploader{}
	d := NewDraft(up, testProduct(), testItem())

	_, err := d.Submit(context.Background())
	var pe *PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []string{"client", "location"}, pe.Missing)
	assert.Empty(t, up.payloads)
	assert.Equal(t, StepReview, d.Step())

	// empty locations and an empty custom name still block
	require.NoError(t, d.SelectClient(3))
	require.NoError(t, d.SetCustomLocation(true))
	require.NoError(t, d.SetCustomLocationName("   "))
	_, err = d.Submit(context.Background())
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []string{"custom location name"}, pe.Missing)

	require.NoError(t, d.SetField("name", ""))
	err = d.Validate()
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Missing, "product name")
	assert.Empty(t, up.payloads)
}

func TestDraftLocationExclusivity(t *testing.T) {
	d := NewDraft(&fakeUploader{}, testProduct(), testItem())
	require.NoError(t, d.SelectClient(3))
	require.NoError(t, d.ToggleLocation(11))
	require.NoError(t, d.ToggleLocation(12))

	ids, custom, _ := d.Locations()
	assert.Equal(t, []int{11, 12}, ids)
	assert.False(t, custom)

	require.NoError(t, d.SetCustomLocation(true))
	ids, custom, _ = d.Locations()
	assert.Empty(t, ids)
	assert.True(t, custom)

	// picking a location again leaves custom mode
	require.NoError(t, d.SetCustomLocationName("Popup store"))
	require.NoError(t, d.ToggleLocation(12))
	ids, custom, _ = d.Locations()
	assert.Equal(t, []int{12}, ids)
	assert.False(t, custom)

	require.NoError(t, d.ToggleLocation(12))
	ids, _, _ = d.Locations()
	assert.Empty(t, ids)

	// a new client resets the selection
	require.NoError(t, d.ToggleLocation(13))
	require.NoError(t, d.SetCustomLocation(true))
	require.NoError(t, d.SelectClient(4))
	ids, custom, _ = d.Locations()
	assert.Empty(t, ids)
	assert.False(t, custom)
}

func TestDraftBuild(t *testing.T) {
	d := readyDraft(t, &fakeUploader{})
	require.NoError(t, d.SetUnit(models.UnitInches))
	require.NoError(t, d.EditSizeChart(func(c *models.SizeChart) error { return c.Set("S", "chest", "15") }))
	require.NoError(t, d.SetField("mrp", "1499.5"))

	p, err := d.Build()
	require.NoError(t, err)
	assert.Equal(t, 3, p.ClientID)
	assert.Equal(t, []int{11}, p.LocationIDs)
	assert.Nil(t, p.CustomLocation)
	assert.Equal(t, 1499.5, p.Product.MRP)
	assert.Equal(t, "processed_42_shirt.png", p.ProcessedFilename)
	require.NotNil(t, p.SizeChartUnit)
	assert.Equal(t, models.UnitInches, *p.SizeChartUnit)

	body, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"client_id": 3,
		"location_ids": [11],
		"custom_location": null,
		"product": {"id":"42","name":"Linen Shirt","brand":"Acme","mrp":1499.5,"discount_percent":0,
			"category":"shirts","gender":"","color":"","sizes":"","description":"","material_care":""},
		"size_chart": [{"Size":"S","Chest":"15"},{"Size":"M","Chest":"40"}],
		"size_chart_unit": "inches",
		"processed_filename": "processed_42_shirt.png"
	}`, string(body))
}

func TestDraftBuildCustomLocation(t *testing.T) {
	d := readyDraft(t, &fakeUploader{})
	require.NoError(t, d.SetCustomLocation(true))
	require.NoError(t, d.SetCustomLocationName(" Popup store "))

	p, err := d.Build()
	require.NoError(t, err)
	assert.Nil(t, p.LocationIDs)
	require.NotNil(t, p.CustomLocation)
	assert.Equal(t, "Popup store", *p.CustomLocation)
}

func TestDraftSetFieldErrors(t *testing.T) {
	d := NewDraft(&fakeUploader{}, testProduct(), testItem())
	assert.ErrorIs(t, d.SetField("vton_image", "x"), ErrUnknownField)
	assert.Error(t, d.SetField("mrp", "cheap"))
	assert.ErrorIs(t, d.SetUnit("furlongs"), models.ErrInvalidPayload)
}

func TestDraftSubmitSuccess(t *testing.T) {
	up := &fakeUploader{}
	d := readyDraft(t, up)

	res, err := d.Submit(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StepSuccess, d.Step())
	assert.Equal(t, res, d.Result())
	assert.NoError(t, d.Err())
	require.Len(t, up.payloads, 1)
	assert.Same(t, up.payloads[0], d.Payload())

	// a finished draft is no longer editable
	assert.ErrorIs(t, d.SetField("name", "x"), ErrNotEditable)
	_, err = d.Submit(context.Background())
	assert.ErrorIs(t, err, ErrNotEditable)
}

func TestDraftFailureBackToReviewAndRetry(t *testing.T) {
	verr := &client.ValidationError{Status: 422, Message: "Validation failed", Errors: []string{"product.mrp: must be positive"}}
	up := &fakeUploader{err: verr}
	d := readyDraft(t, up)
	require.NoError(t, d.SetField("brand", "Acme Studio"))

	_, err := d.Submit(context.Background())
	var got *client.ValidationError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, []string{"product.mrp: must be positive"}, got.Errors)
	assert.Equal(t, StepError, d.Step())
	assert.Equal(t, err, d.Err())

	// retry sends the very same payload
	up.err = errors.New("still broken")
	_, err = d.Retry(context.Background())
	require.Error(t, err)
	require.Len(t, up.payloads, 2)
	assert.Same(t, up.payloads[0], up.payloads[1])

	// back to review keeps every entered value
	require.NoError(t, d.BackToReview())
	assert.Equal(t, StepReview, d.Step())
	assert.Equal(t, "Acme Studio", d.Product().Brand)
	ids, _, _ := d.Locations()
	assert.Equal(t, []int{11}, ids)

	require.NoError(t, d.SetField("mrp", "2099"))
	up.err = nil
	_, err = d.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2099.0, up.payloads[2].Product.MRP)
}

func TestDraftRetryRequiresFailure(t *testing.T) {
	d := readyDraft(t, &fakeUploader{})
	_, err := d.Retry(context.Background())
	assert.ErrorIs(t, err, ErrNothingToRetry)
	assert.ErrorIs(t, d.BackToReview(), ErrNothingToRetry)
}

func TestResubmission(t *testing.T) {
	up := &fakeUploader{err: errors.New("timeout")}
	d := readyDraft(t, up)
	_, err := d.Submit(context.Background())
	require.Error(t, err)

	up.err = nil
	r := d.Resubmission()
	require.NoError(t, r.Validate())
	res, err := r.Submit(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StepSuccess, d.Step())
	assert.Same(t, d.Payload(), r.Payload())
}

func TestDraftSizeChartIsOnlyEditableInReview(t *testing.T) {
	d := readyDraft(t, &fakeUploader{err: errors.New("timeout")})

	// the returned chart is a copy
	c := d.SizeChart()
	require.NoError(t, c.Set("S", "chest", "99"))
	assert.Equal(t, "38", d.SizeChart().Get("S", "chest"))

	require.NoError(t, d.EditSizeChart(func(c *models.SizeChart) error { return c.Set("S", "chest", "39") }))
	assert.Equal(t, "39", d.SizeChart().Get("S", "chest"))

	_, err := d.Submit(context.Background())
	require.Error(t, err)
	err = d.EditSizeChart(func(c *models.SizeChart) error { return c.Set("S", "chest", "41") })
	assert.ErrorIs(t, err, ErrNotEditable)
	assert.Equal(t, "39", d.SizeChart().Get("S", "chest"))
}

func TestDraftState(t *testing.T) {
	d := readyDraft(t, &fakeUploader{err: errors.New("catalogue down")})
	require.NoError(t, d.SetUnit(models.UnitInches))

	_, err := d.Submit(context.Background())
	require.Error(t, err)

	st := d.State()
	assert.Equal(t, d.ID(), st.ID)
	assert.Equal(t, StepError, st.Step)
	assert.Equal(t, 3, st.ClientID)
	assert.Equal(t, []int{11}, st.LocationIDs)
	assert.False(t, st.CustomLocation)
	assert.Equal(t, "Linen Shirt", st.Product.Name)
	assert.Equal(t, models.UnitInches, st.SizeChartUnit)
	assert.Equal(t, "processed_42_shirt.png", st.ProcessedFilename)
	assert.Equal(t, "catalogue down", st.Error)
	require.Len(t, st.SizeChart, 2)
	size, _ := st.SizeChart[1].Get("size")
	assert.Equal(t, "M", size)
}
