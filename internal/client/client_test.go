package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vtonflow/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, Options{RequestTimeout: time.Second, UploadTimeout: time.Second, ProcessTimeout: time.Second})
}

func TestListQueue(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/queue", r.URL.Path)
		io.WriteString(w, `[{"product_id":"42","image_filename":"shirt.png","status":"completed","processed_image_path":null}]`)
	})

	items, err := c.ListQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.StatusCompleted, items[0].Status)
	assert.Equal(t, "processed_42_shirt.png", items[0].ProcessedFilename())
}

func TestListQueueRejectsMalformedItems(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"product_id":"42","image_filename":"shirt.png","status":"exploded"}]`)
	})
	_, err := c.ListQueue(context.Background())
	assert.ErrorIs(t, err, models.ErrInvalidItem)
}

func TestEnqueue(t *testing.T) {
	var body map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/queue/add", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		io.WriteString(w, `{"message":"Added to queue"}`)
	})

	require.NoError(t, c.Enqueue(context.Background(), "42", "cropped_1.png"))
	assert.Equal(t, map[string]string{"product_id": "42", "image_filename": "cropped_1.png"}, body)
}

func TestEnqueueConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"detail":"Already in queue"}`)
	})
	err := c.Enqueue(context.Background(), "42", "a.png")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestApproveSendsProcessedFilename(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/approve/42/shirt%20front.png", r.URL.EscapedPath())
		assert.Equal(t, "processed_42_shirt front.png", r.URL.Query().Get("processed_filename"))
		io.WriteString(w, `{"message":"ok"}`)
	})

	require.NoError(t, c.Approve(context.Background(), "42", "shirt front.png", "processed_42_shirt front.png"))
	assert.ErrorIs(t, c.Approve(context.Background(), "42", "a.png", ""), ErrMissingProcessedFilename)
}

func TestDiscardNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"detail":"Item not found"}`)
	})
	err := c.Discard(context.Background(), "42", "a.png")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "Item not found")
}

func TestClearApprovedFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/queue/approved", r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"detail":"disk full"}`)
	})
	err := c.ClearApproved(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Status)
	assert.Equal(t, "disk full", se.Detail)
}

func TestUploadCroppedImage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload-crop/42", r.URL.Path)
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "cropped.png", hdr.Filename)
		assert.Equal(t, []byte("png-bytes"), data)
		io.WriteString(w, `{"filename":"cropped_1700000000.png"}`)
	})

	name, err := c.UploadCroppedImage(context.Background(), "42", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "cropped_1700000000.png", name)
}

func TestStartProcessingTimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, Options{ProcessTimeout: 50 * time.Millisecond})
	err := c.StartProcessing(context.Background(), "42", "a.png")
	assert.ErrorIs(t, err, ErrNetwork)
	var ne *NetworkError
	assert.True(t, errors.As(err, &ne))
	assert.Equal(t, "client.StartProcessing", ne.Op)
	assert.True(t, ne.Timeout())
}

func TestConnectionRefusedIsNotTimeout(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New(url, Options{}).ClearApproved(context.Background())
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.False(t, ne.Timeout())
}

func TestUploadSingleValidationError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var p models.UploadPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, 5, p.ClientID)
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"detail":"Product rejected","validation_report":{"errors":["mrp must be positive","category unknown"]}}`)
	})

	_, err := c.UploadSingle(context.Background(), &models.UploadPayload{ClientID: 5})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "Product rejected", ve.Message)
	assert.Equal(t, []string{"mrp must be positive", "category unknown"}, ve.Errors)
}

func TestValidationErrorFromFieldList(t *testing.T) {
	err := errorFromResponse("op", http.StatusUnprocessableEntity,
		[]byte(`{"detail":[{"loc":["body","client_id"],"msg":"field required"}]}`))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"body.client_id: field required"}, ve.Errors)
}

func TestCatalogueLookups(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/products":
			assert.Equal(t, "2", r.URL.Query().Get("page"))
			assert.Equal(t, "true", r.URL.Query().Get("pending_only"))
			io.WriteString(w, `{"total":1,"page":2,"limit":30,"products":[{"id":"1","name":"Tee","vton_image":null}]}`)
		case "/product/1":
			io.WriteString(w, `{"id":"1","name":"Tee","size_chart":"[{\"Size\":\"M\"}]"}`)
		case "/clients":
			io.WriteString(w, `[{"id":5,"name":"acme","display_name":"Acme"}]`)
		case "/clients/5/locations":
			io.WriteString(w, `[{"id":1,"name":"Main"}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	page, err := c.ListProducts(ctx, 2, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.False(t, page.Products[0].HasVton())

	p, err := c.GetProduct(ctx, "1")
	require.NoError(t, err)
	assert.NotNil(t, models.NormalizeSizeChart(p.SizeChart))

	clients, err := c.ListClients(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Acme", clients[0].Label())

	locs, err := c.ListLocations(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "Main", locs[0].Name)

	_, err = c.GetProduct(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUploadCatalogue(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "5", r.FormValue("client_id"))
		assert.Equal(t, "1,2", r.FormValue("location_ids"))
		_, _, err := r.FormFile("images_zip")
		assert.NoError(t, err)
		io.WriteString(w, `{"success":true,"products_processed":3}`)
	})

	res, err := c.UploadCatalogue(context.Background(), 5, []int{1, 2}, strings.NewReader("id,Name\n"), strings.NewReader("PK"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ProductsProcessed)
}

func TestURLHelpers(t *testing.T) {
	c := New("http://backend:8001/", Options{})
	assert.Equal(t, "http://backend:8001/images/42/a.png", c.ImageURL("42", "a.png"))
	assert.Equal(t, "", c.ThumbnailURL("42", ""))
	assert.Equal(t, "http://backend:8001/processed-images/processed_42_a.png", c.ProcessedImageURL("processed_42_a.png"))
}
