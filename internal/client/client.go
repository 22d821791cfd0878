package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vtonflow/internal/models"
)

type Options struct {
	RequestTimeout time.Duration
	// UploadTimeout applies to image-bearing catalogue submissions.
	UploadTimeout time.Duration
	// ProcessTimeout bounds the blocking extraction call.
	ProcessTimeout time.Duration
}

// Client talks to the processing backend and the catalogue/directory service.
type Client struct {
	baseURL string
	client  *http.Client
	upload  *http.Client
	process *http.Client
}

func New(baseURL string, opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = models.DefaultRequestTimeout
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = models.DefaultUploadTimeout
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = models.DefaultProcessTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: opts.RequestTimeout},
		upload:  &http.Client{Timeout: opts.UploadTimeout},
		process: &http.Client{Timeout: opts.ProcessTimeout},
	}
}

func NewFromConfig(cfg *models.Config) *Client {
	return New(cfg.BackendURL, Options{
		RequestTimeout: cfg.RequestTimeout,
		UploadTimeout:  cfg.UploadTimeout,
		ProcessTimeout: cfg.ProcessTimeout,
	})
}

func itemPath(prefix, productID, filename string) string {
	return prefix + "/" + url.PathEscape(productID) + "/" + url.PathEscape(filename)
}

func (c *Client) do(ctx context.Context, hc *http.Client, op, method, path string, query url.Values, contentType string, body io.Reader, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode >= 300 {
		return errorFromResponse(op, resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw = data
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, hc *http.Client, op, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.do(ctx, hc, op, method, path, query, contentType, body, out)
}

// ListQueue returns the full extraction queue.
func (c *Client) ListQueue(ctx context.Context) ([]models.QueueItem, error) {
	const op = "client.ListQueue"
	var items []models.QueueItem
	if err := c.doJSON(ctx, c.client, op, http.MethodGet, "/queue", nil, nil, &items); err != nil {
		return nil, err
	}
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return items, nil
}

// Enqueue adds a pending item. A duplicate pair yields ErrConflict.
func (c *Client) Enqueue(ctx context.Context, productID, filename string) error {
	const op = "client.Enqueue"
	item, err := models.NewQueueItem(productID, filename)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	in := map[string]string{"product_id": item.ProductID, "image_filename": item.ImageFilename}
	return c.doJSON(ctx, c.client, op, http.MethodPost, "/queue/add", nil, in, nil)
}

// StartProcessing runs background removal for the item and blocks until the
// backend finishes or the processing timeout elapses.
func (c *Client) StartProcessing(ctx context.Context, productID, filename string) error {
	const op = "client.StartProcessing"
	return c.doJSON(ctx, c.process, op, http.MethodPost, itemPath("/process", productID, filename), nil, nil, nil)
}

func (c *Client) Approve(ctx context.Context, productID, filename, processedFilename string) error {
	const op = "client.Approve"
	if processedFilename == "" {
		return fmt.Errorf("%s: %w", op, ErrMissingProcessedFilename)
	}
	q := url.Values{"processed_filename": {processedFilename}}
	return c.doJSON(ctx, c.client, op, http.MethodPost, itemPath("/approve", productID, filename), q, nil, nil)
}

// Discard removes the item. An absent item yields ErrNotFound.
func (c *Client) Discard(ctx context.Context, productID, filename string) error {
	const op = "client.Discard"
	return c.doJSON(ctx, c.client, op, http.MethodDelete, itemPath("/queue", productID, filename), nil, nil, nil)
}

func (c *Client) ClearApproved(ctx context.Context) error {
	const op = "client.ClearApproved"
	return c.doJSON(ctx, c.client, op, http.MethodDelete, "/queue/approved", nil, nil, nil)
}

// UploadCroppedImage stores a cropped PNG and returns the filename the
// backend assigned to it.
func (c *Client) UploadCroppedImage(ctx context.Context, productID string, png []byte) (string, error) {
	const op = "client.UploadCroppedImage"

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "cropped.png")
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if _, err := part.Write(png); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	var out struct {
		Filename string `json:"filename"`
	}
	path := "/upload-crop/" + url.PathEscape(productID)
	if err := c.do(ctx, c.upload, op, http.MethodPost, path, nil, w.FormDataContentType(), &buf, &out); err != nil {
		return "", err
	}
	if out.Filename == "" {
		return "", fmt.Errorf("%s: backend returned no filename", op)
	}
	return out.Filename, nil
}

func (c *Client) ListProducts(ctx context.Context, page, limit int, pendingOnly bool) (*models.ProductPage, error) {
	const op = "client.ListProducts"
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 30
	}
	q := url.Values{
		"page":         {strconv.Itoa(page)},
		"limit":        {strconv.Itoa(limit)},
		"pending_only": {strconv.FormatBool(pendingOnly)},
	}
	var out models.ProductPage
	if err := c.doJSON(ctx, c.client, op, http.MethodGet, "/products", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	const op = "client.GetProduct"
	var p models.Product
	if err := c.doJSON(ctx, c.client, op, http.MethodGet, "/product/"+url.PathEscape(id), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) ListClients(ctx context.Context) ([]models.Client, error) {
	const op = "client.ListClients"
	var out []models.Client
	if err := c.doJSON(ctx, c.client, op, http.MethodGet, "/clients", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListLocations(ctx context.Context, clientID int) ([]models.Location, error) {
	const op = "client.ListLocations"
	var out []models.Location
	path := "/clients/" + strconv.Itoa(clientID) + "/locations"
	if err := c.doJSON(ctx, c.client, op, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UploadSingle submits one product to the catalogue. It uses the extended
// upload timeout.
func (c *Client) UploadSingle(ctx context.Context, payload *models.UploadPayload) (*models.UploadResult, error) {
	const op = "client.UploadSingle"
	var out models.UploadResult
	if err := c.doJSON(ctx, c.upload, op, http.MethodPost, "/catalogue/upload-single", nil, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadCatalogue is the bulk CSV + images ZIP import.
func (c *Client) UploadCatalogue(ctx context.Context, clientID int, locationIDs []int, csv, zip io.Reader) (*models.UploadResult, error) {
	const op = "client.UploadCatalogue"

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("client_id", strconv.Itoa(clientID)); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(locationIDs) > 0 {
		ids := make([]string, len(locationIDs))
		for i, id := range locationIDs {
			ids[i] = strconv.Itoa(id)
		}
		if err := w.WriteField("location_ids", strings.Join(ids, ",")); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	for _, f := range []struct {
		field, name string
		r           io.Reader
	}{{"file", "catalogue.csv", csv}, {"images_zip", "images.zip", zip}} {
		part, err := w.CreateFormFile(f.field, f.name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if _, err := io.Copy(part, f.r); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var out models.UploadResult
	if err := c.do(ctx, c.upload, op, http.MethodPost, "/catalogues/upload", nil, w.FormDataContentType(), &buf, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchImage downloads a source image of a product, used as the crop input.
func (c *Client) FetchImage(ctx context.Context, productID, filename string) ([]byte, error) {
	const op = "client.FetchImage"
	var data []byte
	if err := c.do(ctx, c.client, op, http.MethodGet, itemPath("/images", productID, filename), nil, "", nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) ImageURL(productID, filename string) string {
	if filename == "" {
		return ""
	}
	return c.baseURL + itemPath("/images", productID, filename)
}

func (c *Client) ThumbnailURL(productID, filename string) string {
	if filename == "" {
		return ""
	}
	return c.baseURL + itemPath("/thumbnail", productID, filename)
}

func (c *Client) ProcessedImageURL(filename string) string {
	return c.baseURL + "/processed-images/" + url.PathEscape(filename)
}
