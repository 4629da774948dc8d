// Package catalog is the HTTP client for the remote product, user and cart
// services.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout    = 10 * time.Second
	maxResponseBytes  = 4 << 20
	contentTypeJSON   = "application/json"
	opListProducts    = "catalog.list_products"
	opGetProduct      = "catalog.get_product"
	opListCategories  = "catalog.list_categories"
	opListByCategory  = "catalog.list_products_in_category"
	opListUsers       = "catalog.list_users"
	opCreateUser      = "catalog.create_user"
	opListCartsByUser = "catalog.carts_for_user"
)

var (
	// ErrProductNotFound indicates the product service has no product with the requested id.
	ErrProductNotFound = errors.New("catalog: product not found")
	errMissingBaseURL  = errors.New("catalog: base url required")
)

// StatusError reports a non-success response from a remote service.
type StatusError struct {
	Op         string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
}

// ClientConfig configures the remote services client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client talks to the remote product, user and cart services.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a Client rooted at cfg.BaseURL.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("catalog: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: base, httpClient: httpClient}, nil
}

// ListProducts returns the full product catalog.
func (c *Client) ListProducts(ctx context.Context) ([]Product, error) {
	var products []Product
	if _, err := c.getJSON(ctx, opListProducts, "/products", &products); err != nil {
		return nil, err
	}
	return products, nil
}

// GetProduct returns one product. The service answers unknown ids with 404 or
// an empty body; both map to ErrProductNotFound.
func (c *Client) GetProduct(ctx context.Context, productID int) (Product, error) {
	var product Product
	found, err := c.getJSON(ctx, opGetProduct, "/products/"+strconv.Itoa(productID), &product)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return Product{}, fmt.Errorf("%w: %d", ErrProductNotFound, productID)
		}
		return Product{}, err
	}
	if !found || product.ID == 0 {
		return Product{}, fmt.Errorf("%w: %d", ErrProductNotFound, productID)
	}
	return product, nil
}

// ListCategories returns the category names known to the product service.
func (c *Client) ListCategories(ctx context.Context) ([]string, error) {
	var categories []string
	if _, err := c.getJSON(ctx, opListCategories, "/products/categories", &categories); err != nil {
		return nil, err
	}
	return categories, nil
}

// ListProductsInCategory returns the products filed under category.
func (c *Client) ListProductsInCategory(ctx context.Context, category string) ([]Product, error) {
	var products []Product
	path := "/products/category/" + url.PathEscape(category)
	if _, err := c.getJSON(ctx, opListByCategory, path, &products); err != nil {
		return nil, err
	}
	return products, nil
}

// ListUsers returns every credential record held by the remote user service.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if _, err := c.getJSON(ctx, opListUsers, "/users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

// CreateUser submits a new record and returns the id the service assigned.
// A zero id means the service did not return one.
func (c *Client) CreateUser(ctx context.Context, user User) (int, error) {
	body, err := json.Marshal(user)
	if err != nil {
		return 0, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/users", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	request.Header.Set("Content-Type", contentTypeJSON)

	var created struct {
		ID int `json:"id"`
	}
	if _, err := c.do(request, opCreateUser, &created); err != nil {
		return 0, err
	}
	return created.ID, nil
}

// CartsForUser returns the remote carts of userID in service order.
func (c *Client) CartsForUser(ctx context.Context, userID int) ([]Cart, error) {
	var carts []Cart
	if _, err := c.getJSON(ctx, opListCartsByUser, "/carts/user/"+strconv.Itoa(userID), &carts); err != nil {
		return nil, err
	}
	return carts, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, dest any) (bool, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, err
	}
	return c.do(request, op, dest)
}

// do executes request and decodes a JSON body into dest. It reports false when
// the response body was empty.
func (c *Client) do(request *http.Request, op string, dest any) (bool, error) {
	request.Header.Set("Accept", contentTypeJSON)
	response, err := c.httpClient.Do(request)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxResponseBytes))
		return false, &StatusError{Op: op, StatusCode: response.StatusCode}
	}

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return false, fmt.Errorf("%s: read body: %w", op, err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return false, fmt.Errorf("%s: decode body: %w", op, err)
	}
	return true, nil
}
