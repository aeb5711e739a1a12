package sentinel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/Lllllllleong/surveyflow/internal/fetch"
)

// Default Copernicus Data Space endpoints.
const (
	DefaultCatalogueURL = "https://catalogue.dataspace.copernicus.eu/odata/v1"
	DefaultTokenURL     = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"
	DefaultDownloadURL  = "https://zipper.dataspace.copernicus.eu/odata/v1"
	clientID            = "cdse-public"
)

var ErrProductOffline = errors.New("product is offline")

// Product is one catalogue search hit.
type Product struct {
	ID            string
	Name          string
	Online        bool
	ContentLength int64
	SensingStart  time.Time
	// CloudCover is a percentage, or -1 when the catalogue did not report one.
	CloudCover float64
}

// Query selects products.
type Query struct {
	// AOI is WKT in EPSG:4326.
	AOI         string
	Start       time.Time
	End         time.Time
	ProductType string
	CloudCover  int
	Limit       int
}

// CatalogueOptions configures a Catalogue.
type CatalogueOptions struct {
	APIURL      string
	TokenURL    string
	DownloadURL string
	User        string
	Password    string
	Timeout     time.Duration
	// HTTPClient is the transport used for token, search and download calls.
	HTTPClient *http.Client
}

// Catalogue talks to the Copernicus Data Space OData API.
type Catalogue struct {
	opts   CatalogueOptions
	logger *slog.Logger
	oauth  *oauth2.Config

	mu       sync.Mutex
	client   *http.Client
	requests atomic.Int64
}

func NewCatalogue(logger *slog.Logger, opts CatalogueOptions) *Catalogue {
	if opts.APIURL == "" {
		opts.APIURL = DefaultCatalogueURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	if opts.DownloadURL == "" {
		opts.DownloadURL = DefaultDownloadURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Catalogue{
		opts:   opts,
		logger: logger,
		oauth: &oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{TokenURL: opts.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
		},
	}
}

// authorized returns an HTTP client carrying a refreshing access token,
// logging in on first use.
func (c *Catalogue) authorized(ctx context.Context) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	ctx = context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, c.opts.HTTPClient)
	tok, err := c.oauth.PasswordCredentialsToken(ctx, c.opts.User, c.opts.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate with the Copernicus Data Space: %w", err)
	}
	c.client = c.oauth.Client(ctx, tok)
	c.logger.Info("Authenticated with catalogue.", "url", c.opts.APIURL)
	return c.client, nil
}

// Requests returns the number of search and download requests issued.
func (c *Catalogue) Requests() int64 { return c.requests.Load() }

// Login authenticates eagerly so credential problems surface at startup.
func (c *Catalogue) Login(ctx context.Context) error {
	_, err := c.authorized(ctx)
	return err
}

const odataTime = "2006-01-02T15:04:05.000Z"

// Filter builds the OData $filter expression for q.
func (q Query) Filter() string {
	parts := []string{"Collection/Name eq 'SENTINEL-2'"}
	if q.ProductType != "" {
		parts = append(parts, fmt.Sprintf(
			"Attributes/OData.CSC.StringAttribute/any(att:att/Name eq 'productType' and att/OData.CSC.StringAttribute/Value eq '%s')", q.ProductType))
	}
	parts = append(parts, fmt.Sprintf(
		"Attributes/OData.CSC.DoubleAttribute/any(att:att/Name eq 'cloudCover' and att/OData.CSC.DoubleAttribute/Value le %d.00)", q.CloudCover))
	if q.AOI != "" {
		parts = append(parts, fmt.Sprintf("OData.CSC.Intersects(area=geography'SRID=4326;%s')", q.AOI))
	}
	if !q.Start.IsZero() {
		parts = append(parts, "ContentDate/Start gt "+q.Start.UTC().Format(odataTime))
	}
	if !q.End.IsZero() {
		// The end date is inclusive.
		parts = append(parts, "ContentDate/Start lt "+q.End.UTC().AddDate(0, 0, 1).Format(odataTime))
	}
	return strings.Join(parts, " and ")
}

type odataAttribute struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

type odataPage struct {
	Value []struct {
		ID            string `json:"Id"`
		Name          string `json:"Name"`
		Online        *bool  `json:"Online"`
		ContentLength int64  `json:"ContentLength"`
		ContentDate   struct {
			Start time.Time `json:"Start"`
		} `json:"ContentDate"`
		Attributes []odataAttribute `json:"Attributes"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// Search returns matching products, newest first, following pagination.
func (c *Catalogue) Search(ctx context.Context, q Query) ([]Product, error) {
	client, err := c.authorized(ctx)
	if err != nil {
		return nil, err
	}

	top := 100
	if q.Limit > 0 && q.Limit < top {
		top = q.Limit
	}
	v := url.Values{}
	v.Set("$filter", q.Filter())
	v.Set("$orderby", "ContentDate/Start desc")
	v.Set("$top", fmt.Sprint(top))
	v.Set("$expand", "Attributes")
	next := strings.TrimRight(c.opts.APIURL, "/") + "/Products?" + v.Encode()

	var out []Product
	for next != "" {
		page, err := c.page(ctx, client, next)
		if err != nil {
			return nil, err
		}
		for _, p := range page.Value {
			prod := Product{
				ID:            p.ID,
				Name:          p.Name,
				Online:        p.Online == nil || *p.Online,
				ContentLength: p.ContentLength,
				SensingStart:  p.ContentDate.Start,
				CloudCover:    c.cloudCover(p.Name, p.Attributes),
			}
			out = append(out, prod)
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, nil
			}
		}
		next = page.NextLink
	}
	return out, nil
}

func (c *Catalogue) cloudCover(product string, attrs []odataAttribute) float64 {
	for _, a := range attrs {
		if a.Name != "cloudCover" {
			continue
		}
		var v float64
		if err := json.Unmarshal(a.Value, &v); err != nil {
			c.logger.Debug("Unreadable cloud cover attribute.", "product", product, "value", string(a.Value), "error", err)
			return -1
		}
		return v
	}
	return -1
}

func (c *Catalogue) page(ctx context.Context, client *http.Client, pageURL string) (*odataPage, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalogue request: %w", err)
	}
	c.requests.Add(1)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalogue: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: catalogue returned %s: %s", fetch.ErrHTTPStatus, resp.Status, strings.TrimSpace(string(body)))
	}
	var page odataPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode catalogue response: %w", err)
	}
	return &page, nil
}

// SAFEPath is where a product's extracted .SAFE directory lives under dir.
func SAFEPath(dir string, p Product) string {
	name := p.Name
	if !strings.HasSuffix(name, ".SAFE") {
		name += ".SAFE"
	}
	return filepath.Join(dir, name)
}

// Download fetches and extracts a product into dir, returning the .SAFE
// directory. An existing .SAFE directory is returned without network use.
func (c *Catalogue) Download(ctx context.Context, p Product, dir string) (string, bool, error) {
	safe := SAFEPath(dir, p)
	if info, err := os.Stat(safe); err == nil && info.IsDir() {
		return safe, true, nil
	}
	if !p.Online {
		return "", false, fmt.Errorf("%w: %s", ErrProductOffline, p.Name)
	}
	client, err := c.authorized(ctx)
	if err != nil {
		return "", false, err
	}

	dl := fetch.New(c.logger, fetch.Options{Timeout: c.opts.Timeout, Client: client})
	zipName := BaseName(p.Name) + ".zip"
	src := fmt.Sprintf("%s/Products(%s)/$value", strings.TrimRight(c.opts.DownloadURL, "/"), p.ID)
	res, err := dl.Download(ctx, src, dir, zipName)
	c.requests.Add(dl.Requests())
	if err != nil {
		return "", false, err
	}

	if err := ExtractSAFE(res.Path, dir, filepath.Base(safe)); err != nil {
		return "", false, err
	}
	if err := os.Remove(res.Path); err != nil {
		c.logger.Warn("Failed to remove product archive.", "path", res.Path, "error", err)
	}
	return safe, false, nil
}
