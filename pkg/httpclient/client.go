package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzhttp"

	"github.com/rtds-project/rtds/modules/api"
	"github.com/rtds-project/rtds/pkg/ods"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Paths understood by the server.
const (
	PathStatus  = "/api/status"
	PathState   = "/api/state"
	PathCurrent = "/api/current"
	PathHistory = "/api/history/%s/%d"
	PathConfig  = "/api/config"
	PathReload  = "/api/reload"
)

// Client is a client to the RTDS API.
type Client struct {
	BaseURL string
	client  *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		client:  &http.Client{},
	}
}

// NewWithCompression returns a client that transparently asks for and
// decompresses gzip response bodies. The history endpoint serves gzip.
func NewWithCompression(baseURL string) *Client {
	c := New(baseURL)
	c.WithTransport(gzhttp.Transport(http.DefaultTransport))
	return c
}

func (c *Client) WithTransport(t http.RoundTripper) {
	c.client.Transport = t
}

// doRequest sends the given request and turns bad status codes into errors.
func (c *Client) doRequest(req *http.Request) (*http.Response, []byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("error querying rtds %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 && resp.StatusCode <= 599 {
		body, _ := io.ReadAll(resp.Body)
		return resp, body, fmt.Errorf("%s request to %s failed with response: %d body: %s", req.Method, req.URL.String(), resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading response body: %w", err)
	}

	return resp, body, nil
}

// getFor sends a GET request and unmarshals the JSON response into v.
func (c *Client) getFor(url string, v any) error {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return err
	}

	_, body, err := c.doRequest(req)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("error decoding %T json, err: %v body: %s", v, err, string(body))
	}

	return nil
}

// Status returns the liveness status string, "OK" on a healthy server.
func (c *Client) Status() (string, error) {
	m := map[string]string{}
	if err := c.getFor(c.BaseURL+PathStatus, &m); err != nil {
		return "", err
	}

	return m["status"], nil
}

// State returns one entry per configured service with its latest state.
func (c *Client) State() ([]api.StateEntry, error) {
	var entries []api.StateEntry
	if err := c.getFor(c.BaseURL+PathState, &entries); err != nil {
		return nil, err
	}

	return entries, nil
}

// Current returns the latest value of every tag.
func (c *Client) Current() ([]api.ValueEntry, error) {
	var entries []api.ValueEntry
	if err := c.getFor(c.BaseURL+PathCurrent, &entries); err != nil {
		return nil, err
	}

	return entries, nil
}

// History returns up to size logged transitions at or after start, oldest first.
func (c *Client) History(start time.Time, size int) ([]api.ValueEntry, error) {
	url := c.BaseURL + fmt.Sprintf(PathHistory, start.UTC().Format(time.RFC3339), size)

	var entries []api.ValueEntry
	if err := c.getFor(url, &entries); err != nil {
		return nil, err
	}

	return entries, nil
}

// ExportConfig downloads the stored configuration as a spreadsheet workbook.
func (c *Client) ExportConfig() ([]byte, error) {
	req, err := http.NewRequest("GET", c.BaseURL+PathConfig, nil)
	if err != nil {
		return nil, err
	}

	resp, body, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}
	if ct := resp.Header.Get("Content-Type"); ct != ods.Mimetype {
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}

	return body, nil
}

// ImportConfig uploads a workbook and replaces the stored configuration.
// The scan loop keeps running on its old configuration until Reload.
func (c *Client) ImportConfig(filename string, workbook []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("config_file", filename)
	if err != nil {
		return err
	}
	if _, err := fw.Write(workbook); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest("POST", c.BaseURL+PathConfig, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	_, _, err = c.doRequest(req)
	return err
}

// Reload asks the scan loop to pick up the stored configuration.
func (c *Client) Reload() error {
	req, err := http.NewRequest("POST", c.BaseURL+PathReload, nil)
	if err != nil {
		return err
	}

	_, _, err = c.doRequest(req)
	return err
}
