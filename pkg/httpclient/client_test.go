package httpclient

import (
	"bytes"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtds-project/rtds/modules/api"
	"github.com/rtds-project/rtds/pkg/ods"
)

type MockRoundTripper func(r *http.Request) *http.Response

func (f MockRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r), nil
}

func TestCurrent(t *testing.T) {
	t.Run("returns the decoded entries", func(t *testing.T) {
		mockTransport := MockRoundTripper(func(req *http.Request) *http.Response {
			assert.Equal(t, "/api/current", req.URL.Path)
			return &http.Response{
				StatusCode: 200,
				Body:       io.NopCloser(bytes.NewReader([]byte(`[{"id":"PLC1.TEMP","tm":"2024-05-01T10:00:00Z","tp":"float","st":0,"vl":42.5}]`))),
			}
		})

		client := New("http://rtds.example.com")
		client.WithTransport(mockTransport)
		entries, err := client.Current()

		assert.NoError(t, err)
		assert.Equal(t, []api.ValueEntry{
			{ID: "PLC1.TEMP", Time: "2024-05-01T10:00:00Z", Type: "float", Status: 0, Value: 42.5},
		}, entries)
	})

	t.Run("surfaces the response body on bad status codes", func(t *testing.T) {
		mockTransport := MockRoundTripper(func(_ *http.Request) *http.Response {
			return &http.Response{
				StatusCode: 500,
				Body:       io.NopCloser(bytes.NewReader([]byte(`{"error":"no database"}`))),
			}
		})

		client := New("http://rtds.example.com")
		client.WithTransport(mockTransport)
		entries, err := client.Current()

		assert.ErrorContains(t, err, "failed with response: 500")
		assert.ErrorContains(t, err, "no database")
		assert.Nil(t, entries)
	})
}

func TestHistory(t *testing.T) {
	mockTransport := MockRoundTripper(func(req *http.Request) *http.Response {
		assert.Equal(t, "/api/history/2024-05-01T10:00:00Z/500", req.URL.Path)
		return &http.Response{
			StatusCode: 200,
			Body:       io.NopCloser(bytes.NewReader([]byte(`[]`))),
		}
	})

	client := New("http://rtds.example.com")
	client.WithTransport(mockTransport)

	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	entries, err := client.History(start, 500)

	assert.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStatus(t *testing.T) {
	mockTransport := MockRoundTripper(func(req *http.Request) *http.Response {
		assert.Equal(t, "/api/status", req.URL.Path)
		return &http.Response{
			StatusCode: 200,
			Body:       io.NopCloser(bytes.NewReader([]byte(`{"status":"OK"}`))),
		}
	})

	client := New("http://rtds.example.com")
	client.WithTransport(mockTransport)

	status, err := client.Status()
	assert.NoError(t, err)
	assert.Equal(t, "OK", status)
}

func TestExportConfig(t *testing.T) {
	t.Run("accepts a workbook response", func(t *testing.T) {
		mockTransport := MockRoundTripper(func(req *http.Request) *http.Response {
			assert.Equal(t, "/api/config", req.URL.Path)
			return &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{ods.Mimetype}},
				Body:       io.NopCloser(bytes.NewReader([]byte("PK workbook bytes"))),
			}
		})

		client := New("http://rtds.example.com")
		client.WithTransport(mockTransport)

		workbook, err := client.ExportConfig()
		assert.NoError(t, err)
		assert.Equal(t, []byte("PK workbook bytes"), workbook)
	})

	t.Run("rejects other content types", func(t *testing.T) {
		mockTransport := MockRoundTripper(func(_ *http.Request) *http.Response {
			return &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{"text/html"}},
				Body:       io.NopCloser(bytes.NewReader([]byte("<html>"))),
			}
		})

		client := New("http://rtds.example.com")
		client.WithTransport(mockTransport)

		_, err := client.ExportConfig()
		assert.ErrorContains(t, err, "unexpected content type")
	})
}

func TestImportConfig(t *testing.T) {
	mockTransport := MockRoundTripper(func(req *http.Request) *http.Response {
		assert.Equal(t, "POST", req.Method)
		assert.Equal(t, "/api/config", req.URL.Path)

		mr, err := req.MultipartReader()
		require.NoError(t, err)
		part, err := mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "config_file", part.FormName())
		assert.Equal(t, "plant.ods", part.FileName())
		content, err := io.ReadAll(part)
		require.NoError(t, err)
		assert.Equal(t, []byte("workbook bytes"), content)

		return &http.Response{
			StatusCode: 201,
			Body:       io.NopCloser(bytes.NewReader([]byte(`{"status":"ok"}`))),
		}
	})

	client := New("http://rtds.example.com")
	client.WithTransport(mockTransport)

	err := client.ImportConfig("plant.ods", []byte("workbook bytes"))
	assert.NoError(t, err)
}

func TestReload(t *testing.T) {
	t.Run("succeeds when the server accepts", func(t *testing.T) {
		mockTransport := MockRoundTripper(func(req *http.Request) *http.Response {
			assert.Equal(t, "POST", req.Method)
			assert.Equal(t, "/api/reload", req.URL.Path)
			return &http.Response{
				StatusCode: 200,
				Body:       io.NopCloser(bytes.NewReader([]byte(`{"status":"OK"}`))),
			}
		})

		client := New("http://rtds.example.com")
		client.WithTransport(mockTransport)
		assert.NoError(t, client.Reload())
	})

	t.Run("errors when a reload is already pending", func(t *testing.T) {
		mockTransport := MockRoundTripper(func(_ *http.Request) *http.Response {
			return &http.Response{
				StatusCode: 503,
				Body:       io.NopCloser(bytes.NewReader([]byte(`{"error":"a reload is already pending"}`))),
			}
		})

		client := New("http://rtds.example.com")
		client.WithTransport(mockTransport)
		assert.ErrorContains(t, client.Reload(), "reload is already pending")
	})
}
