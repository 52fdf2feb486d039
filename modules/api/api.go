// Package api serves the HTTP surface: tag values, state, config
// workbook import/export and the reload trigger.
package api

import (
	"bytes"
	_ "embed"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzhttp"
	"github.com/pkg/errors"

	"github.com/rtds-project/rtds/modules/scanner"
	"github.com/rtds-project/rtds/pkg/bus"
	"github.com/rtds-project/rtds/pkg/ods"
	"github.com/rtds-project/rtds/rtdb"
)

//go:embed openapi.yaml
var openapiDocument []byte

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	varStartTime = "start_time"
	varSize      = "size"
)

// API exposes the store and the scan loop command queue over HTTP. It
// holds no state of its own; the service exists so the module lifecycle
// can sequence it with the store.
type API struct {
	services.Service

	cfg      Config
	store    *rtdb.Store
	commands chan<- scanner.Command
	logger   log.Logger
}

func New(cfg Config, store *rtdb.Store, commands chan<- scanner.Command, logger log.Logger) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid api config")
	}

	a := &API{
		cfg:      cfg,
		store:    store,
		commands: commands,
		logger:   logger,
	}
	a.Service = services.NewIdleService(nil, nil)
	return a, nil
}

// RegisterRoutes attaches every handler to the shared server router.
func (a *API) RegisterRoutes(router *mux.Router) {
	router.Handle("/api/status", http.HandlerFunc(a.StatusHandler)).Methods(http.MethodGet)
	router.Handle("/api/state", http.HandlerFunc(a.StateHandler)).Methods(http.MethodGet)
	router.Handle("/api/current", http.HandlerFunc(a.CurrentHandler)).Methods(http.MethodGet)
	router.Handle("/api/history/{start_time}/{size}", gzhttp.GzipHandler(http.HandlerFunc(a.HistoryHandler))).Methods(http.MethodGet)
	router.Handle("/api/config", http.HandlerFunc(a.ExportConfigHandler)).Methods(http.MethodGet)
	router.Handle("/api/config", http.HandlerFunc(a.ImportConfigHandler)).Methods(http.MethodPost)
	router.Handle("/api/reload", http.HandlerFunc(a.ReloadHandler)).Methods(http.MethodPost)
	router.Handle("/spec", http.HandlerFunc(a.SpecHandler)).Methods(http.MethodGet)
	router.Handle("/api/docs", http.HandlerFunc(a.SpecHandler)).Methods(http.MethodGet)
}

// ValueEntry is the wire shape shared by current and history rows.
type ValueEntry struct {
	ID     string `json:"id"`
	Time   string `json:"tm"`
	Type   string `json:"tp"`
	Status int32  `json:"st"`
	Value  any    `json:"vl"`
}

// StateEntry is the wire shape of one service state row.
type StateEntry struct {
	ID          string `json:"id"`
	Description string `json:"ds"`
	Value       string `json:"vl"`
}

func (a *API) StatusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (a *API) StateHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := a.store.State(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	entries := make([]StateEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, StateEntry{ID: row.ID, Description: row.Description, Value: row.Value})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) CurrentHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := a.store.Current(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	entries := make([]ValueEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, ValueEntry{
			ID:     row.TagID,
			Time:   bus.WireTime(row.TagTime),
			Type:   row.TypeName(),
			Status: row.Status,
			Value:  row.Value(),
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	start, err := time.Parse(time.RFC3339, vars[varStartTime])
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Errorf("start time %q is not RFC 3339", vars[varStartTime]))
		return
	}
	size, err := strconv.Atoi(vars[varSize])
	if err != nil || size <= 0 {
		writeError(w, http.StatusBadRequest, errors.Errorf("size %q is not a positive integer", vars[varSize]))
		return
	}

	rows, err := a.store.History(r.Context(), start, size)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	entries := make([]ValueEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, ValueEntry{
			ID:     row.TagID,
			Time:   bus.WireTime(row.TagTime),
			Type:   row.TypeName(),
			Status: row.Status,
			Value:  row.Value(),
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) ExportConfigHandler(w http.ResponseWriter, r *http.Request) {
	set, err := a.store.LoadConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	var buf bytes.Buffer
	if err := ods.Encode(&buf, sheetsFromConfig(set)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", ods.Mimetype)
	w.Header().Set("Content-Disposition", `attachment; filename="config.ods"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = w.Write(buf.Bytes())
}

func (a *API) ImportConfigHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadBytes)

	file, header, err := configFormFile(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("no selected file"))
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, errors.New("no selected file"))
		return
	}
	if strings.ToLower(filepath.Ext(header.Filename)) != ".ods" {
		writeError(w, http.StatusBadRequest, errors.New("invalid file type"))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "reading upload"))
		return
	}
	sheets, err := ods.Decode(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	set, err := configFromSheets(sheets)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.store.ReplaceConfig(r.Context(), set); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	level.Info(a.logger).Log("msg", "configuration replaced",
		"connectors", len(set.Connectors), "tags", len(set.Tags), "scripts", len(set.Scripts))
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":     "ok",
		"connectors": len(set.Connectors),
		"tags":       len(set.Tags),
		"scripts":    len(set.Scripts),
	})
}

// configFormFile accepts the workbook under the field name the original
// UI posts, falling back to the plain name newer clients use.
func configFormFile(r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	for _, field := range []string{"config_file", "file"} {
		if file, header, err := r.FormFile(field); err == nil {
			return file, header, nil
		}
	}
	return nil, nil, errors.New("no selected file")
}

func (a *API) ReloadHandler(w http.ResponseWriter, _ *http.Request) {
	cmd := scanner.NewReloadCommand()
	select {
	case a.commands <- cmd:
		level.Info(a.logger).Log("msg", "reload requested", "command", cmd)
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
	default:
		writeError(w, http.StatusServiceUnavailable, errors.New("a reload is already pending"))
	}
}

func (a *API) SpecHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(openapiDocument)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
