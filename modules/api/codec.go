package api

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/rtds-project/rtds/pkg/model"
	"github.com/rtds-project/rtds/pkg/ods"
	"github.com/rtds-project/rtds/rtdb"
)

// The workbook layout predates this service and is shared with the
// operator tooling: three sheets with a header row each, booleans as
// 0/1 cells, cycles in seconds. Column names carry the trailing
// underscores of the original schema.

const (
	sheetConnectors = "Connectors"
	sheetTags       = "Tags"
	sheetScripts    = "Scripts"
)

var (
	connectorHeaders = []string{"name", "cycle", "connection_string", "is_read_only", "description"}
	tagHeaders       = []string{"name", "type_", "connector_name", "is_log", "max_", "min_", "source", "value", "description"}
	scriptHeaders    = []string{"name", "cycle", "script", "is_active", "description"}
)

func sheetsFromConfig(set rtdb.ConfigSet) []ods.Sheet {
	connectors := ods.Sheet{Name: sheetConnectors, Rows: [][]string{connectorHeaders}}
	for _, c := range set.Connectors {
		connectors.Rows = append(connectors.Rows, []string{
			c.Name,
			formatWorkbookFloat(c.Cycle),
			c.ConnectionString,
			formatWorkbookBool(c.IsReadOnly),
			c.Description,
		})
	}

	tags := ods.Sheet{Name: sheetTags, Rows: [][]string{tagHeaders}}
	for _, t := range set.Tags {
		tags.Rows = append(tags.Rows, []string{
			t.Name,
			t.Type,
			t.ConnectorName,
			formatWorkbookBool(t.IsLog),
			formatWorkbookFloat(t.Max),
			formatWorkbookFloat(t.Min),
			t.Source,
			t.Value,
			t.Description,
		})
	}

	scripts := ods.Sheet{Name: sheetScripts, Rows: [][]string{scriptHeaders}}
	for _, s := range set.Scripts {
		scripts.Rows = append(scripts.Rows, []string{
			s.Name,
			formatWorkbookFloat(s.Cycle),
			s.Body,
			formatWorkbookBool(s.IsActive),
			s.Description,
		})
	}

	return []ods.Sheet{connectors, tags, scripts}
}

func configFromSheets(sheets []ods.Sheet) (rtdb.ConfigSet, error) {
	var set rtdb.ConfigSet

	byName := make(map[string]ods.Sheet, len(sheets))
	for _, s := range sheets {
		byName[s.Name] = s
	}

	connectors, err := sheetRows(byName, sheetConnectors)
	if err != nil {
		return set, err
	}
	for _, row := range connectors.rows {
		name := connectors.cell(row, "name")
		if name == "" {
			continue
		}
		cycle, err := parseWorkbookFloat(connectors.cell(row, "cycle"))
		if err != nil {
			return set, errors.Wrapf(err, "connector %s cycle", name)
		}
		set.Connectors = append(set.Connectors, rtdb.ConnectorRow{
			Name:             name,
			Cycle:            cycle,
			ConnectionString: connectors.cell(row, "connection_string"),
			IsReadOnly:       parseWorkbookBool(connectors.cell(row, "is_read_only")),
			Description:      connectors.cell(row, "description"),
		})
	}

	tags, err := sheetRows(byName, sheetTags)
	if err != nil {
		return set, err
	}
	for _, row := range tags.rows {
		name := tags.cell(row, "name")
		if name == "" {
			continue
		}
		typeName := tags.cell(row, "type_")
		if _, err := model.ParseTagType(typeName); err != nil {
			return set, errors.Wrapf(err, "tag %s", name)
		}
		minValue, err := parseWorkbookFloat(tags.cell(row, "min_"))
		if err != nil {
			return set, errors.Wrapf(err, "tag %s min", name)
		}
		maxValue, err := parseWorkbookFloat(tags.cell(row, "max_"))
		if err != nil {
			return set, errors.Wrapf(err, "tag %s max", name)
		}
		set.Tags = append(set.Tags, rtdb.TagRow{
			Name:          name,
			Type:          typeName,
			Min:           minValue,
			Max:           maxValue,
			IsLog:         parseWorkbookBool(tags.cell(row, "is_log")),
			ConnectorName: tags.cell(row, "connector_name"),
			Source:        tags.cell(row, "source"),
			Value:         tags.cell(row, "value"),
			Description:   tags.cell(row, "description"),
		})
	}

	scripts, err := sheetRows(byName, sheetScripts)
	if err != nil {
		return set, err
	}
	for _, row := range scripts.rows {
		name := scripts.cell(row, "name")
		if name == "" {
			continue
		}
		cycle, err := parseWorkbookFloat(scripts.cell(row, "cycle"))
		if err != nil {
			return set, errors.Wrapf(err, "script %s cycle", name)
		}
		set.Scripts = append(set.Scripts, rtdb.ScriptRow{
			Name:        name,
			Cycle:       cycle,
			Body:        scripts.cell(row, "script"),
			IsActive:    parseWorkbookBool(scripts.cell(row, "is_active")),
			Description: scripts.cell(row, "description"),
		})
	}

	return set, nil
}

// sheetReader binds columns by header name so reordered or extended
// workbooks keep loading.
type sheetReader struct {
	index map[string]int
	rows  [][]string
}

func sheetRows(byName map[string]ods.Sheet, name string) (*sheetReader, error) {
	sheet, ok := byName[name]
	if !ok {
		return nil, errors.Errorf("workbook has no %s sheet", name)
	}
	if len(sheet.Rows) == 0 {
		return nil, errors.Errorf("sheet %s has no header row", name)
	}

	index := make(map[string]int, len(sheet.Rows[0]))
	for i, h := range sheet.Rows[0] {
		index[strings.TrimSpace(h)] = i
	}
	if _, ok := index["name"]; !ok {
		return nil, errors.Errorf("sheet %s has no name column", name)
	}
	return &sheetReader{index: index, rows: sheet.Rows[1:]}, nil
}

func (r *sheetReader) cell(row []string, col string) string {
	i, ok := r.index[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func parseWorkbookBool(s string) bool {
	return s == "1" || strings.EqualFold(s, "true")
}

func parseWorkbookFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Errorf("%q is not a number", s)
	}
	return v, nil
}

func formatWorkbookBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatWorkbookFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
