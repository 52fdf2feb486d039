// Package ods reads and writes the slice of the OpenDocument
// spreadsheet format the configuration workbook uses: flat sheets of
// text and number cells, no styling, no formulas.
package ods

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Mimetype is the ODF spreadsheet media type, also served on config
// export.
const Mimetype = "application/vnd.oasis.opendocument.spreadsheet"

// repeatCap bounds expansion of repeated rows and columns; editors pad
// sheets with huge repeat counts of empty cells.
const repeatCap = 4096

// Sheet is one table of string cells. Numbers and booleans read back in
// their canonical text form.
type Sheet struct {
	Name string
	Rows [][]string
}

type xmlContent struct {
	XMLName xml.Name   `xml:"document-content"`
	Tables  []xmlTable `xml:"body>spreadsheet>table"`
}

type xmlTable struct {
	Name string   `xml:"name,attr"`
	Rows []xmlRow `xml:"table-row"`
}

type xmlRow struct {
	Repeated int       `xml:"number-rows-repeated,attr"`
	Cells    []xmlCell `xml:"table-cell"`
}

type xmlCell struct {
	ValueType string   `xml:"value-type,attr"`
	Value     string   `xml:"value,attr"`
	BoolValue string   `xml:"boolean-value,attr"`
	Repeated  int      `xml:"number-columns-repeated,attr"`
	P         []string `xml:"p"`
}

// Decode parses the workbook and returns its sheets. Empty rows and
// trailing empty cells are dropped.
func Decode(r io.ReaderAt, size int64) ([]Sheet, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrap(err, "opening ods archive")
	}

	var contentFile *zip.File
	for _, f := range zr.File {
		if f.Name == "content.xml" {
			contentFile = f
			break
		}
	}
	if contentFile == nil {
		return nil, errors.New("ods archive has no content.xml")
	}

	rc, err := contentFile.Open()
	if err != nil {
		return nil, errors.Wrap(err, "opening content.xml")
	}
	defer rc.Close()

	var content xmlContent
	if err := xml.NewDecoder(rc).Decode(&content); err != nil {
		return nil, errors.Wrap(err, "parsing content.xml")
	}

	sheets := make([]Sheet, 0, len(content.Tables))
	for _, t := range content.Tables {
		sheet := Sheet{Name: t.Name}
		for _, row := range t.Rows {
			cells := expandRow(row)
			if len(cells) == 0 {
				continue
			}
			repeat := clampRepeat(row.Repeated)
			sheet.Rows = append(sheet.Rows, cells)
			for i := 1; i < repeat; i++ {
				dup := make([]string, len(cells))
				copy(dup, cells)
				sheet.Rows = append(sheet.Rows, dup)
			}
		}
		sheets = append(sheets, sheet)
	}
	return sheets, nil
}

func expandRow(row xmlRow) []string {
	var cells []string
	for _, c := range row.Cells {
		text := cellText(c)
		repeat := clampRepeat(c.Repeated)
		for i := 0; i < repeat; i++ {
			cells = append(cells, text)
		}
	}
	// Trailing repeated empties are editor padding, not data.
	for len(cells) > 0 && cells[len(cells)-1] == "" {
		cells = cells[:len(cells)-1]
	}
	return cells
}

func cellText(c xmlCell) string {
	switch c.ValueType {
	case "float", "currency", "percentage":
		if c.Value != "" {
			return c.Value
		}
	case "boolean":
		if c.BoolValue != "" {
			return c.BoolValue
		}
	}
	return strings.Join(c.P, "\n")
}

func clampRepeat(n int) int {
	if n < 1 {
		return 1
	}
	if n > repeatCap {
		return repeatCap
	}
	return n
}

// Encode writes the sheets as a complete ODS archive. Cells whose text
// parses as a number are written as float cells so spreadsheet editors
// treat them as such.
func Encode(w io.Writer, sheets []Sheet) error {
	zw := zip.NewWriter(w)

	// The mimetype entry must come first and be stored uncompressed.
	mt, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		return errors.Wrap(err, "creating mimetype entry")
	}
	if _, err := mt.Write([]byte(Mimetype)); err != nil {
		return errors.Wrap(err, "writing mimetype")
	}

	mf, err := zw.Create("META-INF/manifest.xml")
	if err != nil {
		return errors.Wrap(err, "creating manifest")
	}
	if _, err := mf.Write([]byte(manifestXML)); err != nil {
		return errors.Wrap(err, "writing manifest")
	}

	cf, err := zw.Create("content.xml")
	if err != nil {
		return errors.Wrap(err, "creating content.xml")
	}
	if _, err := cf.Write(contentXML(sheets)); err != nil {
		return errors.Wrap(err, "writing content.xml")
	}

	return errors.Wrap(zw.Close(), "finishing ods archive")
}

const manifestXML = xml.Header + `<manifest:manifest xmlns:manifest="urn:oasis:names:tc:opendocument:xmlns:manifest:1.0" manifest:version="1.2">
 <manifest:file-entry manifest:full-path="/" manifest:media-type="` + Mimetype + `"/>
 <manifest:file-entry manifest:full-path="content.xml" manifest:media-type="text/xml"/>
</manifest:manifest>
`

func contentXML(sheets []Sheet) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<office:document-content` +
		` xmlns:office="urn:oasis:names:tc:opendocument:xmlns:office:1.0"` +
		` xmlns:table="urn:oasis:names:tc:opendocument:xmlns:table:1.0"` +
		` xmlns:text="urn:oasis:names:tc:opendocument:xmlns:text:1.0"` +
		` office:version="1.2"><office:body><office:spreadsheet>`)
	for _, sheet := range sheets {
		fmt.Fprintf(&buf, `<table:table table:name="%s">`, escape(sheet.Name))
		for _, row := range sheet.Rows {
			buf.WriteString(`<table:table-row>`)
			for _, cell := range row {
				writeCell(&buf, cell)
			}
			buf.WriteString(`</table:table-row>`)
		}
		buf.WriteString(`</table:table>`)
	}
	buf.WriteString(`</office:spreadsheet></office:body></office:document-content>`)
	return buf.Bytes()
}

func writeCell(buf *bytes.Buffer, text string) {
	if _, err := strconv.ParseFloat(text, 64); err == nil && text != "" {
		fmt.Fprintf(buf, `<table:table-cell office:value-type="float" office:value="%s"><text:p>%s</text:p></table:table-cell>`, escape(text), escape(text))
		return
	}
	fmt.Fprintf(buf, `<table:table-cell office:value-type="string"><text:p>%s</text:p></table:table-cell>`, escape(text))
}

func escape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
