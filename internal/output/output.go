// Package output encodes synthetic magnitudes and stores the encoded files.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"guidemag/internal/domain"
	"guidemag/internal/spectrum"
)

// Formats understood by Encode.
const (
	FormatTable    = "table"
	FormatCSV      = "csv"
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
	FormatParquet  = "parquet"
)

// Options control encoding.
type Options struct {
	Format string
	// FluxUnit of the written fluxes. Magnitudes carry fluxes in erg s-1 cm-2 Å-1.
	FluxUnit string
}

// Record is one output row. The parquet tags define the on-disk schema that
// the ingest command reads back.
type Record struct {
	SourceID      int64    `parquet:"name=source_id, type=INT64" json:"source_id"`
	RA            float64  `parquet:"name=ra, type=DOUBLE" json:"ra"`
	Dec           float64  `parquet:"name=dec, type=DOUBLE" json:"dec"`
	Filter        string   `parquet:"name=filter, type=BYTE_ARRAY, convertedtype=UTF8" json:"filter"`
	Magnitude     *float64 `parquet:"name=magnitude, type=DOUBLE, repetitiontype=OPTIONAL" json:"magnitude"`
	MagnitudeVega *float64 `parquet:"name=magnitude_vega, type=DOUBLE, repetitiontype=OPTIONAL" json:"magnitude_vega,omitempty"`
	Flux          *float64 `parquet:"name=flux, type=DOUBLE, repetitiontype=OPTIONAL" json:"flux"`
	Uncertainty   *float64 `parquet:"name=uncertainty, type=DOUBLE, repetitiontype=OPTIONAL" json:"uncertainty"`
	Quality       string   `parquet:"name=quality, type=BYTE_ARRAY, convertedtype=UTF8" json:"quality"`
	Template      string   `parquet:"name=template, type=BYTE_ARRAY, convertedtype=UTF8" json:"template,omitempty"`
}

// Columns is the column order of every tabular format.
var Columns = []string{"source_id", "ra", "dec", "filter", "magnitude", "magnitude_vega", "flux", "uncertainty", "quality", "template"}

// Records converts magnitudes, rescaling fluxes into unit.
func Records(mags []domain.SyntheticMagnitude, unit string) ([]Record, error) {
	scale, err := spectrum.FluxScale(unit)
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(mags))
	for i, m := range mags {
		r := Record{
			SourceID:      m.SourceID,
			RA:            m.RA,
			Dec:           m.Dec,
			Filter:        m.Filter,
			Magnitude:     m.Magnitude,
			MagnitudeVega: m.MagnitudeVega,
			Uncertainty:   m.Uncertainty,
			Quality:       string(m.Quality),
			Template:      m.Template,
		}
		if m.Flux != nil {
			v := *m.Flux / scale
			r.Flux = &v
		}
		out[i] = r
	}
	return out, nil
}

// Extension returns the file extension for format.
func Extension(format string) string {
	switch format {
	case FormatCSV:
		return ".csv"
	case FormatMarkdown:
		return ".md"
	case FormatJSON:
		return ".json"
	case FormatParquet:
		return ".parquet"
	}
	return ".txt"
}

// Encode writes mags to w in opts.Format, in the order given.
func Encode(w io.Writer, mags []domain.SyntheticMagnitude, opts Options) error {
	recs, err := Records(mags, opts.FluxUnit)
	if err != nil {
		return err
	}
	switch opts.Format {
	case FormatTable, "":
		renderTable(w, recs).Render()
	case FormatCSV:
		renderTable(w, recs).RenderCSV()
	case FormatMarkdown:
		renderTable(w, recs).RenderMarkdown()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	case FormatParquet:
		return writeParquet(w, recs)
	default:
		return fmt.Errorf("unknown output format %q", opts.Format)
	}
	return nil
}

func renderTable(w io.Writer, recs []Record) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	header := make(table.Row, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	tw.AppendHeader(header)
	for _, r := range recs {
		tw.AppendRow(table.Row{
			r.SourceID,
			strconv.FormatFloat(r.RA, 'f', 6, 64),
			strconv.FormatFloat(r.Dec, 'f', 6, 64),
			r.Filter,
			formatOptional(r.Magnitude, 'f', 4),
			formatOptional(r.MagnitudeVega, 'f', 4),
			formatOptional(r.Flux, 'e', 6),
			formatOptional(r.Uncertainty, 'f', 4),
			r.Quality,
			r.Template,
		})
	}
	return tw
}

func formatOptional(v *float64, f byte, prec int) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, f, prec, 64)
}

func writeParquet(w io.Writer, recs []Record) error {
	pfw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(pfw, new(Record), 4)
	if err != nil {
		return fmt.Errorf("parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, r := range recs {
		if err := pw.Write(r); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("parquet flush: %w", err)
	}
	return pfw.Close()
}
