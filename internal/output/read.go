package output

import (
	"fmt"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
)

// ReadParquetFile reads every record of a file written with FormatParquet.
func ReadParquetFile(path string) ([]Record, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, err
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(Record), 4)
	if err != nil {
		return nil, fmt.Errorf("parquet reader %s: %w", path, err)
	}
	defer pr.ReadStop()
	n := int(pr.GetNumRows())
	recs := make([]Record, n)
	if n == 0 {
		return recs, nil
	}
	if err := pr.Read(&recs); err != nil {
		return nil, fmt.Errorf("parquet read %s: %w", path, err)
	}
	return recs, nil
}
