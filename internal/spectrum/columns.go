package spectrum

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Table is a whitespace or comma separated numeric ASCII table.
type Table struct {
	Names   []string
	Columns [][]float64
}

// Column returns the named column. Unnamed tables use col1, col2, ...
func (t Table) Column(name string) ([]float64, bool) {
	for i, n := range t.Names {
		if strings.EqualFold(n, name) {
			return t.Columns[i], true
		}
	}
	return nil, false
}

// ReadTableFile reads an ASCII table from path.
func ReadTableFile(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, err
	}
	defer f.Close()
	t, err := ReadTable(f)
	if err != nil {
		return Table{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ReadTable parses rows of numbers. Lines starting with '#' are comments; a first
// non-comment line that does not parse as numbers is taken as the header.
func ReadTable(r io.Reader) (Table, error) {
	var t Table
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := splitFields(text)
		values, err := parseFloats(fields)
		if err != nil {
			if t.Names == nil && t.Columns == nil {
				t.Names = fields
				continue
			}
			return Table{}, fmt.Errorf("line %d: %w", line, err)
		}
		if t.Columns == nil {
			if t.Names != nil && len(t.Names) != len(values) {
				return Table{}, fmt.Errorf("line %d: %d values for %d header columns", line, len(values), len(t.Names))
			}
			t.Columns = make([][]float64, len(values))
		}
		if len(values) != len(t.Columns) {
			return Table{}, fmt.Errorf("line %d: expected %d columns, got %d", line, len(t.Columns), len(values))
		}
		for i, v := range values {
			t.Columns[i] = append(t.Columns[i], v)
		}
	}
	if err := scanner.Err(); err != nil {
		return Table{}, err
	}
	if len(t.Columns) == 0 {
		return Table{}, fmt.Errorf("%w: no data rows", ErrMalformed)
	}
	if t.Names == nil {
		for i := range t.Columns {
			t.Names = append(t.Names, "col"+strconv.Itoa(i+1))
		}
	}
	return t, nil
}

// ReadSEDFile reads a two-column (wavelength, flux) file and converts it to pipeline units.
func ReadSEDFile(path, waveUnit, fluxUnit string) (SED, error) {
	t, err := ReadTableFile(path)
	if err != nil {
		return SED{}, err
	}
	if len(t.Columns) < 2 {
		return SED{}, fmt.Errorf("%s: %w: need wavelength and flux columns", path, ErrMalformed)
	}
	ws, err := WaveScale(waveUnit)
	if err != nil {
		return SED{}, err
	}
	fs, err := FluxScale(fluxUnit)
	if err != nil {
		return SED{}, err
	}
	wave := make([]float64, len(t.Columns[0]))
	flux := make([]float64, len(t.Columns[1]))
	for i := range wave {
		wave[i] = t.Columns[0][i] * ws
		flux[i] = t.Columns[1][i] * fs
	}
	sed, err := New(wave, flux)
	if err != nil {
		return SED{}, fmt.Errorf("%s: %w", path, err)
	}
	return sed, nil
}

func splitFields(line string) []string {
	if strings.Contains(line, ",") {
		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return strings.Fields(line)
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
