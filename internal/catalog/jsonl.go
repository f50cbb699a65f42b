package catalog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"guidemag/internal/domain"
)

// maxLineBytes bounds one JSON-lines record; XP spectra make lines long.
const maxLineBytes = 16 << 20

// ReadJSONLines decodes one CatalogStar per non-empty line.
func ReadJSONLines(r io.Reader) ([]domain.CatalogStar, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var stars []domain.CatalogStar
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var s domain.CatalogStar
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if s.SourceID == 0 {
			return nil, fmt.Errorf("line %d: missing source_id", line)
		}
		stars = append(stars, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return stars, nil
}
