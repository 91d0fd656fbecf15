package dataset

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Row はマニフェストの 1 行です
type Row struct {
	ID         string
	Caption    string
	CaptionCoT string
}

// RowRange はマニフェストの読み込み範囲 [Start, End) です。End が 0 以下の場合は末尾まで。
type RowRange struct {
	Start int
	End   int
}

// ReadManifest は CSV/TSV 形式のマニフェストを読み込みます。
// ヘッダー行に id, caption, caption_cot 列が必要です。
func ReadManifest(path string, rng RowRange) ([]Row, error) {
	if rng.Start < 0 {
		return nil, fmt.Errorf("invalid start row %d", rng.Start)
	}
	if rng.End > 0 && rng.End < rng.Start {
		return nil, fmt.Errorf("invalid row range [%d,%d)", rng.Start, rng.End)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	comma, err := detectDelimiter(path, br)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(br)
	r.Comma = comma
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read manifest header: %w", err)
	}
	cols, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	var rows []Row
	for i := 0; ; i++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest row %d: %w", i, err)
		}
		if i < rng.Start {
			continue
		}
		if rng.End > 0 && i >= rng.End {
			break
		}
		rows = append(rows, Row{
			ID:         field(rec, cols["id"]),
			Caption:    field(rec, cols["caption"]),
			CaptionCoT: field(rec, cols["caption_cot"]),
		})
	}
	return rows, nil
}

func detectDelimiter(path string, br *bufio.Reader) (rune, error) {
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		return '\t', nil
	}
	line, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return 0, fmt.Errorf("failed to read manifest: %w", err)
	}
	first, _, _ := strings.Cut(string(line), "\n")
	if strings.Contains(first, "\t") {
		return '\t', nil
	}
	return ',', nil
}

func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, required := range []string{"id", "caption", "caption_cot"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("manifest is missing column %q", required)
		}
	}
	return cols, nil
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return strings.TrimSpace(rec[i])
	}
	return ""
}
