package npz

import (
	"archive/zip"
	"fmt"
	"io"
	"strings"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// Entry は .npz 内の 1 配列の概要です
type Entry struct {
	Name  string
	DType string
	Shape []int
}

// Read は .npz ファイルを読み込み、レコードとエントリ一覧を返します
func Read(path string) (domain.FeatureRecord, []Entry, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return domain.FeatureRecord{}, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer zr.Close()

	record := domain.FeatureRecord{Features: make(map[domain.Channel]domain.Array)}
	entries := make([]Entry, 0, len(zr.File))

	for _, f := range zr.File {
		name := strings.TrimSuffix(f.Name, ".npy")
		arr, err := readEntry(f)
		if err != nil {
			return domain.FeatureRecord{}, nil, fmt.Errorf("failed to read entry %s: %w", name, err)
		}
		entries = append(entries, Entry{Name: name, DType: arr.Descr, Shape: arr.Shape})

		switch {
		case name == "id":
			record.ID = arr.Text
		case name == string(domain.ChannelCaption):
			record.Caption = arr.Text
		case name == string(domain.ChannelCaptionCoT):
			record.CaptionCoT = arr.Text
		case arr.IsFloat:
			record.Features[domain.Channel(name)] = domain.Array{Shape: arr.Shape, Data: arr.Floats}
		}
	}

	return record, entries, nil
}

func readEntry(f *zip.File) (npyArray, error) {
	rc, err := f.Open()
	if err != nil {
		return npyArray{}, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return npyArray{}, err
	}
	return decodeNPY(raw)
}
