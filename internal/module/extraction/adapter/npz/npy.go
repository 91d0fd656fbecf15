package npz

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

var npyMagic = []byte("\x93NUMPY")

// headerAlign は numpy が使うヘッダー境界
const headerAlign = 64

var (
	descrPattern = regexp.MustCompile(`'descr':\s*'([^']+)'`)
	shapePattern = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
	orderPattern = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
)

// encodeFloat32 は float32 配列を npy v1.0 形式（'<f4'、C 順序）でエンコードします
func encodeFloat32(shape []int, data []float32) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, "<f4", shape)
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	buf.Write(raw)
	return buf.Bytes()
}

// encodeString は文字列を 0 次元の numpy unicode 配列としてエンコードします
func encodeString(s string) []byte {
	runes := []rune(s)
	width := max(len(runes), 1)

	var buf bytes.Buffer
	writeHeader(&buf, fmt.Sprintf("<U%d", width), nil)
	raw := make([]byte, 4*width)
	for i, r := range runes {
		binary.LittleEndian.PutUint32(raw[i*4:], uint32(r))
	}
	buf.Write(raw)
	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, descr string, shape []int) {
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, formatShape(shape))

	// magic(6) + version(2) + header_len(2) + header + '\n' を headerAlign の倍数に揃える
	total := len(npyMagic) + 4 + len(header) + 1
	if pad := total % headerAlign; pad != 0 {
		header += strings.Repeat(" ", headerAlign-pad)
	}
	header += "\n"

	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	var hlen [2]byte
	binary.LittleEndian.PutUint16(hlen[:], uint16(len(header)))
	buf.Write(hlen[:])
	buf.WriteString(header)
}

func formatShape(shape []int) string {
	switch len(shape) {
	case 0:
		return "()"
	case 1:
		return fmt.Sprintf("(%d,)", shape[0])
	}
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// npyArray はデコード済みの npy 配列です
type npyArray struct {
	Descr   string
	Shape   []int
	Floats  []float32
	Text    string
	IsFloat bool
}

func decodeNPY(raw []byte) (npyArray, error) {
	if len(raw) < 10 || !bytes.Equal(raw[:6], npyMagic) {
		return npyArray{}, errors.New("not an npy array")
	}

	major := raw[6]
	var hlen, offset int
	switch major {
	case 1:
		hlen = int(binary.LittleEndian.Uint16(raw[8:10]))
		offset = 10
	case 2, 3:
		if len(raw) < 12 {
			return npyArray{}, errors.New("truncated npy header")
		}
		hlen = int(binary.LittleEndian.Uint32(raw[8:12]))
		offset = 12
	default:
		return npyArray{}, fmt.Errorf("unsupported npy version %d", major)
	}
	if len(raw) < offset+hlen {
		return npyArray{}, errors.New("truncated npy header")
	}
	header := string(raw[offset : offset+hlen])
	body := raw[offset+hlen:]

	m := descrPattern.FindStringSubmatch(header)
	if m == nil {
		return npyArray{}, fmt.Errorf("npy header has no descr: %q", header)
	}
	arr := npyArray{Descr: m[1]}

	if o := orderPattern.FindStringSubmatch(header); o != nil && o[1] == "True" {
		return npyArray{}, errors.New("fortran order arrays are not supported")
	}

	s := shapePattern.FindStringSubmatch(header)
	if s == nil {
		return npyArray{}, fmt.Errorf("npy header has no shape: %q", header)
	}
	shape, err := parseShape(s[1])
	if err != nil {
		return npyArray{}, err
	}
	arr.Shape = shape

	n := 1
	for _, d := range shape {
		n *= d
	}

	switch {
	case arr.Descr == "<f4":
		if len(body) != 4*n {
			return npyArray{}, fmt.Errorf("npy body has %d bytes, want %d", len(body), 4*n)
		}
		arr.IsFloat = true
		arr.Floats = make([]float32, n)
		for i := range arr.Floats {
			arr.Floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
		}
	case strings.HasPrefix(arr.Descr, "<U"):
		var b strings.Builder
		for i := 0; i+4 <= len(body); i += 4 {
			r := rune(binary.LittleEndian.Uint32(body[i:]))
			if r == 0 {
				continue
			}
			if !utf8.ValidRune(r) {
				return npyArray{}, fmt.Errorf("invalid code point %d", r)
			}
			b.WriteRune(r)
		}
		arr.Text = b.String()
	default:
		return npyArray{}, fmt.Errorf("unsupported dtype %s", arr.Descr)
	}
	return arr, nil
}

func parseShape(s string) ([]int, error) {
	var shape []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(strings.TrimSuffix(part, "L"))
		if err != nil {
			return nil, fmt.Errorf("invalid shape %q: %w", s, err)
		}
		shape = append(shape, d)
	}
	return shape, nil
}

// EncodeArray は配列を単体の .npy バイト列にエンコードします
func EncodeArray(a domain.Array) []byte {
	return encodeFloat32(a.Shape, a.Data)
}

// DecodeArray は単体の .npy バイト列を float32 配列としてデコードします
func DecodeArray(raw []byte) (domain.Array, error) {
	arr, err := decodeNPY(raw)
	if err != nil {
		return domain.Array{}, err
	}
	if !arr.IsFloat {
		return domain.Array{}, fmt.Errorf("unsupported dtype %s, want <f4", arr.Descr)
	}
	return domain.Array{Shape: arr.Shape, Data: arr.Floats}, nil
}

// ReadArray は .npy ファイルを読み込みます
func ReadArray(path string) (domain.Array, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Array{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	a, err := DecodeArray(raw)
	if err != nil {
		return domain.Array{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return a, nil
}
