package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// Ext returns the NIfTI extension of path (".nii.gz" or ".nii").
func Ext(path string) string {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".nii.gz") {
		return ".nii.gz"
	}
	return filepath.Ext(path)
}

// Read loads a single-file NIfTI-1 image, gunzipping when the name ends in .gz.
func Read(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	vol, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return vol, nil
}

func decode(r io.Reader) (*Volume, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	h, order, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}

	offset := int64(h.VoxOffset)
	if offset < HeaderSize {
		offset = singleFileOffset
	}
	if _, err := io.CopyN(io.Discard, r, offset-HeaderSize); err != nil {
		return nil, fmt.Errorf("failed to skip header extensions: %w", err)
	}

	nx, ny, nz, nt := h.Shape()
	n := nx * ny * nz * nt
	size, err := sampleSize(h.Datatype)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n*size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("truncated voxel data: %w", err)
	}

	data := make([]float64, n)
	for i := range data {
		data[i] = sampleAt(buf[i*size:(i+1)*size], h.Datatype, order)
	}
	if h.SclSlope != 0 && !(h.SclSlope == 1 && h.SclInter == 0) {
		slope, inter := float64(h.SclSlope), float64(h.SclInter)
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	return &Volume{Header: h, Data: data, nx: nx, ny: ny, nz: nz, nt: nt}, nil
}

func sampleSize(datatype int16) (int, error) {
	switch datatype {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedDatatype, datatype)
}

func sampleAt(b []byte, datatype int16, order binary.ByteOrder) float64 {
	switch datatype {
	case DTUint8:
		return float64(b[0])
	case DTInt8:
		return float64(int8(b[0]))
	case DTInt16:
		return float64(int16(order.Uint16(b)))
	case DTUint16:
		return float64(order.Uint16(b))
	case DTInt32:
		return float64(int32(order.Uint32(b)))
	case DTUint32:
		return float64(order.Uint32(b))
	case DTFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	default:
		return math.Float64frombits(order.Uint64(b))
	}
}

// Write saves vol as a little-endian float32 single-file image, gzipped when
// path ends in .gz. Parent directories are created as needed.
func Write(path string, vol *Volume) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	h := vol.Header
	h.SizeofHdr = HeaderSize
	h.setShape(vol.nx, vol.ny, vol.nz, vol.nt)
	h.setFloat32()
	h.CalMin, h.CalMax = 0, 0
	h.Glmin, h.Glmax = 0, 0

	var body bytes.Buffer
	body.Grow(singleFileOffset + 4*len(vol.Data))
	if err := binary.Write(&body, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	body.Write([]byte{0, 0, 0, 0}) // no extensions
	sample := make([]byte, 4)
	for _, value := range vol.Data {
		binary.LittleEndian.PutUint32(sample, math.Float32bits(float32(value)))
		body.Write(sample)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz := gzip.NewWriter(f)
		if _, err := gz.Write(body.Bytes()); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		if err := gz.Close(); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to finish gzip stream %s: %w", path, err)
		}
	} else if _, err := f.Write(body.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
