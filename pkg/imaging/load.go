package imaging

import (
	"fmt"
	"path/filepath"
	"strings"
)

func isFits(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fit", ".fits", ".fts":
		return true
	}
	return false
}

// LoadImage reads a single-channel image. FITS files (.fit, .fits, .fts) keep
// their physical values and header; other formats are decoded to luminance
// and come back with empty metadata.
func LoadImage(path string) (Mat, *FitsMetadata, error) {
	if isFits(path) {
		data, err := ReadFits(path)
		if err != nil {
			return Mat{}, nil, err
		}
		m, err := data.Mat()
		if err != nil {
			return Mat{}, nil, err
		}
		return m, data.Metadata, nil
	}
	m := imReadGray(path)
	if m.Empty() {
		return Mat{}, nil, fmt.Errorf("loading %s: unreadable or empty image", path)
	}
	return m, NewFitsMetadata(), nil
}

// ImageSize returns the width and height of the image at path. Only the
// header of a FITS file is read.
func ImageSize(path string) (int, int, error) {
	if isFits(path) {
		data, err := ReadFitsMetadataOnly(path)
		if err != nil {
			return 0, 0, err
		}
		return data.Width, data.Height, nil
	}
	m, _, err := LoadImage(path)
	if err != nil {
		return 0, 0, err
	}
	defer m.Close()
	return m.Cols(), m.Rows(), nil
}
