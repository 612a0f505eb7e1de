package imgio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strconv"
)

// apsCSensorWidthMM is the assumed sensor width when EXIF carries a
// real focal length but no 35mm equivalent.
const apsCSensorWidthMM = 23.6

// fullFrameWidthMM is the reference width for 35mm-equivalent focal
// lengths.
const fullFrameWidthMM = 36.0

// ErrNoFocalLength reports that the file carries no usable focal length
// metadata. Callers fall back to a configured default.
var ErrNoFocalLength = errors.New("no focal length in metadata")

// FocalInfo is the focal length metadata extracted from one image.
type FocalInfo struct {
	// FocalLengthMM is the physical focal length.
	FocalLengthMM float64 `json:"focalLengthMm"`
	// FocalLength35MM is the 35mm-equivalent focal length, 0 when the
	// file does not record one.
	FocalLength35MM float64 `json:"focalLength35mm"`
	// CameraMake and CameraModel identify the source camera when known.
	CameraMake  string `json:"cameraMake,omitempty"`
	CameraModel string `json:"cameraModel,omitempty"`
}

// PixelFocal converts the focal length to pixels for an image of the
// given width. The sensor width comes from the 35mm-equivalent focal
// length when present; otherwise an APS-C sensor is assumed.
func (fi FocalInfo) PixelFocal(imageWidth int) (float64, error) {
	if fi.FocalLengthMM <= 0 || imageWidth <= 0 {
		return 0, ErrNoFocalLength
	}
	sensorWidth := apsCSensorWidthMM
	if fi.FocalLength35MM > 0 {
		cropFactor := fi.FocalLength35MM / fi.FocalLengthMM
		sensorWidth = fullFrameWidthMM / cropFactor
	}
	return fi.FocalLengthMM / sensorWidth * float64(imageWidth), nil
}

// ReadFocalInfo shells out to exiftool for the focal length fields.
// A missing exiftool binary or unreadable metadata both surface as
// ErrNoFocalLength so the caller can apply its configured default.
func ReadFocalInfo(ctx context.Context, path string) (FocalInfo, error) {
	var fi FocalInfo
	if _, err := exec.LookPath("exiftool"); err != nil {
		return fi, ErrNoFocalLength
	}
	cmd := exec.CommandContext(ctx, "exiftool", "-json", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return fi, ErrNoFocalLength
	}
	var parsed []map[string]any
	if err := json.Unmarshal(out.Bytes(), &parsed); err != nil || len(parsed) == 0 {
		return fi, ErrNoFocalLength
	}
	m := parsed[0]
	if v, ok := m["FocalLength"].(string); ok {
		fi.FocalLengthMM = parseFloatSuffix(v)
	} else if v, ok := m["FocalLength"].(float64); ok {
		fi.FocalLengthMM = v
	}
	if v, ok := m["FocalLengthIn35mmFormat"].(string); ok {
		fi.FocalLength35MM = parseFloatSuffix(v)
	} else if v, ok := m["FocalLengthIn35mmFormat"].(float64); ok {
		fi.FocalLength35MM = v
	}
	if v, ok := m["Make"].(string); ok {
		fi.CameraMake = v
	}
	if v, ok := m["Model"].(string); ok {
		fi.CameraModel = v
	}
	if fi.FocalLengthMM <= 0 {
		return fi, ErrNoFocalLength
	}
	return fi, nil
}

// parseFloatSuffix reads the leading number out of values like
// "23.0 mm".
func parseFloatSuffix(s string) float64 {
	for len(s) > 0 && (s[len(s)-1] < '0' || s[len(s)-1] > '9') {
		s = s[:len(s)-1]
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
