package printjob

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/samcharles93/resin/pkg/binfile"
)

// PreviewKind selects a thumbnail.
type PreviewKind int

const (
	PreviewLarge PreviewKind = iota
	PreviewSmall
)

func (k PreviewKind) String() string {
	if k == PreviewSmall {
		return "small"
	}
	return "large"
}

// MarshalText encodes the kind by name.
func (k PreviewKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParsePreviewKind parses "large" or "small".
func ParsePreviewKind(s string) (PreviewKind, error) {
	switch s {
	case "large":
		return PreviewLarge, nil
	case "small":
		return PreviewSmall, nil
	default:
		return 0, fmt.Errorf("unknown preview kind %q", s)
	}
}

// Info is a format-independent summary of the header sections.
type Info struct {
	Format       string `json:"format"`
	Version      uint32 `json:"version"`
	KnownVersion bool   `json:"known_version"`

	ResolutionX uint32     `json:"resolution_x"`
	ResolutionY uint32     `json:"resolution_y"`
	LayerCount  uint32     `json:"layer_count"`
	LayerHeight float32    `json:"layer_height"` // mm
	TotalHeight float32    `json:"total_height"` // mm
	BedSize     [3]float32 `json:"bed_size"`

	Exposure         time.Duration `json:"exposure"`
	BottomExposure   time.Duration `json:"bottom_exposure"`
	LightOff         time.Duration `json:"light_off"`
	BottomLayerCount uint32        `json:"bottom_layer_count"`
	AntiAliasing     uint32        `json:"anti_aliasing"`

	MachineName string `json:"machine_name,omitempty"`
	// PrintTime is the duration declared by the slicer.
	PrintTime time.Duration `json:"print_time"`
	Encrypted bool          `json:"encrypted"`
	Previews  []PreviewKind `json:"previews,omitempty"`
}

// Preview decodes a thumbnail. A kind the container does not carry fails
// with ErrNoPreview.
func (j *Job) Preview(kind PreviewKind) (image.Image, error) {
	img, err := j.s.preview(kind)
	if errors.Is(err, binfile.ErrAbsent) {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoPreview, kind, err)
	}
	if err != nil {
		return nil, err
	}
	return img, nil
}

// Estimate computes the print duration from layer metadata alone: exposure
// and light-off per layer plus lift and retract travel. No image payload is
// read.
func (j *Job) Estimate() (time.Duration, error) {
	var total time.Duration
	for v, err := range j.Layers() {
		if err != nil {
			return 0, err
		}
		total += v.Exposure + v.LightOff
		total += travel(v.LiftHeight, v.LiftSpeed) + travel(v.LiftHeight, v.RetractSpeed)
	}
	return total, nil
}

func travel(mm, mmPerMin float32) time.Duration {
	if mm <= 0 || mmPerMin <= 0 {
		return 0
	}
	return seconds(mm / mmPerMin * 60)
}
