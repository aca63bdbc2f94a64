// Package pws implements the Anycubic Photon Workshop container (.pws,
// .pw0, .pwmx and relatives).
//
// The file starts with a fixed file mark holding the absolute offset of each
// tagged section. Every section begins with a 12-byte NUL padded ASCII tag
// and a length. Layer images use one of two grammars, named by the MACHINE
// section: "pwsImg" (binary runs, one pass per anti-aliasing level) or
// "pw0Img" (4-bit grey runs).
package pws

import (
	"fmt"

	"github.com/samcharles93/resin/pkg/binfile"
)

// Magic is the file mark tag.
const Magic = "ANYCUBIC"

// Known container versions.
const (
	Version1   uint32 = 1
	Version515 uint32 = 515
	Version516 uint32 = 516
	Version517 uint32 = 517
)

func knownVersion(v uint32) bool {
	switch v {
	case Version1, Version515, Version516, Version517:
		return true
	}
	return false
}

// Section tags.
const (
	TagHeader   = "HEADER"
	TagPreview  = "PREVIEW"
	TagLayerDef = "LAYERDEF"
	TagExtra    = "EXTRA"
	TagMachine  = "MACHINE"
)

// Layer image format names stored in the MACHINE section.
const (
	FormatPWS = "pwsImg"
	FormatPW0 = "pw0Img"
)

// Grammar is the layer image encoding.
type Grammar int

const (
	// GrammarPWS stores binary runs of up to 128 pixels, with the whole
	// image repeated once per anti-aliasing level.
	GrammarPWS Grammar = iota
	// GrammarPW0 stores 4-bit grey runs with long black and white runs.
	GrammarPW0
)

func (g Grammar) String() string {
	if g == GrammarPW0 {
		return FormatPW0
	}
	return FormatPWS
}

// FileMark is the 52-byte structure at offset zero.
type FileMark struct {
	Magic            [12]byte
	Version          uint32
	AreaNum          uint32
	HeaderOffset     uint32
	Unknown          uint32
	PreviewOffset    uint32
	PreviewEndOffset uint32
	LayerDefOffset   uint32
	ExtraOffset      uint32
	MachineOffset    uint32
	LayerImageOffset uint32
}

// Tag starts every section. Length counts the bytes after the tag.
type Tag struct {
	Name   [12]byte
	Length uint32
}

func newTag(name string, length int64) Tag {
	t := Tag{Length: uint32(length)}
	copy(t.Name[:], name)
	return t
}

func (t Tag) check(want string, minLength int64) error {
	if got := binfile.CString(t.Name[:]); got != want {
		return fmt.Errorf("%w: tag %q, want %q", binfile.ErrInvalidSection, got, want)
	}
	if int64(t.Length) < minLength {
		return fmt.Errorf("%w: %s length %d below %d", binfile.ErrInvalidSection, want, t.Length, minLength)
	}
	return nil
}

// Header is the HEADER section: global print parameters and resolution.
type Header struct {
	Tag
	PixelSizeUM          float32
	LayerHeight          float32 // mm
	ExposureTime         float32 // s
	LightOffDelay        float32 // s, wait before cure
	BottomExposureTime   float32 // s
	BottomLayerCount     float32
	LiftHeight           float32 // mm
	LiftSpeed            float32 // mm/s
	RetractSpeed         float32 // mm/s
	VolumeML             float32
	AntiAliasing         uint32
	ResolutionX          uint32
	ResolutionY          uint32
	WeightG              float32
	Price                float32
	PriceCurrency        uint32
	PerLayerOverride     uint32
	PrintTime            uint32 // s
	TransitionLayerCount uint32
	Padding              uint32
}

// PreviewInfo is the fixed part of the PREVIEW section. Raw RGB565 pixels
// follow it; their size is derived from the resolution.
type PreviewInfo struct {
	Tag
	ResolutionX uint32
	DPI         uint32
	ResolutionY uint32
}

// LayerDef is the fixed part of the LAYERDEF section. Count layer records
// follow it.
type LayerDef struct {
	Tag
	Count uint32
}

// Layer is one LAYERDEF record.
type Layer struct {
	DataAddress   uint32
	DataLength    uint32
	LiftHeight    float32 // mm
	LiftSpeed     float32 // mm/s
	ExposureTime  float32 // s
	LayerHeight   float32 // mm, thickness of this layer
	NonZeroPixels uint32
	Padding       uint32
}

// Extra is the EXTRA section (version 516 and later): two-stage lift
// parameters.
type Extra struct {
	Tag
	Unknown1            uint32
	BottomLiftHeight1   float32
	BottomLiftSpeed1    float32
	BottomRetractSpeed1 float32
	BottomLiftHeight2   float32
	BottomLiftSpeed2    float32
	BottomRetractSpeed2 float32
	Unknown2            uint32
	LiftHeight1         float32
	LiftSpeed1          float32
	RetractSpeed1       float32
	LiftHeight2         float32
	LiftSpeed2          float32
	RetractSpeed2       float32
}

// Machine is the MACHINE section (version 516 and later).
type Machine struct {
	Tag
	Name             [96]byte
	LayerImageFormat [24]byte
	DisplayWidth     float32 // mm
	DisplayHeight    float32 // mm
	ZLength          float32 // mm
	Version1         uint32
	Version2         uint32
}

// MachineName returns the NUL trimmed machine name.
func (m *Machine) MachineName() string {
	return binfile.CString(m.Name[:])
}

// Format returns the NUL trimmed layer image format name.
func (m *Machine) Format() string {
	return binfile.CString(m.LayerImageFormat[:])
}

var (
	fileMarkSize    = binfile.SizeOf[FileMark]()
	tagSize         = binfile.SizeOf[Tag]()
	headerSize      = binfile.SizeOf[Header]()
	previewInfoSize = binfile.SizeOf[PreviewInfo]()
	layerDefSize    = binfile.SizeOf[LayerDef]()
	layerSize       = binfile.SizeOf[Layer]()
	extraSize       = binfile.SizeOf[Extra]()
	machineSize     = binfile.SizeOf[Machine]()
)

const maxAntiAliasPasses = 16
