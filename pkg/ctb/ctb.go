// Package ctb implements the ChiTuBox container family: CBDDLP, CTB v2/v3
// and CTB v4.
//
// All three share one header layout. The magic number selects the layer
// image grammar and the version field gates the optional blocks: slicer
// settings (v3+) and the v4 print settings chained from them. Every section
// other than the header is located through an absolute offset and resolved
// lazily.
package ctb

import (
	"errors"

	"github.com/samcharles93/resin/pkg/binfile"
)

// Magic numbers, stored little-endian in the first four bytes.
const (
	MagicCBDDLP uint32 = 0x12FD0019
	MagicCTB    uint32 = 0x12FD0086
	MagicCTBv4  uint32 = 0x12FD0106
)

// Variant is the container flavour selected by the magic number.
type Variant int

const (
	VariantUnknown Variant = iota
	// VariantCBDDLP stores 1-bit layers, one table per anti-aliasing level.
	VariantCBDDLP
	// VariantCTB stores 7-bit grey layers (versions 2 and 3).
	VariantCTB
	// VariantCTBv4 is VariantCTB plus the v4 print settings block.
	VariantCTBv4
)

func (v Variant) String() string {
	switch v {
	case VariantCBDDLP:
		return "cbddlp"
	case VariantCTB:
		return "ctb"
	case VariantCTBv4:
		return "ctb-v4"
	default:
		return "unknown"
	}
}

// Magic returns the magic number written for v.
func (v Variant) Magic() uint32 {
	switch v {
	case VariantCBDDLP:
		return MagicCBDDLP
	case VariantCTB:
		return MagicCTB
	case VariantCTBv4:
		return MagicCTBv4
	default:
		return 0
	}
}

func variantOf(magic uint32) Variant {
	switch magic {
	case MagicCBDDLP:
		return VariantCBDDLP
	case MagicCTB:
		return VariantCTB
	case MagicCTBv4:
		return VariantCTBv4
	default:
		return VariantUnknown
	}
}

// knownVersion reports whether version is one that v is known to write.
func (v Variant) knownVersion(version uint32) bool {
	switch v {
	case VariantCBDDLP:
		return version == 1 || version == 2
	case VariantCTB:
		return version == 2 || version == 3
	case VariantCTBv4:
		return version == 4 || version == 5
	default:
		return false
	}
}

// ErrCorruptPreview reports a preview whose RLE stream does not fill its
// declared resolution.
var ErrCorruptPreview = errors.New("ctb: corrupt preview")

// Header is the fixed 112-byte file header.
type Header struct {
	Magic                uint32
	Version              uint32
	BedSizeX             float32 // mm
	BedSizeY             float32
	BedSizeZ             float32
	Unknown1             uint32
	Unknown2             uint32
	TotalHeight          float32 // mm
	LayerHeight          float32 // mm
	ExposureTime         float32 // s
	BottomExposureTime   float32 // s
	LightOffDelay        float32 // s
	BottomLayerCount     uint32
	ResolutionX          uint32
	ResolutionY          uint32
	LargePreviewOffset   uint32
	LayerTableOffset     uint32
	LayerCount           uint32
	SmallPreviewOffset   uint32
	PrintTime            uint32 // s
	ProjectorType        uint32 // non-zero for mirrored projection
	PrintSettingsOffset  uint32
	PrintSettingsSize    uint32
	AntiAliasLevel       uint32
	LightPWM             uint16
	BottomLightPWM       uint16
	EncryptionKey        uint32
	SlicerSettingsOffset uint32
	SlicerSettingsSize   uint32
}

// PrintSettings holds the global motion and material parameters.
// Speeds are in mm/min.
type PrintSettings struct {
	BottomLiftHeight    float32
	BottomLiftSpeed     float32
	LiftHeight          float32
	LiftSpeed           float32
	RetractSpeed        float32
	VolumeML            float32
	WeightG             float32
	Cost                float32
	BottomLightOffDelay float32
	LightOffDelay       float32
	BottomLayerCount    uint32
	Padding             [4]uint32
}

// SlicerSettings is present from version 3. It chains the machine name and,
// on CTB v4, the v4 print settings block.
type SlicerSettings struct {
	BottomLiftHeight2     float32
	BottomLiftSpeed2      float32
	LiftHeight2           float32
	LiftSpeed2            float32
	RetractHeight2        float32
	RetractSpeed2         float32
	RestTimeAfterLift     float32
	MachineNameOffset     uint32
	MachineNameSize       uint32
	AntiAliasFlag         uint8
	Padding1              uint16
	PerLayerSettings      uint8
	ModifiedMinutes       uint32
	AntiAliasLevel        uint32
	SoftwareVersion       uint32
	RestTimeAfterRetract  float32
	RestTimeAfterLift2    float32
	TransitionLayerCount  uint32
	PrintSettingsV4Offset uint32
	Padding2              uint32
	Padding3              uint32
}

// PrintSettingsV4 is the CTB v4 extension block.
type PrintSettingsV4 struct {
	BottomRetractSpeed   float32
	BottomRetractSpeed2  float32
	Padding1             [4]uint32
	Reserved1            float32
	Padding2             uint32
	RestTimeAfterRetract float32
	RestTimeAfterLift    float32
	RestTimeBeforeLift   float32
	BottomRetractHeight2 float32
	Unknown1             float32
	Unknown2             uint32
	Unknown3             uint32
	LastLayerIndex       uint32
	Padding3             [4]uint32
	DisclaimerOffset     uint32
	DisclaimerSize       uint32
	Reserved2            [384]byte
}

// PreviewHeader locates one RLE encoded RGB15 preview image.
type PreviewHeader struct {
	ResolutionX uint32
	ResolutionY uint32
	ImageOffset uint32
	ImageSize   uint32
	Unknown     [4]uint32
}

// Layer is one record of a layer table.
type Layer struct {
	PositionZ    float32 // mm
	ExposureTime float32 // s
	LightOffTime float32 // s
	ImageOffset  uint32
	ImageSize    uint32
	// Reserved carries the unknown trailing words verbatim.
	Reserved [4]uint32
}

var (
	headerSize          = binfile.SizeOf[Header]()
	printSettingsSize   = binfile.SizeOf[PrintSettings]()
	slicerSettingsSize  = binfile.SizeOf[SlicerSettings]()
	printSettingsV4Size = binfile.SizeOf[PrintSettingsV4]()
	previewHeaderSize   = binfile.SizeOf[PreviewHeader]()
	layerSize           = binfile.SizeOf[Layer]()
)

// maxAntiAliasPasses bounds the number of CBDDLP layer tables.
const maxAntiAliasPasses = 16
