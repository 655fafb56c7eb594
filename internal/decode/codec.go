package decode

import "strings"

// Codec identifies a supported video codec. The set is closed: catalog
// codec strings map onto it through ParseCodec, and anything outside the
// set is CodecUnknown. New codecs are deliberate additions here, not
// open-ended string matches at call sites.
type Codec int

const (
	// CodecUnknown is an unrecognized or unsupported codec identifier.
	CodecUnknown Codec = iota
	// CodecH264 is H.264/AVC.
	CodecH264
	// CodecHEVC is HEVC/H.265.
	CodecHEVC
	// CodecVP8 is VP8.
	CodecVP8
	// CodecVP9 is VP9.
	CodecVP9
	// CodecAV1 is AV1.
	CodecAV1
)

// String returns a human-readable codec name.
func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecHEVC:
		return "hevc"
	case CodecVP8:
		return "vp8"
	case CodecVP9:
		return "vp9"
	case CodecAV1:
		return "av1"
	default:
		return "unknown"
	}
}

// ParseCodec maps a catalog codec identifier (for example "avc1.64001f",
// "hev1.1.6.L93.B0", "vp09.00.10.08", "av01.0.04M.08") to a Codec.
// Matching is by case-insensitive prefix on the registered families;
// unrecognized identifiers yield CodecUnknown.
func ParseCodec(id string) Codec {
	s := strings.ToLower(id)

	switch {
	case strings.HasPrefix(s, "h264"),
		strings.HasPrefix(s, "avc1"),
		strings.HasPrefix(s, "avc"):
		return CodecH264

	case strings.HasPrefix(s, "hevc"),
		strings.HasPrefix(s, "h265"),
		strings.HasPrefix(s, "hev1"),
		strings.HasPrefix(s, "hvc1"):
		return CodecHEVC

	case strings.HasPrefix(s, "vp9"),
		strings.HasPrefix(s, "vp09"):
		return CodecVP9

	case strings.HasPrefix(s, "av1"),
		strings.HasPrefix(s, "av01"):
		return CodecAV1

	case strings.HasPrefix(s, "vp8"):
		return CodecVP8

	default:
		return CodecUnknown
	}
}
