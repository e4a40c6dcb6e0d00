package topic

import (
	"strings"

	"github.com/basekick-labs/arcplay/internal/engine"
)

// Layout is how a channel's records are presented.
type Layout int

const (
	LayoutUnsupported Layout = iota
	LayoutNumeric
	LayoutText
	LayoutImageMono8
	LayoutImageMono16
	LayoutImageRGB8
)

func (l Layout) String() string {
	switch l {
	case LayoutNumeric:
		return "numeric"
	case LayoutText:
		return "text"
	case LayoutImageMono8:
		return "mono8"
	case LayoutImageMono16:
		return "mono16"
	case LayoutImageRGB8:
		return "rgb8"
	default:
		return "unsupported"
	}
}

// IsImage reports whether records are image frames.
func (l Layout) IsImage() bool {
	return l == LayoutImageMono8 || l == LayoutImageMono16 || l == LayoutImageRGB8
}

// DefaultImageHints are the name fragments that mark image datasets.
var DefaultImageHints = []string{"image", "camera", "video", "depth"}

// Classify picks a Layout from the dataset's name, kind and shape. A dataset
// is an image when its name contains one of hints and each record is a
// single-channel frame (height x width of 8 or 16 bit integers) or an RGB
// frame (height x width x 3 bytes). Everything else numeric is an array.
func Classify(info *engine.DatasetInfo, hints []string) Layout {
	switch {
	case info.Kind == engine.KindString:
		return LayoutText
	case !info.Kind.Numeric() && info.Kind != engine.KindEnum && info.Kind != engine.KindBitfield:
		return LayoutUnsupported
	}
	if info.Kind == engine.KindFloat && info.ElemSize != 4 && info.ElemSize != 8 {
		return LayoutUnsupported
	}
	if info.Kind != engine.KindFloat {
		switch info.ElemSize {
		case 1, 2, 4, 8:
		default:
			return LayoutUnsupported
		}
	}

	if info.Kind == engine.KindInteger && nameMatches(info.Name, hints) {
		switch {
		case len(info.Dims) == 3 && info.ElemSize == 2:
			return LayoutImageMono16
		case len(info.Dims) == 3 && info.ElemSize == 1:
			return LayoutImageMono8
		case len(info.Dims) == 4 && info.Dims[3] == 3 && info.ElemSize == 1:
			return LayoutImageRGB8
		}
	}
	return LayoutNumeric
}

func nameMatches(name string, hints []string) bool {
	lower := strings.ToLower(name)
	for _, h := range hints {
		if h != "" && strings.Contains(lower, strings.ToLower(h)) {
			return true
		}
	}
	return false
}
