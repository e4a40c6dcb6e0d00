package engine

import "fmt"

// Kind is the element type class of a dataset. Codes outside the known set
// map to KindUnsupported instead of failing, so new type classes surface as
// a skipped channel.
type Kind int

const (
	KindUnsupported Kind = iota
	KindInteger
	KindFloat
	KindTime
	KindString
	KindBitfield
	KindOpaque
	KindCompound
	KindReference
	KindEnum
	KindVlen
	KindArray
)

// Type class codes as stored on disk.
const (
	classInteger   = 0
	classFloat     = 1
	classTime      = 2
	classString    = 3
	classBitfield  = 4
	classOpaque    = 5
	classCompound  = 6
	classReference = 7
	classEnum      = 8
	classVlen      = 9
	classArray     = 10
)

// KindFromCode maps an on-disk type class code to a Kind.
func KindFromCode(code int) Kind {
	switch code {
	case classInteger:
		return KindInteger
	case classFloat:
		return KindFloat
	case classTime:
		return KindTime
	case classString:
		return KindString
	case classBitfield:
		return KindBitfield
	case classOpaque:
		return KindOpaque
	case classCompound:
		return KindCompound
	case classReference:
		return KindReference
	case classEnum:
		return KindEnum
	case classVlen:
		return KindVlen
	case classArray:
		return KindArray
	default:
		return KindUnsupported
	}
}

// Code is the inverse of KindFromCode. KindUnsupported has code -1.
func (k Kind) Code() int {
	switch k {
	case KindInteger:
		return classInteger
	case KindFloat:
		return classFloat
	case KindTime:
		return classTime
	case KindString:
		return classString
	case KindBitfield:
		return classBitfield
	case KindOpaque:
		return classOpaque
	case KindCompound:
		return classCompound
	case KindReference:
		return classReference
	case KindEnum:
		return classEnum
	case KindVlen:
		return classVlen
	case KindArray:
		return classArray
	default:
		return -1
	}
}

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindTime:
		return "time"
	case KindString:
		return "string"
	case KindBitfield:
		return "bitfield"
	case KindOpaque:
		return "opaque"
	case KindCompound:
		return "compound"
	case KindReference:
		return "reference"
	case KindEnum:
		return "enum"
	case KindVlen:
		return "vlen"
	case KindArray:
		return "array"
	default:
		return "unsupported"
	}
}

// Numeric reports whether values of this kind are plain numbers.
func (k Kind) Numeric() bool {
	return k == KindInteger || k == KindFloat || k == KindTime
}

// AttrKind tags an Attribute.
type AttrKind int

const (
	AttrUnknown AttrKind = iota
	AttrString
	AttrVlen
	AttrReference
)

// Attribute is a tagged value. Str is set for AttrString and AttrVlen, Refs
// holds target object names for AttrReference, and Raw carries a printable
// form of anything else.
type Attribute struct {
	Kind AttrKind
	Str  string
	Refs []string
	Raw  string
}

func StringAttr(s string) Attribute { return Attribute{Kind: AttrString, Str: s} }

func RefAttr(targets ...string) Attribute { return Attribute{Kind: AttrReference, Refs: targets} }

func (a Attribute) String() string {
	switch a.Kind {
	case AttrString, AttrVlen:
		return a.Str
	case AttrReference:
		return fmt.Sprintf("ref%v", a.Refs)
	default:
		return a.Raw
	}
}
