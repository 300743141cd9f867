package format

const (
	unknown uint8 = iota
	protoBuffer
)

var (
	_protoBuffer = Format{protoBuffer}
	_unknown     = Format{unknown}
)

// Format is enumeration of Frame.headerFmt
type Format struct {
	code uint8
}

// NewFormat new a format with code
func NewFormat(code uint8) Format {
	switch code {
	case protoBuffer:
		return _protoBuffer
	default:
		return _unknown
	}
}

// String implements fmt.Stringer
func (f Format) String() string {
	switch f.code {
	case protoBuffer:
		return "ProtoBuffer"
	default:
		return "Unknown"
	}
}

// Code returns the format code
func (f Format) Code() uint8 {
	return f.code
}

// ProtoBuffer serializes and deserializes with the protobuf wire format
func ProtoBuffer() Format {
	return _protoBuffer
}

// Default returns the default format
func Default() Format {
	return _protoBuffer
}
