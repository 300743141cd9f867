package operation

const (
	unknown uint16 = iota
	ping
	goAway
	fetchPartitionEntries
)

var (
	_ping                  = Operation{ping}
	_goAway                = Operation{goAway}
	_fetchPartitionEntries = Operation{fetchPartitionEntries}
	_unknown               = Operation{unknown}
)

// Operation is enumeration of Frame.opCode
type Operation struct {
	code uint16
}

// NewOperation new an operation with code
func NewOperation(code uint16) Operation {
	switch code {
	case ping:
		return _ping
	case goAway:
		return _goAway
	case fetchPartitionEntries:
		return _fetchPartitionEntries
	default:
		return _unknown
	}
}

// String implements fmt.Stringer
func (o Operation) String() string {
	switch o.code {
	case ping:
		return "Ping"
	case goAway:
		return "GoAway"
	case fetchPartitionEntries:
		return "FetchPartitionEntries"
	default:
		return "Unknown"
	}
}

// Code returns the operation code
func (o Operation) Code() uint16 {
	return o.code
}

// IsControl returns whether o is a control operation
func (o Operation) IsControl() bool {
	switch o.code {
	case ping, goAway:
		return true
	default:
		return false
	}
}

// Ping frame is a mechanism for measuring a minimal round-trip time from the sender,
// as well as determining whether an idle connection is still functional
func Ping() Operation {
	return _ping
}

// GoAway frame is used to initiate shutdown of a connection or to signal serious error conditions
func GoAway() Operation {
	return _goAway
}

// FetchPartitionEntries frames carry the entries of partitions streamed to a peer
func FetchPartitionEntries() Operation {
	return _fetchPartitionEntries
}

// Unknown is the operation of frames with an unrecognized code
func Unknown() Operation {
	return _unknown
}
