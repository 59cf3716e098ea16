package diskimage

// Internal status codes used by the write/modify helpers below to
// classify a failure before it is translated to a CBM error code by the
// caller (internal/provider/diskimage). Kept local to this package now
// that the teacher's own W64F wire format has been replaced by the CBM
// wire protocol in internal/wire.
const (
	StatusOK            byte = 0
	StatusNotFound      byte = 1
	StatusNotADir       byte = 2
	StatusIsADir        byte = 3
	StatusAlreadyExists byte = 4
	StatusDirNotEmpty   byte = 5
	StatusAccessDenied  byte = 6
	StatusInvalidPath   byte = 7
	StatusRangeInvalid  byte = 8
	StatusTooLarge      byte = 9
	StatusNotSupported  byte = 10
	StatusBusy          byte = 11
	StatusBadRequest    byte = 12
	StatusInternal      byte = 13

	// StatusRecordNotPresent and StatusRecordOverflow are specific to REL
	// record access (internal/provider/diskimage maps them to
	// cbmerr.RECORD_NOT_PRESENT / cbmerr.OVERFLOW_IN_RECORD rather than the
	// generic range/size codes above).
	StatusRecordNotPresent byte = 14
	StatusRecordOverflow   byte = 15

	StatusBadPath = StatusInvalidPath
)
