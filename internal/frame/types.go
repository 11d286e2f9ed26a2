// Package frame implements the binary message envelope shared by every
// stateful pub/sub connection: a small fixed header (flags, type) followed
// by either an expanded (self-describing) or minimal (positional) header
// block, and a body.
package frame

// Type codes, subscriber -> broadcaster.
const (
	TypeConfigure         uint16 = 1
	TypeSubscribeExact    uint16 = 2
	TypeSubscribeGlob     uint16 = 3
	TypeUnsubscribeExact  uint16 = 4
	TypeUnsubscribeGlob   uint16 = 5
	TypeNotify            uint16 = 6
	TypeNotifyStream      uint16 = 7
	TypeContinueReceive   uint16 = 8
	TypeConfirmReceive    uint16 = 9
)

// Type codes, broadcaster -> subscriber.
const (
	TypeConfirmConfigure        uint16 = 1
	TypeConfirmSubscribeExact   uint16 = 2
	TypeConfirmSubscribeGlob    uint16 = 3
	TypeConfirmUnsubscribeExact uint16 = 4
	TypeConfirmUnsubscribeGlob  uint16 = 5
	TypeConfirmNotify           uint16 = 6
	TypeContinueNotify          uint16 = 7
	TypeReceiveStream           uint16 = 8
	TypeEnableZstdPreset        uint16 = 9
	TypeEnableZstdCustom        uint16 = 10
)

// FlagMinimalHeaders is bit 0 of the flags field. All other bits are
// reserved: an encoder must clear them, a decoder must ignore them.
const FlagMinimalHeaders uint16 = 1 << 0

// Well-known header names (always ASCII-lowercase on the wire).
const (
	HeaderSubscriberNonce  = "x-subscriber-nonce"
	HeaderBroadcasterNonce = "x-broadcaster-nonce"
	HeaderEnableZstd       = "x-enable-zstd"
	HeaderEnableTraining   = "x-enable-training"
	HeaderInitialDict      = "x-initial-dict"
	HeaderTopic            = "x-topic"
	HeaderIdentifier       = "x-identifier"
	HeaderPartID           = "x-part-id"
	HeaderCompressor       = "x-compressor"
	HeaderCompressedLen    = "x-compressed-length"
	HeaderDecompressedLen  = "x-decompressed-length"
	HeaderCompressedSHA512 = "x-compressed-sha512"
	HeaderSubscribers      = "x-subscribers"
	HeaderAuthorization    = "authorization"
	HeaderCompressionLevel = "x-compression-level"
	HeaderMinSize          = "x-min-size"
	HeaderMaxSize          = "x-max-size"
)

// Size ceilings enforced by the codec and by ingress validation (§4.2, §4.3).
const (
	MaxIdentifierBytes       = 64
	MaxCompressorIDBytes     = 8
	MaxCompressedSHA512Bytes = 64
)

// MinimalHeaderOrder returns the fixed, ordered list of header names used by
// the minimal encoding for a given message type, or nil if that type has no
// static ordering (NOTIFY_STREAM is handled specially by the codec because
// part_id == 0 carries extra fields that parts > 0 omit).
func MinimalHeaderOrder(direction Direction, msgType uint16) []string {
	switch direction {
	case Subscriber:
		switch msgType {
		case TypeConfigure:
			return []string{HeaderSubscriberNonce, HeaderEnableZstd, HeaderEnableTraining, HeaderInitialDict}
		case TypeSubscribeExact, TypeUnsubscribeExact:
			return []string{HeaderAuthorization, HeaderTopic}
		case TypeSubscribeGlob, TypeUnsubscribeGlob:
			return []string{HeaderAuthorization, HeaderTopic}
		case TypeNotify:
			return []string{HeaderAuthorization, HeaderIdentifier, HeaderTopic, HeaderCompressor, HeaderCompressedLen, HeaderDecompressedLen, HeaderCompressedSHA512}
		case TypeNotifyStream:
			return nil // special-cased in codec.go
		case TypeContinueReceive, TypeConfirmReceive:
			return []string{HeaderIdentifier}
		}
	case Broadcaster:
		switch msgType {
		case TypeConfirmConfigure:
			return []string{HeaderBroadcasterNonce}
		case TypeConfirmSubscribeExact, TypeConfirmUnsubscribeExact:
			return []string{HeaderTopic}
		case TypeConfirmSubscribeGlob, TypeConfirmUnsubscribeGlob:
			return []string{HeaderTopic}
		case TypeConfirmNotify:
			return []string{HeaderIdentifier, HeaderSubscribers}
		case TypeContinueNotify:
			return []string{HeaderIdentifier, HeaderPartID}
		case TypeReceiveStream:
			return nil // special-cased in codec.go, mirrors NOTIFY_STREAM
		case TypeEnableZstdPreset, TypeEnableZstdCustom:
			return []string{HeaderIdentifier, HeaderCompressionLevel, HeaderMinSize, HeaderMaxSize}
		}
	}
	return nil
}

// Direction distinguishes which party originated a frame, since the same
// type code space is reused with different meanings per direction.
type Direction int

const (
	Subscriber Direction = iota
	Broadcaster
)
