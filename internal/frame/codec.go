package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// u16max is the ceiling every length-prefixed field in this codec is held
// to: a u16 length prefix can't address more than that.
const u16max = int(^uint16(0))

// Encode renders f to its wire form. minimal selects the minimal-headers
// encoding (bit 0 of flags); the caller is responsible for knowing which
// variant the peer negotiated (the protocol does not carry per-message
// choice beyond the flags bit itself, which this sets).
func Encode(f *Frame, minimal bool, dir Direction) ([]byte, error) {
	var buf bytes.Buffer

	var flags uint16 // reserved bits cleared, bit 0 set below when minimal
	if minimal {
		flags |= FlagMinimalHeaders
	}

	var hdr bytes.Buffer
	if minimal {
		if err := encodeMinimalHeaders(&hdr, f, dir); err != nil {
			return nil, err
		}
	} else {
		if err := encodeExpandedHeaders(&hdr, f); err != nil {
			return nil, err
		}
	}

	if err := binary.Write(&buf, binary.BigEndian, flags); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, f.Type); err != nil {
		return nil, err
	}
	buf.Write(hdr.Bytes())
	buf.Write(f.Body)

	return buf.Bytes(), nil
}

func encodeExpandedHeaders(buf *bytes.Buffer, f *Frame) error {
	if len(f.Headers) > u16max {
		return fmt.Errorf("frame: too many headers (%d)", len(f.Headers))
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(f.Headers))); err != nil {
		return err
	}
	for _, h := range f.Headers {
		name := strings.ToLower(h.Name)
		if len(name) > u16max {
			return fmt.Errorf("frame: header name %q too long", name)
		}
		if len(h.Value) > u16max {
			return fmt.Errorf("frame: header %q value too long (%d bytes)", name, len(h.Value))
		}
		if err := binary.Write(buf, binary.BigEndian, uint16(len(name))); err != nil {
			return err
		}
		buf.WriteString(name)
		if err := binary.Write(buf, binary.BigEndian, uint16(len(h.Value))); err != nil {
			return err
		}
		buf.Write(h.Value)
	}
	return nil
}

func writeLP(buf *bytes.Buffer, v []byte) error {
	if len(v) > u16max {
		return fmt.Errorf("frame: value too long for u16 length prefix (%d bytes)", len(v))
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(v))); err != nil {
		return err
	}
	buf.Write(v)
	return nil
}

// encodeMinimalHeaders writes the positional header block. NOTIFY_STREAM
// and RECEIVE_STREAM get the special treatment from §4.2 (part 0 carries
// extra metadata, later parts carry none); every other type uses the
// static ordered list from MinimalHeaderOrder.
func encodeMinimalHeaders(buf *bytes.Buffer, f *Frame, dir Direction) error {
	if (dir == Subscriber && f.Type == TypeNotifyStream) || (dir == Broadcaster && f.Type == TypeReceiveStream) {
		return encodeStreamHeaders(buf, f)
	}

	order := MinimalHeaderOrder(dir, f.Type)
	if order == nil {
		return fmt.Errorf("frame: no minimal header layout for type %d", f.Type)
	}
	for _, name := range order {
		v, _ := f.Get(name)
		if err := writeLP(buf, v); err != nil {
			return fmt.Errorf("frame: header %q: %w", name, err)
		}
	}
	return nil
}

func encodeStreamHeaders(buf *bytes.Buffer, f *Frame) error {
	auth, _ := f.Get(HeaderAuthorization)
	id, _ := f.Get(HeaderIdentifier)
	if len(id) > MaxIdentifierBytes {
		return fmt.Errorf("frame: identifier too long (%d bytes)", len(id))
	}
	partBytes, _ := f.Get(HeaderPartID)
	if len(partBytes) > 8 {
		return fmt.Errorf("frame: part id too long (%d bytes)", len(partBytes))
	}

	if err := writeLP(buf, auth); err != nil {
		return err
	}
	if err := writeLP(buf, id); err != nil {
		return err
	}
	if err := writeLP(buf, partBytes); err != nil {
		return err
	}

	part, err := DecodeUint(partBytes)
	if err != nil {
		return err
	}
	if part != 0 {
		return nil
	}

	topic, _ := f.Get(HeaderTopic)
	compressor, _ := f.Get(HeaderCompressor)
	compressedLen, _ := f.Get(HeaderCompressedLen)
	decompressedLen, _ := f.Get(HeaderDecompressedLen)
	sha, _ := f.Get(HeaderCompressedSHA512)

	if len(compressor) > MaxCompressorIDBytes || len(compressedLen) > 8 || len(decompressedLen) > 8 {
		return fmt.Errorf("frame: stream metadata field out of bounds")
	}
	if len(sha) != MaxCompressedSHA512Bytes {
		return fmt.Errorf("frame: compressed sha512 must be exactly %d bytes, got %d", MaxCompressedSHA512Bytes, len(sha))
	}

	for _, v := range [][]byte{topic, compressor, compressedLen, decompressedLen, sha} {
		if err := writeLP(buf, v); err != nil {
			return err
		}
	}
	return nil
}

// Decode parses the wire form of a frame for a known direction (the
// direction tells the decoder which minimal-header layout table applies).
func Decode(data []byte, dir Direction) (*Frame, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("frame: too short (%d bytes)", len(data))
	}
	r := bytes.NewReader(data)

	var flags, typ uint16
	if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &typ); err != nil {
		return nil, err
	}

	f := &Frame{Flags: flags, Type: typ}

	var err error
	if flags&FlagMinimalHeaders != 0 {
		err = decodeMinimalHeaders(r, f, dir)
	} else {
		err = decodeExpandedHeaders(r, f)
	}
	if err != nil {
		return nil, err
	}

	body := make([]byte, r.Len())
	if _, err := r.Read(body); err != nil && r.Len() > 0 {
		return nil, err
	}
	f.Body = body
	return f, nil
}

func decodeExpandedHeaders(r *bytes.Reader, f *Frame) error {
	var numHeaders uint16
	if err := binary.Read(r, binary.BigEndian, &numHeaders); err != nil {
		return err
	}
	for i := 0; i < int(numHeaders); i++ {
		name, err := readLPString(r)
		if err != nil {
			return fmt.Errorf("frame: header %d name: %w", i, err)
		}
		value, err := readLP(r)
		if err != nil {
			return fmt.Errorf("frame: header %d value: %w", i, err)
		}
		f.Set(strings.ToLower(name), value)
	}
	return nil
}

func decodeMinimalHeaders(r *bytes.Reader, f *Frame, dir Direction) error {
	if (dir == Subscriber && f.Type == TypeNotifyStream) || (dir == Broadcaster && f.Type == TypeReceiveStream) {
		return decodeStreamHeaders(r, f)
	}

	order := MinimalHeaderOrder(dir, f.Type)
	if order == nil {
		return fmt.Errorf("frame: no minimal header layout for type %d", f.Type)
	}
	for _, name := range order {
		v, err := readLP(r)
		if err != nil {
			return fmt.Errorf("frame: header %q: %w", name, err)
		}
		f.Set(name, v)
	}
	return nil
}

func decodeStreamHeaders(r *bytes.Reader, f *Frame) error {
	auth, err := readLP(r)
	if err != nil {
		return fmt.Errorf("frame: stream auth: %w", err)
	}
	id, err := readLP(r)
	if err != nil {
		return fmt.Errorf("frame: stream identifier: %w", err)
	}
	if len(id) > MaxIdentifierBytes {
		return fmt.Errorf("frame: identifier too long (%d bytes)", len(id))
	}
	partBytes, err := readLP(r)
	if err != nil {
		return fmt.Errorf("frame: stream part id: %w", err)
	}
	if len(partBytes) > 8 {
		return fmt.Errorf("frame: part id too long (%d bytes)", len(partBytes))
	}

	f.Set(HeaderAuthorization, auth)
	f.Set(HeaderIdentifier, id)
	f.Set(HeaderPartID, partBytes)

	part, err := DecodeUint(partBytes)
	if err != nil {
		return err
	}
	if part != 0 {
		return nil
	}

	topic, err := readLP(r)
	if err != nil {
		return fmt.Errorf("frame: stream topic: %w", err)
	}
	compressor, err := readLP(r)
	if err != nil {
		return fmt.Errorf("frame: stream compressor: %w", err)
	}
	if len(compressor) > MaxCompressorIDBytes {
		return fmt.Errorf("frame: compressor id too long (%d bytes)", len(compressor))
	}
	compressedLen, err := readLP(r)
	if err != nil {
		return fmt.Errorf("frame: stream compressed length: %w", err)
	}
	if len(compressedLen) > 8 {
		return fmt.Errorf("frame: compressed length field too long")
	}
	decompressedLen, err := readLP(r)
	if err != nil {
		return fmt.Errorf("frame: stream decompressed length: %w", err)
	}
	if len(decompressedLen) > 8 {
		return fmt.Errorf("frame: decompressed length field too long")
	}
	sha, err := readLP(r)
	if err != nil {
		return fmt.Errorf("frame: stream sha512: %w", err)
	}
	if len(sha) != MaxCompressedSHA512Bytes {
		return fmt.Errorf("frame: compressed sha512 must be exactly %d bytes, got %d", MaxCompressedSHA512Bytes, len(sha))
	}

	f.Set(HeaderTopic, topic)
	f.Set(HeaderCompressor, compressor)
	f.Set(HeaderCompressedLen, compressedLen)
	f.Set(HeaderDecompressedLen, decompressedLen)
	f.Set(HeaderCompressedSHA512, sha)
	return nil
}

func readLP(r *bytes.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func readLPString(r *bytes.Reader) (string, error) {
	b, err := readLP(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
