package metadata

import (
	"bytes"

	"github.com/juju/errors"
)

// heaps holds the #Strings, #Blob and #GUID streams.
type heaps struct {
	strings []byte
	blobs   []byte
	guids   []byte
}

// string returns the zero-terminated UTF-8 string at idx; bad indexes read as "".
func (h *heaps) string(idx uint32) string {
	if int(idx) >= len(h.strings) {
		return ""
	}

	s := h.strings[idx:]
	if end := bytes.IndexByte(s, 0); end >= 0 {
		s = s[:end]
	}

	return string(s)
}

// blob returns the length-prefixed blob at idx.
func (h *heaps) blob(idx uint32) ([]byte, error) {
	if idx == 0 {
		return nil, nil
	}

	if int(idx) >= len(h.blobs) {
		return nil, errors.Errorf("blob index 0x%x out of range", idx)
	}

	size, n, err := readCompressed(h.blobs[idx:])
	if err != nil {
		return nil, err
	}

	start := int(idx) + n
	if start+int(size) > len(h.blobs) {
		return nil, errors.Errorf("blob at 0x%x overruns heap (%d bytes)", idx, size)
	}

	return h.blobs[start : start+int(size)], nil
}

// readCompressed decodes an ECMA-335 compressed unsigned integer
// (II.23.2) and returns the value and the number of bytes consumed.
func readCompressed(b []byte) (uint32, int, error) {
	if len(b) == 0 {
		return 0, 0, errors.Errorf("compressed integer truncated")
	}

	switch {
	case b[0]&0x80 == 0:
		return uint32(b[0]), 1, nil
	case b[0]&0xc0 == 0x80:
		if len(b) < 2 {
			return 0, 0, errors.Errorf("compressed integer truncated")
		}

		return uint32(b[0]&0x3f)<<8 | uint32(b[1]), 2, nil
	case b[0]&0xe0 == 0xc0:
		if len(b) < 4 {
			return 0, 0, errors.Errorf("compressed integer truncated")
		}

		return uint32(b[0]&0x1f)<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), 4, nil
	default:
		return 0, 0, errors.Errorf("invalid compressed integer lead byte 0x%02x", b[0])
	}
}
