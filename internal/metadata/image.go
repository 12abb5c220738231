package metadata

import (
	"debug/pe"
	"encoding/binary"

	"github.com/juju/errors"
)

const (
	// comDescriptorDirectory is the data directory holding the CLI header.
	comDescriptorDirectory = 14
	cliHeaderSize          = 72
	metadataSignature      = 0x424a5342 // "BSJB"
)

// image maps relative virtual addresses onto the sections of a PE file.
type image struct {
	sections []*pe.Section
}

// read returns size bytes starting at rva.
func (img *image) read(rva, size uint32) ([]byte, error) {
	for _, s := range img.sections {
		extent := max(s.VirtualSize, s.Size)
		if rva < s.VirtualAddress || rva >= s.VirtualAddress+extent {
			continue
		}

		off := rva - s.VirtualAddress
		if uint64(off)+uint64(size) > uint64(s.Size) {
			return nil, errors.Errorf("rva 0x%x+%d beyond raw data of section %s", rva, size, s.Name)
		}

		buf := make([]byte, size)
		if _, err := s.ReadAt(buf, int64(off)); err != nil {
			return nil, errors.Annotatef(err, "reading rva 0x%x", rva)
		}

		return buf, nil
	}

	return nil, errors.Errorf("rva 0x%x not mapped by any section", rva)
}

// cliDirectory returns the CLI header data directory of a PE file.
func cliDirectory(f *pe.File) (pe.DataDirectory, bool) {
	var dirs []pe.DataDirectory

	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	case *pe.OptionalHeader64:
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	default:
		return pe.DataDirectory{}, false
	}

	if len(dirs) <= comDescriptorDirectory || dirs[comDescriptorDirectory].VirtualAddress == 0 {
		return pe.DataDirectory{}, false
	}

	return dirs[comDescriptorDirectory], true
}

// metadataRoot reads the CLI header and returns the raw metadata block.
func (img *image) metadataRoot(dir pe.DataDirectory) ([]byte, error) {
	header, err := img.read(dir.VirtualAddress, cliHeaderSize)
	if err != nil {
		return nil, errors.Annotate(err, "CLI header")
	}

	if cb := binary.LittleEndian.Uint32(header); cb < cliHeaderSize {
		return nil, errors.Errorf("CLI header size %d too small", cb)
	}

	rva := binary.LittleEndian.Uint32(header[8:])
	size := binary.LittleEndian.Uint32(header[12:])
	if rva == 0 || size == 0 {
		return nil, errors.New("CLI header has no metadata directory")
	}

	root, err := img.read(rva, size)
	if err != nil {
		return nil, errors.Annotate(err, "metadata root")
	}

	return root, nil
}

// parseStreams splits the metadata root into its named streams (II.24.2.1).
func parseStreams(root []byte) (map[string][]byte, error) {
	if len(root) < 16 || binary.LittleEndian.Uint32(root) != metadataSignature {
		return nil, errors.New("bad metadata signature")
	}

	versionLen := int(binary.LittleEndian.Uint32(root[12:]))
	pos := 16 + versionLen
	if versionLen < 0 || pos+4 > len(root) {
		return nil, errors.New("metadata version string truncated")
	}

	count := int(binary.LittleEndian.Uint16(root[pos+2:]))
	pos += 4

	streams := make(map[string][]byte, count)
	for range count {
		if pos+8 > len(root) {
			return nil, errors.New("stream header truncated")
		}

		offset := binary.LittleEndian.Uint32(root[pos:])
		size := binary.LittleEndian.Uint32(root[pos+4:])
		pos += 8

		end := pos
		for end < len(root) && root[end] != 0 {
			end++
		}

		if end >= len(root) {
			return nil, errors.New("stream name truncated")
		}

		name := string(root[pos:end])
		pos += (end - pos + 4) &^ 3

		if uint64(offset)+uint64(size) > uint64(len(root)) {
			return nil, errors.Errorf("stream %s overruns metadata", name)
		}

		streams[name] = root[offset : offset+size]
	}

	return streams, nil
}
