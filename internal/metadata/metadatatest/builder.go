// Package metadatatest builds managed PE32 modules for tests: a single
// .text section holding the CLI header, tiny or fat CIL bodies and the
// metadata root with #~, #Strings, #US, #GUID and #Blob streams.
package metadatatest

import (
	"bytes"
	"crypto/sha256"
	"debug/pe"
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/require"

	"upgrade-guard/internal/metadata"
)

const (
	sectionRVA       = 0x2000
	sectionAlignment = 0x2000
	fileAlignment    = 0x200
	cliHeaderSize    = 72
	metadataVersion  = "v4.0.30319"

	typePublic       = 0x00000001
	typeNestedPublic = 0x00000002
	methodPublic     = 0x0006
	assemblyHashSHA1 = 0x8004
	assemblyHasKey   = 0x0001
)

// table numbers written by the builder.
const (
	tModule      = 0x00
	tTypeRef     = 0x01
	tTypeDef     = 0x02
	tMethodDef   = 0x06
	tMemberRef   = 0x0a
	tModuleRef   = 0x1a
	tTypeSpec    = 0x1b
	tAssembly    = 0x20
	tAssemblyRef = 0x23
	tNestedClass = 0x29
	tMethodSpec  = 0x2b
)

// Builder assembles a managed module in memory. Types are numbered in
// declaration order; methods must be added in the same order as their
// declaring types.
type Builder struct {
	fileName   string
	moduleName uint32
	assembly   *assemblyRow
	noCLI      bool

	strs  stringHeap
	blobs blobHeap

	typeRefs     []typeRefRow
	typeDefs     []*TypeDef
	methods      []methodRow
	memberRefs   []memberRefRow
	moduleRefs   []uint32
	typeSpecs    []uint32
	assemblyRefs []assemblyRefRow
	nested       []nestedRow
	methodSpecs  []methodSpecRow
}

type assemblyRow struct {
	version   [4]uint16
	flags     uint32
	publicKey uint32
	name      uint32
}

type assemblyRefRow struct {
	version    [4]uint16
	flags      uint32
	keyOrToken uint32
	name       uint32
}

type typeRefRow struct {
	scope, name, namespace uint32
}

type methodRow struct {
	owner     uint32
	name, sig uint32
	body      *Body
}

type memberRefRow struct {
	parent, name, sig uint32
}

type nestedRow struct {
	nested, enclosing uint32
}

type methodSpecRow struct {
	method, instantiation uint32
}

// TypeDef is a type declared by the module under construction.
type TypeDef struct {
	b               *Builder
	row             uint32
	flags           uint32
	name, namespace uint32
}

// New starts a module written as fileName. The module carries an assembly
// manifest named after the file, version 1.0.0.0, unsigned.
func New(fileName string) *Builder {
	b := &Builder{fileName: fileName}
	b.moduleName = b.strs.add(fileName)
	b.WithAssembly(strings.TrimSuffix(fileName, filepath.Ext(fileName)), "1.0.0.0", nil)
	b.typeDefs = append(b.typeDefs, &TypeDef{b: b, row: 1, name: b.strs.add("<Module>")})

	return b
}

// FileName returns the name the module is written as.
func (b *Builder) FileName() string {
	return b.fileName
}

// WithAssembly replaces the assembly manifest. A non-empty publicKey signs it.
func (b *Builder) WithAssembly(name, version string, publicKey []byte) *Builder {
	row := &assemblyRow{
		version:   parseVersion(version),
		publicKey: b.blobs.add(publicKey),
		name:      b.strs.add(name),
	}

	if len(publicKey) > 0 {
		row.flags = assemblyHasKey
	}

	b.assembly = row

	return b
}

// WithoutAssembly drops the assembly manifest, producing a bare module.
func (b *Builder) WithoutAssembly() *Builder {
	b.assembly = nil

	return b
}

// WithoutCLIHeader produces a native image without the CLI data directory.
func (b *Builder) WithoutCLIHeader() *Builder {
	b.noCLI = true

	return b
}

// Module returns the token of the module itself, usable as a resolution scope.
func (b *Builder) Module() metadata.Token {
	return metadata.NewToken(metadata.TokenModule, 1)
}

// AssemblyRef references an assembly by public key token (nil when unsigned).
func (b *Builder) AssemblyRef(name, version string, publicKeyToken []byte) metadata.Token {
	return b.assemblyRef(name, version, publicKeyToken, 0)
}

// AssemblyRefWithKey references an assembly by its full public key.
func (b *Builder) AssemblyRefWithKey(name, version string, publicKey []byte) metadata.Token {
	return b.assemblyRef(name, version, publicKey, assemblyHasKey)
}

func (b *Builder) assemblyRef(name, version string, key []byte, flags uint32) metadata.Token {
	b.assemblyRefs = append(b.assemblyRefs, assemblyRefRow{
		version:    parseVersion(version),
		flags:      flags,
		keyOrToken: b.blobs.add(key),
		name:       b.strs.add(name),
	})

	return metadata.NewToken(metadata.TokenAssemblyRef, uint32(len(b.assemblyRefs)))
}

// ModuleRef references another module of the same assembly.
func (b *Builder) ModuleRef(name string) metadata.Token {
	b.moduleRefs = append(b.moduleRefs, b.strs.add(name))

	return metadata.NewToken(metadata.TokenModuleRef, uint32(len(b.moduleRefs)))
}

// TypeRef references a type in scope: the module, a ModuleRef, an
// AssemblyRef or, for nested types, the enclosing TypeRef.
func (b *Builder) TypeRef(scope metadata.Token, namespace, name string) metadata.Token {
	var tag uint32

	switch scope.Kind() {
	case metadata.TokenModule:
		tag = 0
	case metadata.TokenModuleRef:
		tag = 1
	case metadata.TokenAssemblyRef:
		tag = 2
	case metadata.TokenTypeRef:
		tag = 3
	default:
		panic("metadatatest: not a resolution scope: " + scope.String())
	}

	b.typeRefs = append(b.typeRefs, typeRefRow{
		scope:     scope.Row()<<2 | tag,
		name:      b.strs.add(name),
		namespace: b.strs.add(namespace),
	})

	return metadata.NewToken(metadata.TokenTypeRef, uint32(len(b.typeRefs)))
}

// TypeDef declares a top-level type.
func (b *Builder) TypeDef(namespace, name string) *TypeDef {
	t := &TypeDef{
		b:         b,
		row:       uint32(len(b.typeDefs) + 1),
		flags:     typePublic,
		name:      b.strs.add(name),
		namespace: b.strs.add(namespace),
	}
	b.typeDefs = append(b.typeDefs, t)

	return t
}

// NestedTypeDef declares a type nested in outer.
func (b *Builder) NestedTypeDef(outer *TypeDef, name string) *TypeDef {
	t := &TypeDef{
		b:     b,
		row:   uint32(len(b.typeDefs) + 1),
		flags: typeNestedPublic,
		name:  b.strs.add(name),
	}
	b.typeDefs = append(b.typeDefs, t)
	b.nested = append(b.nested, nestedRow{nested: t.row, enclosing: outer.row})

	return t
}

// TypeSpec declares a type specification, e.g. a generic instantiation.
func (b *Builder) TypeSpec(sig Sig) metadata.Token {
	b.typeSpecs = append(b.typeSpecs, b.blobs.add(sig))

	return metadata.NewToken(metadata.TokenTypeSpec, uint32(len(b.typeSpecs)))
}

// MemberRef references a method of parent with the given MethodRefSig.
func (b *Builder) MemberRef(parent metadata.Token, name string, sig []byte) metadata.Token {
	var tag uint32

	switch parent.Kind() {
	case metadata.TokenTypeDef:
		tag = 0
	case metadata.TokenTypeRef:
		tag = 1
	case metadata.TokenModuleRef:
		tag = 2
	case metadata.TokenMethodDef:
		tag = 3
	case metadata.TokenTypeSpec:
		tag = 4
	default:
		panic("metadatatest: not a member parent: " + parent.String())
	}

	b.memberRefs = append(b.memberRefs, memberRefRow{
		parent: parent.Row()<<3 | tag,
		name:   b.strs.add(name),
		sig:    b.blobs.add(sig),
	})

	return metadata.NewToken(metadata.TokenMemberRef, uint32(len(b.memberRefs)))
}

// MethodSpec instantiates a generic method (MethodDef or MemberRef) with args.
func (b *Builder) MethodSpec(method metadata.Token, args ...Sig) metadata.Token {
	var tag uint32

	switch method.Kind() {
	case metadata.TokenMethodDef:
		tag = 0
	case metadata.TokenMemberRef:
		tag = 1
	default:
		panic("metadatatest: not a method: " + method.String())
	}

	blob := []byte{metadata.MethodSpecSignature}
	blob = append(blob, compress(uint32(len(args)))...)

	for _, a := range args {
		blob = append(blob, a...)
	}

	b.methodSpecs = append(b.methodSpecs, methodSpecRow{
		method:        method.Row()<<1 | tag,
		instantiation: b.blobs.add(blob),
	})

	return metadata.NewToken(metadata.TokenMethodSpec, uint32(len(b.methodSpecs)))
}

// Token returns the TypeDef token of t.
func (t *TypeDef) Token() metadata.Token {
	return metadata.NewToken(metadata.TokenTypeDef, t.row)
}

// Method adds an instance method returning void. A nil body declares an
// abstract method.
func (t *TypeDef) Method(name string, body *Body) metadata.Token {
	return t.MethodWithSig(name, MethodSig(true, 0, Primitive(metadata.ElementVoid)), body)
}

// MethodWithSig adds a method with an explicit MethodDefSig.
func (t *TypeDef) MethodWithSig(name string, sig []byte, body *Body) metadata.Token {
	b := t.b
	if n := len(b.methods); n > 0 && b.methods[n-1].owner > t.row {
		panic("metadatatest: methods must be added in type declaration order")
	}

	b.methods = append(b.methods, methodRow{
		owner: t.row,
		name:  b.strs.add(name),
		sig:   b.blobs.add(sig),
		body:  body,
	})

	return metadata.NewToken(metadata.TokenMethodDef, uint32(len(b.methods)))
}

// WriteFile writes the module into dir and returns its path.
func (b *Builder) WriteFile(dir string) (string, error) {
	path := filepath.Join(dir, b.fileName)
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		return "", errors.Trace(err)
	}

	return path, nil
}

// MustWrite is WriteFile for tests.
func (b *Builder) MustWrite(t testing.TB, dir string) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o755))

	path, err := b.WriteFile(dir)
	require.NoError(t, err)

	return path
}

// Bytes lays out the image.
func (b *Builder) Bytes() []byte {
	text := make([]byte, cliHeaderSize)
	rvas := make([]uint32, len(b.methods))

	for i, m := range b.methods {
		if m.body == nil {
			continue
		}

		text = pad(text, 4)
		rvas[i] = sectionRVA + uint32(len(text))
		text = append(text, m.body.encode()...)
	}

	text = pad(text, 4)
	metadataRVA := sectionRVA + uint32(len(text))
	root := b.metadataRoot(rvas)
	text = append(text, root...)

	binary.LittleEndian.PutUint32(text[0:], cliHeaderSize)
	binary.LittleEndian.PutUint16(text[4:], 2)
	binary.LittleEndian.PutUint16(text[6:], 5)
	binary.LittleEndian.PutUint32(text[8:], metadataRVA)
	binary.LittleEndian.PutUint32(text[12:], uint32(len(root)))
	binary.LittleEndian.PutUint32(text[16:], 1) // IL only

	return b.image(text)
}

// image wraps the .text section in DOS, PE and section headers.
func (b *Builder) image(text []byte) []byte {
	var buf bytes.Buffer

	dos := make([]byte, 0x80)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], uint32(len(dos)))
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")

	raw := align(uint32(len(text)), fileAlignment)

	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(binary.Size(pe.OptionalHeader32{})),
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_32BIT_MACHINE | pe.IMAGE_FILE_DLL,
	}

	oh := pe.OptionalHeader32{
		Magic:                       0x10b,
		MajorLinkerVersion:          8,
		SizeOfCode:                  raw,
		BaseOfCode:                  sectionRVA,
		ImageBase:                   0x400000,
		SectionAlignment:            sectionAlignment,
		FileAlignment:               fileAlignment,
		MajorOperatingSystemVersion: 4,
		MajorSubsystemVersion:       4,
		SizeOfImage:                 sectionRVA + align(uint32(len(text)), sectionAlignment),
		SizeOfHeaders:               fileAlignment,
		Subsystem:                   pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
		SizeOfStackReserve:          0x100000,
		SizeOfStackCommit:           0x1000,
		SizeOfHeapReserve:           0x100000,
		SizeOfHeapCommit:            0x1000,
		NumberOfRvaAndSizes:         16,
	}

	if !b.noCLI {
		oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR] = pe.DataDirectory{
			VirtualAddress: sectionRVA,
			Size:           cliHeaderSize,
		}
	}

	sh := pe.SectionHeader32{
		VirtualSize:      uint32(len(text)),
		VirtualAddress:   sectionRVA,
		SizeOfRawData:    raw,
		PointerToRawData: fileAlignment,
		Characteristics:  pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ,
	}
	copy(sh.Name[:], ".text")

	for _, header := range []any{&fh, &oh, &sh} {
		// writes to a bytes.Buffer do not fail
		_ = binary.Write(&buf, binary.LittleEndian, header)
	}

	out := buf.Bytes()
	out = append(out, make([]byte, fileAlignment-len(out))...)
	out = append(out, text...)

	return append(out, make([]byte, int(raw)-len(text))...)
}

// metadataRoot writes the BSJB header, the stream headers and the streams.
func (b *Builder) metadataRoot(rvas []uint32) []byte {
	strs, blobs := b.strs.bytes(), b.blobs.bytes()
	if len(strs) > 0xffff || len(blobs) > 0xffff {
		panic("metadatatest: heaps larger than 64KiB are not supported")
	}

	guid := sha256.Sum256([]byte(b.fileName))

	streams := []struct {
		name string
		data []byte
	}{
		{"#~", b.tableStream(rvas)},
		{"#Strings", pad(strs, 4)},
		{"#US", []byte{0, 0, 0, 0}},
		{"#GUID", guid[:16]},
		{"#Blob", pad(blobs, 4)},
	}

	version := pad([]byte(metadataVersion), 4)

	var head bytes.Buffer

	w := &rowWriter{}
	w.u32(0x424a5342)
	w.u16(1)
	w.u16(1)
	w.u32(0)
	w.u32(uint32(len(version)))
	w.raw(version)
	w.u16(0)
	w.u16(uint32(len(streams)))

	headerSize := len(w.buf)
	for _, s := range streams {
		headerSize += 8 + (len(s.name)+4)&^3
	}

	offset := uint32(headerSize)
	for _, s := range streams {
		w.u32(offset)
		w.u32(uint32(len(s.data)))
		w.raw(pad(append([]byte(s.name), 0), 4))
		offset += uint32(len(s.data))
	}

	head.Write(w.buf)

	for _, s := range streams {
		head.Write(s.data)
	}

	return head.Bytes()
}

// tableStream writes the #~ stream. Every heap and table index is 2 bytes wide.
func (b *Builder) tableStream(rvas []uint32) []byte {
	type tableData struct {
		id   uint
		rows int
		data []byte
	}

	var tables []tableData

	add := func(id uint, rows int, fill func(w *rowWriter)) {
		if rows == 0 {
			return
		}

		w := &rowWriter{}
		fill(w)
		tables = append(tables, tableData{id: id, rows: rows, data: w.buf})
	}

	add(tModule, 1, func(w *rowWriter) {
		w.u16(0)
		w.u16(b.moduleName)
		w.u16(1)
		w.u16(0)
		w.u16(0)
	})

	add(tTypeRef, len(b.typeRefs), func(w *rowWriter) {
		for _, r := range b.typeRefs {
			w.u16(r.scope)
			w.u16(r.name)
			w.u16(r.namespace)
		}
	})

	add(tTypeDef, len(b.typeDefs), func(w *rowWriter) {
		next := 0
		for _, t := range b.typeDefs {
			for next < len(b.methods) && b.methods[next].owner < t.row {
				next++
			}

			w.u32(t.flags)
			w.u16(t.name)
			w.u16(t.namespace)
			w.u16(0)
			w.u16(1)
			w.u16(uint32(next + 1))
		}
	})

	add(tMethodDef, len(b.methods), func(w *rowWriter) {
		for i, m := range b.methods {
			w.u32(rvas[i])
			w.u16(0)
			w.u16(methodPublic)
			w.u16(m.name)
			w.u16(m.sig)
			w.u16(1)
		}
	})

	add(tMemberRef, len(b.memberRefs), func(w *rowWriter) {
		for _, r := range b.memberRefs {
			w.u16(r.parent)
			w.u16(r.name)
			w.u16(r.sig)
		}
	})

	add(tModuleRef, len(b.moduleRefs), func(w *rowWriter) {
		for _, name := range b.moduleRefs {
			w.u16(name)
		}
	})

	add(tTypeSpec, len(b.typeSpecs), func(w *rowWriter) {
		for _, sig := range b.typeSpecs {
			w.u16(sig)
		}
	})

	if a := b.assembly; a != nil {
		add(tAssembly, 1, func(w *rowWriter) {
			w.u32(assemblyHashSHA1)
			for _, v := range a.version {
				w.u16(uint32(v))
			}
			w.u32(a.flags)
			w.u16(a.publicKey)
			w.u16(a.name)
			w.u16(0)
		})
	}

	add(tAssemblyRef, len(b.assemblyRefs), func(w *rowWriter) {
		for _, r := range b.assemblyRefs {
			for _, v := range r.version {
				w.u16(uint32(v))
			}
			w.u32(r.flags)
			w.u16(r.keyOrToken)
			w.u16(r.name)
			w.u16(0)
			w.u16(0)
		}
	})

	add(tNestedClass, len(b.nested), func(w *rowWriter) {
		for _, n := range b.nested {
			w.u16(n.nested)
			w.u16(n.enclosing)
		}
	})

	add(tMethodSpec, len(b.methodSpecs), func(w *rowWriter) {
		for _, s := range b.methodSpecs {
			w.u16(s.method)
			w.u16(s.instantiation)
		}
	})

	var valid uint64
	for _, t := range tables {
		valid |= 1 << t.id
	}

	w := &rowWriter{}
	w.u32(0)
	w.raw([]byte{2, 0, 0, 1})
	w.u64(valid)
	w.u64(0)

	for _, t := range tables {
		w.u32(uint32(t.rows))
	}

	for _, t := range tables {
		w.raw(t.data)
	}

	return pad(w.buf, 4)
}

type rowWriter struct {
	buf []byte
}

func (w *rowWriter) u16(v uint32) { w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(v)) }
func (w *rowWriter) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *rowWriter) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *rowWriter) raw(b []byte) { w.buf = append(w.buf, b...) }

type stringHeap struct {
	data  []byte
	index map[string]uint32
}

func (h *stringHeap) add(s string) uint32 {
	if s == "" {
		return 0
	}

	if h.index == nil {
		h.data = []byte{0}
		h.index = make(map[string]uint32)
	}

	if idx, ok := h.index[s]; ok {
		return idx
	}

	idx := uint32(len(h.data))
	h.data = append(append(h.data, s...), 0)
	h.index[s] = idx

	return idx
}

func (h *stringHeap) bytes() []byte {
	if h.data == nil {
		return []byte{0}
	}

	return h.data
}

type blobHeap struct {
	data  []byte
	index map[string]uint32
}

func (h *blobHeap) add(b []byte) uint32 {
	if len(b) == 0 {
		return 0
	}

	if h.index == nil {
		h.data = []byte{0}
		h.index = make(map[string]uint32)
	}

	if idx, ok := h.index[string(b)]; ok {
		return idx
	}

	idx := uint32(len(h.data))
	h.data = append(append(h.data, compress(uint32(len(b)))...), b...)
	h.index[string(b)] = idx

	return idx
}

func (h *blobHeap) bytes() []byte {
	if h.data == nil {
		return []byte{0}
	}

	return h.data
}

func pad(b []byte, n int) []byte {
	for len(b)%n != 0 {
		b = append(b, 0)
	}

	return b
}

func align(v, n uint32) uint32 {
	return (v + n - 1) &^ (n - 1)
}

func parseVersion(s string) [4]uint16 {
	var v [4]uint16

	for i, part := range strings.SplitN(s, ".", 4) {
		n, _ := strconv.ParseUint(part, 10, 16)
		v[i] = uint16(n)
	}

	return v
}
