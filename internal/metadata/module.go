package metadata

import (
	"crypto/sha1"
	"debug/pe"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/juju/errors"
)

const (
	assemblyFlagPublicKey = 0x0001
	moduleTypeName        = "<Module>"

	tinyBodyFormat = 0x2
	fatBodyFormat  = 0x3
	fatHeaderSize  = 12
	maxCodeSize    = 1 << 24
)

// coreLibraryNames are tried in order to find the scope of primitive types.
var coreLibraryNames = []string{"mscorlib", "System.Runtime", "System.Private.CoreLib", "netstandard"}

// Module is an opened compiled module. It owns the underlying file handle
// until Close is called.
type Module struct {
	path   string
	file   io.Closer
	img    *image
	heaps  heaps
	tables *tableSet

	name         string
	scope        Scope
	corlib       Scope
	assemblyRefs []Scope
	typeDefs     []TypeDescriptor // indexed by TypeDef row - 1
	typeRefs     []TypeDescriptor // indexed by TypeRef row - 1
	methodOwner  []uint32         // MethodDef row - 1 -> owning TypeDef row
}

// Open loads the compiled module at path. Files that are not managed
// modules yield an error matching ErrNotAModule; failing to open the file
// at all is returned as is.
func Open(path string) (*Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}

	m, err := load(path, f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	m.file = f

	return m, nil
}

// load decodes the PE image and the CLI metadata read through r.
func load(path string, r io.ReaderAt) (*Module, error) {
	pf, err := pe.NewFile(r)
	if err != nil {
		return nil, notAModule(path, "%v", err)
	}

	dir, ok := cliDirectory(pf)
	if !ok {
		return nil, notAModule(path, "no CLI header")
	}

	img := &image{sections: pf.Sections}

	root, err := img.metadataRoot(dir)
	if err != nil {
		return nil, notAModule(path, "%v", err)
	}

	streams, err := parseStreams(root)
	if err != nil {
		return nil, notAModule(path, "%v", err)
	}

	tableStream, ok := streams["#~"]
	if !ok {
		tableStream, ok = streams["#-"]
	}

	if !ok {
		return nil, notAModule(path, "no metadata table stream")
	}

	tables, err := parseTables(tableStream)
	if err != nil {
		return nil, notAModule(path, "%v", err)
	}

	m := &Module{
		path: path,
		img:  img,
		heaps: heaps{
			strings: streams["#Strings"],
			blobs:   streams["#Blob"],
			guids:   streams["#GUID"],
		},
		tables: tables,
	}

	if err := m.index(); err != nil {
		return nil, notAModule(path, "%v", err)
	}

	return m, nil
}

// Close releases the file handle. It is safe to call more than once.
func (m *Module) Close() error {
	if m.file == nil {
		return nil
	}

	err := m.file.Close()
	m.file = nil

	return errors.Trace(err)
}

// Path returns the file the module was loaded from.
func (m *Module) Path() string {
	return m.path
}

// Name returns the module name recorded in the Module table, e.g. "Pkg.dll".
func (m *Module) Name() string {
	return m.name
}

// Scope returns the identity of the module's own assembly.
func (m *Module) Scope() Scope {
	return m.scope
}

// CorLib returns the scope primitive element types resolve to.
func (m *Module) CorLib() Scope {
	return m.corlib
}

// Types returns every type declared by the module, nested types included.
// The pseudo type <Module> is omitted.
func (m *Module) Types() []TypeDescriptor {
	types := make([]TypeDescriptor, 0, len(m.typeDefs))
	for _, t := range m.typeDefs {
		if t.Namespace == "" && t.Name == moduleTypeName && !t.IsNested() {
			continue
		}

		types = append(types, t)
	}

	return types
}

// TopLevelTypes returns the declared types that are not nested.
func (m *Module) TopLevelTypes() []TypeDescriptor {
	var types []TypeDescriptor
	for _, t := range m.Types() {
		if !t.IsNested() {
			types = append(types, t)
		}
	}

	return types
}

// DefinesType returns true if the module declares a type with the given full name.
func (m *Module) DefinesType(fullName string) bool {
	for _, t := range m.Types() {
		if t.FullName() == fullName {
			return true
		}
	}

	return false
}

// HasTypeReference returns true if the module references a type with the
// given full name.
func (m *Module) HasTypeReference(fullName string) bool {
	for _, t := range m.typeRefs {
		if t.FullName() == fullName {
			return true
		}
	}

	return false
}

// Methods yields every method definition of every declared type.
func (m *Module) Methods() iter.Seq[Method] {
	return func(yield func(Method) bool) {
		for row := uint32(1); row <= m.tables.rows(tableMethodDef); row++ {
			method, err := m.methodDef(row)
			if err != nil {
				continue
			}

			if !yield(method) {
				return
			}
		}
	}
}

// MethodBody returns the CIL bytes of a method; methods without a body
// return nil.
func (m *Module) MethodBody(method Method) ([]byte, error) {
	if !method.HasBody() {
		return nil, nil
	}

	head, err := m.img.read(method.RVA, 1)
	if err != nil {
		return nil, errors.Annotatef(ErrMalformedBody, "%s: %v", method, err)
	}

	var start, size uint32

	switch head[0] & 0x03 {
	case tinyBodyFormat:
		start, size = method.RVA+1, uint32(head[0]>>2)
	case fatBodyFormat:
		header, err := m.img.read(method.RVA, fatHeaderSize)
		if err != nil {
			return nil, errors.Annotatef(ErrMalformedBody, "%s: %v", method, err)
		}

		headerSize := uint32(binary.LittleEndian.Uint16(header)>>12) * 4
		if headerSize < fatHeaderSize {
			return nil, errors.Annotatef(ErrMalformedBody, "%s: fat header size %d", method, headerSize)
		}

		start, size = method.RVA+headerSize, binary.LittleEndian.Uint32(header[4:])
	default:
		return nil, errors.Annotatef(ErrMalformedBody, "%s: header byte 0x%02x", method, head[0])
	}

	if size > maxCodeSize {
		return nil, errors.Annotatef(ErrMalformedBody, "%s: code size %d", method, size)
	}

	code, err := m.img.read(start, size)
	if err != nil {
		return nil, errors.Annotatef(ErrMalformedBody, "%s: %v", method, err)
	}

	return code, nil
}

// ResolveMethod resolves the operand of a call instruction. Tokens that do
// not name a method (e.g. the stand-alone signature of calli) return false
// without an error.
func (m *Module) ResolveMethod(token Token) (MethodRef, bool, error) {
	var (
		ref MethodRef
		err error
	)

	switch token.Kind() {
	case TokenMethodDef:
		ref, err = m.methodDefRef(token.Row())
	case TokenMemberRef:
		ref, err = m.memberRef(token.Row())
	case TokenMethodSpec:
		ref, err = m.methodSpec(token.Row())
	default:
		return MethodRef{}, false, nil
	}

	if err != nil {
		return MethodRef{}, false, errors.Annotatef(err, "resolving %s in %s", token, m.path)
	}

	return ref, true, nil
}

func (m *Module) primitive(name string) TypeDescriptor {
	return TypeDescriptor{Namespace: "System", Name: name, Scope: m.corlib}
}

// typeSigFor resolves a TypeDefOrRef target to a signature.
func (m *Module) typeSigFor(table tableID, row uint32, depth int) (*TypeSig, error) {
	switch table {
	case tableTypeDef:
		if row == 0 || int(row) > len(m.typeDefs) {
			return nil, errors.Errorf("TypeDef row %d out of range", row)
		}

		return &TypeSig{Kind: SigNamed, Type: m.typeDefs[row-1]}, nil
	case tableTypeRef:
		if row == 0 || int(row) > len(m.typeRefs) {
			return nil, errors.Errorf("TypeRef row %d out of range", row)
		}

		return &TypeSig{Kind: SigNamed, Type: m.typeRefs[row-1]}, nil
	case tableTypeSpec:
		specs := m.tables.table(tableTypeSpec)
		if row == 0 || row > specs.rows {
			return nil, errors.Errorf("TypeSpec row %d out of range", row)
		}

		blob, err := m.heaps.blob(specs.get(row, 0))
		if err != nil {
			return nil, err
		}

		r := &sigReader{m: m, data: blob}

		return r.typeSig(depth + 1)
	default:
		return nil, errors.Errorf("table 0x%02x is not a type table", uint8(table))
	}
}

func (m *Module) methodDef(row uint32) (Method, error) {
	methods := m.tables.table(tableMethodDef)
	if row == 0 || row > methods.rows {
		return Method{}, errors.Errorf("MethodDef row %d out of range", row)
	}

	var declaring TypeDescriptor
	if owner := m.methodOwner[row-1]; owner > 0 {
		declaring = m.typeDefs[owner-1]
	}

	return Method{
		DeclaringType: declaring,
		Name:          m.heaps.string(methods.get(row, 3)),
		Token:         NewToken(TokenMethodDef, row),
		RVA:           methods.get(row, 0),
	}, nil
}

func (m *Module) methodDefRef(row uint32) (MethodRef, error) {
	def, err := m.methodDef(row)
	if err != nil {
		return MethodRef{}, err
	}

	sig, err := m.heaps.blob(m.tables.table(tableMethodDef).get(row, 4))
	if err != nil {
		return MethodRef{}, err
	}

	ref := MethodRef{DeclaringType: def.DeclaringType, Name: def.Name}
	if len(sig) > 0 {
		ref.CallingConvention = CallingConvention(sig[0] & sigConvMask)
		ref.HasThis = sig[0]&sigHasThis != 0
	}

	return ref, nil
}

func (m *Module) memberRef(row uint32) (MethodRef, error) {
	refs := m.tables.table(tableMemberRef)
	if row == 0 || row > refs.rows {
		return MethodRef{}, errors.Errorf("MemberRef row %d out of range", row)
	}

	sig, err := m.heaps.blob(refs.get(row, 2))
	if err != nil {
		return MethodRef{}, err
	}

	if len(sig) == 0 {
		return MethodRef{}, errors.Errorf("MemberRef row %d has no signature", row)
	}

	declaring, err := m.memberRefParent(refs.get(row, 0))
	if err != nil {
		return MethodRef{}, err
	}

	return MethodRef{
		DeclaringType:     declaring,
		Name:              m.heaps.string(refs.get(row, 1)),
		CallingConvention: CallingConvention(sig[0] & sigConvMask),
		HasThis:           sig[0]&sigHasThis != 0,
	}, nil
}

func (m *Module) memberRefParent(v uint32) (TypeDescriptor, error) {
	table, row, ok := memberRefParent.decode(v)
	if !ok {
		return TypeDescriptor{}, errors.Errorf("bad MemberRefParent 0x%x", v)
	}

	switch table {
	case tableTypeDef, tableTypeRef, tableTypeSpec:
		sig, err := m.typeSigFor(table, row, 0)
		if err != nil {
			return TypeDescriptor{}, err
		}

		return descriptorOf(sig, m.scope), nil
	case tableModuleRef:
		name := m.heaps.string(m.tables.table(tableModuleRef).get(row, 0))

		return TypeDescriptor{Name: moduleTypeName, Scope: Scope{Name: name, Kind: ScopeModule}}, nil
	case tableMethodDef:
		def, err := m.methodDef(row)
		if err != nil {
			return TypeDescriptor{}, err
		}

		return def.DeclaringType, nil
	default:
		return TypeDescriptor{}, errors.Errorf("unexpected MemberRef parent table 0x%02x", uint8(table))
	}
}

func (m *Module) methodSpec(row uint32) (MethodRef, error) {
	specs := m.tables.table(tableMethodSpec)
	if row == 0 || row > specs.rows {
		return MethodRef{}, errors.Errorf("MethodSpec row %d out of range", row)
	}

	table, target, ok := methodDefOrRef.decode(specs.get(row, 0))
	if !ok {
		return MethodRef{}, errors.Errorf("bad MethodDefOrRef in MethodSpec row %d", row)
	}

	var (
		ref MethodRef
		err error
	)

	if table == tableMethodDef {
		ref, err = m.methodDefRef(target)
	} else {
		ref, err = m.memberRef(target)
	}

	if err != nil {
		return MethodRef{}, err
	}

	blob, err := m.heaps.blob(specs.get(row, 1))
	if err != nil {
		return MethodRef{}, err
	}

	r := &sigReader{m: m, data: blob}

	lead, err := r.readByte()
	if err != nil {
		return MethodRef{}, err
	}

	if lead != MethodSpecSignature {
		return MethodRef{}, errors.Errorf("MethodSpec row %d: bad instantiation lead byte 0x%02x", row, lead)
	}

	count, err := r.compressed()
	if err != nil {
		return MethodRef{}, err
	}

	ref.GenericArguments, err = r.typeList(0, count)
	if err != nil {
		return MethodRef{}, err
	}

	return ref, nil
}

// descriptorOf reduces a signature to a descriptor: named types as is,
// anything else named after its rendered signature.
func descriptorOf(sig *TypeSig, fallback Scope) TypeDescriptor {
	if sig.Kind == SigNamed {
		return sig.Type
	}

	scope := fallback
	if sig.Kind == SigGenericInst {
		scope = sig.Type.Scope
	}

	return TypeDescriptor{Name: sig.FullName(), Scope: scope}
}

// index builds the scope, type and method lookups once after loading.
func (m *Module) index() error {
	m.name = m.heaps.string(m.tables.table(tableModule).get(1, 1))

	if asm := m.tables.table(tableAssembly); asm.rows > 0 {
		key, err := m.heaps.blob(asm.get(1, 6))
		if err != nil {
			return errors.Annotate(err, "assembly public key")
		}

		m.scope = Scope{
			Name:           m.heaps.string(asm.get(1, 7)),
			Version:        version(asm, 1, 1),
			Culture:        m.heaps.string(asm.get(1, 8)),
			PublicKeyToken: publicKeyToken(key),
		}
	} else {
		m.scope = Scope{Name: m.name, Kind: ScopeModule}
	}

	refs := m.tables.table(tableAssemblyRef)
	m.assemblyRefs = make([]Scope, refs.rows)

	for row := uint32(1); row <= refs.rows; row++ {
		blob, err := m.heaps.blob(refs.get(row, 5))
		if err != nil {
			return errors.Annotatef(err, "AssemblyRef row %d", row)
		}

		token := hex.EncodeToString(blob)
		if refs.get(row, 4)&assemblyFlagPublicKey != 0 {
			token = publicKeyToken(blob)
		}

		m.assemblyRefs[row-1] = Scope{
			Name:           m.heaps.string(refs.get(row, 6)),
			Version:        version(refs, row, 0),
			Culture:        m.heaps.string(refs.get(row, 7)),
			PublicKeyToken: token,
		}
	}

	m.corlib = m.coreLibrary()

	if err := m.indexTypeDefs(); err != nil {
		return err
	}

	if err := m.indexTypeRefs(); err != nil {
		return err
	}

	m.indexMethods()

	return nil
}

func (m *Module) coreLibrary() Scope {
	for _, name := range coreLibraryNames {
		for _, ref := range m.assemblyRefs {
			if ref.Name == name {
				return ref
			}
		}
	}

	// a module without a core library reference is the core library
	return m.scope
}

func (m *Module) indexTypeDefs() error {
	defs := m.tables.table(tableTypeDef)
	m.typeDefs = make([]TypeDescriptor, defs.rows)

	for row := uint32(1); row <= defs.rows; row++ {
		m.typeDefs[row-1] = TypeDescriptor{
			Name:      m.heaps.string(defs.get(row, 1)),
			Namespace: m.heaps.string(defs.get(row, 2)),
			Scope:     m.scope,
		}
	}

	nested := m.tables.table(tableNestedClass)
	enclosing := make(map[uint32]uint32, nested.rows)

	for row := uint32(1); row <= nested.rows; row++ {
		enclosing[nested.get(row, 0)] = nested.get(row, 1)
	}

	resolved := make([]bool, defs.rows)

	var resolve func(row uint32, depth int) error

	resolve = func(row uint32, depth int) error {
		if resolved[row-1] {
			return nil
		}

		if depth > maxSigDepth {
			return errors.Errorf("nested type chain at TypeDef row %d too deep", row)
		}

		if outer, ok := enclosing[row]; ok {
			if outer == 0 || outer > defs.rows || outer == row {
				return errors.Errorf("TypeDef row %d has bad enclosing row %d", row, outer)
			}

			if err := resolve(outer, depth+1); err != nil {
				return err
			}

			m.typeDefs[row-1].Enclosing = m.typeDefs[outer-1].FullName()
		}

		resolved[row-1] = true

		return nil
	}

	for row := uint32(1); row <= defs.rows; row++ {
		if err := resolve(row, 0); err != nil {
			return err
		}
	}

	return nil
}

func (m *Module) indexTypeRefs() error {
	refs := m.tables.table(tableTypeRef)
	m.typeRefs = make([]TypeDescriptor, refs.rows)
	resolved := make([]bool, refs.rows)

	var resolve func(row uint32, depth int) error

	resolve = func(row uint32, depth int) error {
		if resolved[row-1] {
			return nil
		}

		if depth > maxSigDepth {
			return errors.Errorf("TypeRef chain at row %d too deep", row)
		}

		t := TypeDescriptor{
			Name:      m.heaps.string(refs.get(row, 1)),
			Namespace: m.heaps.string(refs.get(row, 2)),
			Scope:     m.scope,
		}

		table, target, ok := resolutionScope.decode(refs.get(row, 0))
		if ok && target != 0 {
			switch table {
			case tableModuleRef:
				name := m.heaps.string(m.tables.table(tableModuleRef).get(target, 0))
				t.Scope = Scope{Name: name, Kind: ScopeModule}
			case tableAssemblyRef:
				if int(target) > len(m.assemblyRefs) {
					return errors.Errorf("TypeRef row %d: AssemblyRef row %d out of range", row, target)
				}

				t.Scope = m.assemblyRefs[target-1]
			case tableTypeRef:
				if target > refs.rows || target == row {
					return errors.Errorf("TypeRef row %d: bad enclosing row %d", row, target)
				}

				if err := resolve(target, depth+1); err != nil {
					return err
				}

				outer := m.typeRefs[target-1]
				t.Enclosing = outer.FullName()
				t.Scope = outer.Scope
			}
		}

		m.typeRefs[row-1] = t
		resolved[row-1] = true

		return nil
	}

	for row := uint32(1); row <= refs.rows; row++ {
		if err := resolve(row, 0); err != nil {
			return err
		}
	}

	return nil
}

// indexMethods maps method rows to their owning types using the
// TypeDef.MethodList ranges.
func (m *Module) indexMethods() {
	defs := m.tables.table(tableTypeDef)
	methods := m.tables.table(tableMethodDef)
	m.methodOwner = make([]uint32, methods.rows)

	for row := uint32(1); row <= defs.rows; row++ {
		end := methods.rows + 1
		if row < defs.rows {
			end = min(defs.get(row+1, 5), end)
		}

		for method := max(defs.get(row, 5), 1); method < end; method++ {
			m.methodOwner[method-1] = row
		}
	}
}

// version formats four consecutive 2-byte columns starting at col.
func version(t *table, row uint32, col int) string {
	return fmt.Sprintf("%d.%d.%d.%d", t.get(row, col), t.get(row, col+1), t.get(row, col+2), t.get(row, col+3))
}

// publicKeyToken reduces a public key to its token: the last eight bytes
// of its SHA-1 hash in reverse order.
func publicKeyToken(key []byte) string {
	if len(key) == 0 {
		return ""
	}

	sum := sha1.Sum(key)

	token := make([]byte, 8)
	for i := range token {
		token[i] = sum[len(sum)-1-i]
	}

	return hex.EncodeToString(token)
}
