// Package metadata reads ECMA-335 (CLI) metadata out of compiled .NET modules.
//
// It opens PE images with debug/pe, locates the CLI header and decodes the
// metadata tables, heaps, signatures and method bodies needed to inspect
// call sites and declared types.
//
// Key types:
//   - Module: an opened compiled module; Close releases the file handle
//   - TypeDescriptor: namespace + name + declaring scope of a type
//   - Scope: assembly identity (name, version, culture, public key token)
//   - TypeSig: a decoded type signature tree (generic instantiations, arrays, ...)
//   - MethodRef: a resolved call target with its generic arguments
package metadata
