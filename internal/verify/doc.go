// Package verify checks that a type persisted by V2 of a service is still
// defined, under the same full name, by the modules of V1.
//
// The V1 module expected to define a type is found by file name: the
// declaring scope's primary identifier followed by one of the module
// extensions (Pkg.dll, Pkg.exe). Types of platform assemblies, recognized
// by their public key token, are exempt.
package verify
