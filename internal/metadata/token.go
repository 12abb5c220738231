package metadata

import "fmt"

// Token is a metadata token: table number in the high byte, 1-based row in the rest.
type Token uint32

// Token table kinds.
const (
	TokenModule        Token = 0x00000000
	TokenTypeRef       Token = 0x01000000
	TokenTypeDef       Token = 0x02000000
	TokenMethodDef     Token = 0x06000000
	TokenMemberRef     Token = 0x0a000000
	TokenStandAloneSig Token = 0x11000000
	TokenModuleRef     Token = 0x1a000000
	TokenTypeSpec      Token = 0x1b000000
	TokenAssemblyRef   Token = 0x23000000
	TokenMethodSpec    Token = 0x2b000000
)

// NewToken builds a token for the given table kind and row.
func NewToken(kind Token, row uint32) Token {
	return kind.Kind() | Token(row&0x00ffffff)
}

// Kind returns the table part of the token.
func (t Token) Kind() Token {
	return t & 0xff000000
}

// Row returns the 1-based row index.
func (t Token) Row() uint32 {
	return uint32(t & 0x00ffffff)
}

func (t Token) String() string {
	return fmt.Sprintf("0x%08x", uint32(t))
}
