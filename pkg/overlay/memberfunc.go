package overlay

// MemberFunctionPointer is the two-word pointer-to-member-function of the
// Itanium/ARM C++ ABI. Bit 0 of the second word selects between a direct
// code address and a virtual call through the object's vtable.
type MemberFunctionPointer struct {
	*Struct
}

func NewMemberFunctionPointer(name string) *MemberFunctionPointer {
	return &MemberFunctionPointer{Struct: NewStruct(name, 0x10,
		Field{Name: "word1", Offset: 0, Type: U64},
		Field{Name: "word2", Offset: 8, Type: U64},
	)}
}

var MemberFuncPtr = NewMemberFunctionPointer("pmf")

func (m *MemberFunctionPointer) Kind() Kind { return KindMemberFunc }

// Resolve returns the code address mfp designates when called on obj.
func (m *MemberFunctionPointer) Resolve(ctx *Context, mfp Ptr, obj uint64) (uint64, error) {
	data, err := ctx.read(mfp.Addr, 0x10)
	if err != nil {
		return 0, err
	}
	words, _ := m.DecodeFields(data)
	return ResolveMemberFunction(ctx, words["word1"].(uint64), words["word2"].(uint64), obj)
}

// ResolveMemberFunction applies the member function pointer (word1, word2)
// to the object at obj. With bit 0 of word2 clear, word1 is the target.
// Otherwise word2>>1 locates the vtable pointer inside obj and word1 is the
// byte offset of the entry within the vtable.
func ResolveMemberFunction(ctx *Context, word1, word2, obj uint64) (uint64, error) {
	if word2&1 == 0 {
		return word1, nil
	}
	vtable, err := ctx.readU64(obj + word2>>1)
	if err != nil {
		return 0, err
	}
	return ctx.readU64(vtable + word1)
}
