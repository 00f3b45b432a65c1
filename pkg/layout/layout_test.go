package layout

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	e "guestscope/error"
	"guestscope/pkg/cache"
	"guestscope/pkg/overlay"
	"guestscope/pkg/proc"
)

const (
	mainID  = "0102030405060708090a0b0c0d0e0f1000000000000000000000000000000000"
	otherID = "a0a1a2a3a4a5a6a7a8a9aaabacadaeaf00000000000000000000000000000000"

	mainText = 0x8000000
	rtldText = 0x7000000
)

const testCatalog = `
` + mainID + `:
  version: "1.2.0"
  addrs:
    dot_note: 0x100
    main_actor: 0x2000
    cxa_guard_acquire: 0x3000
    cxa_guard_release: 0x3010
  types:
    Actor:
      size: 0x30
      fields:
        - {name: id, offset: 0, type: u32}
        - {name: next, offset: 8, type: "Actor*", deep: true}
        - {name: name, offset: 0x10, type: "cstr*"}
        - {name: pos, offset: 0x18, type: "f32[3]"}
        - {name: secret, offset: 0x24, type: u32, hidden: true}
    Player:
      size: 0x38
      base: Actor
      fields:
        - {name: hp, offset: 0x30, type: f32}
    World:
      size: 0x28
      fields:
        - {name: actors, offset: 0, type: "list<Actor, 0x28>"}
        - {name: scores, offset: 0x18, type: "vector<u16>"}
` + otherID + `:
  version: "1.1.0"
  addrs:
    dot_note: 0x200
`

func testGuest(t *testing.T, buildID []byte) *proc.Synthetic {
	t.Helper()
	mem := proc.NewSynthetic()

	img := make([]byte, 0x4000)
	binary.LittleEndian.PutUint32(img[4:], 8)
	copy(img[8:], "MOD0")
	binary.LittleEndian.PutUint32(img[20:], 0x4000-8)
	copy(img[0x110:], buildID)
	if err := mem.Map(mainText, img); err != nil {
		t.Fatal(err)
	}
	if err := mem.MapZero(rtldText, 0x1000); err != nil {
		t.Fatal(err)
	}
	mem.SetImages([]proc.ImageInfo{
		{Name: "rtld", TextStart: rtldText, ImageStart: rtldText, ImageSize: 0x1000},
		{Name: "main", TextStart: mainText},
	})
	return mem
}

func mainBuildID() []byte {
	id := make([]byte, 16)
	for i := range id {
		id[i] = byte(i + 1)
	}
	return id
}

func mustParse(t *testing.T) Catalog {
	t.Helper()
	cat, err := Parse([]byte(testCatalog))
	if err != nil {
		t.Fatal(err)
	}
	return cat
}

func TestParseCatalog(t *testing.T) {
	cat := mustParse(t)
	if diff := cmp.Diff([]uint64{0x100, 0x200}, cat.DotNotes()); diff != "" {
		t.Errorf("dot notes (-want +got):\n%s", diff)
	}
	if got := cat[mainID].Addrs["main_actor"]; got != 0x2000 {
		t.Errorf("main_actor = %#x", got)
	}
	if got := len(cat[mainID].Types["Actor"].Fields); got != 5 {
		t.Errorf("Actor has %d fields", got)
	}

	upper, err := Parse([]byte(strings.ToUpper(otherID) + ":\n  version: x\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := upper[otherID]; !ok {
		t.Errorf("upper-case key not normalized: %v", upper)
	}

	for _, bad := range []string{
		"abc:\n  version: x\n",
		strings.Repeat("zz", 32) + ":\n  version: x\n",
		mainID + ":\n",
		"[1, 2]",
	} {
		if _, err := Parse([]byte(bad)); err == nil {
			t.Errorf("Parse(%q) succeeded", bad)
		}
	}
}

func TestBuildIDKey(t *testing.T) {
	if got := BuildIDKey(mainBuildID()); got != mainID {
		t.Errorf("BuildIDKey = %s", got)
	}
}

func TestDetect(t *testing.T) {
	mem := testGuest(t, mainBuildID())
	m, err := Detect(cache.New(mem), mustParse(t))
	if err != nil {
		t.Fatal(err)
	}

	if m.Version() != "1.2.0" || m.BuildID != mainID {
		t.Errorf("detected %s %s", m.Version(), m.BuildID)
	}
	if m.Main == nil || m.Main.Name != "main" || m.Main.ImageSize != 0x4000 {
		t.Fatalf("main image = %v", m.Main)
	}
	if BuildIDKey(m.Main.BuildID[:]) != mainID {
		t.Errorf("main build id = %x", m.Main.BuildID)
	}

	addr, err := m.Addr("main_actor")
	if err != nil || addr != mainText+0x2000 {
		t.Errorf("main_actor = %#x, %v", addr, err)
	}
	if _, err := m.Addr("nope"); !errors.Is(err, e.ErrUnknownSymbol) {
		t.Errorf("unknown symbol err = %v", err)
	}

	if m.Slide(0) != 0 || m.Unslide(0) != 0 {
		t.Error("null must survive sliding")
	}
	if got := m.Unslide(mainText + 0x10); got != 0x10 {
		t.Errorf("Unslide = %#x", got)
	}
	if got := m.GSlide(GhidraBase + 0x2000); got != mainText+0x2000 {
		t.Errorf("GSlide = %#x", got)
	}
	if got := m.GUnslide(mainText + 0x2000); got != GhidraBase+0x2000 {
		t.Errorf("GUnslide = %#x", got)
	}

	ii, off := m.UnslideEx(rtldText + 0x24)
	if ii == nil || ii.Name != "rtld" || off != 0x24 {
		t.Errorf("UnslideEx(rtld) = %v, %#x", ii, off)
	}
	if ii, off := m.UnslideEx(0x42); ii != nil || off != 0x42 {
		t.Errorf("UnslideEx(outside) = %v, %#x", ii, off)
	}

	if diff := cmp.Diff([]string{"cxa_guard_acquire", "cxa_guard_release"}, m.Symbols("cxa")); diff != "" {
		t.Errorf("symbols (-want +got):\n%s", diff)
	}
	for addr, want := range map[uint64]string{
		mainText + 0x2000:  "main_actor",
		mainText + 0x2004:  "main_actor+0x4",
		mainText + 0x3014:  "cxa_guard_release+0x4",
		rtldText + 0x8:     "rtld+0x8",
		0x42:               "0x42",
	} {
		if got := m.Symbolize(addr); got != want {
			t.Errorf("Symbolize(%#x) = %q, want %q", addr, got, want)
		}
	}
}

func TestDetectUnknownBuild(t *testing.T) {
	mem := testGuest(t, []byte("not a known id!!"))
	_, err := Detect(mem, mustParse(t))
	if !errors.Is(err, e.ErrBuildIDMismatch) {
		t.Fatalf("err = %v, want ErrBuildIDMismatch", err)
	}
}

func TestDetectNeedsImages(t *testing.T) {
	_, err := Detect(struct{ proc.Memory }{proc.NewSynthetic()}, mustParse(t))
	if !errors.Is(err, e.ErrNotSupported) {
		t.Fatalf("err = %v", err)
	}
}

func TestDetached(t *testing.T) {
	m, err := Detached(mustParse(t), otherID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Version() != "1.1.0" {
		t.Errorf("version %s", m.Version())
	}
	if addr, _ := m.Lookup("dot_note"); addr != 0x200 {
		t.Errorf("dot_note = %#x", addr)
	}
	if _, err := Detached(mustParse(t), strings.Repeat("00", 32)); !errors.Is(err, e.ErrBuildIDMismatch) {
		t.Errorf("err = %v", err)
	}
}

func TestParseTypeExpressions(t *testing.T) {
	m, err := Detached(mustParse(t), mainID)
	if err != nil {
		t.Fatal(err)
	}
	r := m.Types()

	tests := []struct {
		expr string
		kind overlay.Kind
		name string
	}{
		{"u32", overlay.KindPrimitive, "u32"},
		{"u32*", overlay.KindPointer, "u32*"},
		{"Actor", overlay.KindStruct, "Actor"},
		{" Actor * * ", overlay.KindPointer, "Actor**"},
		{"Actor[2]", overlay.KindArray, "Actor[2]"},
		{"u8[0x10]", overlay.KindArray, "u8[16]"},
		{"void*", overlay.KindPointer, "void*"},
		{"pmf", overlay.KindMemberFunc, "pmf"},
		{"cstr", overlay.KindCString, "cstr"},
		{"vector<u16>", overlay.KindVector, ""},
		{"list<Actor>", overlay.KindList, "list<Actor>"},
		{"list<Player, 0x28>", overlay.KindList, "list<Player>"},
	}
	for _, tt := range tests {
		typ, err := r.Parse(tt.expr)
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.expr, err)
			continue
		}
		if typ.Kind() != tt.kind {
			t.Errorf("Parse(%q) kind = %v, want %v", tt.expr, typ.Kind(), tt.kind)
		}
		if tt.name != "" && typ.Name() != tt.name {
			t.Errorf("Parse(%q) name = %q, want %q", tt.expr, typ.Name(), tt.name)
		}
	}

	for _, bad := range []string{"", "void", "void[2]", "Nope", "u32[", "u32[x]", "u32 junk", "vector<u8", "list<>"} {
		if _, err := r.Parse(bad); err == nil {
			t.Errorf("Parse(%q) succeeded", bad)
		}
	}
	if _, err := r.Parse("Nope*"); !errors.Is(err, e.ErrUnknownType) {
		t.Errorf("Parse(Nope*) err = %v", err)
	}

	if diff := cmp.Diff([]string{"Actor", "Player", "World"}, r.Names("")); diff != "" {
		t.Errorf("names (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Player"}, r.Names("P")); diff != "" {
		t.Errorf("names with prefix (-want +got):\n%s", diff)
	}
}

func TestRegistryRejectsBadDeclarations(t *testing.T) {
	tests := map[string]map[string]TypeSpec{
		"cycle by value": {
			"A": {Size: 0x10, Fields: []FieldSpec{{Name: "b", Offset: 0, Type: "B"}}},
			"B": {Size: 0x10, Fields: []FieldSpec{{Name: "a", Offset: 0, Type: "A[1]"}}},
		},
		"offset outside": {
			"A": {Size: 0x10, Fields: []FieldSpec{{Name: "x", Offset: 0x10, Type: "u8"}}},
		},
		"overrun": {
			"A": {Size: 0x10, Fields: []FieldSpec{{Name: "x", Offset: 0xc, Type: "u64"}}},
		},
		"embedded overrun": {
			"A": {Size: 0x10, Fields: []FieldSpec{{Name: "b", Offset: 8, Type: "B"}}},
			"B": {Size: 0x10},
		},
		"unknown base": {
			"A": {Size: 0x10, Base: "Z"},
		},
		"smaller than base": {
			"A": {Size: 0x8, Base: "B"},
			"B": {Size: 0x10},
		},
		"unknown field type": {
			"A": {Size: 0x10, Fields: []FieldSpec{{Name: "x", Offset: 0, Type: "Z*"}}},
		},
		"duplicate field": {
			"A": {Size: 0x10, Fields: []FieldSpec{{Name: "x", Offset: 0, Type: "u8"}, {Name: "x", Offset: 1, Type: "u8"}}},
		},
		"reserved name": {
			"list": {Size: 0x10},
		},
		"bad name": {
			"a b": {Size: 0x10},
		},
	}
	for name, specs := range tests {
		if _, err := NewRegistry(specs); err == nil {
			t.Errorf("%s: NewRegistry succeeded", name)
		}
	}

	ok := map[string]TypeSpec{
		"Node": {Size: 0x10, Fields: []FieldSpec{{Name: "next", Offset: 0, Type: "Node*"}, {Name: "peer", Offset: 8, Type: "Peer*"}}},
		"Peer": {Size: 0x8, Fields: []FieldSpec{{Name: "node", Offset: 0, Type: "Node*"}}},
	}
	if _, err := NewRegistry(ok); err != nil {
		t.Errorf("pointer cycle rejected: %v", err)
	}
}

func TestCatalogTypesOverMemory(t *testing.T) {
	m, err := Detached(mustParse(t), mainID)
	if err != nil {
		t.Fatal(err)
	}
	mem := proc.NewSynthetic()
	if err := mem.MapZero(0x10000000, 0x1000); err != nil {
		t.Fatal(err)
	}
	const a, b, name = 0x10000000, 0x10000100, 0x10000200
	for addr, v := range map[uint64]uint64{a: 7, a + 8: b, a + 0x10: name, b: 9} {
		if err := proc.WriteUint64(mem, addr, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := proc.Write(mem, name, []byte("mario\x00")); err != nil {
		t.Fatal(err)
	}
	ctx := overlay.NewContext(cache.New(mem))

	player, err := m.Types().Parse("Player")
	if err != nil {
		t.Fatal(err)
	}
	p := overlay.At(player, a)
	id, err := p.GetField(ctx, "id")
	if err != nil || id != uint32(7) {
		t.Errorf("id = %v, %v", id, err)
	}
	next, err := p.MustField("next").Deref(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if next.Addr != b || next.TypeName() != "Actor" {
		t.Errorf("next = %v", next)
	}
	if id, _ := next.GetField(ctx, "id"); id != uint32(9) {
		t.Errorf("next.id = %v", id)
	}
	str, err := p.MustField("name").Deref(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s, err := str.Get(ctx); err != nil || string(s.([]byte)) != "mario" {
		t.Errorf("name = %v, %v", s, err)
	}
	if err := p.MustField("hp").Set(ctx, float32(3.5)); err != nil {
		t.Fatal(err)
	}
	if hp, _ := p.GetField(ctx, "hp"); hp != float32(3.5) {
		t.Errorf("hp = %v", hp)
	}
}
