package desc

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

const (
	// strings longer than this force arrays and structs onto multiple lines
	maxShortStringLen = 7
	// one indentation level when printing on multiple lines
	indentString = "\t"
)

type prettyFlags uint8

const (
	prettyTop prettyFlags = 1 << iota
	prettyNewlines
	prettyIncludeType
)

func (flags prettyFlags) top() bool         { return flags&prettyTop != 0 }
func (flags prettyFlags) includeType() bool { return flags&prettyIncludeType != 0 }
func (flags prettyFlags) newlines() bool    { return flags&prettyNewlines != 0 }

func (flags prettyFlags) set(flag prettyFlags, v bool) prettyFlags {
	if v {
		return flags | flag
	}
	return flags &^ flag
}

// Kind classifies a rendered guest value.
type Kind uint8

const (
	Invalid Kind = iota
	Uint
	Int
	Float
	Pointer
	Struct
	Array
	List
	String
	Func
)

var kindNames = [...]string{"invalid", "uint", "int", "float", "pointer", "struct", "array", "list", "string", "func"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Variable is a rendered snapshot of a typed guest value.
type Variable struct {
	// Name of the value, field name for struct members
	Name string `json:"name"`
	Addr uint64 `json:"addr"`
	// Type as declared in the overlay (u32, Actor*, ...)
	Type string `json:"type"`
	Kind Kind   `json:"kind"`

	// Formatted scalar value; for String the decoded bytes; for Func the resolved target
	Value string `json:"value"`

	// Element count for arrays and lists, field count for structs
	Len int64 `json:"len"`

	// Struct members, array and list elements, pointee of pointers
	Children []Variable `json:"children"`

	// Pointer target for Pointer and Func
	Base uint64 `json:"base"`

	// Set when the value could not be read
	Unreadable string `json:"unreadable"`
}

// SinglelineString returns a representation of v on a single line.
func (v *Variable) SinglelineString() string {
	var buf bytes.Buffer
	v.writeTo(&buf, prettyTop|prettyIncludeType, "", "")
	return buf.String()
}

// MultilineString returns a representation of v on multiple lines.
func (v *Variable) MultilineString(indent, fmtstr string) string {
	var buf bytes.Buffer
	v.writeTo(&buf, prettyTop|prettyNewlines|prettyIncludeType, indent, fmtstr)
	return buf.String()
}

func (v *Variable) writeTo(buf io.Writer, flags prettyFlags, indent, fmtstr string) {
	if v.Unreadable != "" {
		fmt.Fprintf(buf, "(unreadable %s)", v.Unreadable)
		return
	}

	switch v.Kind {
	case Pointer:
		switch {
		case v.Base == 0:
			fmt.Fprintf(buf, "(%s)(nil)", v.Type)
		case len(v.Children) == 0:
			fmt.Fprintf(buf, "(%s)(%#x)", v.Type, v.Base)
		default:
			if flags.top() && flags.newlines() {
				fmt.Fprintf(buf, "(%s)(%#x)\n%s", v.Type, v.Base, indent)
			}
			fmt.Fprint(buf, "*")
			v.Children[0].writeTo(buf, flags.set(prettyTop, false), indent, fmtstr)
		}
	case Struct:
		v.writeStructTo(buf, flags, indent, fmtstr)
	case Array, List:
		v.writeArrayTo(buf, flags, indent, fmtstr)
	case Func:
		if v.Base == 0 {
			fmt.Fprint(buf, "nil")
		} else {
			fmt.Fprintf(buf, "%s %#x", v.Type, v.Base)
		}
	default:
		v.writeBasicType(buf, fmtstr)
	}
}

func (v *Variable) writeArrayTo(buf io.Writer, flags prettyFlags, indent, fmtstr string) {
	if flags.includeType() {
		if v.Kind == List {
			fmt.Fprintf(buf, "%s len: %d, ", v.Type, v.Len)
		} else {
			fmt.Fprintf(buf, "%s ", v.Type)
		}
	}

	nl := v.shouldNewline(flags.newlines())
	fmt.Fprint(buf, "[")

	for i := range v.Children {
		if nl {
			fmt.Fprintf(buf, "\n%s%s", indent, indentString)
		}
		v.Children[i].writeTo(buf, prettyFlags(0).set(prettyNewlines, nl), indent+indentString, fmtstr)
		if i != len(v.Children)-1 || nl {
			fmt.Fprint(buf, ",")
		}
	}

	if len(v.Children) != int(v.Len) {
		if len(v.Children) != 0 {
			if nl {
				fmt.Fprintf(buf, "\n%s%s", indent, indentString)
			} else {
				fmt.Fprint(buf, ",")
			}
			fmt.Fprintf(buf, "...+%d more", int(v.Len)-len(v.Children))
		} else {
			fmt.Fprint(buf, "...")
		}
	}

	if nl {
		fmt.Fprintf(buf, "\n%s", indent)
	}
	fmt.Fprint(buf, "]")
}

func (v *Variable) recursiveKind() (Kind, bool) {
	hasptr := false
	for v.Kind == Pointer {
		hasptr = true
		if len(v.Children) == 0 {
			return Pointer, hasptr
		}
		v = &v.Children[0]
	}
	return v.Kind, hasptr
}

func (v *Variable) shouldNewline(newlines bool) bool {
	if !newlines || len(v.Children) == 0 {
		return false
	}

	for i := range v.Children {
		kind, hasptr := v.Children[i].recursiveKind()
		switch kind {
		case Struct, Array, List:
			return true
		case String:
			if hasptr || len(v.Children[i].Value) > maxShortStringLen {
				return true
			}
		}
		if v.Kind != Struct {
			// arrays are homogeneous, the first element decides
			return false
		}
	}
	return false
}

func (v *Variable) writeStructTo(buf io.Writer, flags prettyFlags, indent, fmtstr string) {
	if len(v.Children) == 0 && v.Len != 0 {
		fmt.Fprintf(buf, "(*%s)(%#x)", v.Type, v.Addr)
		return
	}

	if flags.includeType() {
		fmt.Fprintf(buf, "%s ", v.Type)
	}

	nl := v.shouldNewline(flags.newlines())
	fmt.Fprint(buf, "{")

	for i := range v.Children {
		if nl {
			fmt.Fprintf(buf, "\n%s%s", indent, indentString)
		}
		fmt.Fprintf(buf, "%s: ", v.Children[i].Name)
		v.Children[i].writeTo(buf, prettyIncludeType.set(prettyNewlines, nl), indent+indentString, fmtstr)
		if i != len(v.Children)-1 || nl {
			fmt.Fprint(buf, ",")
			if !nl {
				fmt.Fprint(buf, " ")
			}
		}
	}

	if nl {
		fmt.Fprintf(buf, "\n%s", indent)
	}
	fmt.Fprint(buf, "}")
}

func (v *Variable) writeBasicType(buf io.Writer, fmtstr string) {
	if v.Value == "" && v.Kind != String {
		fmt.Fprintf(buf, "(unknown %s)", v.Kind)
		return
	}

	switch v.Kind {
	case Int:
		if fmtstr == "" {
			io.WriteString(buf, v.Value)
			return
		}
		n, _ := strconv.ParseInt(v.Value, 0, 64)
		fmt.Fprintf(buf, fmtstr, n)
	case Uint:
		if fmtstr == "" {
			io.WriteString(buf, v.Value)
			return
		}
		n, _ := strconv.ParseUint(v.Value, 0, 64)
		fmt.Fprintf(buf, fmtstr, n)
	case Float:
		if fmtstr == "" {
			io.WriteString(buf, v.Value)
			return
		}
		x, _ := strconv.ParseFloat(v.Value, 64)
		fmt.Fprintf(buf, fmtstr, x)
	case String:
		if v.Base == 0 {
			fmt.Fprint(buf, "nil")
			return
		}
		if fmtstr == "" {
			fmt.Fprintf(buf, "%q", v.Value)
			return
		}
		fmt.Fprintf(buf, fmtstr, v.Value)
	default:
		io.WriteString(buf, v.Value)
	}
}
