// Package symbol turns raw (method, bytecode location) pairs into
// human-readable frames using the runtime's metadata.
package symbol

import (
	"fmt"
	"strings"

	"github.com/getsentry/astack/internal/vm"
)

const (
	// LineNative is the line value attached to native frames. The runtime
	// reports native methods with a negative bytecode location; the value
	// mirrors the one the runtime itself uses.
	LineNative = -3

	// LineUnknown marks a location that could not be mapped to a line.
	LineUnknown = -1
)

// Unknown is substituted for class and method names that fail to resolve.
const Unknown = "Unknown"

type (
	Resolver struct {
		insp vm.Introspector
	}

	// ResolvedFrame is the display form of one captured frame.
	ResolvedFrame struct {
		Class      string
		Method     string
		SourceFile string
		Line       int
	}
)

func NewResolver(insp vm.Introspector) *Resolver {
	return &Resolver{insp: insp}
}

// Line maps a bytecode location within a method to a source line. A
// negative location has no executable position and resolves to LineNative.
// A method without a usable line-number table resolves to LineUnknown.
func (r *Resolver) Line(m vm.MethodID, loc int64) int {
	if loc < 0 {
		return LineNative
	}

	table, err := r.insp.LineNumberTable(m)
	if err != nil || len(table) == 0 {
		return LineUnknown
	}

	if len(table) == 1 {
		return table[0].Line
	}

	last := table[0].Start
	for i := 1; i < len(table); i++ {
		if loc < table[i].Start && loc >= last {
			return table[i-1].Line
		}
		last = table[i].Start
	}
	if loc >= last {
		return table[len(table)-1].Line
	}
	return LineUnknown
}

// Frame resolves one raw frame. Metadata failures never propagate: a
// missing name degrades to "Unknown" and a missing source file is reported
// as the absence of one.
func (r *Resolver) Frame(raw vm.Frame) ResolvedFrame {
	rf := ResolvedFrame{
		Class:  Unknown,
		Method: Unknown,
		Line:   r.Line(raw.Method, raw.Location),
	}

	if name, err := r.insp.MethodName(raw.Method); err == nil {
		rf.Method = name
	}

	class, err := r.insp.MethodClass(raw.Method)
	if err != nil {
		return rf
	}
	if sig, err := r.insp.ClassSignature(class); err == nil {
		rf.Class = FixClassSignature(sig)
	}
	if file, err := r.insp.SourceFile(class); err == nil {
		rf.SourceFile = file
	}
	return rf
}

// Render writes the frame in thread-dump form:
//
//	at com.example.Main.run(Native Method)
//	at com.example.Main.run(Unknown Source)
//	at com.example.Main.run(Main.java)
//	at com.example.Main.run(Main.java:42)
func (rf ResolvedFrame) Render() string {
	switch {
	case rf.Line == LineNative:
		return fmt.Sprintf("\tat %s.%s(Native Method)", rf.Class, rf.Method)
	case rf.SourceFile == "":
		return fmt.Sprintf("\tat %s.%s(Unknown Source)", rf.Class, rf.Method)
	case rf.Line <= 0:
		return fmt.Sprintf("\tat %s.%s(%s)", rf.Class, rf.Method, rf.SourceFile)
	default:
		return fmt.Sprintf("\tat %s.%s(%s:%d)", rf.Class, rf.Method, rf.SourceFile, rf.Line)
	}
}

// FixClassSignature converts a runtime class signature like
// "Ljava/lang/String;" to its display form "java.lang.String". Names not
// wrapped in the L...; marker pair, or too short to carry one, are returned
// unchanged, which makes the conversion idempotent.
func FixClassSignature(s string) string {
	if len(s) <= 2 || s[0] != 'L' || s[len(s)-1] != ';' {
		return s
	}
	return strings.ReplaceAll(s[1:len(s)-1], "/", ".")
}
