package code

import "strings"

// Flags is the bit set attached to every code.
type Flags uint32

const (
	// Asynchronous codes report their result through the channel output instead of a waiting caller.
	Asynchronous Flags = 1 << iota
	PreProcessed
	PostProcessed
	FromMacro
	NestedMacro
	FromConfig
	FromConfigOverride
	EnforceAbsolutePosition
	// Prioritized codes bypass the normal queue and may be moved to an idle channel.
	Prioritized
	// Unbuffered codes block later non-prioritized codes in the Start stage until they finish.
	Unbuffered
	FromJobFile
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{Asynchronous, "Asynchronous"},
	{PreProcessed, "PreProcessed"},
	{PostProcessed, "PostProcessed"},
	{FromMacro, "FromMacro"},
	{NestedMacro, "NestedMacro"},
	{FromConfig, "FromConfig"},
	{FromConfigOverride, "FromConfigOverride"},
	{EnforceAbsolutePosition, "EnforceAbsolutePosition"},
	{Prioritized, "Prioritized"},
	{Unbuffered, "Unbuffered"},
	{FromJobFile, "FromJobFile"},
}

// Has reports whether every bit of x is set.
func (f Flags) Has(x Flags) bool {
	return f&x == x
}

func (f Flags) String() string {
	if f == 0 {
		return "None"
	}
	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}
