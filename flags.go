package dl

import (
	"fmt"
	"strings"
)

// Flag selects open behavior. Now is mandatory.
type Flag uint32

const (
	Local    Flag = 0x0000
	Lazy     Flag = 0x0001 // rejected
	Now      Flag = 0x0002
	NoLoad   Flag = 0x0004
	DeepBind Flag = 0x0008 // rejected
	Global   Flag = 0x0100
	NoDelete Flag = 0x1000 // rejected
)

var flagNames = []struct {
	f    Flag
	name string
}{
	{Lazy, "lazy"},
	{Now, "now"},
	{NoLoad, "noload"},
	{DeepBind, "deepbind"},
	{Global, "global"},
	{NoDelete, "nodelete"},
}

func (f Flag) String() string {
	if f == Local {
		return "local"
	}
	var parts []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
			f &^= n.f
		}
	}
	if f != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(f)))
	}
	return strings.Join(parts, "|")
}

func checkFlags(f Flag) error {
	if bad := f & (Lazy | DeepBind | NoDelete); bad != 0 {
		return fmt.Errorf("unsupported flags %s", bad)
	}
	if f&Now == 0 {
		return fmt.Errorf("flags %s lack now", f)
	}
	if unknown := f &^ (Now | NoLoad | Global); unknown != 0 {
		return fmt.Errorf("unknown flags %s", unknown)
	}
	return nil
}
