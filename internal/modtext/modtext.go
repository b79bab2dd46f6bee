// Package modtext decodes the Latin-1 strings embedded in a module header
// (title, help, SWI names) into UTF-8.
// RISC OS-derived module headers store these strings in the 8-bit Latin-1
// charset the original toolchain assumed; this port decodes them properly
// rather than passing raw bytes through, using golang.org/x/text the way
// the rest of the pack's text-processing tooling does.
package modtext

import (
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// Decode converts a NUL-terminated Latin-1 byte string (as read directly
// out of a module image at a header-relative offset) into a UTF-8 Go
// string, stopping at the first NUL.
func Decode(raw []byte) (string, error) {
	if i := indexNUL(raw); i >= 0 {
		raw = raw[:i]
	}
	out, _, err := transform.Bytes(charmap.ISO8859_1.NewDecoder(), raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// SWINames splits a module's swi_names blob -- a sequence of NUL-terminated
// strings followed by an empty string, matching the reference's
// offset_to_swi_decoding_table convention -- into individual decoded names.
func SWINames(raw []byte) ([]string, error) {
	var names []string
	for len(raw) > 0 {
		i := indexNUL(raw)
		if i < 0 {
			i = len(raw)
		}
		if i == 0 {
			break
		}
		name, err := Decode(raw[:i])
		if err != nil {
			return nil, err
		}
		names = append(names, name)
		if i+1 > len(raw) {
			break
		}
		raw = raw[i+1:]
	}
	return names, nil
}

// Join renders decoded SWI names back into the "Module_Op1,Op2,Op3" style
// the reference's OS_SWINumberFromString lookup expects, for diagnostic
// logging (cmd/bootsim's bootlog lines).
func Join(moduleName string, names []string) string {
	return moduleName + "_" + strings.Join(names, ",")
}
