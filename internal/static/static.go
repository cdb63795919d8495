package static

import (
	"bytes"
	_ "embed"
)

// Runtime is the in-page script that routes outbound calls to local copies.
//
//go:embed runtime.js
var Runtime []byte

// Script returns Runtime preceded by its configuration. config must be a
// JSON document.
func Script(config []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(config) + len(Runtime) + 32)
	b.WriteString("self.__REPLAY__ = ")
	if len(bytes.TrimSpace(config)) == 0 {
		b.WriteString("{}")
	} else {
		b.Write(config)
	}
	b.WriteString(";\n")
	b.Write(Runtime)
	return b.Bytes()
}
