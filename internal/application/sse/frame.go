package sse

import (
	"fmt"
	"strings"
)

// FormatFrame renders one SSE text frame. The layout is a wire contract
// shared with deployed clients: an optional id line, an event line, one
// data line per line of the serialized payload, and a blank-line
// terminator.
func FormatFrame(id, event string, data []byte) string {
	var b strings.Builder

	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	fmt.Fprintf(&b, "event: %s\n", event)
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")

	return b.String()
}
