package banner

import (
	"fmt"
	"io"
	"strings"
)

const logo = `
==========================================
 _ ____ ___ ____
(_) ___|_ _|  _ \
| \___ \| || |_) |
| |___) | ||  __/
|_|____/___|_|
------------------------------------------`

const footer = `==========================================`

// ConfigLine represents a single configuration line to display
type ConfigLine struct {
	Label string
	Value string
}

// Print writes the startup banner with the service name and aligned configuration lines.
func Print(w io.Writer, serviceName string, config []ConfigLine) {
	fmt.Fprintln(w, logo)
	fmt.Fprintf(w, "%s\n", serviceName)

	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}
	for _, c := range config {
		value := c.Value
		if value == "" {
			value = "-"
		}
		fmt.Fprintf(w, "  %s%s : %s\n", c.Label, strings.Repeat(" ", maxLen-len(c.Label)), value)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Ready.")
	fmt.Fprintln(w, footer)
	fmt.Fprintln(w)
}
