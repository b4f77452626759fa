package stream

import "github.com/charmbracelet/x/ansi"

// StripANSI removes CSI/OSC/DCS escape sequences, leaving plain text for
// downstream parsers. Shared by the tracker and the plan exporter.
func StripANSI(data []byte) []byte {
	return []byte(ansi.Strip(string(data)))
}

// StripANSIString is the string convenience form of StripANSI.
func StripANSIString(s string) string {
	return ansi.Strip(s)
}
