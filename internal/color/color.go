// Package color renders CLI status words.
package color

import (
	fatihcolor "github.com/fatih/color"
)

// Color names a terminal color.
type Color string

// Supported colors.
const (
	Red    Color = "red"
	Green  Color = "green"
	Yellow Color = "yellow"
	Blue   Color = "blue"
	Plain  Color = "plain"
)

// ColorizeText returns s wrapped in the escape codes for c.
func (c Color) ColorizeText(s string) string {
	switch c {
	case Red:
		return fatihcolor.RedString("%s", s)
	case Green:
		return fatihcolor.GreenString("%s", s)
	case Yellow:
		return fatihcolor.YellowString("%s", s)
	case Blue:
		return fatihcolor.BlueString("%s", s)
	default:
		return s
	}
}

// Outcome colors the result of a broadcast: failures red, duplicates
// yellow, everything else green.
func Outcome(errMsg string, duplicate bool) string {
	switch {
	case errMsg != "":
		return Red.ColorizeText("failed")
	case duplicate:
		return Yellow.ColorizeText("duplicate")
	default:
		return Green.ColorizeText("ok")
	}
}

// Bool renders v as a green yes or a red no.
func Bool(v bool) string {
	if v {
		return Green.ColorizeText("yes")
	}
	return Red.ColorizeText("no")
}
