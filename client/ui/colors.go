package ui

import "github.com/fatih/color"

var (
	SectionHeaderColor = color.New(color.BgHiBlue, color.FgHiWhite, color.Bold)
	ValueColor         = color.New(color.FgHiCyan)
	MutedColor         = color.New(color.FgHiBlack)
)
