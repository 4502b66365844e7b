package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	cyan  = "\033[36m"
	dim   = "\033[2m"
)

// Logo lines — Hi-Boss ASCII art.
var logoLines = [6]string{
	`  _   _ _        ____                 `,
	` | | | (_)      | __ )  ___  ___ ___  `,
	` | |_| | |______|  _ \ / _ \/ __/ __| `,
	` |  _  | |______| |_) | (_) \__ \__ \ `,
	` |_| |_|_|      |____/ \___/|___/___/ `,
	`                                       `,
}

// PrintBanner prints the Hi-Boss ASCII art logo, then version and data
// directory below it. Colors are used only when stderr is a TTY.
func PrintBanner(ver, dataDir string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	for _, line := range logoLines {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, line, reset)
		} else {
			fmt.Fprintln(os.Stderr, line)
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %sdata-dir%s %s\n\n",
			dim, reset, ver, dim, reset, dataDir)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   data-dir %s\n\n", ver, dataDir)
	}
}
