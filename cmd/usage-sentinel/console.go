package main

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/0xmhha/usage-sentinel/pkg/logger"
	"github.com/0xmhha/usage-sentinel/pkg/monitor"
)

// ANSI color codes, used only when stdout is a terminal.
const (
	colorReset  = "\033[0m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
)

// runConsoleFeed prints evaluation updates to stdout. Colors are
// enabled only for interactive terminals so piped output stays clean.
func runConsoleFeed(mon monitor.Monitor, log logger.Logger) {
	interactive := term.IsTerminal(int(os.Stdout.Fd()))

	for update := range mon.Updates() {
		line := fmt.Sprintf("[%s] session %s: %d tokens, %.0f/min avg, trend %s",
			update.Timestamp.Format("15:04:05"),
			update.SessionID,
			update.Usage.TotalTokens,
			update.Stats.Average,
			update.Trend)
		if interactive {
			line = colorCyan + line + colorReset
		}
		fmt.Println(line)

		for _, a := range update.Alerts {
			alertLine := fmt.Sprintf("  ALERT [%s/%s] %s", a.Type, a.Severity, a.Message)
			if interactive {
				color := colorYellow
				if a.Severity == "critical" {
					color = colorRed
				}
				alertLine = color + alertLine + colorReset
			}
			fmt.Println(alertLine)
		}
	}

	log.Debug("console feed ended")
}
