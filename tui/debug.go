package tui

import (
	"fmt"
	"os"
	"sync"
)

// Debug output goes to stderr when DLCOPY_TUI_DEBUG=1, since stdout belongs
// to the progress view.
var (
	debugEnabled     bool
	debugEnabledOnce sync.Once
)

// IsDebugEnabled reports whether DLCOPY_TUI_DEBUG is set.
func IsDebugEnabled() bool {
	debugEnabledOnce.Do(func() {
		debugEnabled = os.Getenv("DLCOPY_TUI_DEBUG") == "1"
	})
	return debugEnabled
}

func debugLog(format string, args ...interface{}) {
	if IsDebugEnabled() {
		fmt.Fprintf(os.Stderr, "[tui] "+format+"\n", args...)
	}
}
