package tui

// Key binding constants used in handleKey.
const (
	KeyQuit       = "q"
	KeyQuitUpper  = "Q"
	KeyCtrlC      = "ctrl+c"
	KeySpace      = " "
	KeyStop       = "s"
	KeyDiscard    = "d"
	KeyBackground = "ctrl+z"

	// Recovery prompt
	KeyRecoverResume   = "r"
	KeyRecoverFinalize = "f"
	KeyRecoverDiscard  = "d"
)
