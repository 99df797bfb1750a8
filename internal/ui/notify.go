package ui

import (
	"os/exec"
	"runtime"
)

// Notify sends an OS-level notification when a long index finishes. Fails
// silently if unavailable.
func Notify(title, message string) {
	switch runtime.GOOS {
	case "darwin":
		script := `display notification "` + escapeAppleScript(message) + `" with title "` + escapeAppleScript(title) + `"`
		_ = exec.Command("osascript", "-e", script).Run()
	case "linux":
		if path, err := exec.LookPath("notify-send"); err == nil {
			_ = exec.Command(path, title, message).Run()
		}
	}
}

func escapeAppleScript(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
