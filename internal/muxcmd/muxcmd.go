// Package muxcmd builds the exact tmux command text the synchronization
// engine sends, and parses the listing formats tmux replies with.
package muxcmd

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/arcmux/arcmux/internal/model"
)

// windowFormat is the tab-separated list-windows format the engine relies
// on: index, id, name, active flag, pane count.
const windowFormat = `#{window_index}\t#{window_id}\t#{window_name}\t#{?window_active,1,0}\t#{window_panes}`

// Quote single-quotes a value for inclusion in tmux command text. Values
// made solely of [A-Za-z0-9_@:-] pass through unquoted; embedded single
// quotes use the '"'"' dance.
func Quote(value string) string {
	if value != "" && isSafe(value) {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

func isSafe(value string) bool {
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '@' || c == ':' || c == '-':
		default:
			return false
		}
	}
	return true
}

// Target resolves the tmux -t argument for one window: the trimmed window
// id when present, else session:index.
func Target(session string, index int, id string) string {
	if trimmed := strings.TrimSpace(id); trimmed != "" {
		return trimmed
	}
	return fmt.Sprintf("%s:%d", session, index)
}

// ListWindows builds the list-windows command for a session.
func ListWindows(session string) string {
	return fmt.Sprintf(`list-windows -t %s -F "%s"`, Quote(session), windowFormat)
}

// CapturePane builds the capture-pane command for a target.
func CapturePane(target string, lines int) string {
	return fmt.Sprintf("capture-pane -p -t %s -S -%d -J", Quote(target), lines)
}

// SendKeys builds the send-keys command sequence: one literal send, plus an
// Enter keypress when requested.
func SendKeys(target, keys string, withEnter bool) []string {
	cmds := []string{fmt.Sprintf("send-keys -t %s -l %s", Quote(target), Quote(keys))}
	if withEnter {
		cmds = append(cmds, fmt.Sprintf("send-keys -t %s Enter", Quote(target)))
	}
	return cmds
}

// ParseWindows decodes tab-separated list-windows output. Malformed lines
// are skipped rather than failing the whole listing.
func ParseWindows(output string) []model.Window {
	s := bufio.NewScanner(strings.NewReader(output))
	windows := make([]model.Window, 0)
	for s.Scan() {
		line := strings.TrimRight(s.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := splitFields(line, 5)
		if len(parts) != 5 {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		panes, err := strconv.Atoi(strings.TrimSpace(parts[4]))
		if err != nil || panes < 1 {
			panes = 1
		}
		windows = append(windows, model.Window{
			Index:  index,
			ID:     strings.TrimSpace(parts[1]),
			Name:   parts[2],
			Active: strings.TrimSpace(parts[3]) == "1",
			Panes:  panes,
		})
	}
	return windows
}

// splitFields splits a formatted listing line. Depending on how the format
// string reached tmux, the delimiter arrives as a real tab or as the
// escaped two-character sequence; accept both.
func splitFields(line string, maxParts int) []string {
	if strings.Contains(line, "\t") {
		return strings.SplitN(line, "\t", maxParts)
	}
	return strings.SplitN(line, `\t`, maxParts)
}

// ParseSessions decodes list-sessions output in the
// name|windows|attached01 format.
func ParseSessions(output string) []model.Session {
	s := bufio.NewScanner(strings.NewReader(output))
	sessions := make([]model.Session, 0)
	for s.Scan() {
		line := strings.TrimRight(s.Text(), "\r\n")
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		windows, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			windows = 0
		}
		sessions = append(sessions, model.Session{
			Name:     parts[0],
			Windows:  windows,
			Attached: strings.TrimSpace(parts[2]) == "1",
		})
	}
	return sessions
}

// IsPlaceholderName reports whether tmux gave a window a throwaway name:
// empty, or the bare window index.
func IsPlaceholderName(name string, index int) bool {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return true
	}
	n, err := strconv.Atoi(trimmed)
	return err == nil && n == index
}
