package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputLines 命令输出的头部和尾部行
type OutputLines struct {
	HeadLines []string `json:"head_lines"`
	TailLines []string `json:"tail_lines"`
	Total     int      `json:"total"`
}

// ParseOutputLines 提取头部与尾部各 maxLines 行；空行保留以维持原格式
func ParseOutputLines(output string, maxLines int) OutputLines {
	if maxLines <= 0 {
		maxLines = 5
	}
	output = strings.TrimRight(output, "\n")
	if output == "" {
		return OutputLines{}
	}
	lines := strings.Split(output, "\n")
	total := len(lines)

	if total <= maxLines {
		return OutputLines{HeadLines: lines, Total: total}
	}
	head := append([]string(nil), lines[:maxLines]...)
	start := total - maxLines
	if start < maxLines {
		start = maxLines
	}
	tail := append([]string(nil), lines[start:]...)
	return OutputLines{HeadLines: head, TailLines: tail, Total: total}
}

// FormatOutputLines 日志用的单行格式
func FormatOutputLines(lines OutputLines) string {
	var parts []string
	if len(lines.HeadLines) > 0 {
		parts = append(parts, "head-lines: ["+strings.Join(lines.HeadLines, " ⟩ ")+"]")
	}
	if len(lines.TailLines) > 0 {
		parts = append(parts, "tail-lines: ["+strings.Join(lines.TailLines, " ⟩ ")+"]")
	}
	return strings.Join(parts, ", ")
}

// DebugCommandOutput 在 debug 级别记录命令输出的 head/tail 行
func DebugCommandOutput(entry *logrus.Entry, command string, output string, maxLines int) {
	if entry == nil {
		entry = logrus.NewEntry(GetLogger())
	}
	if !entry.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	lines := ParseOutputLines(output, maxLines)
	if lines.Total == 0 {
		return
	}
	entry.WithField("lines", lines.Total).
		Debugf("Command echo [%s]: %s", command, FormatOutputLines(lines))
}
