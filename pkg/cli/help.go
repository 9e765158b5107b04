package cli

import (
	"context"
	"errors"
	"strings"

	"github.com/oltcli/oltcli/pkg/transport"
)

// IsHelpQuery 以 "?" 结尾的输入走帮助查询
func IsHelpQuery(line string) bool {
	return strings.HasSuffix(strings.TrimRight(line, " \t"), "?")
}

// Help 帮助查询：不带换行发送，收集列表后用清行键清掉设备回填的半行输入，
// 清行无效时再发中断键，直到提示符恢复。
func (m *Machine) Help(ctx context.Context, line string) (string, error) {
	if err := m.closedErr("help", line); err != nil {
		return "", err
	}
	m.compact()
	m.state = StateExecuting
	start := m.buf.Len()
	if err := m.ch.SendRaw([]byte(line)); err != nil {
		return "", m.fail(KindConnectionClosed, "help", line, "", err)
	}

	// 列表可能分页；HelpWait 内没有更多分页即视为收集完成
	scan := start
	pages := 0
	for {
		res, err := m.await(ctx, m.opts.HelpWait, scan, 0, EventPagination)
		if errors.Is(err, transport.ErrClosed) {
			out := m.buf.Since(start)
			return out, m.fail(KindConnectionClosed, "help", line, out, err)
		}
		if err != nil || res.event != EventPagination || pages >= m.opts.MaxPages {
			break
		}
		pages++
		m.state = StatePaginating
		if err := m.ch.SendRaw([]byte(m.opts.MoreKey)); err != nil {
			return "", m.fail(KindConnectionClosed, "help", line, "", err)
		}
		scan = m.buf.Len()
	}
	out := m.helpListing(m.buf.Since(start), line)

	// 从查询起点判断尾部：设备可能用退格擦除半行，也可能换行重绘提示符
	for _, key := range []byte{m.opts.LineClear, m.opts.Interrupt} {
		if err := m.ch.SendRaw([]byte{key}); err != nil {
			return out, m.fail(KindConnectionClosed, "help", line, out, err)
		}
		res, err := m.await(ctx, m.opts.RawWait, start, 0, EventReadyUnprivileged, EventReadyPrivileged)
		if err == nil {
			m.observe(res.event)
			m.state = StateReady
			return out, nil
		}
		if errors.Is(err, transport.ErrClosed) {
			return out, m.fail(KindConnectionClosed, "help", line, out, err)
		}
	}
	return out, m.fail(KindCommandTimeout, "help", line, out, errWaitTimeout)
}

// helpListing 去掉回显的查询与设备重绘的提示符半行
func (m *Machine) helpListing(raw, line string) string {
	lines := strings.Split(m.cls.StripPagination(raw), "\n")
	query := strings.TrimSpace(line)
	partial := strings.TrimSpace(strings.TrimSuffix(query, "?"))

	if len(lines) > 0 && strings.HasSuffix(strings.TrimSpace(lines[0]), query) {
		lines = lines[1:]
	}
	if n := len(lines); n > 0 {
		last := strings.TrimSpace(lines[n-1])
		switch {
		case last == "":
			lines = lines[:n-1]
		case partial != "" && strings.HasSuffix(last, partial):
			lines = lines[:n-1]
		case m.cls.Classify(lines[n-1]).Ready():
			lines = lines[:n-1]
		}
	}
	return trimBlankLines(strings.Join(lines, "\n"))
}
