package handler

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/oltcli/oltcli/pkg/cli"
	"github.com/oltcli/oltcli/pkg/logger"
)

// 每个连接每秒允许的输入行数
const (
	wsLineRate  = 20
	wsLineBurst = 40
)

// wsFrame 浏览器终端消息
type wsFrame struct {
	Type    string `json:"type"`
	Line    string `json:"line,omitempty"`
	Timeout int    `json:"timeout_seconds,omitempty"`
	Output  string `json:"output,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// upgradeWriter 握手专用，不暴露 gin 的 WriteHeaderNow。
// 101 状态直接交给底层连接，Hijack 时由 net/http 刷出；Hijack 仍经 gin，gin 据此认为响应已写出
type upgradeWriter struct {
	gw  gin.ResponseWriter
	raw http.ResponseWriter
}

func newUpgradeWriter(gw gin.ResponseWriter) *upgradeWriter {
	w := &upgradeWriter{gw: gw, raw: gw}
	if u, ok := gw.(interface{ Unwrap() http.ResponseWriter }); ok {
		w.raw = u.Unwrap()
	}
	return w
}

func (w *upgradeWriter) Header() http.Header { return w.gw.Header() }

func (w *upgradeWriter) Write(b []byte) (int, error) { return w.gw.Write(b) }

func (w *upgradeWriter) WriteHeader(code int) {
	if code == http.StatusSwitchingProtocols {
		w.raw.WriteHeader(code)
		return
	}
	w.gw.WriteHeader(code)
}

func (w *upgradeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.gw.Hijack()
}

// Attach 把浏览器终端接到已有会话上。
// 客户端发送 {"type":"line","line":"..."}，服务端逐条回复 output 或 error 帧；
// 断开 websocket 不关闭会话。
// @Router /api/v1/sessions/{id}/ws [get]
func (h *TerminalHandler) Attach(c *gin.Context) {
	id := c.Param("id")
	info, err := h.terminalService.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := websocket.Accept(newUpgradeWriter(c.Writer), c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.WithField("session_id", id).Warnf("websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(64 * 1024)

	ctx := c.Request.Context()
	log := logger.Session(id, info.Target, info.Principal)
	log.Info("terminal attached")
	defer log.Info("terminal detached")

	if err := wsjson.Write(ctx, conn, wsFrame{Type: "session_info", Message: info.State}); err != nil {
		return
	}

	limiter := rate.NewLimiter(rate.Limit(wsLineRate), wsLineBurst)
	for {
		var in wsFrame
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Debugf("websocket read: %v", err)
			}
			return
		}
		if in.Type != "" && in.Type != "line" {
			continue
		}
		if !limiter.Allow() {
			_ = wsjson.Write(ctx, conn, wsFrame{Type: "error", Code: "RATE_LIMITED", Message: "输入过快"})
			continue
		}

		out, err := h.terminalService.SendLine(ctx, id, in.Line, seconds(in.Timeout))
		if err != nil {
			frame := wsFrame{Type: "error", Code: codeOf(err), Message: err.Error(), Output: cli.OutputOf(err)}
			if werr := wsjson.Write(ctx, conn, frame); werr != nil {
				return
			}
			switch cli.KindOf(err) {
			case cli.KindSessionNotFound:
				conn.Close(4404, "session not found")
				return
			case cli.KindConnectionClosed:
				conn.Close(4502, "connection closed by device")
				return
			}
			continue
		}
		if err := wsjson.Write(ctx, conn, wsFrame{Type: "output", Output: out}); err != nil {
			return
		}
	}
}
