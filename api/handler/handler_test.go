package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/oltcli/oltcli/addone/profile/platforms/zte_c300"
	"github.com/oltcli/oltcli/api/router"
	"github.com/oltcli/oltcli/internal/config"
	"github.com/oltcli/oltcli/internal/crypto"
	"github.com/oltcli/oltcli/internal/database"
	"github.com/oltcli/oltcli/internal/model"
	"github.com/oltcli/oltcli/internal/service"
	"github.com/oltcli/oltcli/simulate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()

	dt := simulate.ZTEDeviceType()
	dt.Commands = map[string]string{"show clock": "10:00:00 UTC Tue Oct 14 2026"}
	dt.DeniedCommands = []string{`^debug `}
	sim, err := simulate.Start(&simulate.Config{
		Namespace:  map[string]simulate.NamespaceConfig{"lab": {Hostname: "LAB-C300", DeviceType: "zte"}},
		DeviceType: map[string]simulate.DeviceTypeConfig{"zte": dt},
		Users: map[string]simulate.UserConfig{
			"zte":   {Password: "zte", Level: 15},
			"alice": {Password: "pw1", Level: 15},
		},
	})
	require.NoError(t, err)
	t.Cleanup(sim.Stop)
	addr, _ := sim.Addr("lab")
	_, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	cfg := config.Default()
	cfg.CLI.Transport = "tcp"
	cfg.CLI.CommandTimeout = 3 * time.Second
	cfg.CLI.LoginTimeout = 3 * time.Second
	cfg.CLI.EnableTimeout = 3 * time.Second
	cfg.CLI.DeniedGrace = 200 * time.Millisecond
	cfg.CLI.LogoutWait = 200 * time.Millisecond
	cfg.Database.SQLite = config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "olt.db"), LogLevel: "silent"}
	cfg.Storage.Local.BaseDir = t.TempDir()

	db, err := database.Open(cfg.Database.SQLite)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	box, err := crypto.New(key)
	require.NoError(t, err)
	dir := service.NewDirectory(db, box, cfg.Policy())
	ctx := context.Background()
	_, err = dir.UpsertDevice(ctx, model.Device{Name: "olt-lab", IP: "127.0.0.1", Port: port, Transport: "tcp"})
	require.NoError(t, err)
	_, err = dir.UpsertPrincipal(ctx, service.PrincipalInput{Username: "alice", Role: "OLT_ADMIN", Secret: "pw1"})
	require.NoError(t, err)

	engine, err := service.NewEngine(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	return router.SetupRouter(router.Services{
		Terminal: service.NewTerminalService(engine, dir, dir, dir),
		Provision: service.NewProvisionService(engine, service.ProvisionDeps{
			Targets:    dir,
			Principals: dir,
			Secrets:    dir,
			Devices:    dir,
			Store:      service.NewReportStore(cfg.Storage),
			DB:         db,
			Admin:      &config.AdminCredentials{User: "zte", Password: "zte", TelnetTimeout: 3},
		}),
		Directory: dir,
		Simulator: sim,
	})
}

type apiResponse struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Output  string          `json:"output"`
	Data    json.RawMessage `json:"data"`
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}) (int, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func TestSessionEndpoints(t *testing.T) {
	r := newTestRouter(t)

	code, resp := doJSON(t, r, http.MethodPost, "/api/v1/sessions", gin.H{"target": "olt-lab", "principal": "alice"})
	require.Equal(t, http.StatusOK, code, resp.Message)
	var created struct {
		ID    string `json:"session_id"`
		Level int    `json:"level"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	assert.Equal(t, 15, created.Level)

	code, resp = doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+created.ID+"/send", gin.H{"line": "show clock"})
	require.Equal(t, http.StatusOK, code)
	var sent struct {
		Output string `json:"output"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &sent))
	assert.Equal(t, "10:00:00 UTC Tue Oct 14 2026", sent.Output)

	code, resp = doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+created.ID+"/send", gin.H{"line": "debug all"})
	assert.Equal(t, http.StatusForbidden, code, "设备拒绝映射为 403")
	assert.Equal(t, "CommandDenied", resp.Code)
	assert.Contains(t, resp.Output, "%Error 20203")

	code, _ = doJSON(t, r, http.MethodDelete, "/api/v1/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, code)
	code, resp = doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+created.ID+"/send", gin.H{"line": "show clock"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "SessionNotFound", resp.Code)
}

func TestCreateSessionErrors(t *testing.T) {
	r := newTestRouter(t)

	code, resp := doJSON(t, r, http.MethodPost, "/api/v1/sessions", gin.H{"target": "olt-lab"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_PARAMS", resp.Code, "缺少 principal")

	code, resp = doJSON(t, r, http.MethodPost, "/api/v1/sessions", gin.H{"target": "olt-nowhere", "principal": "alice"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ConfigurationError", resp.Code)

	code, resp = doJSON(t, r, http.MethodPost, "/api/v1/sessions", gin.H{"target": "olt-lab", "principal": "alice", "secret": "bad"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "LoginDenied", resp.Code)
}

func TestBatchEndpoints(t *testing.T) {
	r := newTestRouter(t)

	code, resp := doJSON(t, r, http.MethodPost, "/api/v1/batch/run", gin.H{"target": "olt-lab", "commands": []string{"show clock"}, "dry_run": true})
	require.Equal(t, http.StatusOK, code)
	var res struct {
		JobID string `json:"job_id"`
		Text  string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	assert.Equal(t, "DRY-RUN (no changes)\nshow clock", res.Text)

	code, _ = doJSON(t, r, http.MethodGet, "/api/v1/batch/jobs/"+res.JobID, nil)
	assert.Equal(t, http.StatusOK, code)
	code, resp = doJSON(t, r, http.MethodGet, "/api/v1/batch/jobs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "JOB_NOT_FOUND", resp.Code)

	code, resp = doJSON(t, r, http.MethodPost, "/api/v1/batch/run", gin.H{"target": "olt-lab"})
	assert.Equal(t, http.StatusBadRequest, code, "命令为空")

	code, resp = doJSON(t, r, http.MethodPost, "/api/v1/batch/deprovision", gin.H{"target": "olt-lab", "username": "zte"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ConfigurationError", resp.Code)

	code, resp = doJSON(t, r, http.MethodPost, "/api/v1/batch/provision", gin.H{"target": "olt-lab", "username": "carol", "role": "OLT_VIEW"})
	require.Equal(t, http.StatusOK, code, resp.Message)
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	assert.Contains(t, res.Text, "$ bind authorization-template 126")
}

func TestDirectoryEndpoints(t *testing.T) {
	r := newTestRouter(t)

	code, _ := doJSON(t, r, http.MethodPost, "/api/v1/devices", gin.H{"name": "olt-b", "ip": "10.9.9.9", "port": 2323})
	assert.Equal(t, http.StatusOK, code)
	code, resp := doJSON(t, r, http.MethodGet, "/api/v1/devices/olt-b/resolve", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), `"address":"10.9.9.9:2323"`)

	code, _ = doJSON(t, r, http.MethodPost, "/api/v1/principals", gin.H{"username": "dave", "role": "OLT_VIEW", "secret": "s3cret"})
	assert.Equal(t, http.StatusOK, code)
	code, resp = doJSON(t, r, http.MethodGet, "/api/v1/principals", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), `"username":"dave"`)
	assert.NotContains(t, string(resp.Data), "s3cret", "不返回密码")

	code, _ = doJSON(t, r, http.MethodDelete, "/api/v1/devices/olt-b", nil)
	assert.Equal(t, http.StatusOK, code)
	code, resp = doJSON(t, r, http.MethodDelete, "/api/v1/devices/olt-b", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "DEVICE_NOT_FOUND", resp.Code)

	code, resp = doJSON(t, r, http.MethodGet, "/api/v1/nothing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", resp.Code)
}

func TestSimulateEndpoints(t *testing.T) {
	r := newTestRouter(t)
	code, resp := doJSON(t, r, http.MethodGet, "/api/v1/simulate/namespaces", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), `"name":"lab"`)

	code, resp = doJSON(t, r, http.MethodGet, "/api/v1/simulate/namespaces/none/history", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NAMESPACE_NOT_FOUND", resp.Code)
}

func TestTerminalWebsocket(t *testing.T) {
	r := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	code, resp := doJSON(t, r, http.MethodPost, "/api/v1/sessions", gin.H{"target": "olt-lab", "principal": "alice"})
	require.Equal(t, http.StatusOK, code, resp.Message)
	var created struct {
		ID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &created))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + created.ID + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var frame map[string]string
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, "session_info", frame["type"])

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "line", "line": "show clock"}))
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, "output", frame["type"])
	assert.Equal(t, "10:00:00 UTC Tue Oct 14 2026", frame["output"])

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "line", "line": "debug all"}))
	frame = map[string]string{}
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "CommandDenied", frame["code"])
	conn.Close(websocket.StatusNormalClosure, "")

	code, _ = doJSON(t, r, http.MethodGet, "/api/v1/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, code, "断开 websocket 不关闭会话")
}

// TestTerminalWebsocketReattach 经 gin 路由握手，断开后可以再次接入同一会话
func TestTerminalWebsocketReattach(t *testing.T) {
	r := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	code, resp := doJSON(t, r, http.MethodPost, "/api/v1/sessions", gin.H{"target": "olt-lab", "principal": "alice"})
	require.Equal(t, http.StatusOK, code, resp.Message)
	var created struct {
		ID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + created.ID + "/ws"

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, hr, err := websocket.Dial(ctx, wsURL, nil)
		require.NoError(t, err, "第 %d 次握手失败", i+1)
		assert.Equal(t, http.StatusSwitchingProtocols, hr.StatusCode)

		var frame map[string]string
		require.NoError(t, wsjson.Read(ctx, conn, &frame))
		assert.Equal(t, "session_info", frame["type"])
		conn.Close(websocket.StatusNormalClosure, "")
		cancel()
	}
}
