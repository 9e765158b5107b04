package simulate

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/oltcli/oltcli/pkg/logger"
)

// Manager 管理多个 namespace 的 OLT 模拟服务
// 每个 namespace 在独立端口运行，互不影响
type Manager struct {
	cfg       *Config
	nsServers map[string]*namespaceServer
	mu        sync.Mutex
}

// Start 启动所有 namespace；单个 namespace 启动失败只记录日志
func Start(simCfg *Config) (*Manager, error) {
	if simCfg == nil {
		return nil, fmt.Errorf("simulate config is nil")
	}
	if err := simCfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{cfg: simCfg, nsServers: make(map[string]*namespaceServer)}
	for ns, nsCfg := range simCfg.Namespace {
		m.startNamespace(ns, nsCfg, simCfg)
	}
	return m, nil
}

func (m *Manager) startNamespace(ns string, nsCfg NamespaceConfig, simCfg *Config) {
	log := logger.WithField("namespace", ns).WithField("port", nsCfg.Port)
	srv, err := newNamespaceServer(ns, nsCfg, simCfg)
	if err != nil {
		log.Errorf("Simulate: init namespace server failed: %v", err)
		return
	}
	if err := srv.start(); err != nil {
		log.Errorf("Simulate: start namespace server failed: %v", err)
		return
	}
	m.nsServers[ns] = srv
	log.WithField("addr", srv.addr()).WithField("protocol", srv.protocol()).Info("Simulate: namespace server started")
}

// Reload 按新配置重启变化的 namespace，未变化的保持连接
func (m *Manager) Reload(simCfg *Config) error {
	if err := simCfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	devicesChanged := !reflect.DeepEqual(m.cfg.DeviceType, simCfg.DeviceType) || !reflect.DeepEqual(m.cfg.Users, simCfg.Users)
	for ns, srv := range m.nsServers {
		next, ok := simCfg.Namespace[ns]
		if ok && !devicesChanged && reflect.DeepEqual(next, srv.cfg) {
			continue
		}
		srv.stop()
		delete(m.nsServers, ns)
		logger.WithField("namespace", ns).Info("Simulate: namespace server stopped")
	}
	for ns, nsCfg := range simCfg.Namespace {
		if _, running := m.nsServers[ns]; !running {
			m.startNamespace(ns, nsCfg, simCfg)
		}
	}
	m.cfg = simCfg
	return nil
}

// Stop 停止所有模拟服务
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ns, srv := range m.nsServers {
		srv.stop()
		logger.WithField("namespace", ns).Info("Simulate: namespace server stopped")
	}
	m.nsServers = make(map[string]*namespaceServer)
}

// Addr namespace 的监听地址
func (m *Manager) Addr(ns string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.nsServers[ns]
	if !ok {
		return "", false
	}
	return srv.addr(), true
}

// History namespace 收到的配置命令
func (m *Manager) History(ns string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.nsServers[ns]
	if !ok {
		return nil
	}
	return srv.hist.snapshot()
}

// Namespaces 正在运行的 namespace
func (m *Manager) Namespaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.nsServers))
	for ns := range m.nsServers {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}
