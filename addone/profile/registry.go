package profile

import (
	"sort"
	"sync"
)

// 注册中心，按厂商名称获取 CLI 模板
var (
	registryMu sync.RWMutex
	registry   = map[string]Plugin{
		"default": &DefaultPlugin{},
	}
)

// Register 注册一个厂商插件
func Register(name string, plugin Plugin) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = plugin
}

// Get 获取指定厂商插件，不存在则返回 default
func Get(name string) Plugin {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if p, ok := registry[name]; ok {
		return p
	}
	return registry["default"]
}

// Lookup 获取指定厂商插件
func Lookup(name string) (Plugin, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[name]
	return p, ok
}

// Names 已注册的厂商名称
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
