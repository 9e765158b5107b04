package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/oltcli/oltcli/api/router"
	"github.com/oltcli/oltcli/internal/config"
	"github.com/oltcli/oltcli/internal/crypto"
	"github.com/oltcli/oltcli/internal/database"
	"github.com/oltcli/oltcli/internal/service"
	"github.com/oltcli/oltcli/pkg/logger"
	"github.com/oltcli/oltcli/simulate"
)

const version = "1.0.0"

func configPath() string {
	if p := strings.TrimSpace(os.Getenv("OLTCLI_CONFIG_FILE")); p != "" {
		return p
	}
	return "configs/config.yaml"
}

// watchFile 监听文件变更，300ms 去抖后回调
func watchFile(path, name string, trigger func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("%s watch init failed: %v", name, err)
		return
	}
	defer watcher.Close()
	if _, err := os.Stat(path); err != nil {
		logger.Warnf("%s: %s not found, skip watch", name, path)
		return
	}
	if err := watcher.Add(path); err != nil {
		logger.Warnf("%s watch add failed: %v", name, err)
		return
	}
	var debounce *time.Timer
	debounceInterval := 300 * time.Millisecond
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceInterval, trigger)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("%s watch error: %v", name, err)
		}
	}
}

// simulator 可热启停的模拟 OLT
type simulator struct {
	mu   sync.Mutex
	path string
	mgr  *simulate.Manager
}

func (s *simulator) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mgr != nil {
		return
	}
	sc, err := simulate.LoadConfig(s.path)
	if err != nil {
		logger.Warnf("Simulate: failed to load %s: %v", s.path, err)
		return
	}
	mgr, err := simulate.Start(sc)
	if err != nil {
		logger.Warnf("Simulate: failed to start: %v", err)
		return
	}
	s.mgr = mgr
	ports := make([]string, 0, len(sc.Namespace))
	for _, ns := range mgr.Namespaces() {
		addr, _ := mgr.Addr(ns)
		ports = append(ports, ns+"="+addr)
	}
	logger.WithField("namespaces", strings.Join(ports, ", ")).Info("Simulate: started")
}

func (s *simulator) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mgr != nil {
		s.mgr.Stop()
		s.mgr = nil
		logger.Info("Simulate: stopped")
	}
}

func (s *simulator) reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mgr == nil {
		return
	}
	sc, err := simulate.LoadConfig(s.path)
	if err != nil {
		logger.Warnf("Simulate: reload %s failed: %v", s.path, err)
		return
	}
	if err := s.mgr.Reload(sc); err != nil {
		logger.Warnf("Simulate: hot reload failed: %v", err)
		return
	}
	logger.Info("Simulate: hot reload success")
}

func (s *simulator) manager() *simulate.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mgr
}

func main() {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Log.Logger()); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.WithField("version", version).Info("Starting OLT CLI Server")

	admin, err := config.LoadAdminCredentials()
	if err != nil {
		logger.Fatalf("Failed to read admin credentials: %v", err)
	}
	if err := admin.Require(); err != nil {
		logger.Warnf("Batch jobs without principal will fail: %v", err)
	}

	if err := database.InitSQLite(cfg.Database.SQLite); err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()
	db := database.GetDB()

	box, err := crypto.LoadOrCreate(db, cfg.Secrets.FernetKey)
	if err != nil {
		logger.Fatalf("Failed to load secret key: %v", err)
	}
	directory := service.NewDirectory(db, box, cfg.Policy())

	// 模拟 OLT 需先于引擎启动，便于直接连接本机端口
	sim := &simulator{path: cfg.Server.SimulateConfig}
	if cfg.Server.SimulateEnable {
		sim.start()
	}
	defer sim.stop()

	engine, err := service.NewEngine(cfg, nil)
	if err != nil {
		logger.Fatalf("Failed to create engine: %v", err)
	}
	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		logger.Fatalf("Failed to start engine: %v", err)
	}

	terminalService := service.NewTerminalService(engine, directory, directory, directory)
	provisionService := service.NewProvisionService(engine, service.ProvisionDeps{
		Targets:    directory,
		Principals: directory,
		Secrets:    directory,
		Devices:    directory,
		Store:      service.NewReportStore(cfg.Storage),
		DB:         db,
		Admin:      admin,
	})

	r := router.SetupRouter(router.Services{
		Terminal:       terminalService,
		Provision:      provisionService,
		Directory:      directory,
		Simulator:      sim.manager(),
		SimulateConfig: cfg.Server.SimulateConfig,
		Version:        version,
	})

	server := &http.Server{
		Addr:           cfg.GetServerAddr(),
		Handler:        r,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		logger.WithField("addr", server.Addr).WithField("mode", cfg.Server.Mode).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 配置热更新：日志级别与批量参数立即生效，状态机参数在重启后生效
	go watchFile(path, "Config", func() {
		newCfg, err := config.Load(path)
		if err != nil {
			logger.Warnf("Config reload failed: %v", err)
			return
		}
		*cfg = *newCfg
		_ = logger.Init(cfg.Log.Logger())
		logger.Info("Config reloaded")
		if cfg.Server.SimulateEnable {
			sim.start()
		} else {
			sim.stop()
		}
	})
	go watchFile(cfg.Server.SimulateConfig, "Simulate", sim.reload)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	} else {
		logger.Info("Server shutdown complete")
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Warnf("Engine stop: %v", err)
	}
}
