package main

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/oltcli/oltcli/internal/config"
	"github.com/oltcli/oltcli/internal/crypto"
	"github.com/oltcli/oltcli/internal/database"
	"github.com/oltcli/oltcli/internal/service"
)

// app 子命令共用的依赖
type app struct {
	cfg       *config.Config
	db        *gorm.DB
	directory *service.Directory
	engine    *service.Engine
	provision *service.ProvisionService
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if transportFlag != "" {
		cfg.CLI.Transport = transportFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.Database.SQLite)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	box, err := crypto.LoadOrCreate(db, cfg.Secrets.FernetKey)
	if err != nil {
		return nil, err
	}
	admin, err := config.LoadAdminCredentials()
	if err != nil {
		return nil, err
	}

	engine, err := service.NewEngine(cfg, nil)
	if err != nil {
		return nil, err
	}
	directory := service.NewDirectory(db, box, cfg.Policy())
	return &app{
		cfg:       cfg,
		db:        db,
		directory: directory,
		engine:    engine,
		provision: service.NewProvisionService(engine, service.ProvisionDeps{
			Targets:    directory,
			Principals: directory,
			Secrets:    directory,
			Devices:    directory,
			Store:      service.NewReportStore(cfg.Storage),
			DB:         db,
			Admin:      admin,
		}),
	}, nil
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.engine.Stop(ctx)
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
