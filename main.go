package main

import (
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"smartstudy/internal/api"
	"smartstudy/internal/chat"
	"smartstudy/internal/config"
	"smartstudy/internal/logger"
	"smartstudy/internal/prefs"
	"smartstudy/internal/redis"
	"smartstudy/internal/service/bank"
	"smartstudy/internal/service/gateway"
	"smartstudy/internal/service/history"
	"smartstudy/internal/storage"
	"smartstudy/internal/uploads"
)

func main() {
	cfgPath := os.Getenv("SMARTSTUDY_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zlog, err := logger.New(cfg.BasicConfig.LogPath)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zlog.Sync()

	dbType := os.Getenv("SMARTSTUDY_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		zlog.Fatal("open database", zap.Error(err))
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		zlog.Fatal("migrate database", zap.Error(err))
	}

	rdb, err := redis.NewClient(cfg)
	if err != nil {
		zlog.Fatal("create redis client", zap.Error(err))
	}
	defer rdb.Close()

	gw, err := gateway.NewService(cfg, zlog)
	if err != nil {
		zlog.Fatal("init gateway", zap.Error(err))
	}

	bankSvc := bank.NewService(db)
	hist := history.NewService(db)
	prefStore := prefs.NewStore(rdb)

	streamTimeout := time.Duration(cfg.BasicConfig.StreamTimeout) * time.Minute
	extractTimeout := time.Duration(cfg.BasicConfig.ExtractTimeout) * time.Minute

	chatStore := chat.NewStore(hist, gw, bankSvc, zlog, streamTimeout)
	uploadMgr := uploads.NewManager(gw, bankSvc, zlog, extractTimeout)
	defer uploadMgr.Close()

	handlers := api.NewHandler(uploadMgr, bankSvc, chatStore, prefStore, zlog)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	zlog.Info("server starting", zap.String("addr", addr), zap.String("db", dbType))
	if err := router.Run(addr); err != nil {
		zlog.Fatal("server stopped", zap.Error(err))
	}
}
