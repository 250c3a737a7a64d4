package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SyncFM/cache"
	"SyncFM/config"
	"SyncFM/core/auth"
	"SyncFM/core/clock"
	"SyncFM/core/event"
	"SyncFM/core/ingest"
	"SyncFM/core/queue"
	"SyncFM/core/room"
	"SyncFM/db"
	"SyncFM/logger"
	"SyncFM/model"
	"SyncFM/repository"
	"SyncFM/storage"

	"github.com/gorilla/mux"
)

// reapInterval 后台巡检心跳过期成员的周期
const reapInterval = 30 * time.Second

// Start initializes and starts the HTTP server.
func Start() {
	cfg := config.Load()

	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogPath,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})
	defer logger.Sync()

	auth.SetSecret(cfg.JWTSecret)

	// 对象存储
	blobs, err := storage.NewBlobStore(cfg)
	if err != nil {
		logger.Fatal("初始化对象存储失败", logger.ErrorField(err))
	}

	// MySQL
	if err := db.ConnectDB(cfg); err != nil {
		logger.Fatal("连接数据库失败", logger.ErrorField(err))
	}
	defer db.DB.Close()
	if err := db.InitDB(); err != nil {
		logger.Fatal("初始化数据库失败", logger.ErrorField(err))
	}

	if err := db.ConnectGormDB(cfg); err != nil {
		logger.Fatal("连接GORM失败", logger.ErrorField(err))
	}
	defer db.CloseGormDB()
	if err := db.AutoMigrateModels(&model.Room{}, &model.RoomMember{}); err != nil {
		logger.Fatal("迁移数据库失败", logger.ErrorField(err))
	}

	// Redis
	if err := db.ConnectRedis(cfg); err != nil {
		logger.Fatal("连接Redis失败", logger.ErrorField(err))
	}
	defer db.CloseRedis()

	// 仓库与缓存
	trackRepo := repository.NewMySQLTrackRepository()
	voteRepo := repository.NewMySQLVoteRepository()
	userRepo := repository.NewMySQLUserRepository(db.DB)
	roomRepo := repository.NewGormRoomRepository(db.GormDB)
	roomCache := cache.NewRoomCache()

	// 核心组件
	clk := clock.New()
	hub := event.NewBroadcaster()
	go hub.Run()
	defer hub.Stop()

	ranker := queue.NewRanker(trackRepo, voteRepo)
	coordinator := room.NewCoordinator(roomRepo, trackRepo, ranker, hub, blobs, roomCache, clk)
	roomSvc := room.NewService(roomRepo, userRepo, hub, roomCache, clk)

	// 上传接力与后台巡检
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ingester := ingest.NewIngester(cfg.UploadSpoolDir, blobs, trackRepo, coordinator, 0)
	go func() {
		if err := ingester.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			logger.Error("ingest 退出", logger.ErrorField(err))
		}
	}()
	go runJanitor(rootCtx, roomSvc, hub)

	// HTTP 层
	authHandler := NewAuthHandler(userRepo)
	roomHandler := NewRoomHandler(roomSvc, coordinator, hub)
	trackHandler := NewTrackHandler(trackRepo, roomSvc, ranker, hub, blobs, clk, cfg.UploadSpoolDir)
	voteHandler := NewVoteHandler(roomSvc, ranker, hub, clk)

	router := mux.NewRouter()

	// CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// 用户认证
	router.HandleFunc("/api/auth/login", authHandler.LoginHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/register", authHandler.RegisterHandler).Methods(http.MethodPost)

	RegisterRoomRoutes(router, roomHandler, authHandler.AuthMiddleware)
	RegisterTrackRoutes(router, trackHandler, authHandler.AuthMiddleware)
	RegisterVoteRoutes(router, voteHandler, authHandler.AuthMiddleware)

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 音频流与 WebSocket 不能限制写超时
		IdleTimeout:  120 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("服务启动", logger.String("addr", cfg.ServerAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("服务启动失败", logger.ErrorField(err))
		}
	}()

	<-stop
	logger.Info("收到退出信号，开始优雅关闭")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("强制关闭", logger.ErrorField(err))
	}

	logger.Info("服务已停止")
}

// runJanitor 周期性剔除心跳过期的成员，只扫有订阅者的房间
func runJanitor(ctx context.Context, rooms *room.Service, hub *event.Broadcaster) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, roomID := range hub.RoomIDs() {
				if err := rooms.ReapStale(ctx, roomID); err != nil {
					logger.Warn("巡检房间失败",
						logger.ErrorField(err),
						logger.String("roomId", roomID))
				}
			}
		}
	}
}
