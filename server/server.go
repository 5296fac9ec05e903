package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"syncstream/cache"
	"syncstream/config"
	"syncstream/core/catalog"
	"syncstream/core/room"
	"syncstream/db"
	"syncstream/logger"
	"syncstream/repository"
	"syncstream/storage"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Server HTTP 服务与其后台任务
type Server struct {
	cfg        *config.Config
	manager    *room.Manager
	router     *mux.Router
	httpServer *http.Server
	reaper     *room.Reaper
	envPath    string
}

// Option Server 可选配置
type Option func(*Server)

// WithReaper 启用空房间回收
func WithReaper(r *room.Reaper) Option {
	return func(s *Server) {
		s.reaper = r
	}
}

// WithEnvWatch 监听 env 文件，运行时调整日志级别
func WithEnvWatch(path string) Option {
	return func(s *Server) {
		s.envPath = path
	}
}

// New 创建服务并注册路由。ctx 用于 WebSocket 读循环。
func New(ctx context.Context, cfg *config.Config, manager *room.Manager, cat *catalog.Catalog, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		manager: manager,
		router:  mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}

	// 添加 CORS 中间件
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	RegisterRoomRoutes(s.router, NewRoomHandler(ctx, manager))
	s.router.HandleFunc("/api/music/search", NewSearchHandler(cat).HandleSearch).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"rooms":   manager.Presence().RoomCount(),
		})
	}).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Handler 路由，测试中挂到 httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run 启动 Hub、HTTP 服务和后台任务，ctx 取消后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.manager.Hub().Run(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("服务启动", logger.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("正在关闭服务...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	if s.reaper != nil {
		g.Go(func() error {
			return s.reaper.Run(gctx)
		})
	}

	if s.envPath != "" {
		g.Go(func() error {
			err := config.Watch(gctx, s.envPath, func(c *config.Config) {
				logger.SetLevel(logger.LogLevel(c.LogLevel))
				logger.Info("配置已重新加载", logger.String("logLevel", c.LogLevel))
			})
			if err != nil {
				logger.Warn("配置文件监听停止", logger.ErrorField(err))
			}
			return nil
		})
	}

	err := g.Wait()
	logger.Info("服务已停止")
	return err
}

// Start 连接依赖并运行服务，直到收到中断信号
func Start(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.ConnectGormDB(cfg); err != nil {
		return err
	}
	defer db.CloseGormDB()

	if err := db.AutoMigrate(db.GormDB); err != nil {
		return err
	}

	var repoOpts []repository.Option
	if cfg.RoomCodeLength > 0 {
		gen, err := repository.NewCodeGenerator(cfg.RoomCodeLength)
		if err != nil {
			return err
		}
		repoOpts = append(repoOpts, repository.WithCodeGenerator(gen))
	}
	repoOpts = append(repoOpts, repository.WithCodeRetries(cfg.RoomCodeRetries))
	repo, err := repository.NewGormRoomRepository(db.GormDB, repoOpts...)
	if err != nil {
		return err
	}

	var managerOpts []room.ManagerOption
	if cfg.ArchiveEnabled() {
		if err := storage.InitMinio(cfg); err != nil {
			return err
		}
		managerOpts = append(managerOpts, room.WithArchiver(storage.NewRoomArchiver(nil, cfg.MinioBucket)))
	}

	if cfg.RedisEnabled() {
		if err := cache.ConnectRedis(cfg); err != nil {
			return err
		}
		defer cache.CloseRedis()
		managerOpts = append(managerOpts, room.WithPresenceMirror(cache.NewRoomCache(nil)))
	}

	var cat *catalog.Catalog
	if cfg.YouTubeAPIKey != "" {
		catalogOpts := []catalog.Option{catalog.WithLimit(cfg.SearchMaxResults)}
		if cfg.RedisEnabled() {
			catalogOpts = append(catalogOpts, catalog.WithCache(cache.NewSearchCache(nil, cfg.SearchCacheTTL)))
		}
		cat = catalog.New(catalog.NewYouTubeProvider(cfg.YouTubeAPIKey, cfg.YouTubeAPIURL), catalogOpts...)
	} else {
		logger.Warn("YOUTUBE_API_KEY 未设置，搜索将返回空结果")
	}

	manager := room.NewManager(repo, room.NewHub(), room.NewPresence(), managerOpts...)

	var serverOpts []Option
	if cfg.RoomReapAfter > 0 {
		serverOpts = append(serverOpts, WithReaper(room.NewReaper(manager, cfg.RoomReapAfter)))
	}
	if _, err := os.Stat(".env"); err == nil {
		serverOpts = append(serverOpts, WithEnvWatch(".env"))
	}

	return New(ctx, cfg, manager, cat, serverOpts...).Run(ctx)
}
