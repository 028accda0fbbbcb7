package bootstrap

import (
	"context"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"flashsale/internal/pkg/nacos"
	"flashsale/internal/pkg/utils"
)

type AppCtx struct {
	Router chi.Router
	Nacos  *nacos.Client // 未启用注册中心时为 nil
	Config *Config
}

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx AppCtx) // 允许每个服务注册自己独特的 HTTP 路由
	// OnShutdown 在 HTTP 服务关闭后按注册的逆序执行（后进先出）
	OnShutdown []func(ctx context.Context)
}

// NewNacosFromConfig 按配置创建 Nacos 客户端，未启用时返回 nil。
func NewNacosFromConfig(cfg NacosConfig) (*nacos.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return nacos.NewNacosClient(cfg.ServerAddrs, cfg.Namespace, cfg.Group)
}

// StartService 封装了所有微服务的通用启动和优雅关停逻辑，阻塞直到收到 SIGINT/SIGTERM。
func StartService(info AppInfo) {
	cfg := GetCurrentConfig()

	namingClient, err := NewNacosFromConfig(cfg.Infra.Nacos)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize nacos client")
	}

	var ip string
	if namingClient != nil {
		if ip, err = utils.GetOutboundIP(); err != nil {
			log.Fatal().Err(err).Msg("failed to get outbound IP address")
		}
		if err := namingClient.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			log.Fatal().Err(err).Msg("failed to register service with nacos")
		}
	}

	router := chi.NewRouter()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Router: router, Nacos: namingClient, Config: cfg})
	}
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(info.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("service", info.ServiceName).Int("port", info.Port).Msg("✅ HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Str("addr", server.Addr).Msg("could not listen")
		}
	}()

	// 阻塞主 goroutine，直到接收到退出信号
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	<-sigCtx.Done()
	stop()
	log.Info().Str("service", info.ServiceName).Msg("Shutting down service...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// 先从 Nacos 注销，避免新流量进来
	if namingClient != nil {
		if err := namingClient.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			log.Error().Err(err).Msg("Error deregistering from Nacos")
		}
	}

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Error shutting down http server")
	} else {
		log.Info().Msg("HTTP server shut down.")
	}

	for i := len(info.OnShutdown) - 1; i >= 0; i-- {
		info.OnShutdown[i](ctx)
	}

	log.Info().Str("service", info.ServiceName).Msg("Service gracefully shut down.")
}
