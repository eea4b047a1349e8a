package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"GoWsGateway/internal/command"
	"GoWsGateway/internal/config"
	"GoWsGateway/internal/gateway"
	"GoWsGateway/internal/grpcserver"
	"GoWsGateway/internal/httpserver"
	"GoWsGateway/internal/journal"
	"GoWsGateway/internal/logger"
	"GoWsGateway/internal/wsclient"
)

var version = "dev"

func main() {
	app := &cli.Command{
		Name:    "gateway",
		Usage:   "WebSocket连接网关",
		Version: version,
		Commands: []*cli.Command{
			serveCommand(),
			probeCommand(),
			benchCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "启动网关",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径，为空时在默认目录中查找gateway.yaml",
				Sources: cli.EnvVars("GATEWAY_CONFIG"),
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "监控配置文件变化并热更新日志级别",
				Value: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServer(ctx, cmd.String("config"), cmd.Bool("watch"))
		},
	}
}

// runServer 运行网关直到收到退出信号
func runServer(ctx context.Context, configPath string, watch bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cm := config.NewConfigManager(
		config.WithConfigPath(configPath),
		config.WithWatchEnabled(watch),
		config.WithOnChange(func(cfg *config.GatewayConfig) {
			logger.SetLevel(cfg.Logging.Level)
		}),
	)
	cfg, err := cm.Load()
	if err != nil {
		return err
	}

	logger.InitLogger(cfg.Logging.Level)
	stream := logger.InitGlobalStream(ctx, cfg.Logging.StreamBacklog)
	if used := cm.ConfigFileUsed(); used != "" {
		logger.Info("Main", "Using config file %s", used)
	}

	// 连接事件记录
	var j journal.Journal = journal.NopJournal{}
	if cfg.Journal.DSN != "" {
		pj, err := journal.NewPgxJournal(ctx, journal.Config{
			DSN:      cfg.Journal.DSN,
			MaxConns: cfg.Journal.MaxConns,
			Buffer:   cfg.Journal.Buffer,
		})
		if err != nil {
			return fmt.Errorf("启动连接事件记录失败: %w", err)
		}
		j = pj
	}
	defer j.Close()

	gw := gateway.New(gateway.FromConfig(cfg), command.NewDispatcher(command.DefaultHandlers()...), gateway.WithJournal(j))
	if err := gw.Start(); err != nil {
		return err
	}

	// HTTP：管理接口或只挂载升级端点
	var httpStop func(context.Context) error
	httpErr := make(chan error, 1)
	if cfg.Admin.Enabled {
		api := httpserver.NewAPIServer(cfg.Server.Addr, gw,
			httpserver.WithLogStream(stream),
			httpserver.WithAllowedOrigins(cfg.Admin.AllowedOrigins),
			httpserver.WithConfigSummary(cm.Summary),
		)
		httpStop = api.Stop
		go func() { httpErr <- api.Start() }()
	} else {
		srv := &http.Server{Addr: cfg.Server.Addr, Handler: gw.Handler()}
		httpStop = srv.Shutdown
		go func() {
			logger.Info("Main", "Listening on %s (gateway path %s)", cfg.Server.Addr, gw.Path())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
				return
			}
			httpErr <- nil
		}()
	}

	// gRPC健康检查
	var health *grpcserver.HealthServer
	if cfg.GRPC.Addr != "" {
		health = grpcserver.NewHealthServer(cfg.GRPC.Addr)
		if err := health.Start(); err != nil {
			return err
		}
		go health.Follow(ctx, gw.IsRunning, time.Second)
	}

	logger.Info("Main", "Gateway started: ws://%s%s", cfg.Server.Addr, gw.Path())

	select {
	case <-ctx.Done():
		logger.Info("Main", "Shutting down gateway...")
	case err := <-httpErr:
		if err != nil {
			logger.Error("Main", "HTTP server failed: %v", err)
		}
	}

	if health != nil {
		health.SetServing(false)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Main", "Gateway shutdown: %v", err)
	}
	if err := httpStop(shutdownCtx); err != nil {
		logger.Warn("Main", "HTTP shutdown: %v", err)
	}
	if health != nil {
		health.Stop(5 * time.Second)
	}

	logger.Info("Main", "Gateway stopped")
	return nil
}

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "连接网关并执行ping与echo",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "ws://localhost:8000/connect", Usage: "网关URL"},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "单次请求超时"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runProbe(ctx, cmd.String("url"), cmd.Duration("timeout"))
		},
	}
}

// runProbe 单客户端探测
func runProbe(ctx context.Context, url string, timeout time.Duration) error {
	cfg := wsclient.DefaultClientConfig(url)
	cfg.HeartbeatInterval = 0
	cfg.MaxReconnectTries = 0

	client := wsclient.New(cfg)
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return err
	}
	defer client.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, timeout)
	defer cancelPing()
	rtt, err := client.Ping(pingCtx)
	if err != nil {
		return fmt.Errorf("ping失败: %w", err)
	}
	fmt.Printf("ping -> pong  rtt=%v\n", rtt)

	for _, cmd := range []*command.Command{
		{Op: "whoami"},
		{Op: "echo", Args: map[string]any{"hello": "gateway"}},
		{Op: "time"},
	} {
		callCtx, cancelCall := context.WithTimeout(ctx, timeout)
		resp, err := client.Call(callCtx, cmd)
		cancelCall()
		if err != nil {
			return fmt.Errorf("%s失败: %w", cmd.Op, err)
		}
		fmt.Printf("%-6s -> status=%s data=%v\n", cmd.Op, resp.Status, resp.Data)
	}
	return nil
}

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "多客户端echo压力测试",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "ws://localhost:8000/connect", Usage: "网关URL"},
			&cli.IntFlag{Name: "clients", Value: 10, Usage: "客户端数量"},
			&cli.DurationFlag{Name: "duration", Value: 30 * time.Second, Usage: "运行时长"},
			&cli.DurationFlag{Name: "interval", Value: 100 * time.Millisecond, Usage: "每个客户端的请求间隔"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			runBench(ctx, cmd.String("url"), int(cmd.Int("clients")), cmd.Duration("duration"), cmd.Duration("interval"))
			return nil
		},
	}
}

// runBench 运行客户端压力测试
func runBench(ctx context.Context, url string, clientCount int, duration, interval time.Duration) {
	fmt.Printf("Starting bench: url=%s clients=%d duration=%v\n", url, clientCount, duration)

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	stats := &ClientStats{}
	clients := make([]*wsclient.Client, 0, clientCount)

	for i := 0; i < clientCount; i++ {
		config := wsclient.DefaultClientConfig(url)
		config.HeartbeatInterval = 5 * time.Second

		client := wsclient.New(config)
		client.SetStateChangeHandler(func(oldState, newState wsclient.ClientState) {
			if newState == wsclient.StateConnected {
				stats.AddConnection()
			} else if oldState == wsclient.StateConnected {
				stats.RemoveConnection()
			}
		})

		if err := client.Connect(ctx); err != nil {
			log.Printf("Client %d connect failed: %v", i, err)
			continue
		}
		clients = append(clients, client)
		time.Sleep(10 * time.Millisecond) // 避免连接风暴
	}

	var wg sync.WaitGroup
	for i, client := range clients {
		wg.Add(1)
		go func(n int, client *wsclient.Client) {
			defer wg.Done()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for seq := 0; ; seq++ {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}

				start := time.Now()
				stats.AddSentMessage()
				resp, err := client.Call(ctx, &command.Command{Op: "echo", Args: fmt.Sprintf("client-%d-%d", n, seq)})
				if err != nil || resp.Status != command.StatusOK {
					stats.AddError()
					continue
				}
				stats.AddMessage()
				stats.AddRTT(time.Since(start))
			}
		}(i, client)
	}

	// 定期打印统计
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Printf("[%.0fs] connections=%d received=%d sent=%d avgRTT=%.1fms\n",
					time.Since(startTime).Seconds(), stats.GetConnections(), stats.GetReceivedMessages(),
					stats.GetSentMessages(), stats.GetAverageRTT().Seconds()*1000)
			}
		}
	}()

	wg.Wait()

	fmt.Printf("\nBench finished\n")
	fmt.Printf("  connections: %d/%d\n", stats.GetConnections(), clientCount)
	fmt.Printf("  received:    %d\n", stats.GetReceivedMessages())
	fmt.Printf("  sent:        %d\n", stats.GetSentMessages())
	fmt.Printf("  errors:      %d\n", stats.GetErrors())
	fmt.Printf("  avg rtt:     %.1fms\n", stats.GetAverageRTT().Seconds()*1000)
	if received := stats.GetReceivedMessages(); received > 0 {
		fmt.Printf("  throughput:  %.1f msg/s\n", float64(received)/duration.Seconds())
	}

	for i, client := range clients {
		if err := client.Close(); err != nil {
			log.Printf("Client %d close failed: %v", i, err)
		}
	}
}

// ClientStats 压力测试统计
type ClientStats struct {
	connections      int
	receivedMessages int64
	sentMessages     int64
	errors           int64
	rttSum           time.Duration
	rttCount         int64
	mu               sync.RWMutex
}

func (s *ClientStats) AddConnection() {
	s.mu.Lock()
	s.connections++
	s.mu.Unlock()
}

func (s *ClientStats) RemoveConnection() {
	s.mu.Lock()
	if s.connections > 0 {
		s.connections--
	}
	s.mu.Unlock()
}

func (s *ClientStats) AddMessage() {
	s.mu.Lock()
	s.receivedMessages++
	s.mu.Unlock()
}

func (s *ClientStats) AddSentMessage() {
	s.mu.Lock()
	s.sentMessages++
	s.mu.Unlock()
}

func (s *ClientStats) AddError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

func (s *ClientStats) AddRTT(rtt time.Duration) {
	s.mu.Lock()
	s.rttSum += rtt
	s.rttCount++
	s.mu.Unlock()
}

func (s *ClientStats) GetConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connections
}

func (s *ClientStats) GetReceivedMessages() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receivedMessages
}

func (s *ClientStats) GetSentMessages() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sentMessages
}

func (s *ClientStats) GetErrors() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errors
}

func (s *ClientStats) GetAverageRTT() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rttCount == 0 {
		return 0
	}
	return s.rttSum / time.Duration(s.rttCount)
}
