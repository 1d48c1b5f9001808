package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"AgentMesh-Chain/internal/a2a"
	"AgentMesh-Chain/internal/bus"
	"AgentMesh-Chain/internal/channel"
	"AgentMesh-Chain/internal/config"
	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/knowledge"
	"AgentMesh-Chain/internal/llm"
	"AgentMesh-Chain/internal/llm/openai"
	"AgentMesh-Chain/internal/observability/alerting"
	"AgentMesh-Chain/internal/observability/metrics"
	"AgentMesh-Chain/internal/relay"
	"AgentMesh-Chain/internal/storage"
	"AgentMesh-Chain/internal/storage/fallback"
	"AgentMesh-Chain/internal/storage/ledger"
	"AgentMesh-Chain/internal/task"
	"AgentMesh-Chain/internal/worker"
	"AgentMesh-Chain/pkg/logger"
)

// main 是 AgentMesh 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentmeshd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTMESH_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentmesh.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
		OutputPaths: cfg.Logger.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logger.AuditPath != "",
			Path:    cfg.Logger.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	registry, err := config.LoadRegistry(cfg.Workers.RegistryPath)
	if err != nil {
		return err
	}

	eventBus := bus.New()

	dispatcher, err := buildAlerting(cfg)
	if err != nil {
		return err
	}

	// 任务日志存储：账本主后端 + Redis 后备。任何一侧缺失时退化为
	// 内存后端，方便本地开发。
	store, closeStore, err := buildStore(ctx, cfg, dispatcher)
	if err != nil {
		return err
	}
	defer closeStore()

	syncer := storage.NewSyncer(store, storage.SyncerConfig{
		Interval:      cfg.Storage.Sync.Interval(),
		BatchBudgetKB: cfg.Storage.Sync.BatchBudgetKB,
	})
	syncer.Start(ctx)
	defer syncer.Stop()

	archive, closeArchive, err := buildArchive(cfg)
	if err != nil {
		return err
	}
	defer closeArchive()

	routerOpts := []task.RouterOption{task.WithDefaultWorker(registry.DefaultWorker)}
	for keyword, name := range registry.KeywordRoutes() {
		routerOpts = append(routerOpts, task.WithKeywordRoute(keyword, name))
	}

	manager := task.NewManager(eventBus, store,
		task.WithRouter(task.NewRouter(routerOpts...)),
		task.WithArchive(archive),
	)
	defer manager.Close()

	workers, err := buildWorkers(cfg, registry)
	if err != nil {
		return err
	}

	runner := worker.NewRunner(eventBus, store)
	protocolServer := a2a.NewServer(cfg.Server.Address,
		a2a.WithMiddleware(metrics.Middleware("a2a")),
	)
	for _, w := range workers {
		runner.Attach(w)
		manager.RegisterWorker(w.Name())
		protocolServer.RegisterAgent(w.Card(), worker.Processor(w))
		logger.L().Info("工作器已启用", slog.String("worker", w.Name()))
	}

	// task-update 事件计入指标。
	eventBus.Register(bus.TopicTaskUpdate, func(_ context.Context, event bus.Event) error {
		if update, ok := event.(bus.TaskUpdate); ok {
			metrics.ObserveTaskUpdate(update.Status)
		}
		return nil
	})

	// 被隔离的组件失败同时进入告警渠道。告警失败只记日志，避免
	// 在 agent-error 主题上形成回路。
	eventBus.Register(bus.TopicAgentError, func(ctx context.Context, event bus.Event) error {
		agentErr, ok := event.(bus.AgentError)
		if !ok {
			return nil
		}
		if err := dispatcher.Notify(ctx, alerting.Event{
			Code:       xerrors.CodeWorkerFailure,
			Message:    agentErr.Message,
			Severity:   xerrors.SeverityWarning,
			TaskID:     agentErr.TaskID,
			Metadata:   map[string]string{"agent": agentErr.Agent},
			OccurredAt: agentErr.Timestamp,
		}); err != nil {
			logger.L().Warn("告警发送失败", slog.String("error", err.Error()))
		}
		return nil
	})

	if cfg.Relay.Enabled {
		taskRelay, err := relay.New(relay.Config{
			URL:        cfg.Relay.URL,
			Queue:      cfg.Relay.Queue,
			Durable:    cfg.Relay.Durable,
			AutoDelete: cfg.Relay.AutoDelete,
		})
		if err != nil {
			return err
		}
		taskRelay.Attach(eventBus)
		defer taskRelay.Close()
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.String("error", err.Error()))
			}
		}()
	}

	if cfg.Channel.Enabled {
		var remote channel.AgentCaller
		if cfg.Channel.A2ABaseURL != "" {
			client, err := a2a.NewClient(cfg.Channel.A2ABaseURL, nil)
			if err != nil {
				return err
			}
			remote = client
		}
		channelServer := channel.NewServer(manager, remote)
		channelServer.Attach(eventBus)
		defer channelServer.Close()

		mux := http.NewServeMux()
		mux.Handle(cfg.Channel.Path, channelServer.Handler())
		go func() {
			srv := &http.Server{Addr: cfg.Channel.Address, Handler: mux}
			go func() {
				<-ctx.Done()
				_ = srv.Close()
			}()
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.L().Error("通道服务异常退出", slog.String("error", err.Error()))
			}
		}()
	}

	if err := protocolServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildAlerting 按配置组装告警调度器。
func buildAlerting(cfg *config.Config) (alerting.Dispatcher, error) {
	notifiers := make([]alerting.Notifier, 0, len(cfg.Alerting.Webhooks))
	for _, hook := range cfg.Alerting.Webhooks {
		notifier, err := alerting.NewWebhook(hook.URL, hook.Format, nil)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, notifier)
	}
	return alerting.NewFanout(notifiers...), nil
}

// buildStore 组装双后端任务日志存储。
func buildStore(ctx context.Context, cfg *config.Config, dispatcher alerting.Dispatcher) (storage.Backend, func(), error) {
	var primary storage.Backend
	if cfg.Storage.Ledger.RPCURL != "" {
		ledgerStore, err := ledger.New(ctx, ledger.Config{
			RPCURL:          cfg.Storage.Ledger.RPCURL,
			RegistryAddress: cfg.Storage.Ledger.RegistryAddress,
			PrivateKeyHex:   cfg.Storage.Ledger.PrivateKeyHex,
			BucketAlias:     cfg.Storage.Ledger.BucketAlias,
			GasLimit:        cfg.Storage.Ledger.GasLimit,
			NonceRetries:    cfg.Storage.Ledger.NonceRetries,
			BucketRetries:   cfg.Storage.Ledger.BucketRetries,
			RetryDelay:      cfg.Storage.Ledger.RetryDelay(),
		})
		if err != nil {
			return nil, nil, err
		}
		primary = ledgerStore
	} else {
		logger.L().Warn("未配置账本后端，任务日志主后端使用内存实现")
		primary = storage.NewMemoryBackend()
	}

	var secondary storage.Backend
	if cfg.Storage.Fallback.Address != "" {
		redisStore, err := fallback.New(ctx, fallback.Config{
			Address:   cfg.Storage.Fallback.Address,
			Password:  cfg.Storage.Fallback.Password,
			DB:        cfg.Storage.Fallback.DB,
			Namespace: cfg.Storage.Fallback.Namespace,
			TTL:       cfg.Storage.Fallback.TTL(),
		})
		if err != nil {
			_ = primary.Close()
			return nil, nil, err
		}
		secondary = redisStore
	} else {
		logger.L().Warn("未配置后备后端，任务日志后备后端使用内存实现")
		secondary = storage.NewMemoryBackend()
	}

	notify := alerting.AlertFunc(dispatcher)
	dual := storage.NewDualStore(primary, secondary,
		storage.WithAlertFunc(func(err error) {
			logger.Audit().Error("任务日志存储告警", slog.String("error", err.Error()))
			notify(err)
		}),
	)
	return dual, func() { _ = dual.Close() }, nil
}

// buildArchive 组装终态任务归档库。
func buildArchive(cfg *config.Config) (task.Archive, func(), error) {
	switch cfg.Storage.Archive.Driver {
	case "", "memory":
		archive := task.NewMemoryArchive()
		return archive, func() { _ = archive.Close() }, nil
	case "mysql":
		archive, err := task.NewMySQLArchive(cfg.Storage.Archive.DSN)
		if err != nil {
			return nil, nil, err
		}
		return archive, func() { _ = archive.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的归档驱动: %s", cfg.Storage.Archive.Driver)
	}
}

// buildWorkers 按注册表实例化工作器。
func buildWorkers(cfg *config.Config, registry *config.Registry) ([]worker.Worker, error) {
	var llmClient llm.Client
	var knowledgeProvider knowledge.Provider

	specs := registry.Enabled()
	for _, spec := range specs {
		if spec.Kind != config.WorkerKindObserver {
			continue
		}
		client, err := createLLMClient(cfg)
		if err != nil {
			return nil, err
		}
		llmClient = client
		if cfg.Workers.KnowledgePath != "" {
			provider, err := knowledge.LoadStaticProvider(cfg.Workers.KnowledgePath, cfg.Workers.KnowledgeResults)
			if err != nil {
				return nil, err
			}
			knowledgeProvider = provider
		}
		break
	}

	workers := make([]worker.Worker, 0, len(specs))
	for _, spec := range specs {
		switch spec.Kind {
		case config.WorkerKindObserver:
			workers = append(workers, worker.NewObserver(llmClient, knowledgeProvider))
		case config.WorkerKindHedera:
			mirror := worker.NewMirrorClient(spec.MirrorBaseURL, nil)
			workers = append(workers, worker.NewHedera(mirror, spec.DefaultAccount))
		case config.WorkerKindExecutor:
			// 链上执行通道需要独立部署的执行域适配器，未接入前
			// 注册表不应启用该类别。
			logger.L().Warn("executor 工作器缺少链上执行通道，已跳过", slog.String("worker", spec.Name))
		}
	}
	return workers, nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.APIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("AGENTMESH_OPENAI_API_KEY"))
		}
		if apiKey == "" {
			return nil, errors.New("openai provider 需要配置 api_key 或环境变量 AGENTMESH_OPENAI_API_KEY")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
