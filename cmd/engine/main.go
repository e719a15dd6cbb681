package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/tushaar82/velox-engine/internal/api"
	"github.com/tushaar82/velox-engine/internal/broadcast"
	"github.com/tushaar82/velox-engine/internal/broker"
	"github.com/tushaar82/velox-engine/internal/dispatcher"
	"github.com/tushaar82/velox-engine/internal/domain"
	"github.com/tushaar82/velox-engine/internal/feed"
	"github.com/tushaar82/velox-engine/internal/ledger"
	"github.com/tushaar82/velox-engine/internal/risk"
	"github.com/tushaar82/velox-engine/internal/router"
	"github.com/tushaar82/velox-engine/internal/sim"
	"github.com/tushaar82/velox-engine/internal/store"
	"github.com/tushaar82/velox-engine/internal/symbols"
	"github.com/tushaar82/velox-engine/internal/trailing"
	"github.com/tushaar82/velox-engine/pkg/config"
	"github.com/tushaar82/velox-engine/pkg/logger"
	"github.com/tushaar82/velox-engine/pkg/persistence"
	"github.com/tushaar82/velox-engine/pkg/secretstore"
	"github.com/tushaar82/velox-engine/pkg/shutdown"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	flag.Parse()

	// .env 不存在不是错误（容器环境通常直接注入环境变量）
	if err := godotenv.Load(); err != nil {
		logrus.Debugf("未加载 .env 文件: %v", err)
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			logrus.Errorf("加载配置失败: %v", err)
			os.Exit(1)
		}
		logrus.Infof("使用配置文件: %s", *configPath)
	} else {
		cfg = config.Default()
		logrus.Warnf("未指定配置文件，使用默认值与环境变量")
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.OutputFile,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := shutdown.NewManager()

	// 审计存储 + 符号映射（共用同一个 sqlite 文件；不配置则裸跑，核心不依赖落库）
	var (
		auditStore *store.SQLiteStore
		mapper     *symbols.SQLiteMapper
	)
	if cfg.Store.SQLitePath != "" {
		auditStore, err = store.Open(cfg.Store.SQLitePath)
		if err != nil {
			logrus.Errorf("打开审计存储失败: %v", err)
			os.Exit(1)
		}
		mapper, err = symbols.NewSQLiteMapperFromDB(auditStore.DB())
		if err != nil {
			logrus.Errorf("初始化符号映射失败: %v", err)
			os.Exit(1)
		}
		mgr.OnShutdown(func(ctx context.Context) {
			if err := auditStore.Close(); err != nil {
				logrus.Errorf("关闭审计存储失败: %v", err)
			}
		})
		logrus.Infof("审计存储已就绪: path=%s", cfg.Store.SQLitePath)
	}

	// 台账与风控互相引用：先建台账，再回填风控闸门
	var book *ledger.Ledger
	if auditStore != nil {
		book = ledger.New(ledger.Options{Store: auditStore})
	} else {
		book = ledger.New(ledger.Options{})
	}
	gate := risk.NewGate(book, cfg.Risk.DefaultMaxLoss)
	for _, lim := range cfg.Risk.Limits {
		gate.SetLimit(lim.AccountID, domain.TradingMode(lim.Mode), lim.MaxLoss)
	}
	book.SetRiskChecker(gate)

	hub := broadcast.NewHub()
	mgr.OnShutdown(func(ctx context.Context) { hub.Close() })

	simulator := sim.New(sim.Config{
		SlippageRate:   cfg.Sim.SlippageRate,
		CommissionRate: cfg.Sim.CommissionRate,
		MinCommission:  cfg.Sim.MinCommission,
	})

	routerOpts := router.Options{
		Simulator:     simulator,
		Ledger:        book,
		Sink:          hub,
		SubmitTimeout: time.Duration(cfg.Router.SubmitTimeoutSeconds) * time.Second,
	}
	if mapper != nil {
		routerOpts.Mapper = mapper
	}
	if auditStore != nil {
		routerOpts.OrderStore = auditStore
		routerOpts.TradeStore = auditStore
	}
	rt := router.New(routerOpts)

	stops := trailing.NewEngine(book)
	disp := dispatcher.New(book, stops, rt, hub)

	// live 券商连接：凭据从 badger 凭据库读取，不进配置文件
	if cfg.Broker.BaseURL != "" && cfg.Broker.AccountID != "" {
		conn, err := connectBroker(rootCtx, cfg)
		if err != nil {
			logrus.Errorf("连接券商失败: %v", err)
			os.Exit(1)
		}
		rt.BindConnector(cfg.Broker.AccountID, cfg.Broker.Name, conn)
		logrus.Infof("券商连接已绑定: broker=%s account=%s", cfg.Broker.Name, cfg.Broker.AccountID)
	}

	// 挂单注册表快照：启动时恢复，关停时保存
	if cfg.SnapshotDir != "" {
		snapStore := persistence.NewJSONFileService(cfg.SnapshotDir).NewStore("router", "pending")
		if err := rt.RestorePending(snapStore); err != nil {
			logrus.Warnf("恢复挂单快照失败: %v", err)
		}
		mgr.OnShutdown(func(ctx context.Context) {
			if err := rt.SnapshotPending(snapStore); err != nil {
				logrus.Errorf("保存挂单快照失败: %v", err)
			}
		})
	}

	rt.StartTimeoutSweeper(rootCtx, time.Duration(cfg.Router.SweepIntervalSeconds)*time.Second)

	// 控制面 HTTP 服务
	if cfg.Server.Listen != "" {
		srv := &http.Server{
			Addr:    cfg.Server.Listen,
			Handler: api.NewServer(rt, book, stops, hub).Handler(),
		}
		go func() {
			logrus.Infof("控制面已启动: listen=%s", cfg.Server.Listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.Errorf("控制面服务异常退出: %v", err)
			}
		}()
		mgr.OnShutdown(func(ctx context.Context) {
			if err := srv.Shutdown(ctx); err != nil {
				logrus.Errorf("控制面关停失败: %v", err)
			}
		})
	}

	// 行情接入：tick 驱动撮合/盯市/移动止损
	if cfg.Feed.URL != "" {
		fc := feed.NewClient(cfg.Feed.URL, time.Duration(cfg.Feed.ReconnectSeconds)*time.Second, disp)
		go fc.Run(rootCtx)
	}

	logrus.Infof("引擎已启动")
	<-rootCtx.Done()
	logrus.Infof("收到退出信号，开始优雅关停")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	mgr.Shutdown(shutdownCtx)
	logrus.Infof("引擎已退出")
}

// connectBroker 打开凭据库并完成券商会话登录
func connectBroker(ctx context.Context, cfg *config.Config) (*broker.RESTConnector, error) {
	opts := secretstore.OpenOptions{Path: cfg.Broker.SecretStorePath, ReadOnly: true}
	if cfg.Broker.EncryptionKeyHex != "" {
		key, err := secretstore.ParseKeyHex(cfg.Broker.EncryptionKeyHex)
		if err != nil {
			return nil, err
		}
		opts.EncryptionKey = key
	}
	secrets, err := secretstore.Open(opts)
	if err != nil {
		return nil, err
	}
	defer secrets.Close()

	creds, ok, err := secrets.GetCredentials(cfg.Broker.Name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("凭据库中不存在券商凭据: broker=%s", cfg.Broker.Name)
	}

	conn := broker.NewRESTConnector(cfg.Broker.Name, cfg.Broker.BaseURL, cfg.Broker.OrdersPerSecond)
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := conn.Connect(connectCtx, creds); err != nil {
		return nil, err
	}
	return conn, nil
}
