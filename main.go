package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/sym-hub/sym-hub/internal/config"
	"github.com/sym-hub/sym-hub/internal/coordinator"
	"github.com/sym-hub/sym-hub/internal/fetch"
	"github.com/sym-hub/sym-hub/internal/ledger"
	"github.com/sym-hub/sym-hub/internal/logging"
	"github.com/sym-hub/sym-hub/internal/metrics"
	"github.com/sym-hub/sym-hub/internal/server"
	"github.com/sym-hub/sym-hub/internal/store"
	"github.com/sym-hub/sym-hub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["symbol_servers"] = len(cfg.SymbolServers)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动遵循“配置 → 台账 → 工件存储 → Reconcile → Fiber server”顺序，
	// 崩溃遗留的 in-flight 状态必须在接收流量之前复位。
	ldg, err := ledger.NewFileLedger(cfg.Global.LedgerPath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化台账失败: %v\n", err)
		return 1
	}

	st, err := store.NewStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化存储目录失败: %v\n", err)
		return 1
	}

	recorder := metrics.NewProm(nil)
	client := fetch.NewClient(cfg.Global, logger)
	transfer := fetch.NewTransfer(st, ldg, logger, cfg.Global.ChunkSize, cfg.Global.MaxMemoryUsage)
	orch := fetch.NewOrchestrator(cfg.SymbolServers, client, transfer, ldg, logger, recorder)
	coord := coordinator.New(st, ldg, orch, logger, recorder, cfg.Global.MaxConcurrent, cfg.Global.MaxMemoryUsage)

	if err := coord.Reconcile(); err != nil {
		fmt.Fprintf(stdErr, "恢复中断下载失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["symbol_servers"] = len(cfg.SymbolServers)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = cfg.Global.StoragePath
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, coord, ldg, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("sym-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SYM_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SYM_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(cfg *config.Config, coord *coordinator.Coordinator, ldg ledger.Ledger, logger *logrus.Logger) error {
	handler := server.NewHandler(coord, ldg, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:  logger,
		Handler: handler,
		Metrics: promhttp.Handler(),
	})
	if err != nil {
		return err
	}

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
