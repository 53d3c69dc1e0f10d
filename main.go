package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/any-hub/bundle-hub/internal/bundle"
	"github.com/any-hub/bundle-hub/internal/config"
	"github.com/any-hub/bundle-hub/internal/logging"
	"github.com/any-hub/bundle-hub/internal/manager"
	"github.com/any-hub/bundle-hub/internal/metrics"
	"github.com/any-hub/bundle-hub/internal/server"
	"github.com/any-hub/bundle-hub/internal/server/routes"
	"github.com/any-hub/bundle-hub/internal/version"
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
// ctx 结束即触发有序退出：归还预加载租约、销毁缓存、关闭诊断服务。
func run(ctx context.Context, opts cliOptions) int {
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
		fields["base_dir"] = cfg.Global.BaseDir
		fields["manifest"] = cfg.Global.ManifestName
		fields["preload"] = cfg.PreloadNames()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 指标 → 缓存会话（读取 manifest）→ 预加载 → 诊断服务 → tick 泵。
	collector := metrics.New()
	mgr := manager.New(manager.Options{
		Logger:           logger,
		Observer:         collector,
		MaxParallelReads: cfg.Global.MaxParallelReads,
		MaxTasksPerTick:  cfg.Global.MaxTasksPerTick,
	})
	collector.WatchStats(mgr.Stats)

	if err := mgr.Init(ctx, cfg.Global.BaseDir, cfg.Global.ManifestName); err != nil {
		fmt.Fprintf(stdErr, "初始化 bundle 缓存失败: %v\n", err)
		return 1
	}

	preloaded, err := preload(mgr, cfg.Preload)
	if err != nil {
		_ = mgr.Dispose()
		fmt.Fprintf(stdErr, "预加载失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["base_dir"] = mgr.BaseDir()
	fields["bundles"] = mgr.Table().Len()
	fields["preload"] = cfg.PreloadNames()
	fields["tick_interval"] = cfg.Global.TickInterval.DurationValue().String()
	fields["diagnostics_port"] = cfg.Global.DiagnosticsPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	serveErr := make(chan error, 1)
	if cfg.DiagnosticsEnabled() {
		app, err := server.NewApp(server.AppOptions{Logger: logger, Cache: mgr})
		if err != nil {
			_ = mgr.Dispose()
			fmt.Fprintf(stdErr, "诊断服务初始化失败: %v\n", err)
			return 1
		}
		routes.RegisterBundleRoutes(app, mgr)
		routes.RegisterMetricsRoute(app, collector.Registry())
		go func() {
			err := server.Serve(runCtx, app, cfg.Global.DiagnosticsPort, logger)
			if err != nil {
				cancelRun()
			}
			serveErr <- err
		}()
	} else {
		close(serveErr)
	}

	runErr := mgr.Run(runCtx, manager.RunOptions{
		Interval: cfg.Global.TickInterval.DurationValue(),
		OnTick:   preloadWatcher(logger, preloaded),
	})
	cancelRun()

	shutdownErr := shutdown(mgr, preloaded)
	if err := <-serveErr; err != nil {
		shutdownErr = multierr.Append(shutdownErr, err)
	}
	if err := multierr.Append(runErr, shutdownErr); err != nil {
		logger.WithFields(logging.BaseFields("shutdown", opts.configPath)).WithError(err).Error("退出时发生错误")
		fmt.Fprintf(stdErr, "运行失败: %v\n", err)
		return 1
	}
	logger.WithFields(logging.BaseFields("shutdown", opts.configPath)).Info("已退出")
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := pflag.NewFlagSet("bundle-hub", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVarP(&configFlag, "config", "c", "", "配置文件路径（默认 ./config.toml，可被 BUNDLE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVarP(&showVer, "version", "v", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("BUNDLE_HUB_CONFIG")
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

// preload 租借配置中的预加载条目，任一名称未知时归还已租借的部分并返回错误。
func preload(mgr *manager.Manager, entries []config.PreloadConfig) ([]bundle.Lease, error) {
	leases := make([]bundle.Lease, 0, len(entries))
	for _, entry := range entries {
		var (
			lease bundle.Lease
			err   error
		)
		if entry.IsScene() {
			lease, err = mgr.RentBundleScene(entry.Name)
		} else {
			lease, err = mgr.Rent(entry.Name)
		}
		if err != nil {
			for _, l := range leases {
				_, _ = mgr.ReturnBundle(l)
			}
			return nil, fmt.Errorf("preload %s: %w", entry.Name, err)
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

// preloadWatcher 在每次 tick 后检查预加载结果，每个租约只记录一次。
func preloadWatcher(logger *logrus.Logger, leases []bundle.Lease) func() error {
	reported := make(map[string]bool, len(leases))
	return func() error {
		for _, l := range leases {
			r := l.Lease()
			if reported[r.ID()] {
				continue
			}
			select {
			case <-r.Done():
			default:
				continue
			}
			reported[r.ID()] = true
			entry := logger.WithFields(logging.RentalFields(r.ID(), r.Name(), r.Kind().String())).
				WithField("action", "preload")
			if err := r.Err(); err != nil {
				entry.WithError(err).Warn("预加载失败")
				continue
			}
			entry.WithField("token", r.Token()).Info("预加载完成")
		}
		return nil
	}
}

// shutdown 归还预加载租约、推进一次卸载后销毁缓存。
func shutdown(mgr *manager.Manager, leases []bundle.Lease) error {
	var errs error
	for _, l := range leases {
		if _, err := mgr.ReturnBundle(l); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	errs = multierr.Append(errs, mgr.Update())
	return multierr.Append(errs, mgr.Dispose())
}
