package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/zimview/internal/config"
	"github.com/any-hub/zimview/internal/logging"
	"github.com/any-hub/zimview/internal/mode"
	"github.com/any-hub/zimview/internal/pipeline"
	"github.com/any-hub/zimview/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	// article/search/random 触发一次性渲染，输出到 stdout 后退出。
	article     string
	search      string
	random      bool
	mode        string
}

func (o cliOptions) oneShot() bool {
	return o.article != "" || o.search != "" || o.random
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
	if opts.mode != "" {
		normalized, ok := config.NormalizeContentMode(opts.mode)
		if !ok {
			fmt.Fprintf(stdErr, "不支持的投递模式: %s\n", opts.mode)
			return 2
		}
		cfg.Reader.ContentMode = normalized
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["content_mode"] = cfg.Reader.ContentMode
		fields["archive_path"] = cfg.Global.ArchivePath
		fields["keepalive"] = cfg.Reader.KeepaliveEnabled()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	listenAddr := fmt.Sprintf(":%d", cfg.Global.ListenPort)
	if opts.oneShot() {
		// 一次性模式只在回环地址上提供 worker，避免占用配置端口。
		listenAddr = "127.0.0.1:0"
	}

	// CLI 启动遵循“配置 → 偏好与磁盘缓存 → worker 与模式控制器 → Fiber server → 归档”顺序，
	// 管线在 worker 可达后才恢复投递模式。
	r, err := newReader(cfg, logger, listenAddr)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化阅读器失败: %v\n", err)
		return 1
	}
	defer r.close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen"] = r.baseURL
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := r.openArchives(); err != nil {
		logger.WithFields(logrus.Fields{"action": "archive_open"}).WithError(err).Warn("no archive loaded")
	}
	r.restoreMode(ctx, opts.mode != "")

	if opts.oneShot() {
		return runOneShot(ctx, r, opts)
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   r.baseURL,
	}).Info("Fiber 服务启动")
	select {
	case <-ctx.Done():
	case err := <-r.serveErr:
		if err != nil {
			fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
			return 1
		}
	}
	return 0
}

func runOneShot(ctx context.Context, r *reader, opts cliOptions) int {
	if err := r.waitArchive(ctx); err != nil {
		fmt.Fprintf(stdErr, "归档不可用: %v\n", err)
		return 1
	}

	if opts.search != "" {
		res, err := r.pipeline.Search(ctx, opts.search)
		if err != nil {
			fmt.Fprintf(stdErr, "搜索失败: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdOut, res.Message)
		for _, entry := range res.Entries {
			fmt.Fprintf(stdOut, "%s\t%s\n", entry.FullPath(), entry.TitleOrPath())
		}
		return 0
	}

	var err error
	if opts.random {
		_, err = r.pipeline.Random(ctx)
	} else {
		_, err = r.pipeline.Request(ctx, opts.article, pipeline.RequestOptions{})
	}
	if err != nil {
		fmt.Fprintf(stdErr, "渲染失败: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdOut, r.surface.Snapshot().HTML)
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("zimview", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		article    string
		search     string
		random     bool
		modeFlag   string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ZIMVIEW_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&article, "article", "", "渲染指定条目（如 A/Cat）并输出到 stdout")
	fs.StringVar(&search, "search", "", "按前缀搜索条目并输出结果列表")
	fs.BoolVar(&random, "random", false, "渲染随机文章")
	fs.StringVar(&modeFlag, "mode", "", "覆盖投递模式 direct|intercepted")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if modeFlag != "" {
		if _, ok := mode.Parse(modeFlag); !ok {
			return cliOptions{}, errors.New("解析参数失败: -mode 仅支持 direct/intercepted")
		}
	}

	path := os.Getenv("ZIMVIEW_CONFIG")
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
		article:     article,
		search:      search,
		random:      random,
		mode:        modeFlag,
	}, nil
}

func shutdownApp(app *fiber.App, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("Fiber 服务关闭失败")
	}
}
