package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/zimview/internal/archive"
	"github.com/any-hub/zimview/internal/assetcache"
	"github.com/any-hub/zimview/internal/cache"
	"github.com/any-hub/zimview/internal/config"
	"github.com/any-hub/zimview/internal/guard"
	"github.com/any-hub/zimview/internal/mode"
	"github.com/any-hub/zimview/internal/pipeline"
	"github.com/any-hub/zimview/internal/prefs"
	"github.com/any-hub/zimview/internal/server"
	"github.com/any-hub/zimview/internal/server/routes"
	"github.com/any-hub/zimview/internal/surface"
	"github.com/any-hub/zimview/internal/worker"
)

// reader 持有一次进程生命周期内的全部运行时组件。
type reader struct {
	cfg    *config.Config
	logger *logrus.Logger

	prefs    *prefs.File
	archives *archive.Holder
	worker   *worker.Worker
	modes    *mode.Controller
	surface  *surface.Headless
	pipeline *pipeline.Pipeline

	app      *fiber.App
	baseURL  string
	serveErr chan error
	current  *archive.Dir
}

// newReader 组装 worker、模式控制器与 Fiber 服务，并在 addr 上开始监听。
func newReader(cfg *config.Config, logger *logrus.Logger, addr string) (*reader, error) {
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	prefStore, err := prefs.OpenFile(cfg.Global.PrefsPath)
	if err != nil {
		return nil, fmt.Errorf("加载偏好失败: %w", err)
	}

	assets := assetcache.New(prefs.Bool(prefStore, prefs.KeyUseCache, cfg.Reader.UseCache))
	w := worker.New(worker.Options{
		Store:          store,
		Logger:         logger,
		ContentTimeout: cfg.Reader.ContentTimeout.DurationValue(),
	})
	holder := archive.NewHolder(nil)
	responder := pipeline.NewResponder(holder, logger)

	keepalive := cfg.Reader.KeepaliveInterval.DurationValue()
	if !cfg.Reader.KeepaliveEnabled() {
		keepalive = 0
	}
	modes := mode.New(mode.Options{
		Runtime:          w,
		Cache:            assets,
		Prefs:            prefStore,
		Logger:           logger,
		Handler:          responder.Handle,
		Keepalive:        keepalive,
		HandshakeTimeout: cfg.Reader.HandshakeTimeout.DurationValue(),
	})

	app, err := server.NewApp(server.AppOptions{
		Logger:      logger,
		Interceptor: w.Handle,
	})
	if err != nil {
		modes.Close()
		return nil, fmt.Errorf("构建 Fiber 应用失败: %w", err)
	}
	routes.RegisterDiagnosticsRoutes(app, routes.Diagnostics{
		Modes:            modes,
		Worker:           w,
		Archives:         holder,
		MaxSearchResults: cfg.Reader.MaxSearchResults,
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		modes.Close()
		return nil, fmt.Errorf("监听 %s 失败: %w", addr, err)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	r := &reader{
		cfg:      cfg,
		logger:   logger,
		prefs:    prefStore,
		archives: holder,
		worker:   w,
		modes:    modes,
		app:      app,
		baseURL:  baseURLFor(ln.Addr()),
		serveErr: serveErr,
	}
	r.surface = surface.NewHeadless(server.NewSurfaceClient(cfg), logger)
	r.pipeline, err = pipeline.New(pipeline.Options{
		Archives:                 holder,
		Surface:                  r.surface,
		Modes:                    modes,
		Guard:                    guard.New(cfg.Reader.AbortSuperseded),
		Prefs:                    prefStore,
		Logger:                   logger,
		Listener:                 eventLogger(logger),
		Theme:                    cfg.Reader.Theme,
		BaseURL:                  r.baseURL,
		MaxSearchResults:         cfg.Reader.MaxSearchResults,
		HideActiveContentWarning: cfg.Reader.HideActiveContentWarning,
	})
	if err != nil {
		r.close()
		return nil, err
	}
	return r, nil
}

// openArchives 扫描 ArchivePath，记录归档列表并打开上次选择的归档。
func (r *reader) openArchives() error {
	root := r.cfg.Global.ArchivePath
	if root == "" {
		return errors.New("ArchivePath 未配置")
	}
	found, err := archive.Discover(root)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return fmt.Errorf("%s 下没有可用归档", root)
	}

	names := make([]string, 0, len(found))
	for _, dir := range found {
		names = append(names, filepath.Base(dir))
	}
	if err := prefs.SetArchives(r.prefs, names); err != nil {
		r.logger.WithFields(logrus.Fields{"action": "archive_list"}).WithError(err).Warn("persist archive list failed")
	}

	selected := found[0]
	if last, ok := r.prefs.Get(prefs.KeyLastArchive); ok {
		for i, name := range names {
			if name == last {
				selected = found[i]
				break
			}
		}
	}

	dir, err := archive.OpenDir(selected, r.logger)
	if err != nil {
		return err
	}
	r.current = dir
	r.pipeline.SetArchive(dir)
	return nil
}

// waitArchive blocks until the selected archive finished indexing.
func (r *reader) waitArchive(ctx context.Context) error {
	if r.current == nil {
		return archive.ErrNotReady
	}
	return r.current.Wait(ctx)
}

// restoreMode 恢复持久化的投递模式；CLI 显式指定 -mode 时直接切换，不读取偏好。
func (r *reader) restoreMode(ctx context.Context, explicit bool) {
	target, _ := mode.Parse(r.cfg.Reader.ContentMode)
	fields := logrus.Fields{"action": "mode_restore", "requested": string(target)}

	var err error
	if explicit {
		err = r.modes.SetMode(ctx, target)
	} else {
		_, err = r.modes.Restore(ctx, target)
	}
	fields["mode"] = string(r.modes.Current())
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Warn("mode restore failed, using direct mode")
		return
	}
	r.logger.WithFields(fields).Info("delivery mode restored")
}

func (r *reader) close() {
	r.modes.Close()
	shutdownApp(r.app, r.logger)
}

func baseURLFor(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "http://" + addr.String()
	}
	host := "127.0.0.1"
	if tcp.IP != nil && !tcp.IP.IsUnspecified() {
		host = tcp.IP.String()
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(tcp.Port)))
}

// eventLogger 把管线事件转成结构化日志，CLI 没有界面可供展示。
func eventLogger(logger *logrus.Logger) pipeline.Listener {
	return func(ev pipeline.Event) {
		entry := logger.WithFields(logrus.Fields{
			"action":     "pipeline_event",
			"kind":       string(ev.Kind),
			"identifier": ev.Identifier,
		})
		switch ev.Kind {
		case pipeline.EventError:
			entry.WithError(ev.Err).Warn(ev.Message)
		case pipeline.EventResultsReady:
			entry.WithField("count", ev.Count).Info(ev.Message)
		default:
			entry.Debug(ev.Message)
		}
	}
}
