// Package server wires a parsed configuration into running data sources,
// request handlers, and the HTTP/TFTP listeners, and owns their combined
// lifecycle (spec.md §5 "Concurrency" / §6 "Server bootstrap"). Grounded
// on the teacher's cmd/mount.go bootstrap sequence: build the pieces,
// start them, wait for a shutdown signal, tear them down.
package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/vinegar-boot/vinegar/internal/config"
	"github.com/vinegar-boot/vinegar/internal/datasource"
	"github.com/vinegar-boot/vinegar/internal/datasource/sqlitesource"
	"github.com/vinegar-boot/vinegar/internal/datasource/textfile"
	"github.com/vinegar-boot/vinegar/internal/datasource/yamltarget"
	"github.com/vinegar-boot/vinegar/internal/handler"
	"github.com/vinegar-boot/vinegar/internal/httpd"
	"github.com/vinegar-boot/vinegar/internal/store"
	"github.com/vinegar-boot/vinegar/internal/tftp"
	"github.com/vinegar-boot/vinegar/internal/verr"
	"github.com/vinegar-boot/vinegar/internal/vfs"
)

// Server owns one fully wired Vinegar instance: its data sources, both
// protocol listeners, and whatever needs closing on shutdown.
type Server struct {
	closers []io.Closer

	http *httpd.Server
	tftp *tftp.Server
}

// New builds every component named in cfg but does not start serving.
func New(cfg *config.Config, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}

	sources := make([]datasource.DataSource, 0, len(cfg.DataSources))
	var closers []io.Closer
	for _, dsCfg := range cfg.DataSources {
		src, closer, err := buildDataSource(dsCfg, logger)
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		sources = append(sources, src)
		if closer != nil {
			closers = append(closers, closer)
		}
	}
	composite := datasource.NewComposite(sources, cfg.DataSourcesMergeLists)

	s := &Server{closers: closers}

	httpHandlers, hClosers, err := buildHandlers(cfg.HTTP.RequestHandlers, composite)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	closers = append(closers, hClosers...)
	s.closers = closers
	httpSrv, err := httpd.New(httpd.Config{
		BindAddress: cfg.HTTP.BindAddress,
		BindPort:    cfg.HTTP.BindPort,
		Handlers:    httpHandlers,
		Logger:      log.New(logger.Writer(), "httpd: ", log.LstdFlags),
	})
	if err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("start http listener: %w", err)
	}
	s.http = httpSrv

	tftpHandlers, tClosers, err := buildHandlers(cfg.TFTP.RequestHandlers, composite)
	if err != nil {
		httpSrv.Shutdown()
		closeAll(closers)
		return nil, err
	}
	closers = append(closers, tClosers...)
	s.closers = closers
	tftpSrv, err := tftp.New(tftp.Config{
		BindAddress: cfg.TFTP.BindAddress,
		BindPort:    cfg.TFTP.BindPort,
		Handlers:    tftpHandlers,
		Logger:      log.New(logger.Writer(), "tftp: ", log.LstdFlags),
	})
	if err != nil {
		httpSrv.Shutdown()
		closeAll(closers)
		return nil, fmt.Errorf("start tftp listener: %w", err)
	}
	s.tftp = tftpSrv

	return s, nil
}

// Serve runs the HTTP and TFTP listeners until Shutdown is called,
// returning the first non-benign error either reports (spec.md §5 "one
// task per protocol listener, one task per in-flight transfer").
func (s *Server) Serve() error {
	errs := make(chan error, 2)
	go func() { errs <- s.http.Serve() }()
	go func() { errs <- s.tftp.Serve() }()

	first := <-errs
	second := <-errs
	if first != nil && !isShutdownErr(first) {
		return first
	}
	if second != nil && !isShutdownErr(second) {
		return second
	}
	return nil
}

// Shutdown stops both listeners, waits out their grace periods, and
// closes every data source that owns a resource (spec.md §5
// "Cancellation").
func (s *Server) Shutdown() error {
	httpErr := s.http.Shutdown()
	tftpErr := s.tftp.Shutdown()
	closeAll(s.closers)
	if httpErr != nil {
		return httpErr
	}
	return tftpErr
}

func isShutdownErr(err error) bool {
	return errors.Is(err, http.ErrServerClosed)
}

func buildDataSource(cfg config.DataSourceConfig, logger *log.Logger) (datasource.DataSource, io.Closer, error) {
	switch cfg.Name {
	case "text_file":
		src, err := textfile.New(cfg.Name, cfg.TextFile, logger)
		return src, nil, wrapConfigErr("text_file", err)
	case "yaml_target":
		fs := vfs.New(cfg.YAMLTarget.RootDir)
		src, err := yamltarget.New(cfg.Name, cfg.YAMLTarget, fs)
		return src, nil, wrapConfigErr("yaml_target", err)
	case "sqlite":
		src, err := sqlitesource.New(cfg.Name, cfg.SQLite)
		if err != nil {
			return nil, nil, wrapConfigErr("sqlite", err)
		}
		return src, src, nil
	default:
		return nil, nil, verr.NewConfigError(fmt.Sprintf("unknown data source type %q", cfg.Name), nil)
	}
}

func wrapConfigErr(kind string, err error) error {
	if err == nil {
		return nil
	}
	return verr.NewConfigError(fmt.Sprintf("%s data source", kind), err)
}

// buildHandlers builds every configured handler and collects any
// io.Closer each one needs released on shutdown (e.g. a sqlite_update
// handler's own store.Store, separate from a sqlite data source's).
func buildHandlers(cfgs []config.HandlerConfig, composite *datasource.Composite) ([]handler.Handler, []io.Closer, error) {
	handlers := make([]handler.Handler, 0, len(cfgs))
	var closers []io.Closer
	for _, hc := range cfgs {
		h, closer, err := buildHandler(hc, composite)
		if err != nil {
			closeAll(closers)
			return nil, nil, err
		}
		handlers = append(handlers, h)
		if closer != nil {
			closers = append(closers, closer)
		}
	}
	return handlers, closers, nil
}

func buildHandler(cfg config.HandlerConfig, composite *datasource.Composite) (handler.Handler, io.Closer, error) {
	switch cfg.Name {
	case "file":
		fileCfg := cfg.ToFileConfig()
		if fileCfg.RootDir == "" {
			return nil, nil, verr.NewConfigError("file handler: root_dir is required", nil)
		}
		h, err := handler.NewFile(fileCfg, composite, vfs.New(fileCfg.RootDir))
		return h, nil, err
	case "sqlite_update":
		updateCfg := cfg.ToSQLiteUpdateConfig()
		if cfg.DBFile == "" {
			return nil, nil, verr.NewConfigError("sqlite_update handler: db_file is required", nil)
		}
		st, err := store.Open(cfg.DBFile)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite_update handler: open %s: %w", cfg.DBFile, err)
		}
		h, err := handler.NewSQLiteUpdate(updateCfg, st, composite)
		if err != nil {
			st.Close()
			return nil, nil, err
		}
		return h, st, nil
	default:
		return nil, nil, verr.NewConfigError(fmt.Sprintf("unknown request handler type %q", cfg.Name), nil)
	}
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
