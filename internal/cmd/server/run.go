// Package serverrun boots the full node: runtime, interpreter, supervisor
// and the HTTP boundary, wired for a single process.
package serverrun

import (
	"context"
	"sync"

	"github.com/CalBearKen/ProjectPidgeon/internal/config"
	"github.com/CalBearKen/ProjectPidgeon/internal/runtime"
	httpserver "github.com/CalBearKen/ProjectPidgeon/internal/server/http"
	"github.com/CalBearKen/ProjectPidgeon/pkg/log"
)

// Options for one server process.
type Options struct {
	HTTPAddr string
	Config   config.Config
	Logger   log.Logger
}

// Run blocks until ctx is cancelled, then drains the runtime.
func Run(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	rt, err := runtime.Open(opts.Config, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(context.Background()); cerr != nil {
			logger.Error("Runtime close failed", log.Err(cerr))
		}
	}()

	addr := opts.HTTPAddr
	if addr == "" {
		addr = opts.Config.Server.Addr
	}
	srv := httpserver.New(rt)

	// Either loop failing tears the whole process down.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := rt.Run(ctx); err != nil {
			errCh <- err
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		logger.Info("HTTP listening", log.F("addr", addr))
		if err := srv.ListenAndServe(ctx, addr); err != nil {
			errCh <- err
			cancel()
		}
	}()
	wg.Wait()
	srv.Close()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
