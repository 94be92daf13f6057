package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/spec-kit/isp-console/internal/config"
	"github.com/spec-kit/isp-console/internal/identity/client"
	"github.com/spec-kit/isp-console/internal/lifecycle"
	"github.com/spec-kit/isp-console/internal/observability"
	"github.com/spec-kit/isp-console/internal/session"
)

const usage = "commands: login <email> <password> | logout | refresh | go <path> | state | quit"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger, "console")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := client.New(client.Options{
		BaseURL:    cfg.Console.APIURL,
		Timeout:    cfg.Session.ProviderTimeout(),
		CookieName: cfg.Auth.CookieName,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("failed to build identity client", zap.Error(err))
	}

	routes := lifecycle.RoutesFromConfig(*cfg)
	initialPath := routes.DashboardPath
	if len(os.Args) > 1 {
		initialPath = os.Args[1]
	}

	browser := session.NavigatorFunc(func(target string) {
		logger.Info("navigate", zap.String("path", target))
	})
	notices := lifecycle.NotifierFunc(func(n lifecycle.Notice) {
		logger.Warn("notice", zap.String("kind", string(n.Kind)), zap.String("message", n.Message))
	})

	// The store redirects through the coordinator; the coordinator reads the store.
	var coordinator *lifecycle.Coordinator
	store := session.NewStore(provider, session.NavigatorFunc(func(target string) {
		coordinator.Navigate(target)
	}), logger, session.Options{ProviderTimeout: cfg.Session.ProviderTimeout()})
	coordinator = lifecycle.NewCoordinator(store, browser, notices, logger, initialPath, lifecycle.Config{
		Routes:     routes,
		IdleWindow: cfg.Session.IdleTimeout(),
	})

	if err := store.Start(ctx); err != nil {
		logger.Warn("session store started signed out", zap.Error(err))
	}

	var wg conc.WaitGroup
	runCtx, cancelRun := context.WithCancel(ctx)
	wg.Go(func() {
		if err := coordinator.Run(runCtx); err != nil {
			logger.Error("coordinator stopped", zap.Error(err))
		}
	})

	sh := &shell{store: store, coord: coordinator, provider: provider, routes: routes, logger: logger}
	lines := make(chan string)
	go readLines(os.Stdin, lines)

	fmt.Println(usage)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			coordinator.Touch()
			if quit := sh.handle(ctx, line); quit {
				break loop
			}
		}
	}

	cancelRun()
	wg.Wait()
	store.Close()
	logger.Info("console stopped")
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// shell maps stdin commands onto the session runtime.
type shell struct {
	store    *session.Store
	coord    *lifecycle.Coordinator
	provider *client.Client
	routes   lifecycle.Routes
	logger   *zap.Logger
}

func (s *shell) handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "login":
		if len(fields) != 3 {
			fmt.Println("usage: login <email> <password>")
			return false
		}
		err := s.store.Login(ctx, session.Credentials{ID: fields[1], Secret: fields[2]})
		var rejected *session.CredentialError
		switch {
		case errors.As(err, &rejected):
			fmt.Printf("login rejected: %s\n", rejected.Reason)
		case err != nil:
			s.logger.Error("login failed", zap.Error(err))
		}
	case "logout":
		if err := s.store.Logout(ctx, s.routes.LoginPath); err != nil {
			s.logger.Warn("logout incomplete", zap.Error(err))
		}
	case "refresh":
		if _, err := s.provider.Refresh(ctx); err != nil {
			s.logger.Warn("refresh failed", zap.Error(err))
		}
	case "go":
		if len(fields) != 2 || !strings.HasPrefix(fields[1], "/") {
			fmt.Println("usage: go <path>")
			return false
		}
		s.coord.Navigate(fields[1])
	case "state":
		st := s.store.State()
		user := "-"
		if st.User != nil {
			user = st.User.Email
		}
		d := s.coord.Decision()
		fmt.Printf("status=%s user=%s path=%s decision=%s idle_armed=%t\n",
			st.Status, user, s.coord.Path(), d.Action, s.coord.IdleArmed())
	case "quit", "exit":
		return true
	default:
		fmt.Println(usage)
	}
	return false
}
