package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

var (
	configPath string
	ephemeral  bool

	rootCmd = &cobra.Command{
		Use:          "offline0",
		Short:        "Offline-caching proxy driven by a versioned resource manifest",
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy in front of the origin",
		RunE:  runServe,
	}

	deployCmd = &cobra.Command{
		Use:   "deploy",
		Short: "Install and activate the configured manifest once, then exit",
		RunE:  runDeploy,
	}

	installCmd = &cobra.Command{
		Use:   "install",
		Short: "Stage the core set of the configured manifest without activating it",
		RunE:  runPhase(offline0.SignalInstall),
	}

	activateCmd = &cobra.Command{
		Use:   "activate",
		Short: "Reconcile the stores against the configured manifest from a prior install",
		RunE:  runPhase(offline0.SignalActivate),
	}

	primeCmd = &cobra.Command{
		Use:   "prime",
		Short: "Fetch every manifest resource missing from the content store",
		RunE:  runPrime,
	}

	storesCmd = &cobra.Command{
		Use:   "stores",
		Short: "List cache stores and their entry counts",
		RunE:  runStores,
	}

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Delete every store carrying the configured prefix",
		RunE:  runReset,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")
	serveCmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "keep caches in memory only")
	rootCmd.AddCommand(serveCmd, deployCmd, installCmd, activateCmd, primeCmd, storesCmd, resetCmd)
}

func loadConfig() (offline0.Config, error) {
	cfg, err := offline0.LoadConfig(configPath)
	if err != nil {
		return offline0.Config{}, fmt.Errorf("load config: %w", err)
	}
	if ephemeral {
		cfg.Storage.Ephemeral = true
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	svc, err := offline0.NewService(cfg)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("offline0 listening on %s, origin=%s", addr, cfg.Server.Origin)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// withSet runs fn against the configured cache set.
func withSet(fn func(cfg offline0.Config, set *offline0.CacheSet) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	set, err := offline0.OpenCacheSet(cfg.StoragePath())
	if err != nil {
		return err
	}
	defer set.Close()
	return fn(cfg, set)
}

func runDeploy(cmd *cobra.Command, _ []string) error {
	return withSet(func(cfg offline0.Config, set *offline0.CacheSet) error {
		m, err := offline0.LoadManifest(cfg.Manifest.Path)
		if err != nil {
			return err
		}
		ac := cfg.AgentConfig()
		ac.SkipWaiting = true
		rt := offline0.NewRuntime(ac, set, cfg.Fetcher())
		if err := rt.Deploy(cmd.Context(), m); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deployed %s\n", m.Version)
		return nil
	})
}

// runPhase dispatches a single lifecycle signal to a detached agent for
// the configured manifest. Staging persists between install and activate.
func runPhase(sig offline0.Signal) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		return withSet(func(cfg offline0.Config, set *offline0.CacheSet) error {
			m, err := offline0.LoadManifest(cfg.Manifest.Path)
			if err != nil {
				return err
			}
			a, err := offline0.NewAgent(cfg.AgentConfig(), m, set, cfg.Fetcher(), nil)
			if err != nil {
				return err
			}
			if err := a.Dispatch(cmd.Context(), &offline0.Event{Signal: sig}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", sig, m.Version)
			return nil
		})
	}
}

func runPrime(cmd *cobra.Command, _ []string) error {
	return withSet(func(cfg offline0.Config, set *offline0.CacheSet) error {
		m, err := offline0.LoadManifest(cfg.Manifest.Path)
		if err != nil {
			return err
		}
		a, err := offline0.NewAgent(cfg.AgentConfig(), m, set, cfg.Fetcher(), nil)
		if err != nil {
			return err
		}
		ev := &offline0.Event{Signal: offline0.SignalMessage, Message: offline0.MessageDownloadOffline}
		if err := a.Dispatch(cmd.Context(), ev); err != nil {
			return err
		}
		ent, _, _ := ev.Response()
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(ent.Body)))
		return nil
	})
}

func runStores(cmd *cobra.Command, _ []string) error {
	return withSet(func(_ offline0.Config, set *offline0.CacheSet) error {
		names, err := set.Names()
		if err != nil {
			return err
		}
		for _, n := range names {
			c, err := set.Len(n)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", n, c)
		}
		return nil
	})
}

func runReset(cmd *cobra.Command, _ []string) error {
	return withSet(func(cfg offline0.Config, set *offline0.CacheSet) error {
		names, err := set.Names()
		if err != nil {
			return err
		}
		for _, n := range names {
			if !strings.HasPrefix(n, cfg.Cache.Prefix) {
				continue
			}
			if _, err := set.Delete(n); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", n)
		}
		return nil
	})
}
