package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/realartists/shiphub-sync/config"
	"github.com/realartists/shiphub-sync/internal/actor"
	"github.com/realartists/shiphub-sync/internal/api"
	"github.com/realartists/shiphub-sync/internal/changes"
	"github.com/realartists/shiphub-sync/internal/credentials"
	"github.com/realartists/shiphub-sync/internal/models"
	"github.com/realartists/shiphub-sync/internal/store"
	"github.com/realartists/shiphub-sync/internal/sync"
	"github.com/realartists/shiphub-sync/internal/webhook"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "shiphub-sync",
		Short:        "Mirrors GitHub issue state into a local database",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.json", "path to configuration file")

	root.AddCommand(initCmd(), bootstrapCmd(), serveCmd(), syncCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultConfig(configPath); err != nil {
				return err
			}
			log.Printf("Created configuration at %s", configPath)
			return nil
		},
	}
}

func bootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap <token>",
		Short: "Register a user account from a GitHub API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			cred, err := bootstrapToken(cmd.Context(), cfg, st, args[0])
			if err != nil {
				return err
			}
			log.Printf("Registered %s (%d)", cred.Login, cred.UserID)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service and webhook endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <owner/name>",
		Short: "Run one sync pass for a single repository and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return syncOnce(cmd.Context(), cfg, args[0])
		},
	}
}

func syncOnce(ctx context.Context, cfg *config.Config, fullName string) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	cache := credentials.NewCache(clientFactory(cfg))
	runtime := actor.NewRuntime(time.Duration(cfg.SyncDelaySeconds) * time.Second)
	deps := &sync.Deps{
		Store:    st,
		Clients:  cache,
		Runtime:  runtime,
		Notifier: changes.LogNotifier{},
		Billing:  sync.LogBilling{},
		// One-shot runs should not register hooks.
		Provisioner: sync.LogProvisioner{},
	}
	sync.Register(runtime, deps)

	repo, err := st.GetRepositoryByFullName(ctx, fullName)
	if err != nil {
		return err
	}
	if repo == nil {
		if repo, err = adoptRepository(ctx, cfg, st, fullName); err != nil {
			return err
		}
	}

	// Activation runs the first poll cycle before any invoked command, so
	// a no-op invoke returns once the pass has finished.
	err = runtime.Invoke(ctx, sync.RepoKey(repo.ID), func(context.Context, actor.Worker) error {
		return nil
	})
	if err != nil {
		return err
	}
	runtime.Shutdown(ctx)
	return nil
}

// adoptRepository fetches a repository this database has never seen and
// records the fetching credential as its initial poll candidate. The
// assignee sync corrects access on the first pass.
func adoptRepository(ctx context.Context, cfg *config.Config, st *store.Store, fullName string) (*models.Repository, error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok {
		return nil, fmt.Errorf("repository must be named owner/name, got %q", fullName)
	}
	creds, err := st.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, credentials.ErrNoCredentials
	}
	cred := creds[0]

	client := clientFactory(cfg)(cred.Token)
	res, err := client.Repository(ctx, api.PriorityInteractive, owner, name, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", fullName, err)
	}
	if account := api.ConvertAccount(res.Payload.GetOwner()); account != nil {
		if _, err := st.UpsertAccount(ctx, account); err != nil {
			return nil, err
		}
	}
	repo := api.ConvertRepository(res.Payload)
	if _, err := st.UpsertRepository(ctx, repo); err != nil {
		return nil, err
	}
	if err := st.SetRepoAccess(ctx, repo.ID, cred.UserID, true); err != nil {
		return nil, err
	}
	return repo, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	cache := credentials.NewCache(clientFactory(cfg))
	runtime := actor.NewRuntime(time.Duration(cfg.SyncDelaySeconds) * time.Second)
	notifier := changes.LogNotifier{}

	deps := &sync.Deps{
		Store:       st,
		Clients:     cache,
		Runtime:     runtime,
		Notifier:    notifier,
		Billing:     sync.LogBilling{},
		Provisioner: webhook.NewProvisioner(st, cache, cfg.PublicURL),
	}
	sync.Register(runtime, deps)

	// Seed tokens from configuration turn into accounts before anything
	// starts polling.
	for _, token := range cfg.GitHubTokens {
		if _, err := bootstrapToken(ctx, cfg, st, token); err != nil {
			log.Printf("Failed to bootstrap seed token: %v", err)
		}
	}

	// Wake every credentialed user; their actors fan interest out to
	// the organizations and repositories they can see.
	creds, err := st.ListCredentials(ctx)
	if err != nil {
		return err
	}
	for _, cred := range creds {
		if err := runtime.SignalInterest(ctx, sync.UserKey(cred.UserID)); err != nil {
			log.Printf("Failed to wake user %s: %v", cred.Login, err)
		}
		if err := runtime.SignalInterest(ctx, sync.MentionsKey(cred.UserID)); err != nil {
			log.Printf("Failed to wake mentions for %s: %v", cred.Login, err)
		}
	}

	handler := webhook.NewHandler(st, runtime, notifier)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: webhook.NewServer(st, handler),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Webhook endpoint listening on %s", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Webhook shutdown: %v", err)
	}
	runtime.Shutdown(shutdownCtx)
	return nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := st.Initialize(); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return st, nil
}

func clientFactory(cfg *config.Config) credentials.Factory {
	return func(token string) *api.Client {
		if cfg.GitHubBaseURL != "" {
			return api.NewClientWithBaseURL(token, cfg.GitHubBaseURL)
		}
		return api.NewClient(token)
	}
}

// bootstrapToken resolves a token to its owning account and stores the
// credential, creating the account row if this user is new.
func bootstrapToken(ctx context.Context, cfg *config.Config, st *store.Store, token string) (*models.Credential, error) {
	client := clientFactory(cfg)(token)
	res, err := client.AuthenticatedUser(ctx, api.PriorityInteractive, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token owner: %w", err)
	}
	account := api.ConvertAccount(res.Payload)
	if account == nil {
		return nil, fmt.Errorf("token resolved to no account")
	}
	if _, err := st.UpsertAccount(ctx, account); err != nil {
		return nil, err
	}
	if err := st.SetAccountToken(ctx, account.ID, token); err != nil {
		return nil, err
	}
	return &models.Credential{UserID: account.ID, Login: account.Login, Token: token}, nil
}
