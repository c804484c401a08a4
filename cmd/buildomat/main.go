package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"buildomat/internal/archive"
	"buildomat/internal/blobstore"
	"buildomat/internal/config"
	"buildomat/internal/files"
	"buildomat/internal/server"
	"buildomat/internal/storage"
	"buildomat/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "buildomat",
		Short:   "Build job control plane",
		Version: version.Version,
	}

	rootCmd.AddCommand(
		serverCmd(),
		userCmd(),
		factoryCmd(),
		targetCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the control plane server",
		RunE:  runServer,
	}
	cmd.Flags().StringP("config", "c", "", "Path to config file")
	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	if env := os.Getenv("BUILDOMAT_CONFIG"); path == "" && env != "" {
		path = env
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	log := slog.Default()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	log.Info("opening database",
		"path", filepath.Join(cfg.DataDir, "data.sqlite3"))
	store, err := storage.New(filepath.Join(cfg.DataDir, "data.sqlite3"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	var blob blobstore.Store
	if cfg.Storage.Bucket != "" {
		blob, err = blobstore.NewS3Store(context.Background(), blobstore.S3Config{
			Region:          cfg.Storage.Region,
			Bucket:          cfg.Storage.Bucket,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			Endpoint:        cfg.Storage.Endpoint,
		})
		if err != nil {
			return fmt.Errorf("open blob store: %w", err)
		}
	} else {
		log.Warn("no bucket configured; using local filesystem blob store")
		if blob, err = blobstore.NewFSStore(
			filepath.Join(cfg.DataDir, "blobs")); err != nil {
			return fmt.Errorf("open blob store: %w", err)
		}
	}

	staging := files.New(cfg.DataDir, store, log.With("component", "files"))
	staging.Start()
	defer staging.Stop()

	arch := archive.New(store, staging, blob, cfg.DataDir,
		cfg.Storage.Prefix, cfg.Archive.Grace.Duration(),
		log.With("component", "archive"))
	arch.Start()
	defer arch.Stop()

	central := server.New(cfg, store, staging, blob, arch,
		log.With("component", "server"))

	dispatcher := server.NewDispatcher(central)
	dispatcher.Start()
	defer dispatcher.Stop()

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return central.Serve(ctx)
}

// openStore is shared by the offline administrative subcommands.
func openStore(cmd *cobra.Command) (*storage.Store, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if env := os.Getenv("BUILDOMAT_DATA_DIR"); dataDir == "" && env != "" {
		dataDir = env
	}
	if dataDir == "" {
		return nil, fmt.Errorf("--data-dir is required")
	}
	return storage.New(filepath.Join(dataDir, "data.sqlite3"))
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a user and print its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			u, token, err := store.UserCreate(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("id:    %s\n", u.ID)
			fmt.Printf("token: %s\n", token)
			return nil
		},
	}
	create.Flags().String("data-dir", "", "Server data directory")

	grant := &cobra.Command{
		Use:   "grant <name> <privilege>",
		Short: "Grant a privilege to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			u, err := store.UserByName(args[0])
			if err != nil {
				return err
			}
			return store.UserPrivilegeGrant(u.ID, args[1])
		},
	}
	grant.Flags().String("data-dir", "", "Server data directory")

	cmd.AddCommand(create, grant)
	return cmd
}

func factoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "factory",
		Short: "Manage factories",
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a factory and print its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			f, token, err := store.FactoryCreate(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("id:    %s\n", f.ID)
			fmt.Printf("token: %s\n", token)
			return nil
		},
	}
	create.Flags().String("data-dir", "", "Server data directory")

	cmd.AddCommand(create)
	return cmd
}

func targetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Manage targets",
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			t, err := store.TargetCreate(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("id: %s\n", t.ID)
			return nil
		},
	}
	create.Flags().String("data-dir", "", "Server data directory")

	cmd.AddCommand(create)
	return cmd
}
