package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dpaschal/meshd/pkg/config"
	"github.com/dpaschal/meshd/pkg/log"
	"github.com/dpaschal/meshd/pkg/manager"
	"github.com/dpaschal/meshd/pkg/metrics"
	"github.com/dpaschal/meshd/pkg/plugin"
	"github.com/dpaschal/meshd/pkg/rpc"
	"github.com/dpaschal/meshd/pkg/storage"
	"github.com/dpaschal/meshd/pkg/types"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "meshd",
	Short: "meshd - distributed task and workflow orchestrator",
	Long: `meshd turns a handful of machines into a single task runner:
a raft-replicated control plane schedules tasks and workflow DAGs onto
worker nodes, retries failures with backoff and dead-letters the rest.

Every node runs the same binary; any node can serve the API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"meshd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", "127.0.0.1:8080", "Address of a meshd API server")

	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(updateCmd)
}

// client dials the API server named by --server
func client(cmd *cobra.Command) (*rpc.ClusterClient, *grpc.ClientConn, error) {
	addr, _ := cmd.Flags().GetString("server")
	conn, err := rpc.Dial(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %v", addr, err)
	}
	return rpc.NewClusterClient(conn), conn, nil
}

// Cluster commands

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage the meshd cluster",
}

var clusterInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new cluster",
	Long: `Initialize a new meshd cluster with this node as the first member.

The node bootstraps a single-node raft quorum and starts scheduling;
further nodes join with 'meshd cluster join'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd, "", "")
	},
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join ADDRESS",
	Short: "Join this node to an existing cluster",
	Long: `Join this node to the cluster reachable at ADDRESS.

With a token from 'meshd cluster join-token' the node is activated
immediately; without one it waits for operator approval unless its tags
match the cluster's auto-approve rules.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		return runDaemon(cmd, args[0], token)
	},
}

var clusterJoinTokenCmd = &cobra.Command{
	Use:   "join-token",
	Short: "Generate a join token on the current leader",
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")

		c, conn, err := client(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := c.GenerateJoinToken(ctx, &rpc.GenerateTokenRequest{TTLMs: ttl.Milliseconds()})
		if err != nil {
			return err
		}

		fmt.Printf("Token:   %s\n", resp.Token)
		fmt.Printf("Expires: %s\n", resp.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	clusterCmd.AddCommand(clusterInitCmd)
	clusterCmd.AddCommand(clusterJoinCmd)
	clusterCmd.AddCommand(clusterJoinTokenCmd)

	for _, cmd := range []*cobra.Command{clusterInitCmd, clusterJoinCmd} {
		cmd.Flags().StringP("config", "c", "", "Path to a YAML config file")
		cmd.Flags().String("node-id", "", "Unique node ID")
		cmd.Flags().String("bind-addr", "", "Address for raft communication")
		cmd.Flags().String("api-addr", "", "Address for the gRPC API")
		cmd.Flags().String("data-dir", "", "Data directory for cluster state")
		cmd.Flags().StringSlice("tag", nil, "Node tag (repeatable)")
		cmd.Flags().String("log-level", "info", "Log level (debug|info|warn|error)")
		cmd.Flags().Bool("log-json", false, "Emit JSON logs")
	}
	clusterJoinCmd.Flags().String("token", "", "Join token from the leader")
	clusterJoinTokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
}

// loadConfig layers CLI flags over the config file over the defaults
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("bind-addr"); v != "" {
		cfg.BindAddr = v
	}
	if v, _ := cmd.Flags().GetString("api-addr"); v != "" {
		cfg.APIAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetStringSlice("tag"); len(v) > 0 {
		cfg.Tags = append(cfg.Tags, v...)
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runDaemon starts the full node: store, manager, gRPC services, metrics
// endpoint and plugins, then blocks until a signal. joinAddr == "" means
// bootstrap a fresh cluster.
func runDaemon(cmd *cobra.Command, joinAddr, token string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(config.ExitConfigError)
	}

	level, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	logger := log.WithNodeID(cfg.NodeID)

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open store: %v\n", err)
		os.Exit(config.ExitStorageError)
	}

	mgr := manager.New(cfg, store)

	lis, err := net.Listen("tcp", cfg.APIAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", cfg.APIAddr, err)
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		rpc.LoggingInterceptor(),
		rpc.ErrorInterceptor(),
	))
	rpc.RegisterClusterServer(grpcServer, mgr)
	rpc.RegisterWorkerServer(grpcServer, mgr.Agent())
	rpc.RegisterUpdaterServer(grpcServer, mgr.Updater())

	errCh := make(chan error, 1)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("API server error: %v", err)
		}
	}()
	logger.Info().Str("addr", cfg.APIAddr).Msg("API server listening")

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn().Err(err).Msg("metrics server error")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint up")
	}

	ctx := context.Background()

	loader := plugin.NewLoader(cfg, store, mgr.Executors())
	loader.Load(ctx)
	if tools := loader.Tools(); len(tools) > 0 {
		names := make([]string, len(tools))
		for i, t := range tools {
			names[i] = t.Name
		}
		logger.Info().Strs("tools", names).Msg("plugin tools registered")
	}

	if joinAddr == "" {
		if err := mgr.Bootstrap(ctx); err != nil {
			return fmt.Errorf("failed to bootstrap cluster: %v", err)
		}
		logger.Info().Msg("cluster initialized")
	} else {
		if err := mgr.Join(ctx, joinAddr, token); err != nil {
			if errors.Is(err, types.ErrTimeout) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(config.ExitJoinTimeout)
			}
			return fmt.Errorf("failed to join cluster: %v", err)
		}
	}

	fmt.Println("meshd is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	loader.Stop(ctx)
	grpcServer.GracefulStop()
	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Shutdown(sctx)
		cancel()
	}
	if err := mgr.Stop(); err != nil {
		return fmt.Errorf("failed to shut down: %v", err)
	}

	fmt.Println("Shutdown complete")
	return nil
}

// joinTags renders a tag list for table output
func joinTags(tags []string) string {
	if len(tags) == 0 {
		return "-"
	}
	return strings.Join(tags, ",")
}
