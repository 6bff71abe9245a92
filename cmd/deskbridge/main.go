package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/deskbridge/circuit"
	"github.com/hrygo/deskbridge/conversation"
	"github.com/hrygo/deskbridge/coordinator"
	"github.com/hrygo/deskbridge/failover"
	"github.com/hrygo/deskbridge/fleet"
	"github.com/hrygo/deskbridge/internal/profile"
	"github.com/hrygo/deskbridge/internal/version"
	"github.com/hrygo/deskbridge/kv"
	"github.com/hrygo/deskbridge/metrics"
	"github.com/hrygo/deskbridge/queue"
	"github.com/hrygo/deskbridge/ratelimit"
	"github.com/hrygo/deskbridge/server"
	"github.com/hrygo/deskbridge/store"
	"github.com/hrygo/deskbridge/store/db"
	"github.com/hrygo/deskbridge/telegram"
)

var rootCmd = &cobra.Command{
	Use:   "deskbridge",
	Short: `A customer-support message broker bridging chat users to a shared support group through a fleet of bots.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Only load .env for direct binary execution (not when running as systemd service)
		// Systemd service uses /etc/deskbridge/config for environment variables
		if !isRunningAsSystemdService() {
			// Try to load .env file from current directory (ignore error if file doesn't exist)
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Addr:    viper.GetString("addr"),
			Port:    viper.GetInt("port"),
			Data:    viper.GetString("data"),
			Driver:  viper.GetString("driver"),
			DSN:     viper.GetString("dsn"),
			Version: version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dbDriver, err := db.NewDBDriver(instanceProfile)
		if err != nil {
			slog.Error("failed to create db driver", "error", err)
			return
		}

		storeInstance := store.New(dbDriver, instanceProfile)
		if err := storeInstance.Migrate(ctx); err != nil {
			slog.Error("failed to migrate", "error", err)
			return
		}
		defer storeInstance.Close()

		kvStore := kv.NewAuto(ctx, instanceProfile.RedisURL)
		defer kvStore.Close()

		m := metrics.New()
		circuits := circuit.NewManager(circuit.Config{
			FailureThreshold: instanceProfile.FailureThreshold,
			IsFailure:        telegram.IsBreakerFailure,
		})

		fleetManager := fleet.NewManager(kvStore, m, fleet.Config{
			ProbeInterval: instanceProfile.HealthCheckInterval,
		})
		for _, entry := range instanceProfile.FleetEntries() {
			breaker := circuits.Register(circuit.Config{
				Name:             entry.ID,
				FailureThreshold: instanceProfile.FailureThreshold,
				IsFailure:        telegram.IsBreakerFailure,
			})
			fleetManager.Add(fleet.BotConfig{
				ID:        entry.ID,
				Token:     entry.Token,
				Name:      entry.ID,
				Priority:  entry.Priority,
				MaxPerMin: instanceProfile.BotMaxPerMinute,
				Enabled:   true,
			}, telegram.New(entry.ID, entry.Token), breaker)
		}
		fleetManager.Start(ctx)
		defer fleetManager.Stop()

		failoverManager := failover.NewManager(fleetManager, kvStore, m, failover.Config{
			Threshold:        instanceProfile.FailureThreshold,
			RecoveryInterval: instanceProfile.RecoveryCheckInterval,
			AutoFailover:     instanceProfile.AutoFailoverEnabled,
		})
		failoverManager.Start(ctx)
		defer failoverManager.Stop()

		var rules []ratelimit.Rule
		if instanceProfile.RateLimitEnabled {
			rules = ratelimit.DefaultRules(
				instanceProfile.RateLimitUserMessages,
				instanceProfile.RateLimitWindow,
				instanceProfile.RateLimitBurst,
				instanceProfile.RateLimitPunishment,
			)
		}
		limiter, err := ratelimit.NewEngine(kvStore, rules...)
		if err != nil {
			slog.Error("failed to build rate limit engine", "error", err)
			return
		}

		q := queue.New(kvStore)

		convService := conversation.NewService(instanceProfile, storeInstance,
			fleetManager, kv.NewLocker(kvStore), m)

		coord := coordinator.New(coordinator.Config{
			SupportGroupID: instanceProfile.SupportGroupID,
			IsAdmin:        instanceProfile.IsAdmin,
		}, kvStore, limiter, coordinator.NewBalancer(fleetManager, kvStore), q, m)
		coord.SetNotifier(conversation.NewNotifier(convService, kvStore,
			instanceProfile.RateLimitNotifyCooldown))

		pool := coordinator.NewPool(q, convService, fleetManager, failoverManager,
			m, instanceProfile.WorkerCount)
		pool.Start(ctx)
		defer pool.Stop()

		s := server.NewServer(server.Deps{
			Profile:     instanceProfile,
			Store:       storeInstance,
			KV:          kvStore,
			Metrics:     m,
			Coordinator: coord,
			Fleet:       fleetManager,
			Circuits:    circuits,
			Failover:    failoverManager,
			Queue:       q,
			Limiter:     limiter,
		})

		c := make(chan os.Signal, 1)
		// Trigger graceful shutdown on SIGINT or SIGTERM.
		// The default signal sent by the `kill` command is SIGTERM,
		// which is taken as the graceful shutdown signal for many systems, eg., Kubernetes, Gunicorn.
		signal.Notify(c, terminationSignals...)

		if err := s.Start(ctx); err != nil {
			slog.Error("failed to start server", "error", err)
			return
		}

		printGreetings(instanceProfile)

		go func() {
			<-c
			s.Shutdown(ctx)
			cancel()
		}()

		// Wait for CTRL-C.
		<-ctx.Done()
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 28090)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28090, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver (postgres, sqlite)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name(aka. DSN)")

	for _, flag := range []string{"mode", "addr", "port", "data", "driver", "dsn"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("deskbridge")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(profile *profile.Profile) {
	fmt.Printf("DeskBridge %s started successfully!\n", profile.Version)

	if profile.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
		if profile.DSN != "" {
			fmt.Fprintf(os.Stderr, "Database: %s\n", profile.DSN)
		}
	}

	fmt.Printf("Data directory: %s\n", profile.Data)
	fmt.Printf("Database driver: %s\n", profile.Driver)
	fmt.Printf("Mode: %s\n", profile.Mode)
	fmt.Printf("Fleet size: %d\n", len(profile.FleetEntries()))

	if len(profile.Addr) == 0 {
		fmt.Printf("Server running on port %d\n", profile.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", profile.Addr, profile.Port)
	}
	if profile.PublicBaseURL != "" {
		fmt.Printf("Webhook URL: %s/webhook/%s\n",
			strings.TrimRight(profile.PublicBaseURL, "/"), profile.WebhookPath)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd
func isRunningAsSystemdService() bool {
	// Check if invoked by systemd (environment variables set by systemd)
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
