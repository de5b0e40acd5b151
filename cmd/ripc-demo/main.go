// Command ripc-demo exercises SharedMessage and SharedCircularQueue over
// named regions described by a TOML manifest (internal/config). Built on
// cobra + zap + errgroup + signal.NotifyContext, matching
// sakateka-yanet2/coordinator/cmd/coordinator/main.go's shape almost
// exactly: a root command with create/broadcast/drain subcommands driving
// the shm package directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TheLuckyCoder/ripc/internal/config"
	"github.com/TheLuckyCoder/ripc/shm"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "ripc-demo",
		Short: "Exercise SharedMessage and SharedCircularQueue over a region manifest",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the region manifest (required)")
	root.MarkPersistentFlagRequired("config")

	root.AddCommand(newCreateCmd(), newBroadcastCmd(), newDrainCmd())

	if err := root.Execute(); err != nil {
		fmt.Println("ERROR:", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.SugaredLogger, func(), error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Development = false
	cfg.Level.SetLevel(zap.InfoLevel)

	logger, err := cfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), func() { _ = logger.Sync() }, nil
}

// messagePolicy resolves a MessageConfig's declared policy into a
// shm.WaitPolicy, defaulting to fire-and-forget.
func messagePolicy(c config.MessageConfig) shm.WaitPolicy {
	switch c.Policy {
	case "all":
		return shm.All()
	case "count":
		return shm.Count(c.K)
	default:
		return shm.Count(0)
	}
}

func messageOptions(c config.MessageConfig) shm.MessageOptions {
	opts := shm.MessageOptions{Policy: messagePolicy(c)}
	if c.WriteAsync {
		opts.WriteMode = shm.WriteAsync
	}
	if c.ReadAsync {
		opts.ReadMode = shm.ReadAsync
	}
	return opts
}

// newCreateCmd creates (or verifies the existence of) every region named in
// the manifest, then exits.
func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create every region named in the manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, sync, err := newLogger()
			if err != nil {
				return err
			}
			defer sync()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			for name, mc := range cfg.Messages {
				m, err := shm.CreateMessage(name, mc.Size, messageOptions(mc))
				if err != nil {
					return fmt.Errorf("create message %q: %w", name, err)
				}
				log.Infow("created message region", "name", name, "size", m.MemorySize())
				if err := m.Close(); err != nil {
					return fmt.Errorf("close message %q: %w", name, err)
				}
			}
			for name, qc := range cfg.Queues {
				q, err := shm.CreateQueue(name, qc.MaxElementSize, qc.Capacity, shm.QueueDefault)
				if err != nil {
					return fmt.Errorf("create queue %q: %w", name, err)
				}
				log.Infow("created queue region", "name", name, "size", q.MemorySize())
				if err := q.Close(); err != nil {
					return fmt.Errorf("close queue %q: %w", name, err)
				}
			}
			return nil
		},
	}
}

// newBroadcastCmd opens (or creates) a SharedMessage named in the manifest
// and publishes one value to it.
func newBroadcastCmd() *cobra.Command {
	var name, value string
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Write one value to a manifest-described SharedMessage",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, sync, err := newLogger()
			if err != nil {
				return err
			}
			defer sync()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			mc, ok := cfg.Messages[name]
			if !ok {
				return fmt.Errorf("no message %q in manifest", name)
			}

			opts := messageOptions(mc)
			m, err := shm.OpenMessage(name, opts)
			if err != nil {
				m, err = shm.CreateMessage(name, mc.Size, opts)
				if err != nil {
					return fmt.Errorf("open/create message %q: %w", name, err)
				}
			}
			defer m.Close()

			version, err := m.Write([]byte(value))
			if err != nil {
				return fmt.Errorf("write %q: %w", name, err)
			}
			log.Infow("published version", "name", name, "version", version, "bytes", len(value))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "message name from the manifest (required)")
	cmd.Flags().StringVar(&value, "value", "", "payload to publish")
	cmd.MarkFlagRequired("name")
	return cmd
}

// newDrainCmd blocking-drains a manifest-described SharedMessage or
// SharedCircularQueue until interrupted (SIGINT/SIGTERM) or the region
// closes.
func newDrainCmd() *cobra.Command {
	var name string
	var kind string
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Blocking-drain a manifest-described region, logging every value received",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, sync, err := newLogger()
			if err != nil {
				return err
			}
			defer sync()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			switch kind {
			case "message":
				return drainMessage(ctx, log, cfg, name)
			case "queue":
				return drainQueue(ctx, log, cfg, name)
			default:
				return fmt.Errorf("unknown --kind %q (want \"message\" or \"queue\")", kind)
			}
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "region name from the manifest (required)")
	cmd.Flags().StringVar(&kind, "kind", "message", "\"message\" or \"queue\"")
	cmd.MarkFlagRequired("name")
	return cmd
}

func drainMessage(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config, name string) error {
	mc, ok := cfg.Messages[name]
	if !ok {
		return fmt.Errorf("no message %q in manifest", name)
	}
	m, err := shm.OpenMessage(name, messageOptions(mc))
	if err != nil {
		return fmt.Errorf("open message %q: %w", name, err)
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		<-ctx.Done()
		return m.Close()
	})
	wg.Go(func() error {
		for {
			data, err := m.Read(true)
			if err != nil {
				log.Infow("message region closed", "name", name)
				return nil
			}
			log.Infow("received version", "name", name, "version", m.LastReadVersion(), "bytes", len(data))
		}
	})
	return wg.Wait()
}

func drainQueue(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config, name string) error {
	qc, ok := cfg.Queues[name]
	if !ok {
		return fmt.Errorf("no queue %q in manifest", name)
	}
	q, err := shm.OpenQueue(name, shm.QueueDefault)
	if err != nil {
		q, err = shm.CreateQueue(name, qc.MaxElementSize, qc.Capacity, shm.QueueDefault)
		if err != nil {
			return fmt.Errorf("open/create queue %q: %w", name, err)
		}
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		<-ctx.Done()
		return q.Close()
	})
	wg.Go(func() error {
		for {
			data, err := q.BlockingRead()
			if err != nil {
				log.Infow("queue region closed", "name", name)
				return nil
			}
			log.Infow("dequeued element", "name", name, "bytes", len(data))
		}
	})
	return wg.Wait()
}
