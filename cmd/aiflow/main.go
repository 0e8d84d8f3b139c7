// Command aiflow runs the platform services: the ingress gateway, the
// dispatcher, the model-forwarder worker, and the log sink.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xycdaimi/AIFlow/broker"
	"github.com/xycdaimi/AIFlow/core"
	"github.com/xycdaimi/AIFlow/forwarder"
	"github.com/xycdaimi/AIFlow/gateway"
	"github.com/xycdaimi/AIFlow/logsink"
	"github.com/xycdaimi/AIFlow/registry"
	"github.com/xycdaimi/AIFlow/scheduler"
	"github.com/xycdaimi/AIFlow/storage"
	"github.com/xycdaimi/AIFlow/store"
	"github.com/xycdaimi/AIFlow/telemetry"
)

var envFile string

func main() {
	root := &cobra.Command{
		Use:           "aiflow",
		Short:         "AIFlow distributed inference task platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "path to a KEY=VALUE env file (watched for changes)")

	root.AddCommand(
		newGatewayCmd(),
		newSchedulerCmd(),
		newForwarderCmd(),
		newLogSinkCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// runtime is the shared per-process bootstrap: config source with live
// reload, logger, tracing, and a signal-bound context.
type runtime struct {
	ctx     context.Context
	cancel  context.CancelFunc
	configs *core.ConfigSource
	logger  *core.JSONLogger
	tracer  *telemetry.Provider
}

func bootstrap(service string) (*runtime, error) {
	cfg, err := core.LoadConfig(envFile)
	if err != nil {
		return nil, err
	}

	logger := core.NewJSONLogger(service)
	logger.SetLevel(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	tracer, err := telemetry.NewProvider(ctx, service, cfg.OTelEndpoint)
	if err != nil {
		cancel()
		return nil, err
	}

	configs := core.NewConfigSource(cfg, envFile, logger)
	go func() {
		if err := configs.Watch(ctx); err != nil {
			logger.Warn("Config watcher stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return &runtime{
		ctx:     ctx,
		cancel:  cancel,
		configs: configs,
		logger:  logger,
		tracer:  tracer,
	}, nil
}

func (rt *runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.tracer.Shutdown(shutdownCtx); err != nil {
		rt.logger.Warn("Tracer shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	rt.cancel()
}

func newGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the ingress and callback controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(gateway.ServiceName)
			if err != nil {
				return err
			}
			defer rt.shutdown()
			cfg := rt.configs.Current()

			taskStore, err := store.NewRedisTaskStore(cfg.RedisURL, &store.RedisTaskStoreConfig{Logger: rt.logger})
			if err != nil {
				return err
			}
			defer taskStore.Close()

			client, err := broker.Connect(rt.ctx, cfg.NATSURL, rt.logger)
			if err != nil {
				return err
			}
			defer client.Close()

			objects := storage.NewJetStreamObjectStore(client.JetStream(), cfg.GatewayURL, rt.logger)
			if err := objects.EnsureBuckets(rt.ctx, cfg.InputsBucket, cfg.OutputsBucket); err != nil {
				return err
			}

			bus := broker.NewJetStreamLogBus(client)
			metrics := telemetry.NewMetrics(gateway.ServiceName)

			gw, err := gateway.New(gateway.Options{
				Configs:     rt.configs,
				Store:       taskStore,
				Queue:       broker.NewJetStreamTaskQueue(client, nil),
				ObjectStore: objects,
				Logger:      core.NewBusLogger(rt.logger, bus, gateway.ServiceName, core.NewInstanceID()),
				Metrics:     metrics,
			})
			if err != nil {
				return err
			}
			return gw.Run(rt.ctx)
		},
	}
}

func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(scheduler.ServiceName)
			if err != nil {
				return err
			}
			defer rt.shutdown()
			cfg := rt.configs.Current()

			taskStore, err := store.NewRedisTaskStore(cfg.RedisURL, &store.RedisTaskStoreConfig{Logger: rt.logger})
			if err != nil {
				return err
			}
			defer taskStore.Close()

			reg, err := registry.NewRedisRegistry(&registry.RedisRegistryConfig{
				RedisURL: cfg.RedisURL,
				TTL:      cfg.RegistryTTL,
				Logger:   rt.logger,
			})
			if err != nil {
				return err
			}
			defer reg.Close()

			client, err := broker.Connect(rt.ctx, cfg.NATSURL, rt.logger)
			if err != nil {
				return err
			}
			defer client.Close()

			bus := broker.NewJetStreamLogBus(client)
			sched, err := scheduler.New(scheduler.Options{
				Configs:   rt.configs,
				Queue:     broker.NewJetStreamTaskQueue(client, nil),
				Store:     taskStore,
				Discovery: reg,
				Logger:    core.NewBusLogger(rt.logger, bus, scheduler.ServiceName, core.NewInstanceID()),
			})
			if err != nil {
				return err
			}
			return sched.Run(rt.ctx)
		},
	}
}

func newForwarderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forwarder",
		Short: "Run a model-forwarder worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(forwarder.ServiceName)
			if err != nil {
				return err
			}
			defer rt.shutdown()
			cfg := rt.configs.Current()

			adapters, err := forwarder.LoadAdapters(cfg.AdaptersDir, forwarder.BuiltinDrivers(), rt.logger)
			if err != nil {
				return err
			}

			client, err := broker.Connect(rt.ctx, cfg.NATSURL, rt.logger)
			if err != nil {
				return err
			}
			defer client.Close()

			bus := broker.NewJetStreamLogBus(client)
			worker, err := forwarder.New(forwarder.Options{
				Configs:  rt.configs,
				Adapters: adapters,
				Logger:   core.NewBusLogger(rt.logger, bus, forwarder.ServiceName, core.NewInstanceID()),
			})
			if err != nil {
				return err
			}

			reg, err := registry.NewRedisRegistry(&registry.RedisRegistryConfig{
				RedisURL: cfg.RedisURL,
				TTL:      cfg.RegistryTTL,
				Logger:   rt.logger,
			})
			if err != nil {
				return err
			}
			defer reg.Close()

			advertise := cfg.AdvertiseHost
			if advertise == "" {
				advertise = registry.ResolveAdvertiseAddress(cfg.RedisURL)
			}
			info := &core.ServiceInfo{
				ID:           worker.InstanceID(),
				Name:         forwarder.ServiceName,
				Address:      advertise,
				Port:         cfg.ServicePort,
				Capabilities: adapters.TaskTypes(),
			}
			if err := reg.Register(rt.ctx, info); err != nil {
				return err
			}
			go reg.StartHeartbeat(rt.ctx, info)
			defer func() {
				deregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := reg.Deregister(deregCtx, info.ID); err != nil {
					rt.logger.Warn("Deregistration failed", map[string]interface{}{
						"error": err.Error(),
					})
				}
			}()

			return worker.Run(rt.ctx)
		},
	}
}

func newLogSinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logsink",
		Short: "Run the log sink",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(logsink.ServiceName)
			if err != nil {
				return err
			}
			defer rt.shutdown()
			cfg := rt.configs.Current()

			client, err := broker.Connect(rt.ctx, cfg.NATSURL, rt.logger)
			if err != nil {
				return err
			}
			defer client.Close()

			sink := logsink.New(broker.NewJetStreamLogBus(client), os.Stdout, rt.logger)
			return sink.Run(rt.ctx, cfg.LogBatchSize, cfg.LogBatchTimeout)
		},
	}
}
