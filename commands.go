package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/buildcache/internal/config"
	"github.com/any-hub/buildcache/internal/logging"
	"github.com/any-hub/buildcache/internal/remote"
	"github.com/any-hub/buildcache/internal/remote/routes"
	"github.com/any-hub/buildcache/internal/version"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the local tier to other hosts as their remote tier",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openRuntime(opts, false)
			if err != nil {
				return err
			}
			defer env.close()

			app, err := remote.NewApp(remote.AppOptions{
				Logger:    env.logger,
				Manager:   env.manager,
				BodyLimit: int(env.cfg.Server.MaxUploadSize),
			})
			if err != nil {
				return err
			}
			routes.RegisterStatusRoutes(app, env.manager)

			port := env.cfg.Server.ListenPort
			fields := logging.BaseFields("startup", env.configPath)
			fields["listen_port"] = port
			fields["cache_modes"] = env.cfg.CacheModes()
			fields["storage"] = env.manager.DebugInfo()
			fields["version"] = version.Full()
			env.logger.WithFields(fields).Info("配置加载完成")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				_ = app.Shutdown()
			}()

			env.logger.WithFields(logrus.Fields{
				"action": "listen",
				"port":   port,
			}).Info("Fiber 服务启动")
			if err := app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
				return fmt.Errorf("HTTP 服务启动失败: %w", err)
			}
			return nil
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the number of cached objects, files and bytes",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openRuntime(opts, false)
			if err != nil {
				return err
			}
			defer env.close()

			stats := env.manager.Statistics()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "objects: %d\n", stats.NumberOfCachedObjects)
			fmt.Fprintf(w, "files:   %d\n", stats.NumberOfFiles)
			fmt.Fprintf(w, "size:    %s\n", humanize.IBytes(uint64(max(stats.TotalBytes, 0))))
			if debug {
				fmt.Fprintf(w, "modes:   %s\n", strings.Join(env.cfg.CacheModes(), " "))
				fmt.Fprintf(w, "debug:   %s\n", env.manager.DebugInfo())
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "同时输出存储路径与缓存开关")
	return cmd
}

func newPurgeCmd(opts *rootOptions) *cobra.Command {
	var (
		olderThan  time.Duration
		remoteTier bool
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove entries not used within the purge age",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return usageError{err: fmt.Errorf("--older-than must not be negative: %s", olderThan)}
			}
			env, err := openRuntime(opts, remoteTier)
			if err != nil {
				return err
			}
			defer env.close()

			age := olderThan
			if age == 0 {
				age = env.cfg.Global.PurgeAge.DurationValue()
			}
			cutoff := time.Now().Add(-age)
			ctx := cmd.Context()

			w := cmd.OutOrStdout()
			if remoteTier {
				if !env.manager.RemoteConfigured() {
					return fmt.Errorf("远端缓存未启用，无法清理远端")
				}
				if err := env.manager.RemotePurge(ctx, cutoff); err != nil {
					return err
				}
				fmt.Fprintf(w, "remote purge requested for entries last used before %s\n", cutoff.UTC().Format(time.RFC3339))
				return nil
			}

			if err := env.manager.Purge(ctx, cutoff); err != nil {
				return err
			}
			fmt.Fprintf(w, "purged entries last used before %s\n", cutoff.UTC().Format(time.RFC3339))
			fmt.Fprintln(w, env.manager.DebugInfo())
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "清理超过该时长未使用的条目（默认取配置 PurgeAge）")
	cmd.Flags().BoolVarP(&remoteTier, "remote", "r", false, "清理远端缓存层而不是本地层")
	return cmd
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get HANDLE DIR",
		Short: "Copy the files cached under HANDLE into DIR",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openRuntime(opts, true)
			if err != nil {
				return err
			}
			defer env.close()

			ctx := cmd.Context()
			handle, target := args[0], args[1]
			files, ok := env.manager.GetCachedFiles(ctx, handle)
			if !ok {
				return fmt.Errorf("缓存未命中: %s", handle)
			}
			for _, file := range files {
				dest, err := file.CopyTo(ctx, target)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), dest)
			}
			return nil
		},
	}
}

func newPutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put HANDLE FILE...",
		Short: "Cache FILEs under HANDLE, keyed by their base names",
		Args:  minimumArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openRuntime(opts, true)
			if err != nil {
				return err
			}
			defer env.close()

			handle, paths := args[0], args[1:]
			names := make([]string, len(paths))
			for i, p := range paths {
				names[i] = filepath.Base(p)
			}
			if err := env.manager.CacheFile(cmd.Context(), handle, names, paths); err != nil {
				return err
			}
			if !env.cfg.Global.UseFileCache {
				fmt.Fprintln(cmd.OutOrStdout(), "cache disabled, nothing stored")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cached %d files under %s\n", len(names), handle)
			return nil
		},
	}
}

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath()
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			logger, err := logging.InitLogger(cfg.Global)
			if err != nil {
				return fmt.Errorf("初始化日志失败: %w", err)
			}

			fields := logging.BaseFields("check_config", path)
			fields["cache_modes"] = cfg.CacheModes()
			fields["storage_path"] = cfg.Global.StoragePath
			fields["result"] = "ok"
			logger.WithFields(fields).Info("配置校验通过")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  exactArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}
