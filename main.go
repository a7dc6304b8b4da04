package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/buildcache/internal/cache"
	"github.com/any-hub/buildcache/internal/config"
	"github.com/any-hub/buildcache/internal/logging"
	"github.com/any-hub/buildcache/internal/remote"
)

const (
	configEnv         = "BUILDCACHE_CONFIG"
	defaultConfigPath = "config.toml"
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// usageError 标记参数错误，对应退出码 2。
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute 构建命令树并执行 args，返回退出码，方便测试。
func execute(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		var usage usageError
		if errors.As(err, &usage) {
			return 2
		}
		return 1
	}
	return 0
}

// rootOptions 汇总全局标志解析后的结果。
type rootOptions struct {
	configFlag string
}

// configPath 按 flag > 环境变量 > 默认值的优先级计算配置路径。
func (o *rootOptions) configPath() string {
	if o.configFlag != "" {
		return o.configFlag
	}
	if env := strings.TrimSpace(os.Getenv(configEnv)); env != "" {
		return env
	}
	return defaultConfigPath
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "buildcache",
		Short: "Two-tier build artifact cache",
		Long: `buildcache stores build outputs keyed by an opaque handle in a local disk
tier and, when configured, replicates them to a shared remote peer. Remote hits
are promoted into the local tier before they are returned.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err: err}
	})

	root.AddCommand(
		newServeCmd(opts),
		newStatsCmd(opts),
		newPurgeCmd(opts),
		newGetCmd(opts),
		newPutCmd(opts),
		newCheckConfigCmd(opts),
		newVersionCmd(),
	)
	return root
}

// exactArgs 与 cobra.ExactArgs 相同，但把错误标记为参数错误。
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err: err}
		}
		return nil
	}
}

func minimumArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(n)(cmd, args); err != nil {
			return usageError{err: err}
		}
		return nil
	}
}

// runtimeEnv 是一次命令执行所需的配置、日志与缓存实例。
type runtimeEnv struct {
	configPath string
	cfg        *config.Config
	logger     *logrus.Logger
	manager    *cache.Manager
}

// openRuntime 遵循“配置 → 日志 → 本地缓存 →（可选）远端客户端”顺序初始化。
// serve 模式传入 withRemote=false，避免节点之间相互转发。
func openRuntime(opts *rootOptions, withRemote bool) (*runtimeEnv, error) {
	path := opts.configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	manager, err := newManager(cfg, logger, withRemote)
	if err != nil {
		return nil, err
	}
	return &runtimeEnv{
		configPath: path,
		cfg:        cfg,
		logger:     logger,
		manager:    manager,
	}, nil
}

func newManager(cfg *config.Config, logger *logrus.Logger, withRemote bool) (*cache.Manager, error) {
	store, err := cache.NewStore(cfg.Global.StoragePath, cache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	opts := cache.ManagerOptions{
		Local:              store,
		Enabled:            cfg.Global.UseFileCache,
		Logger:             logger,
		PromoteConcurrency: cfg.Global.PromoteConcurrency,
	}
	if withRemote && cfg.RemoteActive() {
		client, err := remote.NewClient(cfg.Remote, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化远端客户端失败: %w", err)
		}
		opts.Remote = client
		opts.RemoteEnabled = true
	}
	return cache.NewManager(opts)
}

func (r *runtimeEnv) close() {
	if err := r.manager.Close(); err != nil {
		r.logger.WithError(err).WithField("action", "shutdown").Warn("关闭缓存失败")
	}
}
