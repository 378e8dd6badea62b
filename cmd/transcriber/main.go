// Command transcriber runs the stereo capture, processing, and
// transcription pipeline: capture source feeding the buffer manager,
// signal-processing workers, the storage manager, and the transcription
// dispatcher, all coordinated through the monitoring, component, and
// cleanup coordinators.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func init() {
	// Local .env overrides are convenient during development; absence is
	// not an error.
	_ = godotenv.Load()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Fatal("transcriber exited with error")
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "transcriber",
		Short:        "Real-time stereo audio capture, processing, and transcription pipeline",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "path to a YAML config file")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("base-dir", "./data", "base directory for recordings, logs, and backups")

	// Consumed by the out-of-core report tool, declared here so the same
	// invocation line works for both binaries.
	root.PersistentFlags().Int("days", 7, "analysis window in days (report tool only)")
	root.PersistentFlags().String("output", "", "report output path (report tool only)")

	root.AddCommand(runCommand(), configCommand())
	return root
}

func runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the capture/processing/transcription pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			configureLogging(cfg.LogLevel)

			app, err := newApp(cfg)
			if err != nil {
				return err
			}
			return app.run(cmd.Context())
		},
	}

	cmd.Flags().String("device", "", "capture device name substring (empty = system default)")
	cmd.Flags().Bool("mock-capture", false, "use a synthetic capture source instead of a real device")
	cmd.Flags().Bool("mock-transcriber", false, "use the mock transcription backend")
	return cmd
}

func configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

// loadConfig layers defaults, an optional YAML file, TRANSCRIBER_* env
// vars, and command-line flags, in increasing precedence.
func loadConfig(cmd *cobra.Command) (AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("TRANSCRIBER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultAppConfig()
	setDefaults(v, cfg)

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return AppConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := bindFlags(cmd, v); err != nil {
		return AppConfig{}, err
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	bindings := map[string]string{
		"log_level":           "log-level",
		"base_dir":            "base-dir",
		"capture.device_name": "device",
		"capture.mock":        "mock-capture",
		"transcribe.mock":     "mock-transcriber",
	}
	for key, flag := range bindings {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			f = cmd.Root().PersistentFlags().Lookup(flag)
		}
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func configureLogging(level string) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch strings.ToLower(level) {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	if env := os.Getenv("LOG_LEVEL"); env != "" {
		if parsed, err := logrus.ParseLevel(env); err == nil {
			logrus.SetLevel(parsed)
		}
	}
}
