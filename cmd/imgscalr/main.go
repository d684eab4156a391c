package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/memohai/imgscalr/internal/config"
	"github.com/memohai/imgscalr/internal/decode"
	"github.com/memohai/imgscalr/internal/pipeline"
	"github.com/memohai/imgscalr/internal/version"
)

type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "imgscalr",
		Short:        "Image upload pipeline: decode, resize, publish",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to config.toml (env CONFIG_PATH)")

	cmd.AddCommand(
		newServeCommand(opts),
		newProcessCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP upload API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			app := fx.New(
				fx.Supply(cfg),
				pipelineModule,
				serverModule,
				withSlogLogger(),
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func newProcessCommand(opts *rootOptions) *cobra.Command {
	var (
		name    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "process <file>",
		Short: "Run one local image through the pipeline and print the JSON result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			if name == "" {
				name = info.Name()
			}

			var svc *pipeline.Service
			app := fx.New(
				fx.Supply(cfg),
				pipelineModule,
				// stdout carries the JSON result.
				withLogOutput(cmd.ErrOrStderr()),
				fx.Populate(&svc),
				fx.NopLogger,
			)
			ctx := cmd.Context()
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				_ = app.Stop(stopCtx)
			}()

			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			result := svc.Process(runCtx, pipeline.Request{
				FileName: name,
				FileSize: info.Size(),
				Body:     f,
				Encoding: decode.EncodingIdentity,
				Source:   "cli",
			})

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if !result.Success() {
				return fmt.Errorf("upload failed: %s", result.Outcome.Message())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "file name to report (defaults to the base name of <file>)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "processing deadline")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "imgscalr %s\n", version.GetInfo())
		},
	}
}
