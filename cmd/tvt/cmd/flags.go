package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tensorvault/tensorvault/pkg/dlogger"
)

type flagsT struct {
	add struct {
		compress bool
	}
	restore struct {
		output string
		layers string
	}
	pull struct {
		output string
	}
	status struct {
		tensors bool
	}
	root struct {
		logLevel    string
		concurrency int
		config      string
	}
}

var tvtFlags = flagsT{}

func addLogLevelFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&tvtFlags.root.logLevel, "loglevel",
		dlogger.LogLevelInfo, "The logging level, one of: info, debug, none")
}

func addConcurrencyFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().IntVar(&tvtFlags.root.concurrency, "concurrency",
		0, "Maximum number of parallel tensor operations, defaults to twice the CPU count")
}

func addConfigFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&tvtFlags.root.config, "config",
		"", "Path to an alternate repository configuration file")
}

func addCompressFlag(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&tvtFlags.add.compress, "compress",
		false, "Compress blobs with zstd when it makes them smaller")
}

func addLayersFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&tvtFlags.restore.layers, "layers",
		"", "Glob selecting the tensors to restore, e.g. 'model.layers.0.*'")
}
