package cmd

import (
	"context"

	"github.com/docker/go-units"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tensorvault/tensorvault/pkg/cas"
	"github.com/tensorvault/tensorvault/pkg/config"
	"github.com/tensorvault/tensorvault/pkg/core"
)

var addCmd = &cobra.Command{
	Use:   "add <container> [container...]",
	Short: "Archive container files into the object store",
	Long: `Archive container files into the object store.

Each tensor's bytes are stored as a content-addressed blob, deduplicated
against everything already in the store. A manifest tracking the container
is written next to it.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, root, err := newEngine(cas.Compression(tvtFlags.add.compress))
		if err != nil {
			wrapFatalln("open repository", err)
			return
		}
		lock, err := config.AcquireLock(afero.NewOsFs(), root)
		if err != nil {
			wrapFatalln("lock repository", err)
			return
		}
		defer lock.Release()

		ctx := context.Background()
		for _, source := range args {
			m, err := e.Archive(ctx, source)
			if err != nil {
				wrapFatalln("archive "+source, err)
				return
			}
			infoLogger.Printf("%s: %d tensors, %s, manifest %s",
				source, len(m.Tensors),
				units.HumanSize(float64(m.TotalSize)),
				core.ManifestPathFor(source))
		}
	},
}

func init() {
	rootCmd.AddCommand(addCmd)
	addCompressFlag(addCmd)
}
