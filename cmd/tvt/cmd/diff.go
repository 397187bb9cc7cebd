package cmd

import (
	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tensorvault/tensorvault/pkg/core"
)

var diffCmd = &cobra.Command{
	Use:   "diff <old-manifest> <new-manifest>",
	Short: "Compare two manifests tensor by tensor",
	Long: `Compare two manifests tensor by tensor.

Tensors are compared on content identity: a tensor counts as changed only
when its bytes differ, regardless of header ordering or metadata. The
summary includes the storage shared between the two revisions.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		e, _, err := newEngine()
		if err != nil {
			wrapFatalln("open repository", err)
			return
		}
		oldM, err := e.LoadManifest(manifestArg(args[0]))
		if err != nil {
			wrapFatalln("load "+args[0], err)
			return
		}
		newM, err := e.LoadManifest(manifestArg(args[1]))
		if err != nil {
			wrapFatalln("load "+args[1], err)
			return
		}

		res := core.Diff(oldM, newM)
		for _, d := range res.Deltas {
			switch d.Kind {
			case core.Added:
				infoLogger.Printf("%s %s (%s)", color.GreenString("+"), d.Name,
					units.HumanSize(float64(d.New.ByteLength())))
			case core.Removed:
				infoLogger.Printf("%s %s (%s)", color.RedString("-"), d.Name,
					units.HumanSize(float64(d.Old.ByteLength())))
			case core.Changed:
				infoLogger.Printf("%s %s (%s -> %s)", color.YellowString("~"), d.Name,
					units.HumanSize(float64(d.Old.ByteLength())),
					units.HumanSize(float64(d.New.ByteLength())))
			}
		}

		added, removed, changed, unchanged := res.Counts()
		infoLogger.Printf("%d added, %d removed, %d changed, %d unchanged",
			added, removed, changed, unchanged)
		sign := "+"
		size := res.SizeChange
		if size < 0 {
			sign = "-"
			size = -size
		}
		infoLogger.Printf("size change: %s%s, shared blobs: %d, dedup ratio: %.2f",
			sign, units.HumanSize(float64(size)),
			res.Savings.SharedBlobs, res.Savings.DedupRatio)
	},
}

func init() {
	rootCmd.AddCommand(diffCmd)
}
