package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/oven-sh/macvm/pkg/macvm"
	"github.com/oven-sh/macvm/pkg/prettyprint"
)

// imagesCmd represents the images command
var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Lists managed build images in the local VM store",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		comps, err := getComponents()
		if err != nil {
			log.Fatal(err)
		}

		ctx, cancel := signalContext()
		defer cancel()

		records, err := comps.Index.List(ctx)
		if err != nil {
			log.Fatal(err)
		}

		release, _ := cmd.Flags().GetString("release")
		arch, _ := cmd.Flags().GetString("arch")
		target := getVersionResolver(comps.Config).Resolve(release, arch)
		cls := macvm.Classify(target, records)

		type imageRow struct {
			Name      string `json:"name" yaml:"name"`
			OS        string `json:"os" yaml:"os"`
			Version   string `json:"version" yaml:"version"`
			Bootstrap string `json:"bootstrap" yaml:"bootstrap"`
			SizeGB    int    `json:"sizeGB" yaml:"sizeGB"`
			Class     string `json:"class" yaml:"class"`
		}
		classOf := func(rec macvm.ImageRecord) string {
			switch {
			case cls.Exact != nil && rec.Name == cls.Exact.Name:
				return "exact"
			case cls.Compatible != nil && rec.Name == cls.Compatible.Name:
				return "compatible"
			default:
				return "usable"
			}
		}
		rows := make([]imageRow, 0, len(records))
		for _, rec := range records {
			rows = append(rows, imageRow{
				Name:      rec.Name,
				OS:        rec.Tuple.OS,
				Version:   rec.Tuple.ProjectVersion,
				Bootstrap: rec.Tuple.BootstrapVersion,
				SizeGB:    rec.SizeGB,
				Class:     classOf(rec),
			})
		}

		format, _ := cmd.Flags().GetString("format")
		err = (&prettyprint.Writer{
			Out:          os.Stdout,
			Format:       prettyprint.Format(format),
			FormatString: "{{ range . }}{{ .Name }}\t{{ .Class }}\t{{ .SizeGB }}GB\n{{ end }}",
		}).Write(rows)
		if err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(imagesCmd)

	imagesCmd.Flags().String("release", "macos-14", "target macOS release to classify against")
	imagesCmd.Flags().String("arch", "arm64", "target architecture to classify against")
	imagesCmd.Flags().String("format", string(prettyprint.TemplateFormat), "output format (template, json or yaml)")
}
