package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/afar/cli/render"
	"github.com/justapithecus/afar/types"
)

// VersionCommand returns the version command. It reports the version the
// CLI, the worker binary and the frame protocol share, without starting
// anything.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Flags: OutputFlags(),
		Action: func(c *cli.Context) error {
			r, err := render.NewRenderer(c)
			if err != nil {
				return cli.Exit(err.Error(), exitUsage)
			}
			return r.Render(versionView{
				Version:  types.Version,
				Protocol: types.ProtocolVersion,
				Commit:   commit,
			})
		},
	}
}
