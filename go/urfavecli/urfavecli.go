// Package urfavecli contains helpers for apps built on github.com/urfave/cli.
package urfavecli

import (
	cli "github.com/urfave/cli/v2"

	"go.skia.org/rebaseline/go/sklog"
)

// LogFlags logs the value of every flag of the running command and of the
// app, one "Flags: --name=value" line each.
func LogFlags(cliContext *cli.Context) {
	flags := []cli.Flag{}
	if cliContext.Command != nil {
		flags = append(flags, cliContext.Command.Flags...)
	}
	if cliContext.App != nil {
		flags = append(flags, cliContext.App.Flags...)
	}
	for _, f := range flags {
		names := f.Names()
		if len(names) == 0 {
			continue
		}
		sklog.Infof("Flags: --%s=%v", names[0], cliContext.Value(names[0]))
	}
}
