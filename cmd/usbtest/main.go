package main

import (
	"os"
	"strings"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/Alia5/usbtest/internal/config"
	"github.com/Alia5/usbtest/internal/configpaths"
	"github.com/Alia5/usbtest/internal/log"
	_ "github.com/Alia5/usbtest/internal/registry"
)

func main() {
	files := configpaths.Search(configFlag(os.Args[1:]))

	var cli config.CLI
	ctx := kong.Parse(&cli,
		kong.Name("usbtest"),
		kong.Description("Gadget Zero test device over USBIP"),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, files.JSON...),
		kong.Configuration(kongyaml.Loader, files.YAML...),
		kong.Configuration(kongtoml.Loader, files.TOML...),
	)

	logger, raw, closeLogs, err := cli.Log.Open()
	if err != nil {
		_, _ = os.Stderr.WriteString("usbtest: " + err.Error() + "\n")
		os.Exit(2)
	}
	ctx.Bind(logger)
	ctx.BindTo(raw, (*log.RawLogger)(nil))

	err = ctx.Run()
	closeLogs()
	ctx.FatalIfErrorf(err)
}

// configFlag finds --config (or USBTEST_CONFIG) ahead of kong so the file
// can feed kong's configuration resolvers.
func configFlag(args []string) string {
	for i, a := range args {
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("USBTEST_CONFIG")
}
