package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

func main() {
	app := newApp(afero.NewOsFs())
	err := app.Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

// tool holds what every command needs. It's filled in by the app's Before hook
// once the flags have been parsed.
type tool struct {
	hostFS afero.Fs
	config *Config
	logger *slog.Logger
}

func newApp(hostFS afero.Fs) *cli.App {
	t := &tool{hostFS: hostFS}

	return &cli.App{
		Name:  "bootfat",
		Usage: "Inspect and populate FAT32 boot card images",
		Flags: globalFlags(),
		Before: func(ctx *cli.Context) error {
			config, err := LoadConfig()
			if err != nil {
				return err
			}
			config.ApplyFlags(ctx)

			level, err := config.Level()
			if err != nil {
				return err
			}
			t.config = config
			t.logger = slog.New(
				slog.NewTextHandler(ctx.App.ErrWriter, &slog.HandlerOptions{Level: level}))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "format",
				Usage:  "Create or wipe an image",
				Action: t.formatImage,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "preset",
						Usage:    "card layout to use; see the presets command",
						Required: true,
					},
					labelFlag(),
					forceFlag(),
				},
			},
			{
				Name:   "presets",
				Usage:  "List the card layouts format can create",
				Action: t.listPresets,
			},
			{
				Name:   "info",
				Usage:  "Show the layout of the volume",
				Action: t.withVolume(t.showInfo),
			},
			{
				Name:      "ls",
				Usage:     "List a directory",
				ArgsUsage: "[PATH]",
				Action:    t.withVolume(t.listDirectory),
			},
			{
				Name:      "mkdir",
				Usage:     "Create directories",
				ArgsUsage: "PATH...",
				Action:    t.withVolume(t.makeDirectories),
				Flags:     []cli.Flag{parentsFlag()},
			},
			{
				Name:      "put",
				Usage:     "Copy a file from the host into the image",
				ArgsUsage: "HOST_PATH IMAGE_PATH",
				Action:    t.withVolume(t.putFile),
				Flags:     []cli.Flag{parentsFlag()},
			},
			{
				Name:      "cat",
				Usage:     "Write a file in the image to standard output",
				ArgsUsage: "IMAGE_PATH",
				Action:    t.withVolume(t.catFile),
			},
			{
				Name:      "get",
				Usage:     "Copy a file from the image to the host",
				ArgsUsage: "IMAGE_PATH HOST_PATH",
				Action:    t.withVolume(t.getFile),
			},
			{
				Name:      "stat",
				Usage:     "Describe a file or directory in the image",
				ArgsUsage: "IMAGE_PATH",
				Action:    t.withVolume(t.statPath),
			},
			{
				Name:      "build",
				Usage:     "Populate the image from a YAML manifest",
				ArgsUsage: "MANIFEST",
				Action:    t.buildImage,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "preset",
						Usage: "format the image with this layout first",
					},
					labelFlag(),
					forceFlag(),
				},
			},
		},
	}
}

func labelFlag() cli.Flag {
	return &cli.StringFlag{Name: "label", Usage: "volume label"}
}

func forceFlag() cli.Flag {
	return &cli.BoolFlag{Name: "force", Usage: "overwrite the image if it already exists"}
}

func parentsFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:    "parents",
		Aliases: []string{"p"},
		Usage:   "create missing parent directories",
	}
}
