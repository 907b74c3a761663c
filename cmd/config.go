package main

import (
	"fmt"
	"log/slog"

	"github.com/dargueta/bootfat"
	"github.com/kelseyhightower/envconfig"
	"github.com/urfave/cli/v2"
)

const envVarPrefix = "BOOTFAT"

// Config holds the settings shared by every command. Values come from the
// environment first, then from the global flags of the same name.
type Config struct {
	// Image is the path of the card image on the host.
	Image string `envconfig:"IMAGE"`
	// Partition is the first sector of the FAT32 volume. If it's negative, the
	// volume is found by looking at the MBR.
	Partition     int64  `envconfig:"PARTITION"      default:"-1"`
	WindowSectors uint   `envconfig:"WINDOW_SECTORS" default:"4"`
	LogLevel      string `envconfig:"LOG_LEVEL"      default:"warn"`
	SectorSize    uint   `envconfig:"SECTOR_SIZE"    default:"512"`
}

func LoadConfig() (*Config, error) {
	var config Config
	if err := envconfig.Process(envVarPrefix, &config); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}
	return &config, nil
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "image",
			Aliases: []string{"i"},
			Usage:   "path to the card image (env: BOOTFAT_IMAGE)",
		},
		&cli.Int64Flag{
			Name:  "partition",
			Usage: "first sector of the FAT32 volume, or -1 to read the MBR (env: BOOTFAT_PARTITION)",
		},
		&cli.UintFlag{
			Name:  "window-sectors",
			Usage: "number of FAT sectors kept in memory (env: BOOTFAT_WINDOW_SECTORS)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "one of debug, info, warn, error (env: BOOTFAT_LOG_LEVEL)",
		},
		&cli.UintFlag{
			Name:  "sector-size",
			Usage: "sector size of the image, in bytes (env: BOOTFAT_SECTOR_SIZE)",
		},
	}
}

// ApplyFlags overrides the configuration with any global flag given on the
// command line.
func (c *Config) ApplyFlags(ctx *cli.Context) {
	if ctx.IsSet("image") {
		c.Image = ctx.String("image")
	}
	if ctx.IsSet("partition") {
		c.Partition = ctx.Int64("partition")
	}
	if ctx.IsSet("window-sectors") {
		c.WindowSectors = ctx.Uint("window-sectors")
	}
	if ctx.IsSet("log-level") {
		c.LogLevel = ctx.String("log-level")
	}
	if ctx.IsSet("sector-size") {
		c.SectorSize = ctx.Uint("sector-size")
	}
}

func (c *Config) Validate() error {
	if c.Image == "" {
		return bootfat.ErrInvalidArgument.WithMessage(
			"no image given: pass --image or set BOOTFAT_IMAGE")
	}
	if c.SectorSize == 0 {
		return bootfat.ErrInvalidArgument.WithMessage("sector size can't be 0")
	}
	return nil
}

// Level parses the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.LogLevel))
	if err != nil {
		return 0, bootfat.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("bad log level %q", c.LogLevel))
	}
	return level, nil
}
