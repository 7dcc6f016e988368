// Package cli contains the movenet command line: running a pipeline over image files and printing
// the config schema.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"go.viam.com/movenet/logging"
	"go.viam.com/movenet/rimage"
	"go.viam.com/movenet/services/movenet"
	"go.viam.com/movenet/vision/pose"
)

const (
	generalFlagDebug  = "debug"
	generalFlagConfig = "config"

	predictFlagVariant         = "variant"
	predictFlagThreshold       = "threshold"
	predictFlagModelDirectory  = "model-dir"
	predictFlagModelFile       = "model-file"
	predictFlagEngine          = "engine"
	predictFlagColorConversion = "color-conversion"
	predictFlagPart            = "part"
)

// NewApp returns the movenet command line application writing results to out.
func NewApp(out io.Writer) *cli.App {
	var logger logging.Logger

	return &cli.App{
		Name:      "movenet",
		Usage:     "estimate human poses in images",
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    generalFlagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(generalFlagDebug) {
				logger = logging.NewDebugLogger("movenet")
			} else {
				logger = logging.NewLogger("movenet")
				logger.SetLevel(logging.WARN)
			}
			logging.ReplaceGlobal(logger)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "predict",
				Usage:     "print the poses found in each image as a JSON line",
				ArgsUsage: "<image> [image...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    generalFlagConfig,
						Aliases: []string{"c"},
						Usage:   "load the pipeline configuration from a JSON5 `FILE`",
					},
					&cli.StringFlag{
						Name:  predictFlagVariant,
						Usage: fmt.Sprintf("model variant, one of %q", movenet.VariantNames()),
					},
					&cli.Float64Flag{
						Name:  predictFlagThreshold,
						Usage: "minimum keypoint confidence",
					},
					&cli.StringFlag{
						Name:  predictFlagModelDirectory,
						Usage: "directory holding the model files",
					},
					&cli.StringFlag{
						Name:  predictFlagModelFile,
						Usage: "model file name, overriding the variant's",
					},
					&cli.StringFlag{
						Name:  predictFlagEngine,
						Usage: "inference engine",
						Value: movenet.DefaultEngine,
					},
					&cli.StringFlag{
						Name:  predictFlagColorConversion,
						Usage: "color conversion applied before inference, e.g. bgr2rgb",
					},
					&cli.StringFlag{
						Name:  predictFlagPart,
						Usage: "print only the named body part of each pose",
					},
				},
				Action: func(c *cli.Context) error {
					return predictAction(c, logger)
				},
			},
			{
				Name:  "schema",
				Usage: "print the JSON schema of the pipeline configuration",
				Action: func(c *cli.Context) error {
					schema, err := movenet.Schema()
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(c.App.Writer, string(schema))
					return err
				},
			},
			{
				Name:  "variants",
				Usage: "list the model variants",
				Action: func(c *cli.Context) error {
					for _, v := range movenet.Variants() {
						if _, err := fmt.Fprintf(c.App.Writer, "%s\t%s\t%dx%d\t%d subject(s)\n",
							v.Name, v.ModelFile, v.InputSize, v.InputSize, v.Subjects); err != nil {
							return err
						}
					}
					return nil
				},
			},
		},
	}
}

// configFromFlags loads the config file, if any, and applies the flags set on top of it.
func configFromFlags(c *cli.Context) (*movenet.Config, error) {
	conf := &movenet.Config{}
	if path := c.String(generalFlagConfig); path != "" {
		loaded, err := movenet.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		conf = loaded
	}
	if c.IsSet(predictFlagVariant) {
		conf.Variant = c.String(predictFlagVariant)
	}
	if c.IsSet(predictFlagThreshold) {
		conf.MinimumConfidence = c.Float64(predictFlagThreshold)
	}
	if c.IsSet(predictFlagModelDirectory) {
		conf.ModelDirectory = c.String(predictFlagModelDirectory)
	}
	if c.IsSet(predictFlagModelFile) {
		conf.ModelFile = c.String(predictFlagModelFile)
	}
	if c.IsSet(predictFlagEngine) || conf.Engine == "" {
		conf.Engine = c.String(predictFlagEngine)
	}
	if c.IsSet(predictFlagColorConversion) {
		conv, err := rimage.ParseColorConversion(c.String(predictFlagColorConversion))
		if err != nil {
			return nil, err
		}
		conf.ColorConversion = &conv
	}
	return conf, nil
}

type predictResult struct {
	File  string          `json:"file"`
	Poses []*pose.Pose    `json:"poses,omitempty"`
	Parts []pose.BodyPart `json:"parts,omitempty"`
}

func predictAction(c *cli.Context, logger logging.Logger) error {
	if c.NArg() == 0 {
		return errors.New("no images given")
	}
	part := c.String(predictFlagPart)
	if part != "" && !pose.IsLabel(part) {
		return errors.Errorf("%q is not a body part, expected one of %q", part, pose.Labels())
	}
	conf, err := configFromFlags(c)
	if err != nil {
		return err
	}
	p, err := movenet.NewFromConfig(conf, logger.Sublogger("pipeline"))
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(p.Close)

	enc := json.NewEncoder(c.App.Writer)
	for _, path := range c.Args().Slice() {
		img, err := imaging.Open(path, imaging.AutoOrientation(true))
		if err != nil {
			return errors.Wrapf(err, "cannot open image %q", path)
		}
		poses, err := p.Predict(c.Context, img)
		if err != nil {
			return errors.Wrapf(err, "cannot estimate poses in %q", path)
		}
		result := predictResult{File: path, Poses: poses}
		if part != "" {
			parts, err := pose.SelectBodyPart(poses, part)
			if err != nil {
				return err
			}
			result.Poses = nil
			result.Parts = parts
		}
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
	logger.Debugw("done", "stats", p.Stats())
	return nil
}
