package movenet

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	goutils "go.viam.com/utils"

	"go.viam.com/movenet/ml"
	"go.viam.com/movenet/rimage"
	"go.viam.com/movenet/utils"
)

// DefaultEngine is the inference engine used when none is configured.
const DefaultEngine = "tflite"

// Config describes how to configure a pipeline.
type Config struct {
	Variant           string                  `json:"variant" jsonschema:"enum=singlepose_lightning,enum=singlepose_thunder,enum=multipose_lightning"`
	MinimumConfidence float64                 `json:"minimum_confidence,omitempty" jsonschema:"minimum=0,maximum=1"`
	ColorConversion   *rimage.ColorConversion `json:"color_conversion,omitempty"`
	Interpolation     rimage.Interpolation    `json:"interpolation,omitempty"`
	DataType          ml.DataType             `json:"data_type,omitempty" jsonschema:"enum=int32,enum=uint8,enum=float32"`

	ModelDirectory string `json:"model_directory,omitempty"`
	ModelFile      string `json:"model_file,omitempty"`
	InputSize      int    `json:"input_size,omitempty"`
	InputTensor    string `json:"input_tensor,omitempty"`
	OutputTensor   string `json:"output_tensor,omitempty"`

	Engine     string `json:"engine,omitempty"`
	NumThreads int    `json:"num_threads,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if conf.Variant == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "variant")
	}
	if _, err := VariantByName(conf.Variant); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if math.IsNaN(conf.MinimumConfidence) || conf.MinimumConfidence < 0 || conf.MinimumConfidence > 1 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("minimum_confidence must be in [0, 1], got %v", conf.MinimumConfidence))
	}
	if conf.ColorConversion != nil {
		if err := conf.ColorConversion.Validate(); err != nil {
			return goutils.NewConfigValidationError(path, err)
		}
	}
	if _, err := rimage.ParseInterpolation(string(conf.Interpolation)); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if _, err := ml.ParseDataType(string(conf.DataType)); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if conf.InputSize < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("input_size must be positive, got %d", conf.InputSize))
	}
	if conf.NumThreads < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("num_threads must be positive, got %d", conf.NumThreads))
	}
	return nil
}

// settings is a validated config with every default filled in.
type settings struct {
	variant           Variant
	minimumConfidence float64
	colorConversion   *rimage.ColorConversion
	interpolation     rimage.Interpolation
	dataType          ml.DataType
	modelDirectory    string
	modelFile         string
	inputSize         int
	inputTensor       string
	outputTensor      string
}

func (conf *Config) resolve() (settings, error) {
	if err := conf.Validate("movenet"); err != nil {
		return settings{}, asUnsupported(err)
	}
	variant, err := VariantByName(conf.Variant)
	if err != nil {
		return settings{}, err
	}
	interp, err := rimage.ParseInterpolation(string(conf.Interpolation))
	if err != nil {
		return settings{}, err
	}
	dt := variant.DataType
	if conf.DataType != "" {
		if dt, err = ml.ParseDataType(string(conf.DataType)); err != nil {
			return settings{}, err
		}
	}
	s := settings{
		variant:           variant,
		minimumConfidence: conf.MinimumConfidence,
		interpolation:     interp,
		dataType:          dt,
		modelDirectory:    conf.ModelDirectory,
		modelFile:         conf.ModelFile,
		inputSize:         conf.InputSize,
		inputTensor:       conf.InputTensor,
		outputTensor:      conf.OutputTensor,
	}
	if conf.ColorConversion != nil {
		conv := *conf.ColorConversion
		s.colorConversion = &conv
	}
	if s.modelFile == "" {
		s.modelFile = variant.ModelFile
	}
	if s.inputSize == 0 {
		s.inputSize = variant.InputSize
	}
	if s.inputTensor == "" {
		s.inputTensor = DefaultInputTensor
	}
	if s.outputTensor == "" {
		s.outputTensor = DefaultOutputTensor
	}
	return s, nil
}

// engineName is the configured engine, or the default.
func (conf *Config) engineName() string {
	if conf.Engine == "" {
		return DefaultEngine
	}
	return conf.Engine
}

// engineAttributes are the attributes handed to the engine constructor.
func (conf *Config) engineAttributes() utils.AttributeMap {
	attrs := utils.AttributeMap{}
	if conf.NumThreads != 0 {
		attrs["num_threads"] = conf.NumThreads
	}
	return attrs
}

// FromAttributes decodes a config from loosely typed attributes.
func FromAttributes(attrs utils.AttributeMap) (*Config, error) {
	conf, err := utils.TransformAttributeMap[*Config](attrs)
	if err != nil {
		return nil, asUnsupported(err)
	}
	return conf, nil
}

// LoadConfig reads a JSON5 config file. A relative model_directory is resolved against the
// directory holding the file.
func LoadConfig(path string) (*Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config %q", path)
	}
	var conf Config
	if err := json5.Unmarshal(data, &conf); err != nil {
		return nil, utils.NewUnsupportedConfigurationError("cannot parse config %q: %s", path, err)
	}
	if conf.ModelDirectory != "" && !filepath.IsAbs(conf.ModelDirectory) {
		conf.ModelDirectory = filepath.Join(filepath.Dir(path), conf.ModelDirectory)
	}
	if err := conf.Validate(path); err != nil {
		return nil, asUnsupported(err)
	}
	return &conf, nil
}

func asUnsupported(err error) error {
	if errors.Is(err, utils.ErrUnsupportedConfiguration) {
		return err
	}
	return utils.NewUnsupportedConfigurationError("%s", err)
}

// Schema returns the JSON schema of Config.
func Schema() ([]byte, error) {
	return json.MarshalIndent(jsonschema.Reflect(&Config{}), "", "  ")
}
