// Package tflite is an inference engine backed by the TensorFlow Lite C library.
package tflite

import (
	"go.viam.com/movenet/utils"
)

// Name is the name the engine is registered under.
const Name = "tflite"

// Config holds the engine attributes.
type Config struct {
	// NumThreads is the interpreter thread count. Zero means one per CPU.
	NumThreads int `json:"num_threads,omitempty"`
}

// ConfigFromAttributes decodes engine attributes.
func ConfigFromAttributes(attrs utils.AttributeMap) (*Config, error) {
	if attrs == nil {
		return &Config{}, nil
	}
	conf, err := utils.TransformAttributeMap[*Config](attrs)
	if err != nil {
		return nil, err
	}
	if conf.NumThreads < 0 {
		return nil, utils.NewUnsupportedConfigurationError("num_threads must be positive, got %d", conf.NumThreads)
	}
	return conf, nil
}
