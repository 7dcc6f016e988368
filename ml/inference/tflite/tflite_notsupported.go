//go:build no_tflite || no_cgo

package tflite

// Supported reports whether this build links the TensorFlow Lite engine.
const Supported = false
