// Package main is the movenet command.
package main

import (
	"log"
	"os"

	"go.viam.com/movenet/cli"
	// register the inference engines.
	_ "go.viam.com/movenet/ml/inference/tflite"
)

func main() {
	if err := cli.NewApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
