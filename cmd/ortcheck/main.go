package main

import (
	"flag"
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/dudu/controlmap/internal/models"
)

func main() {
	libPath := flag.String("ort-lib", "", "Path to the ONNX Runtime shared library")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: ortcheck [--ort-lib path] <checkpoint-name|model.onnx>")
		fmt.Println("\nThis tool tests if ONNX Runtime can load an annotator model")
		fmt.Println("and prints its input/output signature.")
		os.Exit(1)
	}

	arg := flag.Arg(0)
	modelPath := arg
	if path, err := models.Path("", arg); err == nil {
		modelPath = path
	}

	fmt.Printf("Testing ONNX model: %s\n", modelPath)

	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		fmt.Printf("Error: File not found: %s\n", modelPath)
		os.Exit(1)
	}

	if *libPath != "" {
		ort.SetSharedLibraryPath(*libPath)
	}

	fmt.Println("Initializing ONNX Runtime...")
	if err := ort.InitializeEnvironment(); err != nil {
		fmt.Printf("Failed to initialize ONNX Runtime: %v\n", err)
		os.Exit(1)
	}
	defer ort.DestroyEnvironment()

	fmt.Println("Getting model info...")
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		fmt.Printf("Failed to get model info: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nModel loaded successfully.")
	fmt.Println("\nInputs:")
	for _, in := range inputs {
		fmt.Printf("  %s: %v\n", in.Name, in.Dimensions)
	}
	fmt.Println("\nOutputs:")
	for _, out := range outputs {
		fmt.Printf("  %s: %v\n", out.Name, out.Dimensions)
	}
}
