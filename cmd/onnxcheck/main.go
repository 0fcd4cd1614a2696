package main

import (
	"fmt"
	"os"

	"github.com/tsawler/go-metal/checkpoints"

	"github.com/dudu/controlmap/internal/models"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: onnxcheck <checkpoint-name|model.onnx>")
		fmt.Println("\nThis tool tests whether an annotator checkpoint can be parsed.")
		fmt.Println("\nRegistered checkpoint names:")
		for _, name := range models.Names() {
			fmt.Printf("  %s\n", name)
		}
		os.Exit(1)
	}

	arg := os.Args[1]
	modelPath := arg
	if path, err := models.Path("", arg); err == nil {
		modelPath = path
	}

	fmt.Printf("Testing ONNX model: %s\n", modelPath)

	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		fmt.Printf("Error: File not found: %s\n", modelPath)
		fmt.Println("\nRun controlmap once to download the registered checkpoints")
		os.Exit(1)
	}

	fmt.Println("Attempting to import with go-metal...")
	importer := checkpoints.NewONNXImporter()
	checkpoint, err := importer.ImportFromONNX(modelPath)
	if err != nil {
		fmt.Printf("\nFAILED to import ONNX model:\n%v\n", err)
		fmt.Println("\nThis likely means the model uses operations the importer")
		fmt.Println("does not understand; ONNX Runtime may still load it fine.")
		os.Exit(1)
	}

	fmt.Println("\nModel imported successfully.")
	fmt.Printf("\nModel details:\n")
	fmt.Printf("  Layers: %d\n", len(checkpoint.ModelSpec.Layers))
	fmt.Printf("  Weights: %d tensors\n", len(checkpoint.Weights))

	fmt.Println("\nLayers:")
	for i, layer := range checkpoint.ModelSpec.Layers {
		fmt.Printf("  %d: %s (%s)\n", i+1, layer.Name, layer.Type)
	}
}
