// Command hyperflow builds the CNN described by one hyperparameter file,
// trains it on CIFAR and writes the result record.
package main

import (
	"flag"
	"os"

	"k8s.io/klog/v2"

	"hyperflow/arch"
	"hyperflow/dataset"
	"hyperflow/runner"
	flow "hyperflow/src"
)

var (
	flagSpace      = flag.String("space", "", "YAML or JSON hyperparameter file")
	flagData       = flag.String("data", "", "Directory holding the CIFAR binary files")
	flagDataset    = flag.String("dataset", "cifar100", "cifar100 or cifar10")
	flagCoarse     = flag.Bool("coarse", false, "Use the 20 CIFAR-100 superclasses")
	flagResults    = flag.String("results", "results", "Directory receiving the result records")
	flagEpochs     = flag.Int("epochs", 100, "Training epochs")
	flagBatch      = flag.Int("batch", 700, "Batch size")
	flagSeed       = flag.Int64("seed", 0, "Weight initialization and shuffling seed")
	flagMaxSamples = flag.Int("max-samples", 0, "Cap on samples per split, 0 reads all")
	flagFlipAtEval = flag.Bool("flip-at-eval", true, "Keep random mirroring active while evaluating")
	flagPlot       = flag.Bool("plot", false, "Write an SVG of the training curves next to the record")
	flagPatience   = flag.Int("patience", 0, "Stop after this many epochs without val_loss improvement, 0 disables")
	flagDebug      = flag.Bool("debug", false, "Trace every layer shape")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	code := run()
	klog.Flush()
	os.Exit(code)
}

func run() int {
	if *flagSpace == "" || *flagData == "" {
		klog.Info("exit: usage -space FILE -data DIR, see -help")
		return 2
	}
	flow.SetDebug(*flagDebug)

	space, err := arch.LoadSpace(*flagSpace)
	if err != nil {
		klog.Errorf("Error:\n%+v", err)
		return 1
	}
	variant, err := dataset.ParseVariant(*flagDataset)
	if err != nil {
		klog.Errorf("Error:\n%+v", err)
		return 2
	}

	cfg := runner.DefaultConfig()
	cfg.Epochs = *flagEpochs
	cfg.BatchSize = *flagBatch
	cfg.ResultsDir = *flagResults
	cfg.Seed = *flagSeed
	cfg.FlipAtEval = *flagFlipAtEval
	cfg.PlotHistory = *flagPlot
	cfg.Patience = *flagPatience

	provider := dataset.CIFAR{
		Dir:        *flagData,
		Variant:    variant,
		Coarse:     *flagCoarse,
		MaxSamples: *flagMaxSamples,
	}
	record, err := runner.Run(space, provider, cfg)
	if err != nil {
		klog.Errorf("Error:\n%+v", err)
		return 1
	}
	klog.Infof("%s finished with status %s, best val accuracy %.4f", record.ModelName, record.Status, record.Accuracy)
	if record.Status != runner.StatusOK {
		return 1
	}
	return 0
}
