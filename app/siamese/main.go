// Command siamese trains a Siamese embedding network on paired brain MRI
// volumes, or evaluates a saved checkpoint on a held-out directory.
//
//	siamese -config run.json -mode train
//	siamese -config run.json -mode eval
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-siamese/config"
)

func main() {
	klog.InitFlags(nil)
	configPath := flag.String("config", "", "JSON run configuration, defaults are used when empty")
	mode := flag.String("mode", "train", "train or eval")
	flag.Parse()
	defer klog.Flush()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			klog.Fatalf("loading config: %v", err)
		}
	}
	klog.V(1).Info(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch *mode {
	case "train":
		err = train(ctx, cfg, os.Stderr)
	case "eval":
		_, err = evaluate(ctx, cfg, os.Stderr)
	default:
		klog.Fatalf("unknown mode %q, want train or eval", *mode)
	}
	if err != nil {
		klog.Fatalf("%s failed: %v", *mode, err)
	}
}
