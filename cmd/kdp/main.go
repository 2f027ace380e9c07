// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// kdp trains a student model through knowledge distillation with progressive filter pruning.
//
// Usage:
//
//	kdp train -c example.yaml --set "training.epochs=10" --checkpoint /tmp/kdp
//	kdp plan -c example.yaml
//	kdp checkpoint /tmp/kdp --params
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/gomlx/kdp/internal/cli"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := cli.NewCLI().ExecuteContext(ctx)
	stop()
	klog.Flush()
	cobra.CheckErr(err)
}
