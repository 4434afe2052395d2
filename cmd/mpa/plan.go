// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/1cmy2/model-preparation-algorithm/ml/data"
	"github.com/1cmy2/model-preparation-algorithm/ml/data/sampler"
)

type planFlags struct {
	annDir, split, suffix string
	classes, newClasses   []string
	numOld, numNew        int
	showOrder             bool
}

func (a *app) planCmd() *cobra.Command {
	var f planFlags
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plans the epochs of the incremental sampler",
		Long: "Partitions a segmentation dataset into samples with only old classes and samples with new " +
			"classes, and prints the epochs the incremental sampler generates for it. Without --ann_dir, a " +
			"partition of --num_old and --num_new samples is used.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			partition, err := f.partition()
			if err != nil {
				return err
			}
			sc := a.settings.Sampler
			s, err := sampler.New(partition, sc.BatchSize,
				sampler.WithEfficientMode(sc.EfficientMode),
				sampler.WithSeed(sc.Seed),
				sampler.WithOldNewRatio(sc.OldNewRatio))
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), s, partition, sc.Epochs, f.showOrder)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.annDir, "ann_dir", "", "Directory of the segmentation maps.")
	flags.StringVar(&f.split, "split", "", "File listing the sample names, one per line.")
	flags.StringVar(&f.suffix, "suffix", ".png", "Segmentation map file suffix.")
	flags.StringSliceVar(&f.classes, "classes", nil, "Classes of the dataset, without background, in label order.")
	flags.StringSliceVar(&f.newClasses, "new_classes", nil, "Classes new to the model.")
	flags.IntVar(&f.numOld, "num_old", 0, "Number of samples with only old classes, without --ann_dir.")
	flags.IntVar(&f.numNew, "num_new", 0, "Number of samples with new classes, without --ann_dir.")
	flags.BoolVar(&f.showOrder, "order", false, "Prints the full sample order of each epoch.")

	flags.Int("batch_size", 8, "Batch size.")
	flags.Int64("seed", 0, "Seed of the shuffles.")
	flags.Bool("efficient_mode", false, "Shortens the epochs to the new samples and a subset of the old ones.")
	flags.Float64("old_new_ratio", -1, "Old samples per new sample in efficient mode, sqrt(old/new) if < 0.")
	flags.Int("epochs", 1, "Number of epochs to plan.")
	for _, name := range []string{"batch_size", "seed", "efficient_mode", "old_new_ratio", "epochs"} {
		_ = a.v.BindPFlag("sampler."+name, flags.Lookup(name))
	}
	return cmd
}

func (f planFlags) partition() (sampler.Partition, error) {
	if f.annDir == "" {
		if f.numOld < 0 || f.numNew < 0 || f.numOld+f.numNew == 0 {
			return sampler.Partition{}, errors.New("either --ann_dir or a positive --num_old/--num_new is required")
		}
		var p sampler.Partition
		for ii := range f.numOld + f.numNew {
			if ii < f.numOld {
				p.Old = append(p.Old, ii)
			} else {
				p.New = append(p.New, ii)
			}
		}
		return p, nil
	}
	if len(f.classes) == 0 {
		return sampler.Partition{}, errors.New("--classes is required with --ann_dir")
	}
	cfg := data.BuildSegIncr(f.annDir, f.classes, f.newClasses).Suffix(f.suffix)
	if f.split != "" {
		cfg = cfg.Split(f.split)
	}
	ds, err := cfg.Done()
	if err != nil {
		return sampler.Partition{}, err
	}
	return ds.Partition(), nil
}

func printPlan(w io.Writer, s *sampler.Sampler, partition sampler.Partition, epochs int, showOrder bool) {
	isNew := make(map[int]bool, len(partition.New))
	for _, idx := range partition.New {
		isNew[idx] = true
	}
	_, _ = fmt.Fprintf(w, "%s old and %s new samples, ratio %.3f, efficient mode %v\n",
		humanize.Comma(int64(len(partition.Old))), humanize.Comma(int64(len(partition.New))),
		s.Ratio(), s.EfficientMode())

	table := newReportTable(lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Left)
	table.Headers("Epoch", "Samples", "Batches", "New", "Old", "First batch")
	orders := make([][]int, epochs)
	for epoch := range epochs {
		order := s.Epoch(epoch)
		orders[epoch] = order
		var numNew int
		for _, idx := range order {
			if isNew[idx] {
				numNew++
			}
		}
		first := order[:min(len(order), s.BatchSize())]
		table.Row(false, fmt.Sprint(epoch), humanize.Comma(int64(len(order))), humanize.Comma(int64(s.NumBatches())),
			humanize.Comma(int64(numNew)), humanize.Comma(int64(len(order)-numNew)), joinInts(first))
	}
	table.Print(w, "Sampler plan")
	if showOrder {
		for epoch, order := range orders {
			_, _ = fmt.Fprintf(w, "epoch %d: %s\n", epoch, joinInts(order))
		}
	}
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for ii, v := range values {
		parts[ii] = fmt.Sprint(v)
	}
	return strings.Join(parts, " ")
}
