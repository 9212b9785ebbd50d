package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/yyou22/Example-Repo-iTSS/checkpoint"
	"github.com/yyou22/Example-Repo-iTSS/ledger"
	"github.com/yyou22/Example-Repo-iTSS/ml"
	"github.com/yyou22/Example-Repo-iTSS/trainer"
)

// -------- MAIN -------- //
func main() {
	klog.InitFlags(nil)
	cfg, predictPath, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fatal(err)
	}
	defer klog.Flush()

	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	if predictPath != "" {
		p, err := trainer.Predict(cfg, predictPath)
		if err != nil {
			fatal(err)
		}
		klog.Infof("Prediction: class %d (%.2f%%) using the epoch %d checkpoint", p.Class, 100*p.Confidence, p.Epoch)
		for i, c := range p.Top {
			klog.Infof("  %d. class %2d  %.2f%%", i+1, c.Class, 100*c.Probability)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			klog.InfoS("training interrupted")
			klog.FlushAndExit(klog.ExitFlushTimeout, 130)
		}
		fatal(err)
	}
}

func fatal(err error) {
	klog.ErrorS(err, "fatal")
	klog.V(1).Infof("%+v", err)
	klog.FlushAndExit(klog.ExitFlushTimeout, 1)
}

func parseFlags(fs *flag.FlagSet, args []string) (trainer.Config, string, error) {
	cfg := trainer.DefaultConfig()
	var (
		device  = string(cfg.Device)
		hidden  = joinInts(cfg.Hidden)
		predict string
	)

	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "input batch size for training")
	fs.IntVar(&cfg.TestBatchSize, "test-batch-size", cfg.TestBatchSize, "input batch size for testing")
	fs.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "number of epochs to train")
	fs.Float64Var(&cfg.WeightDecay, "weight-decay", cfg.WeightDecay, "weight decay")
	fs.Float64Var(&cfg.WeightDecay, "wd", cfg.WeightDecay, "shorthand for --weight-decay")
	fs.Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "base learning rate")
	fs.Float64Var(&cfg.Momentum, "momentum", cfg.Momentum, "SGD momentum")
	fs.BoolVar(&cfg.NoAccel, "no-accel", cfg.NoAccel, "disable the parallel compute device")
	fs.StringVar(&device, "device", device, "compute device: auto, cpu or parallel")
	fs.BoolVar(&cfg.AllowFallback, "allow-fallback", cfg.AllowFallback, "fall back to cpu when the requested device is unavailable")
	fs.IntVar(&cfg.DeviceWorkers, "device-workers", cfg.DeviceWorkers, "parallel device workers (0 = one per logical core)")
	fs.IntVar(&cfg.LogInterval, "log-interval", cfg.LogInterval, "batches between training progress lines")
	fs.StringVar(&cfg.ModelDir, "model-dir", cfg.ModelDir, "directory of model checkpoints")
	fs.IntVar(&cfg.SaveFreq, "save-freq", cfg.SaveFreq, "save a checkpoint every N epochs")
	fs.IntVar(&cfg.SaveFreq, "s", cfg.SaveFreq, "shorthand for --save-freq")
	fs.IntVar(&cfg.CheckpointRetries, "checkpoint-retries", cfg.CheckpointRetries, "retries for a failed checkpoint write")
	fs.StringVar(&cfg.TrainDir, "train-dir", cfg.TrainDir, "training images, one numeric directory per class")
	fs.StringVar(&cfg.TestDir, "test-dir", cfg.TestDir, "test images")
	fs.StringVar(&cfg.TestAnnotations, "test-annotations", cfg.TestAnnotations, "ground-truth csv for a flat test directory")
	fs.IntVar(&cfg.ImageSize, "image-size", cfg.ImageSize, "square input size in pixels")
	fs.Float64Var(&cfg.Rotation, "rotation", cfg.Rotation, "max random rotation of training images, in degrees")
	fs.StringVar(&hidden, "hidden", hidden, "comma separated hidden layer widths of the base network")
	fs.StringVar(&cfg.Pretrained, "pretrained", cfg.Pretrained, "model checkpoint to fine-tune from")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "batch loader workers")
	fs.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	fs.BoolVar(&cfg.Resume, "resume", cfg.Resume, "continue from the latest checkpoint in --model-dir")
	fs.StringVar(&cfg.Ledger, "ledger", cfg.Ledger, "sqlite run ledger (default <model-dir>/ledger.sqlite3, \"none\" disables)")
	fs.StringVar(&predict, "predict", "", "classify one image with the latest checkpoint and exit")

	if err := fs.Parse(args); err != nil {
		return cfg, "", errors.Wrap(trainer.ErrInvalidConfig, err.Error())
	}
	cfg.Device = ml.DeviceKind(device)

	widths, err := parseInts(hidden)
	if err != nil {
		return cfg, "", errors.Wrapf(trainer.ErrInvalidConfig, "hidden: %v", err)
	}
	cfg.Hidden = widths
	return cfg, predict, nil
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}

// checkFreshStart refuses to start a new run in a directory that already holds
// checkpoints, since the writer never overwrites them.
func checkFreshStart(dir string) error {
	p, ok, err := checkpoint.Latest(dir)
	if err != nil {
		return errors.WithMessage(err, "inspect model dir")
	}
	if ok {
		return errors.Wrapf(trainer.ErrInvalidConfig,
			"%s already holds checkpoints up to epoch %d; pass --resume or choose another --model-dir", dir, p.Epoch)
	}
	return nil
}

func run(ctx context.Context, cfg trainer.Config) error {
	dev, err := ml.ResolveDevice(cfg.DeviceOptions())
	if err != nil {
		return err
	}
	klog.InfoS("compute device", "device", dev.Name(), "host", ml.DescribeHost())

	if !cfg.Resume {
		if err := checkFreshStart(cfg.ModelDir); err != nil {
			return err
		}
	}

	// 1. Load Data
	splits, err := trainer.OpenSplits(cfg)
	if err != nil {
		return err
	}
	klog.InfoS("datasets loaded", "train", splits.Train.Len(), "test", splits.Test.Len(),
		"trainBatches", splits.Train.NumBatches(), "testBatches", splits.Test.NumBatches())

	// 2. Initialize Network
	var (
		nw    *ml.NeuralNetwork
		opt   *ml.MomentumSGD
		start = 1
	)
	if cfg.Resume {
		r, ok, err := trainer.Resume(cfg)
		if err != nil {
			return errors.WithMessage(err, "resume")
		}
		if ok {
			nw, opt, start = r.Model, r.Optimizer, r.Epoch+1
			klog.InfoS("resuming", "fromEpoch", r.Epoch, "previousRun", r.RunID, "steps", opt.Steps())
		} else {
			klog.InfoS("no checkpoint to resume from, starting fresh", "dir", cfg.ModelDir)
		}
	}
	if nw == nil {
		if nw, err = trainer.BuildModel(cfg); err != nil {
			return err
		}
		opt = trainer.NewOptimizer(cfg, nw)
	}
	klog.InfoS("model ready", "inputs", nw.InputDim(), "classes", nw.Classes(), "params", nw.NumParams())
	if start > cfg.Epochs {
		klog.InfoS("all epochs already completed", "epochs", cfg.Epochs)
		return nil
	}

	// 3. Checkpoints & Ledger
	runID := uuid.NewString()
	writer, err := checkpoint.NewWriter(checkpoint.WriterConfig{
		Dir:     cfg.ModelDir,
		Every:   cfg.SaveFreq,
		Retries: cfg.CheckpointRetries,
		Backoff: cfg.CheckpointBackoff,
		RunID:   runID,
	})
	if err != nil {
		return err
	}

	var (
		rec trainer.Recorder
		lg  *ledger.Ledger
	)
	if path := cfg.LedgerPath(); path != "" {
		lg, err = ledger.Open(ctx, path, ledger.Run{
			ID:         runID,
			Device:     dev.Name(),
			Config:     fmt.Sprintf("%+v", cfg),
			StartEpoch: start,
		})
		if err != nil {
			klog.ErrorS(err, "run ledger disabled", "path", path)
		} else {
			defer lg.Close()
			rec = lg
		}
	}

	// 4. Train
	loop := &trainer.Loop{
		Config:      cfg,
		Model:       nw,
		Optimizer:   opt,
		Device:      dev,
		Schedule:    ml.DefaultMultiStepLR(),
		Train:       splits.Train,
		EvalTrain:   splits.EvalTrain,
		Test:        splits.Test,
		Checkpoints: writer,
		Reporter:    trainer.KlogReporter{},
		Recorder:    rec,
		StartEpoch:  start,
	}
	klog.InfoS("training started", "run", runID, "epochs", cfg.Epochs, "startEpoch", start)
	err = loop.Run(ctx)

	if lg != nil {
		status := "completed"
		switch {
		case errors.Is(err, context.Canceled):
			status = "cancelled"
		case err != nil:
			status = "failed"
		}
		if ferr := lg.Finish(context.Background(), status); ferr != nil {
			klog.ErrorS(ferr, "ledger write failed")
		}
	}
	return err
}
