package main

import (
	"errors"
	"flag"
	"io"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"

	"github.com/yyou22/Example-Repo-iTSS/checkpoint"
	"github.com/yyou22/Example-Repo-iTSS/ml"
	"github.com/yyou22/Example-Repo-iTSS/trainer"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("itss", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func mustParse(t *testing.T, args ...string) (trainer.Config, string) {
	t.Helper()
	cfg, predict, err := parseFlags(newFlagSet(), args)
	must.M(err)
	return cfg, predict
}

func TestParseFlagsDefaults(t *testing.T) {
	cfg, predict := mustParse(t)
	if predict != "" {
		t.Fatalf("predict = %q", predict)
	}
	want := trainer.DefaultConfig()
	if cfg.BatchSize != 64 || cfg.TestBatchSize != 64 || cfg.Epochs != 20 || cfg.LearningRate != 0.01 ||
		cfg.Momentum != 0.9 || cfg.WeightDecay != 2e-4 || cfg.LogInterval != 50 || cfg.SaveFreq != 1 ||
		cfg.ModelDir != want.ModelDir || cfg.Device != ml.DeviceAuto || !cfg.AllowFallback {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.Hidden) != 1 || cfg.Hidden[0] != 256 {
		t.Fatalf("hidden = %v", cfg.Hidden)
	}
	must.M(cfg.Validate())
}

func TestParseFlagsAliases(t *testing.T) {
	cfg, predict := mustParse(t,
		"--wd", "0.001", "-s", "5", "--device", "cpu", "--device-workers", "3", "--hidden", "512, 128", "--predict", "sign.ppm")
	if cfg.WeightDecay != 0.001 || cfg.SaveFreq != 5 || cfg.Device != ml.DeviceCPU {
		t.Fatalf("aliases not applied: %+v", cfg)
	}
	if len(cfg.Hidden) != 2 || cfg.Hidden[0] != 512 || cfg.Hidden[1] != 128 {
		t.Fatalf("hidden = %v", cfg.Hidden)
	}
	if opts := cfg.DeviceOptions(); opts.Workers != 3 || opts.Kind != ml.DeviceCPU {
		t.Fatalf("device options = %+v", opts)
	}
	if predict != "sign.ppm" {
		t.Fatalf("predict = %q", predict)
	}
}

func TestParseFlagsErrors(t *testing.T) {
	if _, _, err := parseFlags(newFlagSet(), []string{"--hidden", "12,x"}); !errors.Is(err, trainer.ErrInvalidConfig) {
		t.Fatalf("bad hidden widths: got %v", err)
	}
	if _, _, err := parseFlags(newFlagSet(), []string{"--no-such-flag"}); !errors.Is(err, trainer.ErrInvalidConfig) {
		t.Fatalf("unknown flag: got %v", err)
	}
	cfg, _ := mustParse(t, "--batch-size", "0")
	if err := cfg.Validate(); !errors.Is(err, trainer.ErrInvalidConfig) {
		t.Fatalf("zero batch size: got %v", err)
	}
}

func TestCheckFreshStart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "models")
	must.M(checkFreshStart(dir))

	w := must.M1(checkpoint.NewWriter(checkpoint.WriterConfig{Dir: dir, Every: 1}))
	must.M(checkFreshStart(dir))

	nw := ml.NewNetwork(rand.New(rand.NewPCG(1, 2)), ml.Input(4), ml.Dense(3, ml.Activation("softmax")))
	must.M1(w.MaybeSave(1, nw, ml.NewMomentumSGD(nw, 0.01, 0.9, 0)))
	if err := checkFreshStart(dir); !errors.Is(err, trainer.ErrInvalidConfig) {
		t.Fatalf("dir with epoch 1 checkpoint: got %v, want ErrInvalidConfig", err)
	}
}
