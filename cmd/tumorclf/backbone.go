package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tumorclf/internal/config"
	"tumorclf/internal/model"
)

// buildBackbone constructs the frozen feature extractor described by c.
func buildBackbone(c config.BackboneConfig) (model.Backbone, error) {
	switch model.BackboneKind(c.Kind) {
	case model.BackboneConv, "":
		if c.Weights == "" {
			return model.NewConvBackbone(c.Seed), nil
		}
		cb, err := model.LoadConvBackbone(c.Weights)
		if err != nil {
			return nil, err
		}
		return cb, nil
	case model.BackboneONNX:
		b, err := os.ReadFile(c.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("read onnx model: %w", err)
		}
		ob, err := model.NewONNXBackbone(b, c.ONNX)
		if err != nil {
			return nil, err
		}
		return ob, nil
	default:
		return nil, fmt.Errorf("unknown backbone kind %q", c.Kind)
	}
}

func newInitBackboneCmd(a *app) *cobra.Command {
	var seed uint64
	var out string
	cmd := &cobra.Command{
		Use:     "init-backbone",
		Short:   "Write seeded (random, not pretrained) conv backbone weights for reuse across training runs",
		Example: "  tumorclf init-backbone --seed 7 --out backbone.cbor",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.finalize(cmd.ErrOrStderr()); err != nil {
				return err
			}
			cb := model.NewConvBackbone(seed)
			if err := cb.Save(out); err != nil {
				return err
			}
			a.log.Info().Str("path", out).Uint64("seed", seed).Int("channels", cb.Channels()).Msg("backbone written")
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Weight initialization seed")
	cmd.Flags().StringVar(&out, "out", "backbone.cbor", "Output path")
	return cmd
}
