package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"tumorclf/internal/predictor"
	"tumorclf/pkg/types"
)

func newPredictCmd(a *app) *cobra.Command {
	var artifact, onnxLib string
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "predict <image>...",
		Short:   "Classify one or more MRI images with a trained artifact",
		Example: "  tumorclf predict --artifact model.tmr scan1.jpg scan2.png",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("artifact") {
				a.cfg.Server.Artifact = artifact
			}
			if cmd.Flags().Changed("onnx-lib") {
				a.cfg.Backbone.ONNX.LibraryPath = onnxLib
			}
			if err := a.finalize(cmd.ErrOrStderr()); err != nil {
				return err
			}
			h, err := predictor.Load(cmd.Context(), a.cfg.Server.Artifact, loadOptions(a))
			if err != nil {
				return err
			}
			defer h.Close()

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			failed := 0
			for _, path := range args {
				res, err := h.PredictFile(cmd.Context(), path)
				if err != nil {
					failed++
					a.log.Error().Err(err).Str("image", path).Msg("prediction failed")
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					continue
				}
				if asJSON {
					_ = enc.Encode(struct {
						Image string `json:"image"`
						types.PredictResponse
					}{path, types.PredictResponse{
						Class:         res.Label,
						Confidence:    predictor.FormatConfidence(res.Confidence),
						ConfidenceRaw: res.Confidence,
						Probabilities: res.Distribution,
					}})
					continue
				}
				if len(args) > 1 {
					fmt.Fprintf(out, "Image: %s\n", path)
				}
				fmt.Fprintf(out, "Predicted Class: %s\n", res.Label)
				fmt.Fprintf(out, "Confidence: %s\n", predictor.FormatConfidence(res.Confidence))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d images failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&artifact, "artifact", "", "Trained artifact (defaults to server.artifact)")
	cmd.Flags().StringVar(&onnxLib, "onnx-lib", "", "Path to the onnxruntime shared library")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per image")
	return cmd
}
