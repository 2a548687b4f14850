package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tumorclf/internal/model"
)

type inspectOutput struct {
	Path          string         `json:"path"`
	Labels        []string       `json:"labels"`
	Backbone      string         `json:"backbone"`
	Channels      int            `json:"channels"`
	HiddenUnits   int            `json:"hidden_units"`
	Interpolation string         `json:"interpolation"`
	Metadata      model.Metadata `json:"metadata"`
}

func newInspectCmd(a *app) *cobra.Command {
	var onnxLib string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect <artifact>",
		Short: "Print the label order, backbone and training metadata of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("onnx-lib") {
				a.cfg.Backbone.ONNX.LibraryPath = onnxLib
			}
			if err := a.finalize(cmd.ErrOrStderr()); err != nil {
				return err
			}
			clf, meta, err := model.LoadArtifact(args[0], loadOptions(a))
			if err != nil {
				return err
			}
			defer clf.Close()
			o := inspectOutput{
				Path:          args[0],
				Labels:        clf.Labels,
				Backbone:      string(clf.Backbone.Kind()),
				Channels:      clf.Backbone.Channels(),
				HiddenUnits:   clf.Head.Hidden(),
				Interpolation: string(clf.Preprocess.Interpolation),
				Metadata:      meta,
			}
			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(o)
			}
			fmt.Fprintf(w, "Artifact:       %s\n", o.Path)
			fmt.Fprintf(w, "Labels:         %s\n", strings.Join(o.Labels, ", "))
			fmt.Fprintf(w, "Backbone:       %s (%d channels)\n", o.Backbone, o.Channels)
			fmt.Fprintf(w, "Hidden units:   %d\n", o.HiddenUnits)
			fmt.Fprintf(w, "Interpolation:  %s\n", o.Interpolation)
			fmt.Fprintf(w, "Run:            %s\n", meta.RunID)
			if meta.CreatedUnix > 0 {
				fmt.Fprintf(w, "Created:        %s\n", time.Unix(meta.CreatedUnix, 0).UTC().Format(time.RFC3339))
			}
			fmt.Fprintf(w, "Epochs:         %d\n", meta.Epochs)
			fmt.Fprintf(w, "Samples:        %d train / %d val\n", meta.TrainSamples, meta.ValSamples)
			fmt.Fprintf(w, "Val accuracy:   %.2f%%\n", meta.FinalValAccuracy*100)
			return nil
		},
	}
	cmd.Flags().StringVar(&onnxLib, "onnx-lib", "", "Path to the onnxruntime shared library")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
