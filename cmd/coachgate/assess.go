package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zen-systems/coachgate/pkg/assess"
	"github.com/zen-systems/coachgate/pkg/tier"
)

func readinessCmd() *cobra.Command {
	var history string

	cmd := &cobra.Command{
		Use:   "readiness [check-in]",
		Short: "Score today's check-in and recommend a training load",
		Long: `Scores sleep, soreness, energy, motivation and stress from 1 to 10 on
	the SMART tier and recommends full_send, moderate, light or rest.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			checkIn, err := readInput(args)
			if err != nil {
				return err
			}
			a, err := setup()
			if err != nil {
				return err
			}

			spec := a.catalog.Spec(tier.Smart)
			provider, err := a.registry.Structured(spec.Provider)
			if err != nil {
				return err
			}
			r, err := assess.NewReadinessAssessor(provider, spec.Model, assess.WithLogger(a.logger)).
				Assess(cmd.Context(), checkIn, history)
			if err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(r)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "OVERALL\t%d/10\t%s\n", r.OverallScore, strings.ToUpper(string(r.Recommendation)))
			fmt.Fprintf(w, "SLEEP\t%d\n", r.Factors.Sleep)
			fmt.Fprintf(w, "SORENESS\t%d\n", r.Factors.Soreness)
			fmt.Fprintf(w, "ENERGY\t%d\n", r.Factors.Energy)
			fmt.Fprintf(w, "MOTIVATION\t%d\n", r.Factors.Motivation)
			fmt.Fprintf(w, "STRESS\t%d\n", r.Factors.Stress)
			if r.Reasoning != "" {
				fmt.Fprintf(w, "REASON\t%s\n", r.Reasoning)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&history, "history", "", "recent check-ins and training, free text")
	return cmd
}

func classifyContentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify-content [text]",
		Short: "Label coaching content by category, topics and urgency",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(args)
			if err != nil {
				return err
			}
			a, err := setup()
			if err != nil {
				return err
			}

			spec := a.catalog.Spec(tier.Fast)
			provider, err := a.registry.Structured(spec.Provider)
			if err != nil {
				return err
			}
			c, err := assess.NewContentClassifier(provider, spec.Model, assess.WithLogger(a.logger)).
				Classify(cmd.Context(), content)
			if err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(c)
			}
			fmt.Printf("%s (urgency %s, actionable %t)\n", c.Category, c.Urgency, c.Actionable)
			if len(c.Topics) > 0 {
				fmt.Printf("topics: %s\n", strings.Join(c.Topics, ", "))
			}
			return nil
		},
	}
}
