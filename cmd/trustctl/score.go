package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/trustbank/internal/config"
	"github.com/mbd888/trustbank/internal/money"
	"github.com/mbd888/trustbank/internal/risk"
	"github.com/mbd888/trustbank/internal/trust"
)

func weightsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "weights",
		Short: "Print the effective signal weight table",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := loadWeights(cmd)
			if err != nil {
				return err
			}
			return printWeights(cmd.OutOrStdout(), w)
		},
	}
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score [file|-]",
		Short: "Score a client context against a trust profile",
		Long: `Reads {"profile": {...}, "context": {...}} as JSON and prints the
score, level and decision the engine would reach. Thresholds come from the
same environment variables as the server.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runScore,
	}
	cmd.Flags().String("amount", "", "transaction amount in rupees; omit to score a login")
	return cmd
}

func loadWeights(cmd *cobra.Command) (risk.Weights, error) {
	path, _ := cmd.Flags().GetString("weights")
	return risk.LoadWeights(path)
}

func printWeights(w io.Writer, weights risk.Weights) error {
	out, err := yaml.Marshal(map[string]any{
		"weights":   weights,
		"max_score": weights.Max(),
	})
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// scoreInput is the document `trustctl score` reads.
type scoreInput struct {
	Profile *trust.Profile       `json:"profile"`
	Context *trust.ClientContext `json:"context"`
}

// scoreResult is what `trustctl score` prints.
type scoreResult struct {
	risk.Assessment
	Level    risk.Level    `json:"level"`
	Decision risk.Decision `json:"decision"`
	Amount   string        `json:"amount,omitempty"`
}

func runScore(cmd *cobra.Command, args []string) error {
	weights, err := loadWeights(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	in := io.Reader(cmd.InOrStdin())
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	amount, _ := cmd.Flags().GetString("amount")
	res, err := assess(in, weights, cfg.Policy(), amount)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// assess scores one input document. An empty amount scores a login, which
// is never value-gated.
func assess(r io.Reader, weights risk.Weights, policy risk.Policy, amount string) (*scoreResult, error) {
	var in scoreInput
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if in.Context == nil {
		return nil, fmt.Errorf("input has no context")
	}
	if in.Profile == nil {
		in.Profile = &trust.Profile{}
	}

	ev, err := risk.NewEvaluator(weights)
	if err != nil {
		return nil, err
	}

	var value int64
	gated := amount != ""
	if gated {
		v, ok := money.Parse(amount)
		if !ok || v <= 0 {
			return nil, fmt.Errorf("invalid amount %q", amount)
		}
		value = v
	}

	a := ev.Evaluate(in.Context, in.Profile)
	res := &scoreResult{
		Assessment: a,
		Level:      policy.Level(a.Score),
		Decision:   policy.Decide(a.Score, value, gated),
	}
	if gated {
		res.Amount = money.Format(value)
	}
	return res, nil
}
