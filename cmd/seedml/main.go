package main

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/seedml/seedml/convert"
	"github.com/seedml/seedml/fs"
	"github.com/seedml/seedml/ml"
	"github.com/seedml/seedml/ml/backend/cpu"
	"github.com/seedml/seedml/ml/sharding"
	"github.com/seedml/seedml/model"
	"github.com/seedml/seedml/model/input"
	"github.com/seedml/seedml/model/models/seedoss"
)

func loadKV(path string) (fs.KV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c, err := convert.ParseConfig(f)
	if err != nil {
		return nil, err
	}

	return c.KV()
}

func taskFromString(s string) (model.TaskType, error) {
	switch s {
	case "base":
		return model.TaskBase, nil
	case "causal-lm":
		return model.TaskCausalLM, nil
	case "classify":
		return model.TaskTextClassification, nil
	default:
		return 0, fmt.Errorf("unknown task %q (want base, causal-lm or classify)", s)
	}
}

func newTable() *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	return table
}

func infoHandler(cmd *cobra.Command, args []string) error {
	kv, err := loadKV(args[0])
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	table := newTable()
	table.SetHeader([]string{"KEY", "VALUE"})
	for _, k := range keys {
		table.Append([]string{k, fmt.Sprintf("%v", kv[k])})
	}
	table.Render()

	return nil
}

func paramsHandler(cmd *cobra.Command, args []string) error {
	taskName, _ := cmd.Flags().GetString("task")
	task, err := taskFromString(taskName)
	if err != nil {
		return err
	}

	kv, err := loadKV(args[0])
	if err != nil {
		return err
	}

	opts, err := seedoss.NewOptions(kv)
	if err != nil {
		return err
	}

	rules := opts.PartitionRules()

	var total int
	table := newTable()
	table.SetHeader([]string{"NAME", "SHAPE", "PARTITION"})
	for _, spec := range opts.Parameters(task) {
		n := 1
		var dims []string
		for _, d := range spec.Shape {
			n *= d
			dims = append(dims, strconv.Itoa(d))
		}
		total += n

		table.Append([]string{spec.Name, strings.Join(dims, " x "), sharding.Resolve(rules, spec.Name).String()})
	}
	table.Render()

	fmt.Printf("\ntotal parameters: %d\n", total)
	return nil
}

// forwardHandler runs a randomly initialized model over the given token
// ids on the cpu backend. It exists to smoke test a configuration end to
// end without any checkpoint on hand.
func forwardHandler(cmd *cobra.Command, args []string) error {
	taskName, _ := cmd.Flags().GetString("task")
	task, err := taskFromString(taskName)
	if err != nil {
		return err
	}

	tokens, _ := cmd.Flags().GetString("tokens")
	var ids []int32
	for _, s := range strings.Split(tokens, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return fmt.Errorf("bad token id %q: %w", s, err)
		}
		ids = append(ids, int32(id))
	}

	kv, err := loadKV(args[0])
	if err != nil {
		return err
	}

	opts, err := seedoss.NewOptions(kv)
	if err != nil {
		return err
	}

	seed, _ := cmd.Flags().GetUint64("seed")
	rng := rand.New(rand.NewPCG(seed, 0))

	b := cpu.New(kv)
	for _, spec := range opts.Parameters(task) {
		b.PutNormal(rng, spec.Name, 0.02, spec.Shape...)
	}

	m, err := model.New(b, task)
	if err != nil {
		return err
	}

	ctx := b.NewContext()
	defer ctx.Close()

	slog.Info("running forward pass", "task", task, "tokens", len(ids))
	out, err := m.Forward(ctx, input.Request{IDs: [][]int32{ids}})
	if err != nil {
		return err
	}

	fmt.Println("last hidden state:", out.LastHiddenState.Shape())
	if out.Logits != nil {
		fmt.Println("logits:", out.Logits.Shape())
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			fmt.Println(ml.Dump(out.Logits))
		}
	}

	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "seedml",
		Short:         "Inspect and smoke test Seed-OSS model configurations",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}
		},
	}
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")

	infoCmd := &cobra.Command{
		Use:   "info CONFIG",
		Short: "Show the resolved configuration of a config.json",
		Args:  cobra.ExactArgs(1),
		RunE:  infoHandler,
	}

	paramsCmd := &cobra.Command{
		Use:   "params CONFIG",
		Short: "List parameter tensors, shapes and partition layout",
		Args:  cobra.ExactArgs(1),
		RunE:  paramsHandler,
	}
	paramsCmd.Flags().String("task", "causal-lm", "model task: base, causal-lm or classify")

	forwardCmd := &cobra.Command{
		Use:   "forward CONFIG",
		Short: "Run a random-weight forward pass on the cpu backend",
		Args:  cobra.ExactArgs(1),
		RunE:  forwardHandler,
	}
	forwardCmd.Flags().String("task", "causal-lm", "model task: base, causal-lm or classify")
	forwardCmd.Flags().String("tokens", "1,2,3,4", "comma separated token ids")
	forwardCmd.Flags().Uint64("seed", 0, "random weight seed")

	rootCmd.AddCommand(infoCmd, paramsCmd, forwardCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
