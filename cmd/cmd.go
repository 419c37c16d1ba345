package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/r2gencmn/r2gen/api"
	"github.com/r2gencmn/r2gen/envconfig"
	"github.com/r2gencmn/r2gen/logutil"
	"github.com/r2gencmn/r2gen/ml"
	"github.com/r2gencmn/r2gen/model"
	_ "github.com/r2gencmn/r2gen/model/models"
	"github.com/r2gencmn/r2gen/server"
)

// loadModel builds the model described by the --config flag, or by the
// first config file found on the default paths.
func loadModel(cmd *cobra.Command) (model.Model, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	opts, err := envconfig.LoadOptions(path)
	if err != nil {
		return nil, err
	}

	return model.New(opts, ml.BackendParams{NumThreads: envconfig.Threads()})
}

func newClient() *api.Client {
	return api.NewClient(envconfig.Host(), http.DefaultClient)
}

// parseOptions turns key=value pairs into sampling update options. Values
// are read as integers, floats or booleans before falling back to strings.
func parseOptions(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	opts := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("option %q is not key=value", pair)
		}

		if i, err := strconv.Atoi(value); err == nil {
			opts[key] = i
		} else if f, err := strconv.ParseFloat(value, 32); err == nil {
			opts[key] = f
		} else if b, err := strconv.ParseBool(value); err == nil {
			opts[key] = b
		} else {
			opts[key] = value
		}
	}

	return opts, nil
}

func readImages(paths []string) ([][]byte, error) {
	images := make([][]byte, len(paths))
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		images[i] = data
	}

	return images, nil
}

// negativeLogLikelihood averages -log p(targets[t+1]) over the teacher
// forced steps, skipping padding.
func negativeLogLikelihood(logprobs []float32, shape []int, targets []int32) float64 {
	if len(shape) != 3 {
		return math.NaN()
	}

	steps, classes := shape[1], shape[2]

	var sum float64
	var n int
	for t := 0; t < steps && t+1 < len(targets); t++ {
		next := targets[t+1]
		sum -= float64(logprobs[t*classes+int(next)])
		n++

		if next == 0 {
			break
		}
	}

	if n == 0 {
		return math.NaN()
	}

	return sum / float64(n)
}

func RunHandler(cmd *cobra.Command, args []string) error {
	images, err := readImages(args)
	if err != nil {
		return err
	}

	mode, _ := cmd.Flags().GetString("mode")
	report, _ := cmd.Flags().GetString("report")
	remote, _ := cmd.Flags().GetBool("remote")
	export, _ := cmd.Flags().GetString("logprobs")
	format, _ := cmd.Flags().GetString("format")

	pairs, err := cmd.Flags().GetStringArray("option")
	if err != nil {
		return err
	}

	updateOpts, err := parseOptions(pairs)
	if err != nil {
		return err
	}

	ids, err := cmd.Flags().GetIntSlice("retrieval-ids")
	if err != nil {
		return err
	}

	req := api.GenerateRequest{
		Images:  images,
		Mode:    mode,
		Options: updateOpts,
	}

	for _, id := range ids {
		req.RetrievalIDs = append(req.RetrievalIDs, int32(id))
	}

	var resp *api.GenerateResponse
	if remote {
		if report != "" {
			return errors.New("--report needs a local model")
		}

		if resp, err = newClient().Generate(cmd.Context(), &req); err != nil {
			return err
		}
	} else {
		m, err := loadModel(cmd)
		if err != nil {
			return err
		}

		if report != "" {
			req.Targets = m.Vocabulary().Encode(report)
		}

		if resp, err = server.NewServer(m).Generate(cmd.Context(), req); err != nil {
			return err
		}
	}

	if export != "" {
		if err := exportFloat16(export, resp.Logprobs); err != nil {
			return err
		}
	}

	return printResponse(cmd.OutOrStdout(), format, resp, req.Targets)
}

func printResponse(w io.Writer, format string, resp *api.GenerateResponse, targets []int32) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	case "", "text":
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	if len(resp.Shape) > 0 {
		_, err := fmt.Fprintf(w, "logprobs: %s\nnll: %.4f\n", logutil.Shape("", resp.Shape).Value.String(), negativeLogLikelihood(resp.Logprobs, resp.Shape, targets))
		return err
	}

	_, err := fmt.Fprintln(w, resp.Response)
	return err
}

func ShowHandler(cmd *cobra.Command, _ []string) error {
	var resp api.ShowResponse
	if remote, _ := cmd.Flags().GetBool("remote"); remote {
		r, err := newClient().Show(cmd.Context())
		if err != nil {
			return err
		}

		resp = *r
	} else {
		m, err := loadModel(cmd)
		if err != nil {
			return err
		}

		resp = server.Show(m)
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		fmt.Fprintln(cmd.OutOrStdout(), resp.Description)
		fmt.Fprintln(cmd.OutOrStdout())
	}

	return showInfo(cmd.OutOrStdout(), resp)
}

func showInfo(w io.Writer, resp api.ShowResponse) error {
	tableRender := func(header string, rows func() [][]string) {
		fmt.Fprintln(w, " ", header)
		table := tablewriter.NewWriter(w)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetHeaderLine(false)
		table.SetBorder(false)
		table.SetNoWhiteSpace(true)
		table.SetTablePadding("    ")

		for _, row := range rows() {
			table.Append(append([]string{""}, row...))
		}

		table.Render()
		fmt.Fprintln(w)
	}

	tableRender("Model", func() [][]string {
		return [][]string{
			{"architecture", resp.Options.Architecture},
			{"dataset", resp.Options.DatasetName},
			{"variant", resp.Variant},
			{"d_model", strconv.Itoa(resp.Options.DModel)},
			{"layers", strconv.Itoa(resp.Options.NumLayers)},
			{"heads", strconv.Itoa(resp.Options.NumHeads)},
			{"memory", fmt.Sprintf("%dx%d top %d", resp.Options.CMMSize, resp.Options.CMMDim, resp.Options.TopK)},
		}
	})

	tableRender("Parameters", func() [][]string {
		rows := [][]string{{"MODULE", "COUNT", "TRAINABLE"}}
		for _, p := range resp.Parameters {
			rows = append(rows, []string{p.Name, strconv.Itoa(p.Count), strconv.Itoa(p.Trainable)})
		}

		return append(rows, []string{"total trainable", "", strconv.Itoa(resp.TrainableParameters)})
	})

	return nil
}

func ConfigHandler(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		_, err := fmt.Fprint(cmd.OutOrStdout(), envconfig.GenerateExampleConfig())
		return err
	}

	if err := envconfig.WriteExampleConfig(args[0]); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
	return nil
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "r2gen",
		Short:         "Radiology report generation with cross-modal memory",
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			if err := LoadDotEnv(); err != nil {
				return err
			}

			logutil.Setup(cmd.ErrOrStderr(), envconfig.LogLevel())
			return nil
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a TOML options file")

	runCmd := &cobra.Command{
		Use:   "run IMAGE [IMAGE...]",
		Short: "Generate a report for one study",
		Args:  cobra.MinimumNArgs(1),
		RunE:  RunHandler,
	}

	runCmd.Flags().String("mode", "sample", "Forward mode (sample or train)")
	runCmd.Flags().String("report", "", "Reference report scored in train mode")
	runCmd.Flags().IntSlice("retrieval-ids", nil, "Memory slots the decoder may attend to")
	runCmd.Flags().StringArrayP("option", "o", nil, "Sampling option as key=value, repeatable")
	runCmd.Flags().String("logprobs", "", "Write the log-probabilities to this file as float16")
	runCmd.Flags().String("format", "text", "Output format (text or json)")
	runCmd.Flags().Bool("remote", false, "Send the study to a running server")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the model configuration and parameter counts",
		Args:  cobra.NoArgs,
		RunE:  ShowHandler,
	}

	showCmd.Flags().BoolP("verbose", "v", false, "Show every parameter")
	showCmd.Flags().Bool("remote", false, "Describe the model of a running server")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the report generation server",
		Args:    cobra.NoArgs,
		RunE:    RunServer,
	}

	configCmd := &cobra.Command{
		Use:   "config [PATH]",
		Short: "Print or write an example options file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  ConfigHandler,
	}

	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{envVars["R2GEN_HOST"], envVars["R2GEN_DEBUG"], envVars["R2GEN_HOME"], envVars["R2GEN_CONFIG"]}

	appendEnvDocs(runCmd, envs)
	appendEnvDocs(showCmd, envs)
	appendEnvDocs(serveCmd, append(envs, envVars["R2GEN_NUM_THREADS"], envVars["R2GEN_SEED"], envVars["R2GEN_MAX_IMAGE_BYTES"]))

	rootCmd.AddCommand(runCmd, showCmd, serveCmd, configCmd)

	return rootCmd
}
