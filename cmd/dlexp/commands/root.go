package commands

import (
	"os"

	"github.com/iti/evt/evtm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iti/dltraffic"
)

var (
	summaryFile string
	traceFile   string
	metricsFile string
	logLevel    string
	streamBase  int64
	seed        uint64
	quiet       bool
)

var rootCmd = &cobra.Command{
	Use:   "dlexp [experiment.yaml]",
	Short: "Runs a deadline-aware random traffic experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logrus.New()
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
		dltraffic.SetLogger(logger)

		if _, err := dltraffic.CheckOutputFiles([]string{summaryFile, traceFile, metricsFile}); err != nil {
			return err
		}

		cfgFile := args[0]
		expCfg, err := dltraffic.ReadExpCfg(cfgFile, dltraffic.UseYAML(cfgFile), nil)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("streams") {
			expCfg.StreamBase = streamBase
		}
		if cmd.Flags().Changed("seed") {
			for idx := range expCfg.Generators {
				expCfg.Generators[idx].RunSeed = seed
			}
		}
		if traceFile != "" {
			expCfg.Trace = true
		}

		evtMgr := evtm.New()
		exp, err := dltraffic.BuildExperiment(expCfg, evtMgr)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{"experiment": exp.Name, "streams": exp.StreamsUsed()}).Info("experiment built")

		exp.Run()

		if !quiet {
			exp.Report(os.Stdout)
		}
		if summaryFile != "" {
			if err := exp.Summary().WriteToFile(summaryFile); err != nil {
				return err
			}
		}
		if traceFile != "" {
			if _, err := exp.TraceManager().WriteToFile(traceFile); err != nil {
				return err
			}
		}
		if metricsFile != "" {
			reg := prometheus.NewRegistry()
			reg.MustRegister(dltraffic.NewExperimentCollector(exp))
			f, err := os.Create(metricsFile)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := dltraffic.WriteMetrics(reg, f); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&summaryFile, "summary", "o", "", "file (.yaml or .json) to write the run summary and throughput series to")
	rootCmd.Flags().StringVarP(&traceFile, "trace", "t", "", "file (.yaml or .json) to write the packet trace to")
	rootCmd.Flags().StringVarP(&metricsFile, "metrics", "m", "", "file to write the final counters to, in Prometheus text format")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warn", "logging level")
	rootCmd.Flags().Int64Var(&streamBase, "streams", 0, "first random stream id, overriding the experiment file")
	rootCmd.Flags().Uint64Var(&seed, "seed", 1, "run seed of every generator, overriding the experiment file")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print the report")
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
