package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"scatterbrain/internal/config"
)

var (
	flagMode            string
	flagImpDecryptConst uint32
	flagRuleSet         string
	flagRootRVA         uint32
	flagSelectiveFunc   uint32
	flagVerbose         bool
	flagWorkers         int
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scatterbrain",
		Short: "Deobfuscate ScatterBrain-protected x86-64 PE binaries",
	}
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug-level logging")
	cmd.PersistentFlags().StringVar(&flagMode, "mode", "full", "protection mode: full, headerless, selective")
	cmd.PersistentFlags().Uint32Var(&flagImpDecryptConst, "imp-const", 0, "32-bit import name decryption constant")
	cmd.PersistentFlags().StringVar(&flagRuleSet, "rule-set", string(config.RuleSet1), "named mutation rule set")
	cmd.PersistentFlags().Uint32Var(&flagRootRVA, "root", 0, "root RVA function discovery starts from")
	cmd.PersistentFlags().Uint32Var(&flagSelectiveFunc, "selective-func", 0, "protected function RVA, required for --mode=selective")
	cmd.PersistentFlags().IntVar(&flagWorkers, "workers", 4, "dispatcher-recovery worker pool size")

	cmd.AddCommand(newRecoverCmd())
	cmd.AddCommand(newAnalyzeCmd())
	cmd.AddCommand(newDumpDispatchersCmd())
	cmd.AddCommand(newDumpImportsCmd())
	return cmd
}

// buildRunConfig resolves the persistent flags shared by every
// subcommand into a config.Config.
func buildRunConfig(inputPath string) (config.Config, error) {
	runCfg := config.Default()
	runCfg.InputPath = inputPath
	runCfg.ImpDecryptConst = flagImpDecryptConst
	runCfg.RootRVA = flagRootRVA
	runCfg.SelectiveFuncRVA = flagSelectiveFunc
	runCfg.Verbose = flagVerbose
	runCfg.Workers = flagWorkers
	runCfg.RuleSet = config.RuleSetName(flagRuleSet)

	mode, err := config.ParseProtectionMode(flagMode)
	if err != nil {
		return config.Config{}, err
	}
	runCfg.Mode = mode
	return runCfg, nil
}

