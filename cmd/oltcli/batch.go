package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oltcli/oltcli/internal/service"
)

var (
	batchCommands  []string
	batchFile      string
	batchPrincipal string
	batchSecret    string
	batchSave      bool
	batchDryRun    bool
	batchDebug     bool
	batchYAML      bool
	provisionRole  string
	provisionAll   bool
)

var runCmd = &cobra.Command{
	Use:   "run <target>",
	Short: "Run commands on an OLT and print the report",
	Long: "Commands come from repeated -c flags or a file (one per line, '#' comments, '-' for stdin).\n" +
		"Without --principal the admin account from OLT_ADMIN_USER/OLT_ADMIN_PASSWORD is used at level 15.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		commands, err := collectCommands()
		if err != nil {
			return err
		}
		if len(commands) == 0 {
			return fmt.Errorf("no commands: use -c or --file")
		}
		return withApp(cmd, func(a *app) (*service.RunBatchResult, error) {
			return a.provision.RunBatch(cmd.Context(), service.RunBatchRequest{
				Target:    args[0],
				Principal: batchPrincipal,
				Secret:    batchSecret,
				Commands:  commands,
				Save:      batchSave,
				DryRun:    batchDryRun,
				Debug:     batchDebug,
			})
		})
	},
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap <target>",
	Short: "Create the TACACS AAA templates and system-user bindings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) (*service.RunBatchResult, error) {
			return a.provision.Bootstrap(cmd.Context(), args[0], options())
		})
	},
}

var provisionCmd = &cobra.Command{
	Use:   "provision <username> [target...]",
	Short: "Create an OLT account bound to the role's authorization template",
	Long:  "With --all (or no targets) the account is provisioned on every enabled device in the directory.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username, targets := args[0], args[1:]
		if len(targets) == 1 && !provisionAll {
			return withApp(cmd, func(a *app) (*service.RunBatchResult, error) {
				return a.provision.Provision(cmd.Context(), targets[0], username, provisionRole, options())
			})
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		out, err := a.provision.ProvisionAll(cmd.Context(), service.ProvisionAllRequest{
			Targets:          targets,
			Username:         username,
			Role:             provisionRole,
			ProvisionOptions: options(),
		})
		if err != nil {
			return err
		}
		return printOutcomes(cmd.OutOrStdout(), out)
	},
}

var deprovisionCmd = &cobra.Command{
	Use:   "deprovision <target> <username>",
	Short: "Remove an OLT account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) (*service.RunBatchResult, error) {
			return a.provision.Deprovision(cmd.Context(), args[0], args[1], options())
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, bootstrapCmd, provisionCmd, deprovisionCmd} {
		f := c.Flags()
		f.BoolVar(&batchSave, "save", false, "save the configuration after the commands")
		f.BoolVar(&batchDryRun, "dry-run", false, "print the planned commands without connecting")
		f.BoolVar(&batchDebug, "debug", false, "include the login transcript in the report")
		f.BoolVar(&batchYAML, "yaml", false, "print the structured report as YAML")
		rootCmd.AddCommand(c)
	}
	runCmd.Flags().StringArrayVarP(&batchCommands, "command", "c", nil, "command to run (repeatable)")
	runCmd.Flags().StringVarP(&batchFile, "file", "f", "", "file with one command per line")
	runCmd.Flags().StringVarP(&batchPrincipal, "principal", "u", "", "run as this directory account instead of the admin")
	runCmd.Flags().StringVar(&batchSecret, "password", "", "password for --principal (default from directory)")
	provisionCmd.Flags().StringVar(&provisionRole, "role", "", "role (default from directory)")
	provisionCmd.Flags().BoolVar(&provisionAll, "all", false, "provision on every enabled device")
}

func options() service.ProvisionOptions {
	return service.ProvisionOptions{Save: batchSave, DryRun: batchDryRun, Debug: batchDebug}
}

// withApp 执行并打印报告；失败时仍输出已完成部分
func withApp(cmd *cobra.Command, fn func(a *app) (*service.RunBatchResult, error)) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	res, err := fn(a)
	if res != nil {
		if perr := printResult(cmd.OutOrStdout(), res); perr != nil {
			return perr
		}
	}
	return err
}

func printResult(w io.Writer, res *service.RunBatchResult) error {
	if batchYAML && res.Report != nil && !res.Report.DryRun {
		text, err := res.Report.YAML()
		if err != nil {
			return err
		}
		fmt.Fprint(w, text)
	} else {
		fmt.Fprintln(w, strings.TrimRight(res.Text, "\n"))
	}
	if res.Stored != nil {
		fmt.Fprintf(w, "# report: %s\n", res.Stored.URI)
	}
	return nil
}

func printOutcomes(w io.Writer, out []service.DeviceOutcome) error {
	failed := 0
	for _, o := range out {
		status := "ok"
		if !o.OK {
			status = "FAILED " + o.Kind
			failed++
		}
		fmt.Fprintf(w, "%-24s %-8s denied=%d %s\n", o.Target, status, o.Denied, o.Error)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d devices failed", failed, len(out))
	}
	return nil
}

// collectCommands 合并 -c 与 --file 的命令
func collectCommands() ([]string, error) {
	commands := append([]string(nil), batchCommands...)
	if batchFile == "" {
		return commands, nil
	}
	var r io.Reader = os.Stdin
	if batchFile != "-" {
		f, err := os.Open(batchFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	fromFile, err := readCommands(r)
	if err != nil {
		return nil, err
	}
	return append(commands, fromFile...), nil
}

func readCommands(r io.Reader) ([]string, error) {
	var out []string
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimRight(s.Text(), "\r")
		if t := strings.TrimSpace(line); t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, s.Err()
}
