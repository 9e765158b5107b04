package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/oltcli/oltcli/pkg/cli"
)

var (
	shellUser     string
	shellPassword string
	shellEnable   string
	shellLevel    int
	shellRole     string
	shellPort     int
)

var shellCmd = &cobra.Command{
	Use:   "shell <target>",
	Short: "Open an interactive session on an OLT",
	Long: "Logs in with the given account, escalates to the account's privilege level and relays lines.\n" +
		"Lines ending in '?' are answered with the device's help; Ctrl+C sends an interrupt; :quit or Ctrl+D leaves.",
	Args: cobra.ExactArgs(1),
	RunE: runShell,
}

func init() {
	f := shellCmd.Flags()
	f.StringVarP(&shellUser, "user", "u", "", "login account")
	f.StringVar(&shellPassword, "password", "", "login password (default $OLT_PASSWORD, directory, or prompt)")
	f.StringVar(&shellEnable, "enable-password", "", "enable password (default from directory)")
	f.IntVar(&shellLevel, "level", 0, "privilege level to escalate to (default from role)")
	f.StringVar(&shellRole, "role", "", "role used to pick the level when the account is not in the directory")
	f.IntVar(&shellPort, "port", 0, "override target port")
	_ = shellCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(shellCmd)
}

// readPassword 终端不回显读取密码
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password required: use --password or $OLT_PASSWORD when stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

// shellCredentials 依次取命令行、环境变量、目录，最后交互输入
func shellCredentials(cmd *cobra.Command, a *app) (secret, enable string, level int, role string, err error) {
	ctx := cmd.Context()
	role = shellRole
	level = shellLevel
	info, perr := a.directory.Principal(ctx, shellUser)
	if perr == nil {
		if role == "" {
			role = info.Role
		}
		if level <= 0 && shellRole == "" {
			level = info.Level
		}
	}
	if level <= 0 {
		level = a.engine.Policy().Level(role, 0)
	}

	secret = shellPassword
	if secret == "" {
		secret = os.Getenv("OLT_PASSWORD")
	}
	if secret == "" && perr == nil {
		secret, _ = a.directory.LoginSecret(ctx, info.Name)
	}
	if secret == "" {
		if secret, err = readPassword("Password: "); err != nil {
			return
		}
	}
	enable = shellEnable
	if enable == "" && perr == nil {
		enable, _ = a.directory.EnableSecret(ctx, info.Name)
	}
	return
}

func runShell(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	target, err := a.directory.Resolve(ctx, args[0])
	if err != nil {
		return err
	}
	if shellPort > 0 {
		target.Port = shellPort
	}
	secret, enable, level, role, err := shellCredentials(cmd, a)
	if err != nil {
		return err
	}

	registry := a.engine.Registry()
	res, err := registry.Create(ctx, cli.CreateRequest{
		Target:       target,
		Principal:    shellUser,
		Secret:       secret,
		EnableSecret: enable,
		Role:         role,
		Level:        level,
	})
	if err != nil {
		return err
	}
	defer registry.Close(res.ID)
	_ = a.directory.TouchLogin(ctx, shellUser, time.Now())

	out := cmd.OutOrStdout()
	if s := strings.TrimSpace(res.Output); s != "" {
		fmt.Fprintln(out, s)
	}
	fmt.Fprintf(out, "%% connected to %s at level %d\n", target, res.Level)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	prompt := fmt.Sprintf("%s[%d]> ", args[0], res.Level)

	return relay(ctx, registry.Send, res.ID, out, func() (string, error) {
		in, err := line.Prompt(prompt)
		if err == liner.ErrPromptAborted {
			return `\x03`, nil
		}
		if err == nil && strings.TrimSpace(in) != "" {
			line.AppendHistory(in)
		}
		return in, err
	})
}

// sendFunc 会话发送
type sendFunc func(ctx context.Context, id, line string, timeout time.Duration) (string, error)

// relay 逐行读取输入并打印输出；会话失效或输入结束时返回
func relay(ctx context.Context, send sendFunc, id string, out io.Writer, next func() (string, error)) error {
	for {
		in, err := next()
		if err == io.EOF {
			fmt.Fprintln(out)
			return nil
		}
		if err != nil {
			return err
		}
		if t := strings.TrimSpace(in); t == ":quit" || t == ":q" {
			return nil
		}
		res, err := send(ctx, id, in, 0)
		if s := strings.TrimRight(res, "\r\n "); s != "" {
			fmt.Fprintln(out, s)
		}
		if err != nil {
			if o := strings.TrimSpace(cli.OutputOf(err)); o != "" && o != strings.TrimSpace(res) {
				fmt.Fprintln(out, o)
			}
			fmt.Fprintf(out, "%% %s\n", cli.KindOf(err))
			switch cli.KindOf(err) {
			case cli.KindConnectionClosed, cli.KindSessionNotFound:
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
