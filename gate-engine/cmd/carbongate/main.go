package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/client"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/config"
)

const defaultServer = "http://localhost:8070"

// errGateBlocked makes the process exit 1 without printing an error line.
var errGateBlocked = errors.New("gate blocked")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errGateBlocked) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("CARBON_GATE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("output", "CARBON_GATE_OUTPUT", "OUTPUT_MODE")
	_ = v.BindEnv("repo", "CARBON_GATE_REPO", "GITHUB_REPOSITORY")
	_ = v.BindEnv("branch", "CARBON_GATE_BRANCH", "GITHUB_HEAD_REF")
	_ = v.BindEnv("pr", "CARBON_GATE_PR", "PR_NUMBER")

	root := &cobra.Command{
		Use:           "carbongate",
		Short:         "Carbon budget gate for CI jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.String("server", "", "gate service base URL (default from carbon-gate.yml or "+defaultServer+")")
	pf.String("token", "", "bearer token for the gate service")
	pf.String("config", "carbon-gate.yml", "path to carbon-gate.yml")
	pf.StringP("output", "o", "text", "output mode: text or json")
	pf.Duration("timeout", 15*time.Second, "per-request timeout")
	for _, name := range []string{"server", "token", "config", "output", "timeout"} {
		_ = v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(checkCmd(v))
	root.AddCommand(historyCmd(v))
	root.AddCommand(kpiCmd(v))
	root.AddCommand(policyCmd(v))
	root.AddCommand(providerCmd(v))
	root.AddCommand(tokenCmd(v))
	return root
}

// loadFile returns an empty File when the default config path does not exist.
func loadFile(v *viper.Viper, cmd *cobra.Command) (config.File, error) {
	path := v.GetString("config")
	f, err := config.LoadFile(path)
	if err == nil {
		return f, nil
	}
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.File{}, nil
	}
	return config.File{}, err
}

func newClient(v *viper.Viper, file config.File) (*client.Client, error) {
	server := firstNonEmpty(v.GetString("server"), file.Server, defaultServer)
	return client.New(client.Config{
		BaseURL: server,
		Token:   v.GetString("token"),
		Timeout: v.GetDuration("timeout"),
		Retries: 2,
	})
}

type printer struct {
	w    io.Writer
	json bool
}

func newPrinter(v *viper.Viper, cmd *cobra.Command) printer {
	return printer{w: cmd.OutOrStdout(), json: strings.EqualFold(v.GetString("output"), "json")}
}

var levelPrefix = map[string]string{
	"error":   "[ERROR]",
	"warn":    "[WARN]",
	"info":    "[INFO]",
	"success": "[OK]",
}

// line writes one status line, or one JSON object per line in json mode.
func (p printer) line(level, msg string, data map[string]interface{}) {
	if p.json {
		if data == nil {
			data = map[string]interface{}{}
		}
		_ = json.NewEncoder(p.w).Encode(map[string]interface{}{
			"level":     level,
			"message":   msg,
			"data":      data,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
		return
	}
	prefix, ok := levelPrefix[level]
	if !ok {
		prefix = "[INFO]"
	}
	fmt.Fprintf(p.w, "%s %s\n", prefix, msg)
}

func (p printer) value(v interface{}) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
