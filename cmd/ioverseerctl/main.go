// Package main — cmd/ioverseerctl/main.go
//
// ioverseerctl is the operator CLI for ioverseerd: it talks to the
// daemon's operator Unix domain socket using the newline-delimited JSON
// protocol implemented in internal/operator.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ioverseer/ioverseer/internal/config"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var socketPath string

// cliViper layers the --socket flag under the same IOVERSEER_-prefixed
// environment convention as the daemon's own config.Load, so an operator
// who sets IOVERSEER_SOCKET once doesn't have to repeat --socket on every
// ioverseerctl invocation.
var cliViper = viper.New()

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ioverseerctl",
	Short:   "Operator CLI for ioverseerd",
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("socket") && cliViper.GetString("socket") != "" {
			socketPath = cliViper.GetString("socket")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultOperatorSocket, "Path to the operator Unix domain socket (env: IOVERSEER_SOCKET)")
	cliViper.SetEnvPrefix("ioverseer")
	cliViper.AutomaticEnv()
	cliViper.SetDefault("socket", config.DefaultOperatorSocket)

	topUsersCmd.Flags().IntVar(&topUsersN, "n", 10, "number of top users to return")
	topUsersCmd.Flags().Uint64Var(&topUsersMinWritten, "min-total-written", 0, "minimum total written bytes to qualify")
	topUsersCmd.Flags().IntVar(&topUsersDays, "days", 7, "trailing window in days")
	rootCmd.AddCommand(dumpCmd, tiersCmd, pushConfigCmd, shrinkCmd, topUsersCmd)
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump current resource-overuse stats for every tracked package",
	RunE:  func(cmd *cobra.Command, args []string) error { return sendCommand("dump") },
}

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "Dump health-check tier state",
	RunE:  func(cmd *cobra.Command, args []string) error { return sendCommand("tiers") },
}

var pushConfigCmd = &cobra.Command{
	Use:   "push-config",
	Short: "Force a retry of any stashed pending configuration push",
	RunE:  func(cmd *cobra.Command, args []string) error { return sendCommand("push_config") },
}

var shrinkCmd = &cobra.Command{
	Use:   "shrink",
	Short: "Force an immediate retention sweep",
	RunE:  func(cmd *cobra.Command, args []string) error { return sendCommand("shrink") },
}

var (
	topUsersN          int
	topUsersMinWritten uint64
	topUsersDays       int
)

var topUsersCmd = &cobra.Command{
	Use:   "top-users",
	Short: "Dump the top writers' daily I/O usage summaries over a trailing window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendRequest(request{Cmd: "top_users", N: topUsersN, MinTotalWritten: topUsersMinWritten, Days: topUsersDays})
	},
}

type request struct {
	Cmd             string `json:"cmd"`
	N               int    `json:"n,omitempty"`
	MinTotalWritten uint64 `json:"min_total_written,omitempty"`
	Days            int    `json:"days,omitempty"`
}

type response struct {
	OK       bool            `json:"ok"`
	Error    string          `json:"error,omitempty"`
	Stats    json.RawMessage `json:"stats,omitempty"`
	Tiers    json.RawMessage `json:"tiers,omitempty"`
	TopUsers json.RawMessage `json:"top_users,omitempty"`
}

func sendCommand(cmd string) error {
	return sendRequest(request{Cmd: cmd})
}

func sendRequest(req request) error {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	buf := make([]byte, 1<<20)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var resp response
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("daemon returned error: %s", resp.Error)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	switch {
	case resp.Stats != nil:
		return enc.Encode(json.RawMessage(resp.Stats))
	case resp.Tiers != nil:
		return enc.Encode(json.RawMessage(resp.Tiers))
	case resp.TopUsers != nil:
		return enc.Encode(json.RawMessage(resp.TopUsers))
	default:
		fmt.Println("ok")
		return nil
	}
}
