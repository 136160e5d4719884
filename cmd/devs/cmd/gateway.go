package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/victorarias/dev-sessions/internal/config"
	"github.com/victorarias/dev-sessions/internal/gateway"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run and manage the host-side relay",
	Long: `The gateway exposes session operations over loopback HTTP so that
sandboxed callers (IS_SANDBOX=1) can reach the host's sessions.`,
}

var gatewayServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway in the foreground",
	Run:   runGatewayServe,
}

var gatewayStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway as a background process",
	Run:   runGatewayStart,
}

var gatewayStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background gateway",
	Run:   runGatewayStop,
}

var gatewayStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the gateway is reachable",
	Run:   runGatewayStatus,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
	gatewayCmd.AddCommand(gatewayServeCmd, gatewayStartCmd, gatewayStopCmd, gatewayStatusCmd)

	gatewayCmd.PersistentFlags().Int("port", 0, "Gateway port (default: DEV_SESSIONS_GATEWAY_PORT or 6767)")
}

func gatewayPort(cmd *cobra.Command) int {
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		return port
	}
	return config.GatewayPort()
}

func runGatewayServe(cmd *cobra.Command, _ []string) {
	log := openLogger()
	mgr, err := newLocalManager(log)
	if err != nil {
		Fatal("%v", err)
	}
	srv := gateway.NewServer(mgr, log)
	if err := srv.ListenAndServe(gatewayPort(cmd)); err != nil {
		Fatal("gateway: %v", err)
	}
}

// runGatewayStart re-executes this binary as a detached "gateway serve"
// with its own session, logging to the gateway log file.
func runGatewayStart(cmd *cobra.Command, _ []string) {
	port := gatewayPort(cmd)
	if pid, ok := readGatewayPID(); ok && processExists(pid) {
		fmt.Printf("gateway already running (pid %d)\n", pid)
		return
	}

	exe, err := os.Executable()
	if err != nil {
		Fatal("resolving executable: %v", err)
	}
	if err := os.MkdirAll(config.Dir(), 0o755); err != nil {
		Fatal("creating %s: %v", config.Dir(), err)
	}
	logFile, err := os.OpenFile(config.GatewayLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		Fatal("opening gateway log: %v", err)
	}
	defer logFile.Close()

	proc := exec.Command(exe, "gateway", "serve", "--port", strconv.Itoa(port))
	proc.Stdout = logFile
	proc.Stderr = logFile
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		Fatal("starting gateway: %v", err)
	}
	pid := proc.Process.Pid
	go proc.Wait()

	if err := os.WriteFile(config.GatewayPIDPath(), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		Fatal("writing pid file: %v", err)
	}
	fmt.Printf("gateway started on port %d (pid %d)\n", port, pid)
}

func runGatewayStop(_ *cobra.Command, _ []string) {
	pid, ok := readGatewayPID()
	if !ok {
		fmt.Println("gateway is not running")
		return
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		Fatal("stopping gateway (pid %d): %v", pid, err)
	}
	os.Remove(config.GatewayPIDPath())
	fmt.Printf("gateway stopped (pid %d)\n", pid)
}

func runGatewayStatus(cmd *cobra.Command, _ []string) {
	port := gatewayPort(cmd)
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Printf("gateway is not reachable on port %d\n", port)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("gateway on port %d returned HTTP %d\n", port, resp.StatusCode)
		os.Exit(1)
	}
	fmt.Printf("gateway is healthy on port %d\n", port)
}

func readGatewayPID() (int, bool) {
	data, err := os.ReadFile(config.GatewayPIDPath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
