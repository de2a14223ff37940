package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mkarlsen/trk/internal/api"
	"github.com/mkarlsen/trk/internal/auth"
	"github.com/mkarlsen/trk/internal/daemon"
	"github.com/mkarlsen/trk/internal/events"
	webui "github.com/mkarlsen/trk/internal/ui"
)

var serveDaemon bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the issue tracker server",
	Long: `Start the HTTP server: the REST API, the live change-event stream,
and the embedded web UI. By default it listens on port 8080; use --port
to change it. With --daemon the server runs in the background and
'trk serve stop' terminates it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveDaemon {
			return serveDaemonRun()
		}
		return serveRun(cmd.Context())
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func serveStatusRun() error {
	pf := daemon.NewPIDFile(pidFilePath())
	if pf.Running() {
		pid, _ := pf.Read()
		ui.Success("Server running (pid %d)", pid)
		return nil
	}
	ui.Info("Server not running.")
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().BoolVarP(&serveDaemon, "daemon", "d", false, "run in the background")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func pidFilePath() string {
	return filepath.Join(viper.GetString("state_dir"), "trk.pid")
}

// serveRun runs the server in the foreground until interrupted.
func serveRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	hub := events.NewHub()
	authMgr := auth.NewManager(s)
	apiSrv := api.NewServer(s, authMgr, hub)

	uiHandler, err := webui.Handler()
	if err != nil {
		return fmt.Errorf("initialize UI handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiSrv.Router())
	mux.Handle("/", uiHandler)

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	srv := &http.Server{Addr: addr, Handler: mux}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	pf := daemon.NewPIDFile(pidFilePath())
	if err := pf.Write(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot write PID file: %v\n", err)
	}
	defer func() { _ = pf.Remove() }()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("Serving trk at http://localhost%s\n", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// serveDaemonRun re-executes trk serve detached from the terminal.
func serveDaemonRun() error {
	pf := daemon.NewPIDFile(pidFilePath())
	if pf.Running() {
		pid, _ := pf.Read()
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	args := []string{"serve", "--port", fmt.Sprint(viper.GetInt("port"))}
	child := exec.Command(exe, args...)
	child.Stdout = nil
	child.Stderr = nil
	setDaemonAttrs(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start background server: %w", err)
	}
	if err := pf.WritePID(child.Process.Pid); err != nil {
		ui.Warning("Cannot write PID file: %v", err)
	}

	ui.Success("Server started in background (pid %d) on port %d",
		child.Process.Pid, viper.GetInt("port"))
	return nil
}

func serveStopRun() error {
	pf := daemon.NewPIDFile(pidFilePath())
	pid, err := pf.Read()
	if err != nil {
		return errors.New("server not running (no PID file)")
	}
	if !pf.Running() {
		_ = pf.Remove()
		return errors.New("server not running (stale PID file removed)")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(sigTERM()); err != nil {
		if strings.Contains(err.Error(), "process already finished") {
			_ = pf.Remove()
			return nil
		}
		return fmt.Errorf("stop server: %w", err)
	}
	_ = pf.Remove()
	ui.Success("Server stopped (pid %d)", pid)
	return nil
}
