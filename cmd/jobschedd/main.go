package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"jobsched/internal/app"
	"jobsched/internal/jobs"
	"jobsched/internal/sched"
	logx "jobsched/pkg/logx"
)

func main() {
	// Hidden worker mode: the controller re-execs itself with this argv and
	// feeds one work order on stdin.
	if len(os.Args) > 1 && os.Args[1] == sched.WorkerExecArg {
		os.Exit(runWorker())
	}

	_ = godotenv.Load()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, builtinRegistry())
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Running jobs are never killed; give them a generous drain window.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer stopCancel()
	_ = a.Stop(stopCtx)
}

func runWorker() int {
	order, err := jobs.DecodeOrder(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	log := logx.NewConsole(os.Getenv("JOBSCHED_WORKER_LOG_LEVEL"))
	if err := jobs.RunOrder(context.Background(), builtinRegistry(), order, log); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
