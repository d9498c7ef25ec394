package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/parasxparkash/zerodhaDataCollector/internal/config"
	"github.com/parasxparkash/zerodhaDataCollector/internal/notify"
)

// backupArgs splits the configured command and appends the thread count.
func backupArgs(cfg config.BackupConfig) []string {
	args := strings.Fields(cfg.Command)
	if len(args) > 0 && cfg.ThreadCount > 0 {
		args = append(args, "--threads", strconv.Itoa(cfg.ThreadCount))
	}
	return args
}

// runBackup runs the archival command after close and reports how it went.
func runBackup(ctx context.Context, cfg config.BackupConfig, n notify.Notifier, sessionID string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	args := backupArgs(cfg)
	if len(args) == 0 {
		return nil
	}

	logger.Info("running backup", "command", args[0], "threads", cfg.ThreadCount)
	start := time.Now()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	elapsed := time.Since(start)

	fields := map[string]any{
		"command":  args[0],
		"duration": elapsed.String(),
	}
	msg := "backup finished"
	if err != nil {
		err = fmt.Errorf("backup %s: %w", args[0], err)
		fields["error"] = err.Error()
		fields["output"] = tail(out.String(), 2048)
		msg = "backup failed"
		logger.Error(msg, "error", err, "duration", elapsed)
	} else {
		logger.Info(msg, "duration", elapsed)
	}

	notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if nerr := n.Notify(notifyCtx, notify.NewEvent(sessionID, notify.KindBackupFinished, msg, fields)); nerr != nil {
		logger.Warn("notification failed", "kind", notify.KindBackupFinished, "error", nerr)
	}
	return err
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
