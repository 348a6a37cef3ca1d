package server

import (
	"context"
	"os/signal"
	"syscall"

	"mlkmbp/mbp/app"
	"mlkmbp/mbp/common/logx"
)

var log = logx.New(logx.WithPrefix("server"))

// Run loads cfgPath, starts every listener the config calls for, and
// blocks until SIGINT/SIGTERM, then shuts everything down.
func Run(cfgPath string) error {
	appInfo, appErr := logx.MustInit()
	if appInfo != nil {
		defer appInfo.Close()
	}
	if appErr != nil {
		defer appErr.Close()
	}

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}

	if err := a.Start(); err != nil {
		return err
	}
	log.Infof("boot: started")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	<-ctx.Done()
	stop()
	log.Infof("boot: stopping...")

	if err := a.Stop(); err != nil {
		log.Errorf("boot: stop: %v", err)
	}
	log.Infof("boot: bye")
	return nil
}
