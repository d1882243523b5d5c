package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		Module,
		fx.WithLogger(NewFxLogger),
	)

	if err := app.Start(context.Background()); err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}

	sig := <-app.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	err := app.Stop(stopCtx)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
	os.Exit(sig.ExitCode)
}
