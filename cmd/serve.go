package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/r2gencmn/r2gen/envconfig"
	"github.com/r2gencmn/r2gen/server"
)

func RunServer(cmd *cobra.Command, _ []string) error {
	m, err := loadModel(cmd)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	go func() {
		<-cmd.Context().Done()
		slog.Info("shutting down", "cause", context.Cause(cmd.Context()))
		ln.Close()
	}()

	err = server.Serve(ln, m)
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}
