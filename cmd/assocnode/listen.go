package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/assoctransport/association"
	"github.com/opd-ai/assoctransport/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Bind and echo every payload back to its sender",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := transport.New(opts)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		local, inbound, err := engine.Listen(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", local)
		if key, ok := engine.PublicKey(); ok {
			fmt.Fprintf(cmd.OutOrStdout(), "static key %x\n", key)
		}

		inbound.TrySuccess(association.AssociationEventListenerFunc(func(ev association.AssociationEvent) {
			ia, ok := ev.(association.InboundAssociation)
			if !ok {
				return
			}
			serveEcho(ia.Handle)
		}))

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return engine.Shutdown(shutdownCtx)
	},
}

// serveEcho writes every inbound payload back on the same handle.
func serveEcho(h *association.Handle) {
	logrus.WithFields(logrus.Fields{
		"function": "serveEcho",
		"remote":   h.RemoteAddress().String(),
	}).Info("Association opened")

	err := h.RegisterListener(association.HandleEventListenerFunc(func(ev association.HandleEvent) {
		switch e := ev.(type) {
		case association.InboundPayload:
			if !h.Write(e.Payload) {
				logrus.WithFields(logrus.Fields{
					"function": "serveEcho",
					"remote":   h.RemoteAddress().String(),
					"size":     len(e.Payload),
				}).Warn("Echo dropped")
			}
		case association.Disassociated:
			logrus.WithFields(logrus.Fields{
				"function": "serveEcho",
				"remote":   h.RemoteAddress().String(),
				"reason":   e.Info.String(),
			}).Info("Association closed")
		}
	}))
	if err != nil {
		logrus.WithError(err).Error("Failed to register echo listener")
	}
}

func init() {
	rootCmd.AddCommand(listenCmd)
}
