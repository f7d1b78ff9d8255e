package main

import (
	"context"
	"fmt"
	"time"

	"github.com/opd-ai/assoctransport/address"
	"github.com/opd-ai/assoctransport/association"
	"github.com/opd-ai/assoctransport/transport"
	"github.com/spf13/cobra"
)

var replyTimeout time.Duration

var sendCmd = &cobra.Command{
	Use:   "send <address> <payload>...",
	Short: "Associate with a node, send payloads and print the replies",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, err := address.Parse(args[0])
		if err != nil {
			return err
		}

		engine, err := transport.New(opts)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = engine.Shutdown(shutdownCtx)
		}()

		_, inbound, err := engine.Listen(ctx)
		if err != nil {
			return err
		}
		// Replies arrive on the bound socket, which is read only once the
		// inbound slot is filled. A sender accepts no associations of its own.
		inbound.TrySuccess(association.AssociationEventListenerFunc(func(ev association.AssociationEvent) {
			if ia, ok := ev.(association.InboundAssociation); ok {
				go ia.Handle.Disassociate()
			}
		}))

		assocCtx, cancel := context.WithTimeout(ctx, opts.ConnectionTimeout)
		defer cancel()
		h, err := engine.Associate(assocCtx, remote)
		if err != nil {
			return err
		}

		replies := make(chan []byte, len(args))
		closed := make(chan struct{})
		err = h.RegisterListener(association.HandleEventListenerFunc(func(ev association.HandleEvent) {
			switch e := ev.(type) {
			case association.InboundPayload:
				replies <- e.Payload
			case association.Disassociated:
				close(closed)
			}
		}))
		if err != nil {
			return err
		}

		payloads := args[1:]
		for _, p := range payloads {
			if !h.Write([]byte(p)) {
				return fmt.Errorf("write of %q refused", p)
			}
		}

		for range payloads {
			select {
			case r := <-replies:
				fmt.Fprintln(cmd.OutOrStdout(), string(r))
			case <-closed:
				return fmt.Errorf("association to %s closed", remote)
			case <-time.After(replyTimeout):
				return fmt.Errorf("timed out waiting for reply from %s", remote)
			}
		}
		h.Disassociate()
		return nil
	},
}

func init() {
	sendCmd.Flags().DurationVar(&replyTimeout, "reply-timeout", 5*time.Second, "how long to wait for each reply")
	rootCmd.AddCommand(sendCmd)
}
