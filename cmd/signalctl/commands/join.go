package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teleconsult/signaling-relay/internal/sigclient"
	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

func newJoinCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "join ROOM PARTICIPANT",
		Short: "Join a room and print every message received",
		Long: `Join a room and print every message the relay delivers as one JSON
object per line, until interrupted or the connection is closed.

Examples:
  signalctl join consult-42 doctor-1
  signalctl --msgpack --token "$(signalctl token --participant doctor-1)" join consult-42 doctor-1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			c, members, err := g.join(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			if err := printMessage(out, sigproto.Message{Type: sigproto.TypeJoined, RoomID: args[0], ParticipantID: args[1], Members: members}); err != nil {
				return err
			}
			for {
				msg, err := c.Recv(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, sigclient.ErrClosed) {
						return nil
					}
					return err
				}
				if err := printMessage(out, msg); err != nil {
					return err
				}
			}
		},
	}
}

func newEndCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "end ROOM PARTICIPANT",
		Short: "Join a room and end the consultation for every member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			c, _, err := g.join(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			defer c.Close()

			endCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			if err := c.EndConsultation(endCtx, args[0], args[1]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "consultation %s ended\n", args[0])
			return err
		},
	}
}
