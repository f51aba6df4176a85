package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/teleconsult/signaling-relay/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		secret      string
		participant string
		roomID      string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 JWT accepted by AUTH_MODE=jwt",
		Long: `Mint an HS256 JWT for one participant. The token's sub claim is the
participant id; --room additionally binds it to one room.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("--secret (or JWT_SECRET) is required")
			}
			if ttl <= 0 {
				return errors.New("--ttl must be > 0")
			}
			now := time.Now()
			token, err := auth.SignHS256(secret, auth.Claims{
				Sub:       participant,
				Room:      roomID,
				IssuedAt:  now,
				ExpiresAt: now.Add(ttl),
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HS256 secret (env JWT_SECRET)")
	f.StringVar(&participant, "participant", "", "participant id (sub claim)")
	f.StringVar(&roomID, "room", "", "restrict the token to this room")
	f.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("participant")
	return cmd
}
