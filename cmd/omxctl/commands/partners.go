package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// errInvalidIndex is returned when a peer/endpoint index argument does not
// parse as an unsigned integer.
var errInvalidIndex = errors.New("index must be a non-negative integer")

func partnersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "partner",
		Aliases: []string{"partners"},
		Short:   "Inspect and manage partner connections",
	}

	cmd.AddCommand(partnerListCmd())
	cmd.AddCommand(partnerDisconnectCmd())

	return cmd
}

// --- partner list ---

func partnerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all known partners",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			views, err := client.listPartners(context.Background())
			if err != nil {
				return fmt.Errorf("list partners: %w", err)
			}

			out, err := formatPartners(views, outputFormat)
			if err != nil {
				return fmt.Errorf("format partners: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- partner disconnect ---

func partnerDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <peer-index> <endpoint-index>",
		Short: "Disconnect a partner, forcing it to reconnect",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			peerIndex, endpointIndex, err := parseIndices(args[0], args[1])
			if err != nil {
				return err
			}

			view, err := client.disconnectPartner(context.Background(), peerIndex, endpointIndex)
			if err != nil {
				return fmt.Errorf("disconnect partner: %w", err)
			}

			out, err := formatPartner(view, outputFormat)
			if err != nil {
				return fmt.Errorf("format partner: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

func parseIndices(peerArg, endpointArg string) (peerIndex uint16, endpointIndex uint8, err error) {
	peer, err := strconv.ParseUint(peerArg, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: peer index %q", errInvalidIndex, peerArg)
	}

	endpoint, err := strconv.ParseUint(endpointArg, 10, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: endpoint index %q", errInvalidIndex, endpointArg)
	}

	return uint16(peer), uint8(endpoint), nil
}
