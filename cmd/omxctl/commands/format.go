package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatPartners renders a slice of partners in the requested format.
func formatPartners(views []partnerView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatPartnersJSON(views)
	case formatTable:
		return formatPartnersTable(views), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatPartner renders a single partner in the requested format.
func formatPartner(view partnerView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatPartnersJSON([]partnerView{view})
	case formatTable:
		return formatPartnersTable([]partnerView{view}), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatPartnersTable(views []partnerView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tENDPOINT\tBOARD-ADDR\tLOCALIZATION\tTRUE-SESSION\tBACK-SESSION")

	for _, v := range views {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\t%d\n",
			v.PeerIndex,
			v.EndpointIndex,
			v.BoardAddr,
			v.Localization,
			v.TrueSessionID,
			v.BackSessionID,
		)
	}

	_ = w.Flush()

	return buf.String()
}

func formatPartnersJSON(views []partnerView) (string, error) {
	data, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal partners to JSON: %w", err)
	}

	return string(data) + "\n", nil
}
