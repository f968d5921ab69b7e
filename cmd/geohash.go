package cmd

import (
	"fmt"
	"strconv"

	"github.com/meshroute/meshroute/lib/geohash"
	"github.com/spf13/cobra"
)

var geohashPrecision int

var geohashCmd = &cobra.Command{
	Use:         "geohash",
	Short:       "Encode coordinates and list location channels",
	Annotations: map[string]string{skipConfig: "true"},
}

func parseCoordinate(latArg, lonArg string) (float64, float64, error) {
	lat, err := strconv.ParseFloat(latArg, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude %q: %w", latArg, err)
	}
	lon, err := strconv.ParseFloat(lonArg, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude %q: %w", lonArg, err)
	}
	return lat, lon, nil
}

var geohashEncodeCmd = &cobra.Command{
	Use:         "encode <lat> <lon>",
	Short:       "Encode a coordinate",
	Args:        cobra.ExactArgs(2),
	Annotations: map[string]string{skipConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		lat, lon, err := parseCoordinate(args[0], args[1])
		if err != nil {
			return err
		}
		hash, err := geohash.Encode(lat, lon, geohashPrecision)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var geohashDecodeCmd = &cobra.Command{
	Use:         "decode <geohash>",
	Short:       "Decode a geohash to its center and bounds",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{skipConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := geohash.DecodeBounds(args[0])
		if err != nil {
			return err
		}
		lat, lon := b.Center()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "center: %.6f %.6f\n", lat, lon)
		fmt.Fprintf(out, "lat:    [%.6f, %.6f]\n", b.LatMin, b.LatMax)
		fmt.Fprintf(out, "lon:    [%.6f, %.6f]\n", b.LonMin, b.LonMax)
		return nil
	},
}

var geohashChannelsCmd = &cobra.Command{
	Use:         "channels <lat> <lon>",
	Short:       "List the location channel of every level for a coordinate",
	Args:        cobra.ExactArgs(2),
	Annotations: map[string]string{skipConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		lat, lon, err := parseCoordinate(args[0], args[1])
		if err != nil {
			return err
		}
		channels, err := geohash.ChannelsFor(lat, lon)
		if err != nil {
			return err
		}
		for _, ch := range channels {
			fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", ch.Level, geohash.LocationChannel(ch))
		}
		return nil
	},
}

var geohashNeighborsCmd = &cobra.Command{
	Use:         "neighbors <geohash>",
	Short:       "List the eight adjacent cells",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{skipConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cells, err := geohash.Neighbors(args[0])
		if err != nil {
			return err
		}
		for dir, cell := range cells {
			fmt.Fprintf(cmd.OutOrStdout(), "%-2s %s\n", geohash.Direction(dir), cell)
		}
		return nil
	},
}

func init() {
	geohashEncodeCmd.Flags().IntVarP(&geohashPrecision, "precision", "p", geohash.Neighborhood.Precision(), "geohash length")

	geohashCmd.AddCommand(geohashEncodeCmd)
	geohashCmd.AddCommand(geohashDecodeCmd)
	geohashCmd.AddCommand(geohashChannelsCmd)
	geohashCmd.AddCommand(geohashNeighborsCmd)
	rootCmd.AddCommand(geohashCmd)
}
