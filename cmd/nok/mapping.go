package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/nok/internal/identity"
)

func newMappingCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Inspect id mappings written by migrate",
	}

	var asJSON bool
	show := &cobra.Command{
		Use:   "show [path]",
		Short: "Print a persisted mapping (default path from config)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Migration.MappingPath
			if len(args) == 1 {
				path = args[0]
			}
			m, err := identity.Load(path)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(m)
			}
			printMapping(cmd.OutOrStdout(), m)
			return nil
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "print the raw mapping JSON")
	cmd.AddCommand(show)
	return cmd
}

func printMapping(w io.Writer, m *identity.Mapping) {
	fmt.Fprintf(w, "Users (%d)\n", len(m.UserMappings))
	ut := tablewriter.NewWriter(w)
	ut.SetHeader([]string{"LEGACY ID", "USER ID"})
	for _, id := range sortedKeys(m.UserMappings) {
		ut.Append([]string{id, m.UserMappings[id]})
	}
	ut.Render()

	fmt.Fprintf(w, "\nRooms (%d)\n", len(m.RoomMappings))
	rt := tablewriter.NewWriter(w)
	rt.SetHeader([]string{"LEGACY ID", "ROOM ID", "ALIAS"})
	for _, id := range sortedKeys(m.RoomMappings) {
		alias := ""
		if a, ok := m.Alias(id); ok {
			alias = "#" + a
		}
		rt.Append([]string{id, m.RoomMappings[id], alias})
	}
	rt.Render()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
