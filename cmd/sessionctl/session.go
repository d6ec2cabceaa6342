package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Morditux/syncsession"
	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Print the payload of a session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Close()

		sess, err := mgr.Open(args[0])
		if err != nil {
			return err
		}

		var values map[string]any
		if err := sess.With(cmd.Context(), func(s *syncsession.Session) error {
			values = s.Values()
			return nil
		}); err != nil {
			return fmt.Errorf("error loading session '%s': %w", args[0], err)
		}

		data, err := json.MarshalIndent(values, "", "  ")
		if err != nil {
			return fmt.Errorf("error marshaling payload: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set <session-id> key=value...",
	Short: "Set keys in a session",
	Long:  `Values that parse as JSON are stored decoded (numbers, booleans, objects); anything else is stored as a string.`,
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := parseAssignments(args[1:])
		if err != nil {
			return err
		}

		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Close()

		sess, err := mgr.Open(args[0])
		if err != nil {
			return err
		}

		expiry, _ := cmd.Flags().GetDuration("expiry")
		if err := sess.With(cmd.Context(), func(s *syncsession.Session) error {
			s.Update(values)
			if expiry > 0 {
				s.SetExpiry(expiry)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("error updating session '%s': %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated %d key(s) in session '%s'\n", len(values), args[0])
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <session-id>...",
	Short: "Remove one or more sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Close()

		failed := 0
		for _, id := range args {
			if err := mgr.Destroy(cmd.Context(), id); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error removing '%s': %v\n", id, err)
				failed++
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed session '%s'\n", id)
		}
		if failed > 0 {
			return fmt.Errorf("failed to remove %d session(s)", failed)
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge expired sessions from backends that keep them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Close()

		if err := mgr.Cleanup(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Cleanup complete")
		return nil
	},
}

func init() {
	setCmd.Flags().Duration("expiry", 0, "Per-session TTL override")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(cleanupCmd)
}

// parseAssignments turns key=value arguments into a payload.
func parseAssignments(args []string) (map[string]any, error) {
	values := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q, expected key=value", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		values[key] = v
	}
	return values, nil
}
