// skipperctl is the operator CLI for skipperd: submit, cancel, pause,
// resume, inspect status, and watch the live status feed.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/harborline/go-skipper/internal/httpc"
	"github.com/harborline/go-skipper/pkg/web"
)

var serverURL string

func main() {
	root := &cobra.Command{
		Use:   "skipperctl",
		Short: "Control the skipperd mission supervisor",
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("SKIPPER_SERVER", "http://127.0.0.1:9300"), "skipperd base URL")

	root.AddCommand(submitCmd(), cancelCmd(), pauseCmd(), resumeCmd(), statusCmd(), missionCmd(), watchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func api(path string) string {
	return strings.TrimRight(serverURL, "/") + path
}

func submitCmd() *cobra.Command {
	var file string
	var goals []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a mission from a JSON file or --goal flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req web.SubmitRequest
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &req); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			case len(goals) > 0:
				for _, g := range goals {
					spec, err := parseGoal(g)
					if err != nil {
						return err
					}
					req.Goals = append(req.Goals, spec)
				}
			default:
				return fmt.Errorf("provide --file or at least one --goal")
			}

			var resp struct {
				MissionID string `json:"mission_id"`
			}
			if err := httpc.PostJSON(api("/api/mission"), req, &resp); err != nil {
				return err
			}
			fmt.Println("mission accepted:", resp.MissionID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with {\"goals\": [...]}")
	cmd.Flags().StringArrayVar(&goals, "goal", nil, "Goal as \"lat,lon[,heading]\" (repeatable, in order)")
	return cmd
}

// parseGoal splits "lat,lon[,heading]" into a goal spec.
func parseGoal(s string) (web.GoalSpec, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 && len(parts) != 3 {
		return web.GoalSpec{}, fmt.Errorf("goal %q: want \"lat,lon[,heading]\"", s)
	}
	vals := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return web.GoalSpec{}, fmt.Errorf("goal %q: %w", s, err)
		}
		vals[i] = v
	}
	spec := web.GoalSpec{Lat: vals[0], Lon: vals[1]}
	if len(vals) == 3 {
		spec.Heading = vals[2]
	}
	return spec, nil
}

func cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the current mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := api("/api/mission")
			if reason != "" {
				url += "?reason=" + reason
			}
			if err := httpc.Delete(url, nil); err != nil {
				return err
			}
			fmt.Println("cancel requested")
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Cancellation reason")
	return cmd
}

func pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause the current mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return httpc.PostJSON(api("/api/mission/pause"), struct{}{}, nil)
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return httpc.PostJSON(api("/api/mission/resume"), struct{}{}, nil)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the latest status event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(api("/api/status"))
		},
	}
}

func missionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mission",
		Short: "Show the full current mission, completed goals included",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(api("/api/mission"))
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream status events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsBase := strings.TrimRight(serverURL, "/")
			wsBase = strings.Replace(wsBase, "https://", "wss://", 1)
			wsBase = strings.Replace(wsBase, "http://", "ws://", 1)

			dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
			conn, _, err := dialer.Dial(wsBase+"/ws/status", nil)
			if err != nil {
				return err
			}
			defer conn.Close()

			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return err
				}
				fmt.Println(string(msg))
			}
		},
	}
}

func printJSON(url string) error {
	var v any
	if err := httpc.GetJSON(url, &v); err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
