package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <receipt-file>",
	Short: "Submit a receipt photo or PDF for processing",
	Long: `Submit a receipt photo or PDF for processing.

Examples:
  pantryd submit receipt.jpg
  pantryd submit receipt.pdf --date 2024-01-01 --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")
		wait, _ := cmd.Flags().GetBool("wait")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading receipt: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"image": base64.StdEncoding.EncodeToString(data)}
		if date != "" {
			req["purchase_date"] = date
		}

		resp, err := client.post(cmd.Context(), "/receipts", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		runID := result["run_id"]
		printSuccess("Submitted receipt, run %s", runID)

		if !wait {
			return nil
		}

		printStep("Waiting for run to finish...")
		for {
			time.Sleep(time.Second)

			statusResp, err := client.get(cmd.Context(), "/receipts/"+runID)
			if err != nil {
				return err
			}
			var run runStatus
			if err := decodeJSON(statusResp, &run); err != nil {
				return err
			}
			if run.terminal() {
				printRun(run)
				return nil
			}
		}
	},
}

func init() {
	submitCmd.Flags().String("date", "", "purchase date as YYYY-MM-DD (default: today)")
	submitCmd.Flags().Bool("wait", false, "wait for the run to finish and print the result")
}

// --- run ---

type runStatus struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	FinishedAt string `json:"finished_at"`
	Steps      []struct {
		Step      string          `json:"step"`
		Attempts  int             `json:"attempts"`
		Status    string          `json:"status"`
		ErrorKind string          `json:"error_kind"`
		Output    json.RawMessage `json:"output"`
	} `json:"steps"`
}

func (r runStatus) terminal() bool {
	switch r.Status {
	case "COMPLETED", "DEGRADED", "FAILED":
		return true
	}
	return false
}

func printRun(run runStatus) {
	printStatus("Run", "%s", run.RunID)
	printStatus("Status", "%s", run.Status)
	for _, step := range run.Steps {
		detail := fmt.Sprintf("%s (%d attempts)", step.Status, step.Attempts)
		if step.ErrorKind != "" {
			detail += " [" + step.ErrorKind + "]"
		}
		printStatus(step.Step, "%s", detail)
	}
}

var runCmd = &cobra.Command{
	Use:   "run <run-id>",
	Short: "Show the status of a workflow run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/receipts/"+args[0])
		if err != nil {
			return err
		}

		var run runStatus
		if err := decodeJSON(resp, &run); err != nil {
			return err
		}

		printRun(run)
		return nil
	},
}

// --- grocery ---

var groceryCmd = &cobra.Command{
	Use:   "grocery",
	Short: "Manage tracked grocery items",
}

var groceryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked grocery items",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("expiring-within")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/grocery"
		if days >= 0 {
			path = fmt.Sprintf("/grocery?expiring_within_days=%d", days)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var items []struct {
			ItemID         string  `json:"item_id"`
			Name           string  `json:"name"`
			Quantity       float64 `json:"quantity"`
			ExpirationDate string  `json:"expiration_date"`
			Status         string  `json:"status"`
		}
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}

		if len(items) == 0 {
			fmt.Println("No grocery items tracked.")
			return nil
		}

		for _, item := range items {
			expires := item.ExpirationDate
			if expires == "" {
				expires = "unknown"
			}
			status := item.Status
			switch item.Status {
			case "EXPIRED":
				status = colorize(colorRed, status)
			case "EXPIRING_SOON":
				status = colorize(colorYellow, status)
			default:
				status = colorize(colorGreen, status)
			}
			fmt.Printf("%s  %-30s x%-5.4g expires %-12s %s\n",
				colorize(colorCyan, item.ItemID), item.Name, item.Quantity, expires, status)
		}
		return nil
	},
}

var groceryRemoveCmd = &cobra.Command{
	Use:   "rm <item-id>",
	Short: "Remove a consumed or discarded item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/grocery/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed item %s", args[0])
		return nil
	},
}

func init() {
	groceryListCmd.Flags().Int("expiring-within", -1, "only show items expiring within this many days")
	groceryCmd.AddCommand(groceryListCmd)
	groceryCmd.AddCommand(groceryRemoveCmd)
}

// --- recipes ---

var recipesCmd = &cobra.Command{
	Use:   "recipes",
	Short: "Suggest recipes from tracked grocery items",
	RunE: func(cmd *cobra.Command, args []string) error {
		useExpiring, _ := cmd.Flags().GetBool("use-expiring")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/recipes"
		if useExpiring {
			path += "?use_expiring=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var recipes []struct {
			Name               string   `json:"name"`
			Ingredients        []string `json:"ingredients"`
			Instructions       string   `json:"instructions"`
			CookingTimeMinutes int      `json:"cooking_time_minutes"`
			MatchScore         float64  `json:"match_score"`
		}
		if err := decodeJSON(resp, &recipes); err != nil {
			return err
		}

		if len(recipes) == 0 {
			fmt.Println("No recipes suggested.")
			return nil
		}

		for i, recipe := range recipes {
			fmt.Printf("\n%s [match: %.0f%%, %d min]\n",
				colorize(colorBold, fmt.Sprintf("%d. %s", i+1, recipe.Name)),
				recipe.MatchScore*100, recipe.CookingTimeMinutes)
			for _, ingredient := range recipe.Ingredients {
				fmt.Printf("  - %s\n", ingredient)
			}
			if recipe.Instructions != "" {
				fmt.Printf("  %s\n", recipe.Instructions)
			}
		}
		return nil
	},
}

func init() {
	recipesCmd.Flags().Bool("use-expiring", false, "prioritize items that expire within three days")
}
