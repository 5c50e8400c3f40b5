package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// --- send ---

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a satisfaction survey to a customer",
	Long: `Send a satisfaction survey to a customer over WhatsApp.

Examples:
  encuesta send --phone 70001234 --name "Ana Flores" --company "ACME SRL"
  encuesta send --phone 59170001234 --order ORD-104 --products "2x filtro industrial"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		phone, _ := cmd.Flags().GetString("phone")
		if phone == "" {
			return fmt.Errorf("--phone is required")
		}
		name, _ := cmd.Flags().GetString("name")
		company, _ := cmd.Flags().GetString("company")
		clientID, _ := cmd.Flags().GetString("client-id")
		orderID, _ := cmd.Flags().GetString("order")
		products, _ := cmd.Flags().GetString("products")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"phone_number":  phone,
			"customer_name": name,
			"company":       company,
			"client_id":     clientID,
			"order_id":      orderID,
			"products":      products,
		}

		resp, err := client.post("/surveys", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Survey sent, response %s", result["response_id"])
		return nil
	},
}

func init() {
	sendCmd.Flags().String("phone", "", "customer phone number")
	sendCmd.Flags().String("name", "", "customer name for the greeting")
	sendCmd.Flags().String("company", "", "customer company")
	sendCmd.Flags().String("client-id", "", "internal client identifier")
	sendCmd.Flags().String("order", "", "order the survey is about")
	sendCmd.Flags().String("products", "", "products in the order")
}

// --- responses ---

var responsesCmd = &cobra.Command{
	Use:   "responses",
	Short: "Inspect collected survey responses",
}

var responsesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent responses",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(fmt.Sprintf("/responses?limit=%d", limit))
		if err != nil {
			return err
		}

		var responses []struct {
			ID          string `json:"id"`
			PhoneNumber string `json:"phone_number"`
			FirstRating *int   `json:"first_rating"`
			CreatedAt   string `json:"created_at"`
		}
		if err := decodeJSON(resp, &responses); err != nil {
			return err
		}

		if len(responses) == 0 {
			fmt.Println("No responses found.")
			return nil
		}

		for _, r := range responses {
			rating := "-"
			if r.FirstRating != nil {
				rating = fmt.Sprintf("%d", *r.FirstRating)
			}
			fmt.Printf("%s  %s  %s  rating=%s\n",
				colorize(colorCyan, r.ID[:8]),
				r.CreatedAt,
				r.PhoneNumber,
				rating,
			)
		}
		return nil
	},
}

var responsesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/responses/" + args[0])
		if err != nil {
			return err
		}

		var response any
		if err := decodeJSON(resp, &response); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(response)
	},
}

func init() {
	responsesListCmd.Flags().Int("limit", 20, "maximum number of responses to list")
	responsesCmd.AddCommand(responsesListCmd)
	responsesCmd.AddCommand(responsesShowCmd)
}
