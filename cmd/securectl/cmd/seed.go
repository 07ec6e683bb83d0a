package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"
)

var (
	seedActors   int
	seedRequests int
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the server with generated demo traffic",
	Long: `Generates fake actors and drives authorization requests through the
API so a demo environment has a populated ledger and risk baselines.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		gofakeit.Seed(time.Now().UnixNano())

		resourceTypes := []string{"patient_record", "lab_result", "billing_account", "appointment"}
		actions := []string{"read", "update", "export"}

		var accepted, challenged, denied int
		for i := 0; i < seedActors; i++ {
			actorID := fmt.Sprintf("%s.%s", gofakeit.FirstName(), gofakeit.LastName())
			device := gofakeit.UUID()
			lat := gofakeit.Latitude()
			lon := gofakeit.Longitude()

			for j := 0; j < seedRequests; j++ {
				req := map[string]interface{}{
					"actor_id":      actorID,
					"actor_tier":    "standard",
					"resource_type": resourceTypes[gofakeit.Number(0, len(resourceTypes)-1)],
					"resource_id":   gofakeit.UUID(),
					"action":        actions[gofakeit.Number(0, len(actions)-1)],
					"payload": map[string]string{
						"ssn":       gofakeit.SSN(),
						"diagnosis": gofakeit.LoremIpsumSentence(4),
						"phone":     gofakeit.Phone(),
					},
					"context": map[string]interface{}{
						"ip_address":         gofakeit.IPv4Address(),
						"device_fingerprint": device,
						"user_agent":         gofakeit.UserAgent(),
						"location":           map[string]float64{"latitude": lat, "longitude": lon},
						"timestamp":          time.Now().UTC().Format(time.RFC3339),
					},
					"access_purpose": "treatment",
				}

				var decision struct {
					Kind      string  `json:"kind"`
					RiskScore float64 `json:"risk_score"`
				}
				if err := postJSON("/api/v1/authorize", req, &decision); err != nil {
					// Hard denies come back as 403; count them and keep going.
					if strings.Contains(err.Error(), "server returned 403") {
						denied++
						continue
					}
					return fmt.Errorf("seeding request for %s: %w", actorID, err)
				}
				switch decision.Kind {
				case "allow":
					accepted++
				case "require_additional_factor":
					challenged++
				default:
					denied++
				}
			}
		}

		fmt.Printf("seeded %d actors, %d requests: %d allowed, %d challenged, %d denied\n",
			seedActors, seedActors*seedRequests, accepted, challenged, denied)
		return nil
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedActors, "actors", 10, "number of fake actors to create")
	seedCmd.Flags().IntVar(&seedRequests, "requests", 5, "requests per actor")
	rootCmd.AddCommand(seedCmd)
}
