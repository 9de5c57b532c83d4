package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/countersign-io/countersign/pkg/signing"
	"github.com/countersign-io/countersign/pkg/totp"
)

var (
	serverURL string
	Version   = "dev"
)

type device struct {
	DeviceID       string     `json:"DeviceID"`
	DeviceName     string     `json:"DeviceName"`
	LifecycleState string     `json:"LifecycleState"`
	PolicyHash     string     `json:"PolicyHash"`
	RiskScore      float64    `json:"RiskScore"`
	LastSeen       *time.Time `json:"LastSeen"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "countersign",
		Short: "Countersign - command authorization and dispatch control plane",
		Long:  "Inspect devices, commands, and alerts on a Countersign server, and generate signing material.",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Countersign server URL")

	rootCmd.AddCommand(
		keygenCmd(),
		totpURICmd(),
		statusCmd(),
		devicesCmd(),
		deviceCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a fresh Ed25519 keypair (base64)",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, pub, err := signing.GenerateKeypair()
			if err != nil {
				return err
			}
			fmt.Printf("private_key_b64: %s\n", priv)
			fmt.Printf("public_key_b64:  %s\n", pub)
			return nil
		},
	}
}

func totpURICmd() *cobra.Command {
	var issuer, label string
	cmd := &cobra.Command{
		Use:   "totp-uri",
		Short: "Generate a TOTP secret and enrollment URI",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := totp.GenerateSecret(20)
			if err != nil {
				return err
			}
			fmt.Printf("secret: %s\n", secret)
			fmt.Printf("uri:    %s\n", totp.Default().EnrollmentURI(issuer, label, secret))
			return nil
		},
	}
	cmd.Flags().StringVar(&issuer, "issuer", "Countersign", "Issuer shown in the authenticator app")
	cmd.Flags().StringVar(&label, "label", "operator", "Account label")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := fetchDevices()
			if err != nil {
				return err
			}

			active := 0
			var riskSum float64
			for _, d := range devices {
				if d.LifecycleState == "active" {
					active++
				}
				riskSum += d.RiskScore
			}

			fmt.Printf("Countersign Status\n")
			fmt.Printf("==================\n\n")
			fmt.Printf("Total Devices:  %d\n", len(devices))
			fmt.Printf("Active:         %d\n", active)
			if len(devices) > 0 {
				fmt.Printf("Avg Risk Score: %.1f\n", riskSum/float64(len(devices)))
			}
			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "devices",
		Aliases: []string{"ls", "list"},
		Short:   "List all devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := fetchDevices()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tSTATE\tRISK\tPOLICY HASH\tLAST SEEN")
			fmt.Fprintln(w, "------\t-----\t----\t-----------\t---------")

			for _, d := range devices {
				lastSeen := "never"
				if d.LastSeen != nil {
					lastSeen = time.Since(*d.LastSeen).Round(time.Second).String() + " ago"
				}
				hash := d.PolicyHash
				if len(hash) > 12 {
					hash = hash[:12]
				}
				fmt.Fprintf(w, "%s\t%s\t%.0f\t%s\t%s\n", d.DeviceID, d.LifecycleState, d.RiskScore, hash, lastSeen)
			}

			w.Flush()
			return nil
		},
	}
}

func deviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device [device-id]",
		Short: "Show details for a specific device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := fetchDevice(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Device: %s\n", d.DeviceID)
			fmt.Printf("========================================\n\n")
			fmt.Printf("Name:         %s\n", d.DeviceName)
			fmt.Printf("State:        %s\n", d.LifecycleState)
			fmt.Printf("Risk Score:   %.1f\n", d.RiskScore)
			fmt.Printf("Policy Hash:  %s\n", d.PolicyHash)
			if d.LastSeen != nil {
				fmt.Printf("Last Seen:    %s (%s ago)\n", d.LastSeen.Format(time.RFC3339), time.Since(*d.LastSeen).Round(time.Second))
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("countersign version %s\n", Version)
		},
	}
}

func fetchDevices() ([]device, error) {
	body, err := getJSON(serverURL + "/v1/devices")
	if err != nil {
		return nil, err
	}

	var payload struct {
		Devices []device `json:"devices"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	return payload.Devices, nil
}

func fetchDevice(deviceID string) (*device, error) {
	body, err := getJSON(serverURL + "/v1/devices/" + deviceID)
	if err != nil {
		return nil, err
	}

	var d device
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func getJSON(url string) ([]byte, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
