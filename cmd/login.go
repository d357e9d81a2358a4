package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/stepchat/internal/config"
	"github.com/zjrosen/stepchat/internal/connection"
	"github.com/zjrosen/stepchat/internal/workflow"
)

var loginSettings workflow.Settings

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save transport credentials to the config file",
	Long: `Save the transport credentials to the config file. Flags that are not
given keep their configured value.

Example:
  stepchat login --endpoint wss://agents.example.com --token $TOKEN \
    --tenant acme --participant user-42 --name "Pat"`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

func init() {
	f := loginCmd.Flags()
	f.StringVar(&loginSettings.EndpointURL, "endpoint", "", "transport endpoint URL")
	f.StringVar(&loginSettings.AuthToken, "token", "", "auth token")
	f.StringVar(&loginSettings.TenantID, "tenant", "", "tenant ID")
	f.StringVar(&loginSettings.ParticipantID, "participant", "", "participant ID")
	f.StringVar(&loginSettings.DisplayName, "name", "", "display name (optional)")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, _ []string) error {
	s := mergeSettings(cfg.Settings, loginSettings)
	if !connection.HasValidSettings(s) {
		return fmt.Errorf("%w: endpoint, token, tenant and participant are required", connection.ErrInvalidSettings)
	}
	if err := config.SaveSettings(cfgPath, s); err != nil {
		return err
	}
	cmd.Printf("saved %s to %s\n", s, cfgPath)
	return nil
}

// mergeSettings overlays the non-empty fields of over onto base.
func mergeSettings(base, over workflow.Settings) workflow.Settings {
	pick := func(b, o string) string {
		if o != "" {
			return o
		}
		return b
	}
	return workflow.Settings{
		EndpointURL:   pick(base.EndpointURL, over.EndpointURL),
		AuthToken:     pick(base.AuthToken, over.AuthToken),
		TenantID:      pick(base.TenantID, over.TenantID),
		ParticipantID: pick(base.ParticipantID, over.ParticipantID),
		DisplayName:   pick(base.DisplayName, over.DisplayName),
	}
}
