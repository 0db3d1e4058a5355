// Command farmhand is the Farmhand CLI client.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultServer = "http://localhost:8080"

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Settings resolve from flags, then
// FARMHAND_* environment variables, then the optional config file.
func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:          "farmhand",
		Short:        "Farmhand CLI",
		Long:         "Farmhand submits work to a farmhandd server and records review decisions.",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return initConfig(v)
		},
	}

	flags := root.PersistentFlags()
	flags.String("server", defaultServer, "farmhandd server URL")
	flags.String("token", "", "JWT or API key (or $FARMHAND_TOKEN)")
	flags.StringP("config", "c", "", "config file (default is $HOME/.config/farmhand/cli.yaml)")
	flags.Duration("timeout", 30*time.Second, "request timeout")
	for _, name := range []string{"server", "token", "config", "timeout"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	client := func() *Client {
		return &Client{
			BaseURL:    strings.TrimRight(v.GetString("server"), "/"),
			Token:      v.GetString("token"),
			HTTPClient: &http.Client{Timeout: v.GetDuration("timeout")},
		}
	}

	root.AddCommand(
		versionCmd(),
		updateCmd(),
		loginCmd(client),
		statusCmd(client),
		agentsCmd(client),
		agentCmd(client),
		tasksCmd(client),
		taskCmd(client),
		reviewsCmd(client),
		approveCmd(client),
		rejectCmd(client),
		modifyCmd(client),
		tickCmd(client),
	)
	return root
}

func initConfig(v *viper.Viper) error {
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("cli")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "farmhand"))
		}
	}

	v.SetEnvPrefix("FARMHAND")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if v.GetString("config") != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}
