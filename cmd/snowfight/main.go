package main

import (
	"os"

	"github.com/spf13/cobra"
)

var ConfigFlag string

func main() {
	rootCmd := &cobra.Command{
		Use:   "snowfight",
		Short: "Snowfight game server and related tools",
		RunE:  ServerCommand,
	}
	rootCmd.PersistentFlags().StringVarP(&ConfigFlag, "config", "c", "./", "Path to the directory containing config.yaml")

	clientCmd.Flags().IntVar(&AttemptsFlag, "attempts", 5, "Number of connection attempts before giving up")

	certgenCmd.Flags().StringVar(&HostsFlag, "hosts", "", "Comma-separated IP addresses and hostnames the certificate is valid for")
	certgenCmd.Flags().StringVar(&KeystorePasswordFlag, "keystore-password", "", "Password protecting the server keystore")
	certgenCmd.Flags().StringVar(&TruststorePasswordFlag, "truststore-password", "", "Password protecting the client trust store")

	matchesCmd.Flags().IntVarP(&LimitFlag, "limit", "n", 10, "Number of matches to list")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(certgenCmd)
	rootCmd.AddCommand(matchesCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Runs the game server (default)",
	RunE:  ServerCommand,
}
