package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/snowfight/snowfight/internal/security"
)

const (
	keystoreFilename   = "server.p12"
	truststoreFilename = "truststore.p12"
)

var (
	HostsFlag              string
	KeystorePasswordFlag   string
	TruststorePasswordFlag string
)

var certgenCmd = &cobra.Command{
	Use:   "certgen",
	Short: "Generates a self-signed server keystore and matching client trust store",
	Long: "Generates a self-signed X.509 certificate (valid for 10 years) and writes it\n" +
		"with its private key to " + keystoreFilename + " for the server, and on its own to\n" +
		truststoreFilename + " for clients. Both files are written to the --config directory.",
	RunE: CertgenCommand,
}

func CertgenCommand(cmd *cobra.Command, args []string) error {
	hosts := splitHosts(HostsFlag)
	if len(hosts) == 0 {
		// Read in a list of hosts.
		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("server's external IP or hostname (blank to finish): ")
			if !scanner.Scan() || strings.TrimSpace(scanner.Text()) == "" {
				break
			}
			hosts = append(hosts, strings.TrimSpace(scanner.Text()))
		}
	}

	keystore, truststore, err := security.GenerateKeystores(hosts, KeystorePasswordFlag, TruststorePasswordFlag)
	if err != nil {
		return fmt.Errorf("error generating keystores: %w", err)
	}

	keystorePath := filepath.Join(ConfigFlag, keystoreFilename)
	if err := os.WriteFile(keystorePath, keystore, 0600); err != nil {
		return fmt.Errorf("error writing %s: %w", keystorePath, err)
	}
	truststorePath := filepath.Join(ConfigFlag, truststoreFilename)
	if err := os.WriteFile(truststorePath, truststore, 0644); err != nil {
		return fmt.Errorf("error writing %s: %w", truststorePath, err)
	}

	fmt.Printf(
		"\nDone! Point security.keystore_file at %s on the server and distribute\n"+
			"%s to players, referenced by client.truststore_file.\n",
		keystorePath,
		truststorePath,
	)
	return nil
}

func splitHosts(hosts string) []string {
	var split []string
	for _, host := range strings.Split(hosts, ",") {
		if host = strings.TrimSpace(host); host != "" {
			split = append(split, host)
		}
	}
	return split
}
