package config

import (
	"bufio"
	"errors"
	"os"
	"strings"
)

// Credentials holds the exchange API key pair, sourced from the
// environment (optionally seeded from a .env file via LoadEnv).
type Credentials struct {
	APIKey    string
	APISecret string
}

// CredentialsFromEnv reads API_KEY / API_SECRET. In dry-run mode empty
// credentials are allowed; live trading requires both.
func CredentialsFromEnv(dryRun bool) (Credentials, error) {
	creds := Credentials{
		APIKey:    strings.TrimSpace(os.Getenv("API_KEY")),
		APISecret: strings.TrimSpace(os.Getenv("API_SECRET")),
	}
	if !dryRun && (creds.APIKey == "" || creds.APISecret == "") {
		return Credentials{}, errors.New("API_KEY and API_SECRET are required unless trading.dry_run is set")
	}
	return creds, nil
}

// LoadEnv reads a .env file and sets environment variables.
// Missing files are ignored to keep startup flexible.
func LoadEnv(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if len(val) >= 2 {
			if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
				val = val[1 : len(val)-1]
			}
		}
		if key != "" {
			if _, exists := os.LookupEnv(key); exists {
				continue
			}
			_ = os.Setenv(key, val)
		}
	}

	return scanner.Err()
}
