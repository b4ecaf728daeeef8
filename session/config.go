package session

import "os"

// Environment variables recognized by the FromEnv helpers.
const (
	EnvBaseURL       = "TASTY_BASE_URL"
	EnvWebSocketURL  = "TASTY_WEBSOCKET_URL"
	EnvLogin         = "TASTY_LOGIN"
	EnvPassword      = "TASTY_PASSWORD"
	EnvRememberToken = "TASTY_REMEMBER_TOKEN"
)

// ConfigFromEnv builds a Config from the environment. Unset variables fall
// back to the production defaults.
func ConfigFromEnv() Config {
	return Config{
		BaseURL:      os.Getenv(EnvBaseURL),
		WebSocketURL: os.Getenv(EnvWebSocketURL),
	}
}

// CredentialsFromEnv builds login credentials from the environment. A
// remember token takes precedence over a password when both are set.
func CredentialsFromEnv() Credentials {
	creds := Credentials{
		Login:      os.Getenv(EnvLogin),
		RememberMe: true,
	}
	if tok := os.Getenv(EnvRememberToken); tok != "" {
		creds.RememberToken = tok
	} else {
		creds.Password = os.Getenv(EnvPassword)
	}
	return creds
}
